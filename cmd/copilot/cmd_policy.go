// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/DatasetCopilot/pkg/ux"
	"github.com/spf13/cobra"
)

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the privacy rules applied before a question is sent",
	}

	check := &cobra.Command{
		Use:   "check <text>",
		Short: "Report whether a question would be blocked (exit 1 if blocked)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := a.loadPolicy()
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			v := rules.Evaluate(text)

			if !v.Blocked {
				ux.Success("allowed")
				return nil
			}
			if ux.GetPersonality().Level == ux.PersonalityMachine {
				ux.Println(fmt.Sprintf("blocked\t%s\t%s", v.RuleID, v.Match))
			} else {
				ux.Warning(fmt.Sprintf("blocked by %s: %s", v.RuleID, v.Description))
				ux.Muted("matched: " + v.Match)
			}
			return &exitError{code: exitBlocked}
		},
	}

	list := &cobra.Command{
		Use:   "rules",
		Short: "List the active rules, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules, err := a.loadPolicy()
			if err != nil {
				return err
			}
			rows := [][]string{{"ID", "PRIORITY", "PATTERNS", "DESCRIPTION"}}
			for _, r := range rules.Rules() {
				rows = append(rows, []string{r.ID, strconv.Itoa(r.Priority), strconv.Itoa(len(r.Patterns)), r.Description})
			}
			ux.Println(ux.RenderTable(rows))
			return nil
		},
	}

	cmd.AddCommand(check, list)
	return cmd
}
