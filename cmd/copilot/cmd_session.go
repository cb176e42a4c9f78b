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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/ingest"
	"github.com/AleutianAI/DatasetCopilot/internal/router"
	"github.com/AleutianAI/DatasetCopilot/pkg/ux"
	"github.com/spf13/cobra"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		uploadPath  string
		fileID      string
		contextFile string
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			var qc router.QueryContext
			if contextFile != "" {
				if qc, err = readQueryContext(contextFile); err != nil {
					return err
				}
			}

			switch {
			case uploadPath != "":
				if _, err := uploadFile(ctx, cp, uploadPath); err != nil {
					if !isIngestFailure(err) {
						return err
					}
					printAssistant(cp.Session())
					return &exitError{code: exitBlocked}
				}
			case fileID != "":
				if err := cp.RefreshFiles(ctx); err != nil {
					return err
				}
				if err := cp.Select(fileID); err != nil {
					return fmt.Errorf("%s: %w", fileID, err)
				}
			}

			out, err := cp.Ask(ctx, strings.Join(args, " "), qc)
			if err != nil {
				return err
			}
			ux.Println(ux.RenderMessage(out.Assistant))
			if out.Blocked || out.Assistant.Flag == conversation.FlagError {
				return &exitError{code: exitBlocked}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&uploadPath, "upload", "", "upload this dataset first and ask about it")
	cmd.Flags().StringVar(&fileID, "file", "", "ask about an already uploaded dataset")
	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with statistics and dataset_info")
	cmd.MarkFlagsMutuallyExclusive("upload", "file")
	return cmd
}

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>...",
		Short: "Upload and analyze datasets (csv, xlsx, xls, json)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			failed := 0
			for _, path := range args {
				_, err := uploadFile(cmd.Context(), cp, path)
				if err != nil {
					failed++
					if !isIngestFailure(err) {
						ux.Error(fmt.Sprintf("%s: %v", path, err))
						continue
					}
				}
				printAssistant(cp.Session())
			}
			if failed > 0 {
				return &exitError{code: exitBlocked, msg: fmt.Sprintf("%d of %d uploads failed", failed, len(args))}
			}
			return nil
		},
	}
}

// printAssistant prints the last assistant message.
func printAssistant(s *conversation.Session) {
	msgs := s.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleAssistant {
			ux.Println(ux.RenderMessage(msgs[i]))
			return
		}
	}
}

func newFilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List datasets known to the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			if err := cp.RefreshFiles(cmd.Context()); err != nil {
				return err
			}
			if out := ux.RenderFiles(cp.Files(), ""); out != "" {
				ux.Println(out)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <file_id>",
		Short: "Show the stored analysis of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			summary, err := cp.FileDetails(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSummary(args[0], summary)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "delete <file_id>",
		Short: "Delete a dataset and its analysis from the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			if err := cp.DeleteFile(cmd.Context(), args[0]); err != nil {
				return err
			}
			ux.Success("deleted " + args[0])
			return nil
		},
	}

	cmd.AddCommand(show, remove)
	return cmd
}

func printSummary(fileID string, s ingest.Summary) {
	risks := "none detected"
	if len(s.Risks) > 0 {
		risks = strings.Join(s.Risks, "; ")
	}
	quality := fmt.Sprintf("%d/100", s.QualityScore)
	if s.QualityLevel != "" {
		quality += " " + s.QualityLevel
	}
	ux.Box(fileID, strings.Join([]string{
		"File: " + s.Filename,
		fmt.Sprintf("Rows: %d", s.Rows),
		fmt.Sprintf("Columns: %d", s.Columns),
		"Quality: " + quality,
		"Risks: " + risks,
	}, "\n"))
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the analysis service and its model are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			st := cp.CheckHealth(cmd.Context())
			ux.Println(ux.RenderStatus(st))
			if !st.Online {
				return &exitError{code: exitBlocked}
			}
			return nil
		},
	}
}

// isIngestFailure reports whether err came from the service rather than
// from reading the local file.
func isIngestFailure(err error) bool {
	return errors.Is(err, ingest.ErrIngestionFailed) || errors.Is(err, ingest.ErrIngestionTransport)
}
