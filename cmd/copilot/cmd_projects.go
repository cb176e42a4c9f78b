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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/DatasetCopilot/internal/backend"
	"github.com/AleutianAI/DatasetCopilot/pkg/ux"
	"github.com/spf13/cobra"
)

func newProjectsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "projects",
		Aliases: []string{"project"},
		Short:   "Manage projects and their datasets on the platform backend",
	}

	withBackend := func(fn func(cmd *cobra.Command, c *backend.Client, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := a.newBackend()
			if err != nil {
				return err
			}
			return fn(cmd, c, args)
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  cobra.NoArgs,
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, _ []string) error {
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			rows := [][]string{{"ID", "NAME", "DESCRIPTION"}}
			for _, p := range projects {
				rows = append(rows, []string{strconv.FormatInt(p.ID, 10), p.Name, p.Description})
			}
			ux.Println(ux.RenderTable(rows))
			return nil
		}),
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project and its datasets",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := c.GetProject(cmd.Context(), id)
			if err != nil {
				return err
			}
			datasets, err := c.ListDatasets(cmd.Context(), id)
			if err != nil {
				return err
			}

			lines := []string{p.Description}
			for _, d := range datasets {
				lines = append(lines, fmt.Sprintf("%s %d  %s", ux.IconBullet, d.ID, d.Name))
			}
			if len(datasets) == 0 {
				lines = append(lines, "no datasets")
			}
			ux.Box(p.Name, strings.TrimSpace(strings.Join(lines, "\n")))
			return nil
		}),
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.MinimumNArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			p, err := c.CreateProject(cmd.Context(), backend.Project{
				Name:        strings.Join(args, " "),
				Description: description,
			})
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("created project %d (%s)", p.ID, p.Name))
			return nil
		}),
	}
	create.Flags().StringVar(&description, "description", "", "project description")

	var newName, newDescription string
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename a project or change its description",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := c.UpdateProject(cmd.Context(), id, backend.Project{Name: newName, Description: newDescription})
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("updated project %d (%s)", p.ID, p.Name))
			return nil
		}),
	}
	update.Flags().StringVar(&newName, "name", "", "new name")
	update.Flags().StringVar(&newDescription, "description", "", "new description")

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project and all of its datasets",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := c.DeleteProject(cmd.Context(), id); err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("deleted project %d", id))
			return nil
		}),
	}

	stats := &cobra.Command{
		Use:   "dataset-stats <dataset-id>",
		Short: "Print the statistics the backend computed for a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			doc, err := c.DatasetStats(cmd.Context(), id)
			if err != nil {
				return err
			}
			ux.Println(string(doc))
			return nil
		}),
	}

	removeDataset := &cobra.Command{
		Use:   "dataset-delete <dataset-id>",
		Short: "Delete one dataset",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := c.DeleteDataset(cmd.Context(), id); err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("deleted dataset %d", id))
			return nil
		}),
	}

	uploadDataset := &cobra.Command{
		Use:   "dataset-upload <project-id> <path>",
		Short: "Store a file as a new dataset of a project",
		Args:  cobra.ExactArgs(2),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			pid, err := parseID(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			d, err := c.UploadDataset(cmd.Context(), pid, filepath.Base(args[1]), f)
			if err != nil {
				return err
			}
			ux.Success(fmt.Sprintf("stored dataset %d (%s) in project %d", d.ID, d.Name, pid))
			return nil
		}),
	}

	audit := &cobra.Command{
		Use:   "dataset-audit <dataset-id>",
		Short: "Run the backend's privacy audit of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			report, err := c.PrivacyAudit(cmd.Context(), id)
			if err != nil {
				return err
			}
			ux.Box(fmt.Sprintf("privacy audit of dataset %d", id), fmt.Sprintf("Status: %s\nScore: %d/100", report.Status, report.Score))
			return nil
		}),
	}

	anomalies := &cobra.Command{
		Use:   "dataset-anomalies <dataset-id>",
		Short: "Run the backend's anomaly detection on a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, c *backend.Client, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			report, err := c.AnomalyDetection(cmd.Context(), id)
			if err != nil {
				return err
			}
			ux.Box(fmt.Sprintf("anomalies in dataset %d", id), fmt.Sprintf("Status: %s\nFound: %d", report.Status, report.Count))
			return nil
		}),
	}

	cmd.AddCommand(list, show, create, update, remove, stats, removeDataset, uploadDataset, audit, anomalies)
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
