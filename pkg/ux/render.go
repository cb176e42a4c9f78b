// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/health"
	"github.com/AleutianAI/DatasetCopilot/internal/library"
	"github.com/charmbracelet/lipgloss"
)

// RenderMessage formats one transcript entry for the current personality.
//
// Machine mode writes one tab-separated line per message:
//
//	role<TAB>flag<TAB>model<TAB>content
//
// with newlines in content escaped as "\n".
func RenderMessage(msg conversation.Message) string {
	p := GetPersonality()
	if p.Level == PersonalityMachine {
		flag := string(msg.Flag)
		if flag == "" {
			flag = "-"
		}
		model := msg.ModelName
		if model == "" {
			model = "-"
		}
		return strings.Join([]string{
			string(msg.Role), flag, model, strings.ReplaceAll(msg.Content, "\n", `\n`),
		}, "\t")
	}

	var b strings.Builder
	if p.ShowTimestamps && !msg.Timestamp.IsZero() {
		b.WriteString(Styles.Muted.Render(msg.Timestamp.Format("15:04:05")))
		b.WriteByte(' ')
	}

	if msg.Role == conversation.RoleUser {
		b.WriteString(Styles.User.Render("you"))
		b.WriteString(Styles.Muted.Render(" › "))
		b.WriteString(msg.Content)
		return b.String()
	}

	label := "copilot"
	if msg.ModelName != "" && p.Level != PersonalityMinimal {
		label += Styles.Muted.Render(" (" + msg.ModelName + ")")
	}
	b.WriteString(Styles.Assistant.Render(label))
	b.WriteString(Styles.Muted.Render(" › "))

	switch msg.Flag {
	case conversation.FlagWarning:
		b.WriteString(IconWarning.Render() + " " + Styles.Warning.Render(msg.Content))
	case conversation.FlagError:
		b.WriteString(IconError.Render() + " " + Styles.Error.Render(msg.Content))
	default:
		b.WriteString(msg.Content)
	}
	return b.String()
}

// RenderTranscript formats messages separated by newlines.
func RenderTranscript(msgs []conversation.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, RenderMessage(m))
	}
	return strings.Join(lines, "\n")
}

// RenderStatus formats a health snapshot.
func RenderStatus(st health.Status) string {
	if GetPersonality().Level == PersonalityMachine {
		return fmt.Sprintf("online=%t\tmodel=%s\tollama=%t\tchecked=%s\terror=%s",
			st.Online, st.ModelName, st.OllamaRunning, formatChecked(st.LastCheckedAt, time.RFC3339), st.Error)
	}

	var state string
	switch {
	case st.LastCheckedAt.IsZero():
		state = IconPending.Render() + " " + Styles.Muted.Render("not checked yet")
	case st.Online:
		state = IconOnline.Render() + " " + Styles.Success.Render("online")
	default:
		state = IconError.Render() + " " + Styles.Error.Render("offline")
	}

	rows := []string{state}
	if st.ModelName != "" {
		rows = append(rows, "model   "+Styles.Bold.Render(st.ModelName))
	}
	if !st.LastCheckedAt.IsZero() {
		rows = append(rows, "checked "+Styles.Muted.Render(formatChecked(st.LastCheckedAt, "15:04:05")))
	}
	if st.Error != "" {
		rows = append(rows, Styles.Error.Render(st.Error))
	}
	return strings.Join(rows, "\n")
}

func formatChecked(t time.Time, layout string) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(layout)
}

// RenderFiles formats the dataset library as a table. The selected file is
// marked with an arrow.
func RenderFiles(files []library.DatasetFile, selectedID string) string {
	if len(files) == 0 {
		if GetPersonality().Level == PersonalityMachine {
			return ""
		}
		return Styles.Muted.Render("No datasets uploaded yet.")
	}

	if GetPersonality().Level == PersonalityMachine {
		lines := make([]string, 0, len(files))
		for _, f := range files {
			sel := "-"
			if f.FileID == selectedID {
				sel = "*"
			}
			lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%d\t%d\t%d\t%s",
				sel, f.FileID, f.Filename, f.RowCount, f.Columns, f.QualityScore, f.QualityLevel))
		}
		return strings.Join(lines, "\n")
	}

	header := []string{"", "FILE", "ROWS", "COLS", "QUALITY"}
	rows := [][]string{header}
	for _, f := range files {
		mark := " "
		if f.FileID == selectedID {
			mark = string(IconArrow)
		}
		quality := fmt.Sprintf("%d/100", f.QualityScore)
		if f.QualityLevel != "" {
			quality += " " + f.QualityLevel
		}
		rows = append(rows, []string{mark, f.Filename, fmt.Sprint(f.RowCount), fmt.Sprint(f.Columns), quality})
	}
	return renderTable(rows)
}

// renderTable left-aligns columns, bolding the first row.
func renderTable(rows [][]string) string {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	lines := make([]string, 0, len(rows))
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i])
			if r == 0 {
				style = style.Bold(true)
			}
			cells[i] = style.Render(cell)
		}
		lines = append(lines, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	return strings.Join(lines, "\n")
}

// RenderTable formats rows as an aligned table whose first row is a
// header. Machine mode uses tabs.
func RenderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	if GetPersonality().Level == PersonalityMachine {
		lines := make([]string, 0, len(rows)-1)
		for _, row := range rows[1:] {
			lines = append(lines, strings.Join(row, "\t"))
		}
		return strings.Join(lines, "\n")
	}
	return renderTable(rows)
}
