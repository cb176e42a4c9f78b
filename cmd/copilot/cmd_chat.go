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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/DatasetCopilot/internal/conversation"
	"github.com/AleutianAI/DatasetCopilot/internal/copilot"
	"github.com/AleutianAI/DatasetCopilot/internal/ingest"
	"github.com/AleutianAI/DatasetCopilot/internal/router"
	"github.com/AleutianAI/DatasetCopilot/pkg/ux"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /upload <path>     upload and analyze a dataset
  /files             list datasets
  /refresh           reload the dataset list from the service
  /select <file_id>  ask questions about a dataset
  /details <file_id> show the stored analysis of a dataset
  /delete <file_id>  delete a dataset from the service
  /clear             stop asking about a dataset
  /context <path>    use statistics from a JSON file for analysis questions
  /nocontext         drop the statistics context
  /status            check the service
  /history           print the conversation
  /quit              leave`

func newChatCmd(a *app) *cobra.Command {
	var contextFile string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cp, err := a.newCopilot()
			if err != nil {
				return err
			}
			defer cp.Close()

			loop := &chatLoop{cp: cp}
			if contextFile != "" {
				if loop.qc, err = readQueryContext(contextFile); err != nil {
					return err
				}
			}

			if err := cp.Start(cmd.Context()); err != nil {
				return err
			}

			var in ux.InputReader
			if a.stdin == os.Stdin {
				in = ux.NewInputReader(100)
			} else {
				in = ux.NewLineReader(a.stdin)
			}
			loop.in = in
			return loop.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with statistics and dataset_info for analysis questions")
	return cmd
}

// chatLoop is the REPL behind the chat command.
type chatLoop struct {
	cp      *copilot.Copilot
	in      ux.InputReader
	qc      router.QueryContext
	printed int
}

func (l *chatLoop) run(ctx context.Context) error {
	ux.Title("Dataset Copilot")
	if ux.GetPersonality().ShowTips {
		ux.Muted("Type a question, or /help for commands.")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.prompt()
		line, err := l.in.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := l.command(ctx, line)
			if err != nil {
				ux.Error(err.Error())
			}
			if quit {
				return nil
			}
			continue
		}
		l.ask(ctx, line)
	}
}

func (l *chatLoop) prompt() {
	label := "> "
	if cur, ok := l.cp.Library().Current(); ok {
		label = cur.Filename + " > "
	}
	if p, ok := l.in.(ux.PromptingInputReader); ok {
		p.SetPrompt(label)
		return
	}
	if ux.IsInteractive() {
		fmt.Print(label)
	}
}

func (l *chatLoop) ask(ctx context.Context, text string) {
	spin := ux.NewSpinner("Thinking")
	if ux.IsInteractive() {
		spin.Start()
	}
	_, err := l.cp.Ask(ctx, text, l.qc)
	spin.Stop()

	switch {
	case errors.Is(err, conversation.ErrBusy):
		ux.Warning("Still working on the previous request.")
	case err != nil:
		ux.Error(err.Error())
	}
	l.flush()
}

// flush prints assistant messages appended since the last flush.
func (l *chatLoop) flush() {
	msgs := l.cp.Session().Messages()
	for _, m := range msgs[min(l.printed, len(msgs)):] {
		if m.Role == conversation.RoleAssistant {
			ux.Println(ux.RenderMessage(m))
		}
	}
	l.printed = len(msgs)
}

func (l *chatLoop) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		ux.Println(chatHelp)
	case "/upload":
		if arg == "" {
			return false, errors.New("usage: /upload <path>")
		}
		_, err := uploadFile(ctx, l.cp, arg)
		l.flush()
		if isIngestFailure(err) {
			return false, nil
		}
		return false, err
	case "/files":
		ux.Println(ux.RenderFiles(l.cp.Files(), selectedID(l.cp)))
	case "/refresh":
		if err := l.cp.RefreshFiles(ctx); err != nil {
			return false, err
		}
		ux.Println(ux.RenderFiles(l.cp.Files(), selectedID(l.cp)))
	case "/select":
		if err := l.cp.Select(arg); err != nil {
			return false, fmt.Errorf("%s: %w", arg, err)
		}
		ux.Success("Questions now go to " + arg)
	case "/details":
		summary, err := l.cp.FileDetails(ctx, arg)
		if err != nil {
			return false, err
		}
		printSummary(arg, summary)
	case "/delete":
		if err := l.cp.DeleteFile(ctx, arg); err != nil {
			return false, err
		}
		ux.Success("Deleted " + arg)
	case "/clear":
		l.cp.ClearSelection()
		ux.Success("No dataset selected")
	case "/context":
		qc, err := readQueryContext(arg)
		if err != nil {
			return false, err
		}
		l.qc = qc
		ux.Success("Loaded statistics context from " + arg)
	case "/nocontext":
		l.qc = router.QueryContext{}
	case "/status":
		ux.Println(ux.RenderStatus(l.cp.CheckHealth(ctx)))
	case "/history":
		ux.Println(ux.RenderTranscript(l.cp.Session().Messages()))
	default:
		return false, fmt.Errorf("unknown command %s, try /help", name)
	}
	return false, nil
}

func selectedID(cp *copilot.Copilot) string {
	if cur, ok := cp.Library().Current(); ok {
		return cur.FileID
	}
	return ""
}

// uploadFile uploads the file at path under its base name.
func uploadFile(ctx context.Context, cp *copilot.Copilot, path string) (*ingest.Attempt, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	spin := ux.NewSpinner("Uploading " + filepath.Base(path))
	if ux.IsInteractive() {
		spin.Start()
	}
	attempt, err := cp.Upload(ctx, filepath.Base(path), f)
	spin.Stop()
	return attempt, err
}

// queryContextFile is the layout read by readQueryContext.
type queryContextFile struct {
	Statistics  map[string]any `json:"statistics"`
	DatasetInfo map[string]any `json:"dataset_info"`
}

func readQueryContext(path string) (router.QueryContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return router.QueryContext{}, err
	}
	var f queryContextFile
	if err := json.Unmarshal(data, &f); err != nil {
		return router.QueryContext{}, fmt.Errorf("parse %s: %w", path, err)
	}
	qc := router.QueryContext{Statistics: f.Statistics, DatasetInfo: f.DatasetInfo}
	if !qc.HasMetadata() {
		return router.QueryContext{}, fmt.Errorf("%s has no statistics or dataset_info", path)
	}
	return qc, nil
}
