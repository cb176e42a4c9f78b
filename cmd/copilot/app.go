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
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/DatasetCopilot/internal/backend"
	"github.com/AleutianAI/DatasetCopilot/internal/config"
	"github.com/AleutianAI/DatasetCopilot/internal/copilot"
	"github.com/AleutianAI/DatasetCopilot/internal/observability"
	"github.com/AleutianAI/DatasetCopilot/internal/policy"
	"github.com/AleutianAI/DatasetCopilot/pkg/logging"
	"github.com/AleutianAI/DatasetCopilot/pkg/ux"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// app holds flag values and the process-wide collaborators built from
// them in PersistentPreRunE.
type app struct {
	configPath  string
	serviceURL  string
	personality string
	logLevel    string
	metricsAddr string
	trace       bool

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg           config.CopilotConfig
	logger        *logging.Logger
	metrics       *observability.Metrics
	stopTracing   func(context.Context) error
	metricsServer *http.Server
}

func newApp() *app {
	return &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "copilot",
		Short: "Ask questions about your datasets without exposing their rows",
		Long: `copilot uploads CSV, Excel and JSON datasets to the analysis service
and answers questions about them with statistics and summaries.
Requests that would reveal individual records are refused locally.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup() },
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $COPILOT_CONFIG or ~/.copilot/copilot.yaml)")
	flags.StringVar(&a.serviceURL, "service-url", "", "analysis service base URL")
	flags.StringVar(&a.personality, "personality", "", "output style: full, standard, minimal or machine")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	flags.BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans for service calls")

	root.AddCommand(
		newChatCmd(a),
		newAskCmd(a),
		newUploadCmd(a),
		newFilesCmd(a),
		newStatusCmd(a),
		newPolicyCmd(a),
		newProjectsCmd(a),
	)
	return root
}

// setup loads config and starts logging, metrics and tracing.
func (a *app) setup() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if a.serviceURL != "" {
		cfg.Service.BaseURL = a.serviceURL
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	a.cfg = cfg

	if a.personality != "" {
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(a.personality))
	} else {
		ux.InitPersonality(cfg.UI.Personality)
	}
	ux.SetOutput(a.stdout, a.stderr)

	levelName := cfg.Logging.Level
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, ok := logging.ParseLevel(levelName)
	if !ok {
		level = logging.LevelWarn
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "copilot",
		JSON:    cfg.Logging.JSON,
		Writer:  a.stderr,
	})

	a.metrics = observability.NewMetrics()
	if a.metricsAddr != "" {
		a.serveMetrics()
	}

	exporter := "none"
	if a.trace {
		exporter = "stdout"
	}
	a.stopTracing, err = observability.InitTracing(observability.TraceConfig{
		ServiceName:    "dataset-copilot",
		ServiceVersion: version,
		Exporter:       exporter,
		Writer:         a.stderr,
	})
	return err
}

func (a *app) loadConfig() (config.CopilotConfig, error) {
	if a.configPath != "" {
		return config.LoadFile(a.configPath, false)
	}
	if err := config.Load(); err != nil {
		return config.CopilotConfig{}, err
	}
	return config.Global, nil
}

// serveMetrics exposes /metrics until teardown.
func (a *app) serveMetrics() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	a.metricsServer = &http.Server{Addr: a.metricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics listener failed", "addr", a.metricsAddr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.metricsAddr)
}

// teardown releases what setup started. Safe after a failed setup.
func (a *app) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Warn("flushing traces failed", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// newCopilot builds a session from the loaded config.
func (a *app) newCopilot() (*copilot.Copilot, error) {
	return copilot.New(a.cfg, copilot.Deps{
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// loadPolicy returns the configured rule set.
func (a *app) loadPolicy() (*policy.RuleSet, error) {
	if a.cfg.Policy.RulesFile != "" {
		return policy.LoadFile(a.cfg.Policy.RulesFile)
	}
	return policy.Default()
}

func (a *app) newBackend() (*backend.Client, error) {
	if a.cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("no backend configured; set backend.base_url or %s", config.EnvBackendURL)
	}
	return backend.New(a.cfg.Backend.BaseURL,
		backend.WithTimeout(a.cfg.Backend.Timeout.Std()),
		backend.WithLogger(a.logger.With("component", "backend")),
	), nil
}
