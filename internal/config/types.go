// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

// CopilotConfig is the root of ~/.copilot/copilot.yaml.
type CopilotConfig struct {
	// Version of the file layout.
	Version string `yaml:"version"`

	// Service: the dataset-analysis service the copilot talks to
	Service ServiceConfig `yaml:"service"`

	// Backend: project/dataset persistence API
	Backend BackendConfig `yaml:"backend"`

	// Health: availability polling
	Health HealthConfig `yaml:"health"`

	// Policy: privacy gate rules
	Policy PolicyConfig `yaml:"policy"`

	// Logging: console and file logs
	Logging LoggingConfig `yaml:"logging"`

	// UI: terminal presentation
	UI UIConfig `yaml:"ui"`
}

type ServiceConfig struct {
	BaseURL        string   `yaml:"base_url" validate:"required,url"` // e.g. http://localhost:5000
	RequestTimeout Duration `yaml:"request_timeout" validate:"gt=0"`  // per query/chat/analyze call
	UploadTimeout  Duration `yaml:"upload_timeout" validate:"gt=0"`   // upload + remote analysis
	UserAgent      string   `yaml:"user_agent,omitempty"`             // sent on every request
}

type BackendConfig struct {
	BaseURL string   `yaml:"base_url,omitempty" validate:"omitempty,url"` // e.g. http://localhost:8080
	Timeout Duration `yaml:"timeout" validate:"gte=0"`
}

type HealthConfig struct {
	PollInterval Duration `yaml:"poll_interval" validate:"gt=0"`
	ProbeTimeout Duration `yaml:"probe_timeout" validate:"gt=0"`
}

type PolicyConfig struct {
	// RulesFile replaces the built-in rule set when set.
	RulesFile string `yaml:"rules_file,omitempty"`
	// Watch reloads RulesFile when it changes on disk.
	Watch bool `yaml:"watch"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type UIConfig struct {
	// Personality can be "full", "standard", "minimal" or "machine".
	Personality string `yaml:"personality" validate:"omitempty,oneof=full standard minimal machine"`
}

// Duration is a time.Duration that reads and writes as text ("30s", "1m").
//
// A bare integer is accepted and read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats d the way time.Duration does.
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML writes d as text.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts "90s"-style text or an integer number of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var secs int64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() CopilotConfig {
	return CopilotConfig{
		Version: CurrentConfigVersion,
		Service: ServiceConfig{
			BaseURL:        "http://localhost:5000",
			RequestTimeout: Duration(60 * time.Second),
			UploadTimeout:  Duration(5 * time.Minute),
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration(15 * time.Second),
		},
		Health: HealthConfig{
			PollInterval: Duration(30 * time.Second),
			ProbeTimeout: Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.copilot/logs",
		},
		UI: UIConfig{
			Personality: "standard",
		},
	}
}
