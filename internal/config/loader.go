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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvServiceURL     = "COPILOT_SERVICE_URL"
	EnvBackendURL     = "COPILOT_BACKEND_URL"
	EnvPollInterval   = "COPILOT_POLL_INTERVAL"
	EnvRequestTimeout = "COPILOT_REQUEST_TIMEOUT"
	EnvPolicyFile     = "COPILOT_POLICY_FILE"
	EnvConfigPath     = "COPILOT_CONFIG"
)

var (
	// Global is the process-wide configuration, populated by Load.
	Global  CopilotConfig
	once    sync.Once
	loadErr error

	validate = validator.New()
)

// Load reads the config file once per process into Global.
//
// The path is $COPILOT_CONFIG when set, otherwise ~/.copilot/copilot.yaml.
// A missing file is created with defaults.
func Load() error {
	once.Do(func() {
		path, err := DefaultPath()
		if err != nil {
			loadErr = err
			return
		}
		cfg, err := LoadFile(path, true)
		if err != nil {
			loadErr = err
			return
		}
		Global = cfg
	})
	return loadErr
}

// DefaultPath resolves the config file location.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".copilot", "copilot.yaml"), nil
}

// LoadFile reads, overrides and validates the config at path.
//
// Fields missing from the file keep their DefaultConfig values. When
// create is true and the file does not exist, defaults are written there
// first.
func LoadFile(path string, create bool) (CopilotConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && create {
		if err := createDefault(path); err != nil {
			return CopilotConfig{}, err
		}
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return CopilotConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return CopilotConfig{}, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return CopilotConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return CopilotConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from environment variables read through getenv.
func ApplyEnv(cfg *CopilotConfig, getenv func(string) string) error {
	if v := getenv(EnvServiceURL); v != "" {
		cfg.Service.BaseURL = strings.TrimRight(v, "/")
	}
	if v := getenv(EnvBackendURL); v != "" {
		cfg.Backend.BaseURL = strings.TrimRight(v, "/")
	}
	if v := getenv(EnvPolicyFile); v != "" {
		cfg.Policy.RulesFile = v
	}
	if v := getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		cfg.Health.PollInterval = Duration(d)
	}
	if v := getenv(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		cfg.Service.RequestTimeout = Duration(d)
	}
	return nil
}

// Validate checks field constraints on cfg.
func Validate(cfg CopilotConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q (value %v)", first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
