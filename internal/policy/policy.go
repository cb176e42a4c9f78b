// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy is the copilot's privacy gate.
//
// A Policy decides, locally and deterministically, whether a message asks
// for raw records rather than statistics. The built-in RuleSet is compiled
// from rules.yaml, which is embedded in the binary; a custom rule file can
// replace it and be hot-reloaded with a Watcher.
//
// The patterns are a heuristic. They can block legitimate statistical
// phrasing ("show how many rows have nulls") and miss paraphrased
// extraction requests.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Verdict is the outcome of evaluating one message.
type Verdict struct {
	Blocked     bool
	RuleID      string
	Description string
	// Match is the text that triggered the rule.
	Match string
}

// Policy evaluates outgoing messages.
type Policy interface {
	Evaluate(text string) Verdict
}

// Func adapts a function to Policy.
type Func func(text string) Verdict

// Evaluate calls f.
func (f Func) Evaluate(text string) Verdict { return f(text) }

// AllowAll is a Policy that never blocks.
var AllowAll Policy = Func(func(string) Verdict { return Verdict{} })

// RuleFile is the YAML layout of a rule file.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rule is one named group of patterns.
type Rule struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Patterns    []string `yaml:"patterns"`

	compiled []*regexp.Regexp
}

// RuleSet is a compiled, immutable Policy.
type RuleSet struct {
	rules []Rule
}

// Default returns the embedded rule set.
func Default() (*RuleSet, error) {
	rs, err := Parse(defaultRules)
	if err != nil {
		return nil, fmt.Errorf("failed to load the embedded rule file: %w", err)
	}
	return rs, nil
}

// MustDefault is Default for package-level initialisation and tests.
func MustDefault() *RuleSet {
	rs, err := Default()
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadFile reads and compiles the rule file at path.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Parse compiles a rule file.
//
// Every pattern is matched case-insensitively. A file with no rules, a rule
// without an id or patterns, a duplicate id, or an invalid regex is
// rejected.
func Parse(data []byte) (*RuleSet, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule file: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule file defines no rules")
	}

	seen := make(map[string]bool, len(file.Rules))
	for i := range file.Rules {
		rule := &file.Rules[i]
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		if len(rule.Patterns) == 0 {
			return nil, fmt.Errorf("rule %q has no patterns", rule.ID)
		}
		for _, p := range rule.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile the regex %s in rule %q: %w", p, rule.ID, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}

	sort.SliceStable(file.Rules, func(i, j int) bool {
		return file.Rules[i].Priority > file.Rules[j].Priority
	})
	return &RuleSet{rules: file.Rules}, nil
}

// Evaluate returns the first matching rule in priority order.
func (r *RuleSet) Evaluate(text string) Verdict {
	normalized := strings.Join(strings.Fields(text), " ")
	for _, rule := range r.rules {
		for _, re := range rule.compiled {
			if m := re.FindString(normalized); m != "" {
				return Verdict{
					Blocked:     true,
					RuleID:      rule.ID,
					Description: rule.Description,
					Match:       m,
				}
			}
		}
	}
	return Verdict{}
}

// Rules lists the rules in evaluation order.
func (r *RuleSet) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

var _ Policy = (*RuleSet)(nil)
