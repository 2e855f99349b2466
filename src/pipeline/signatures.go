// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule flags a result when the value found at Key contains the Contains
// substring. Key is a dot separated path into the results document.
type Rule struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Severity    int    `yaml:"severity"`
	Key         string `yaml:"key"`
	Contains    string `yaml:"contains"`
}

// Match is what a firing rule appends to results["signatures"]. Entries the
// processing tool wrote there are kept ahead of the matches.
type Match struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Severity    int      `json:"severity"`
	Marks       []string `json:"marks"`
}

type SignatureSet struct {
	Rules []Rule `yaml:"signatures"`
}

// LoadRules reads a rule file. An empty path yields an empty set.
func LoadRules(path string) (*SignatureSet, error) {
	set := &SignatureSet{}
	if path == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading signatures: %w", err)
	}
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("parsing signatures: %w", err)
	}

	for i, r := range set.Rules {
		if r.Name == "" || r.Key == "" {
			return nil, fmt.Errorf("signature %d: name and key are required", i)
		}
	}
	return set, nil
}

func (s *SignatureSet) RunSignatures(ctx context.Context, results Results) error {
	var matches []any
	switch prev := results["signatures"].(type) {
	case nil:
	case []any:
		matches = prev
	case []Match:
		for _, m := range prev {
			matches = append(matches, m)
		}
	default:
		matches = []any{prev}
	}
	found := false

	for _, rule := range s.Rules {
		if err := ctx.Err(); err != nil {
			return err
		}

		var marks []string
		for _, v := range lookup(results, rule.Key) {
			if strings.Contains(v, rule.Contains) {
				marks = append(marks, v)
			}
		}
		if len(marks) == 0 {
			continue
		}

		found = true
		matches = append(matches, Match{
			Name:        rule.Name,
			Description: rule.Description,
			Severity:    rule.Severity,
			Marks:       marks,
		})
	}

	if found {
		results["signatures"] = matches
	}
	return nil
}

// lookup resolves a dot path and flattens the value found there to strings.
func lookup(doc map[string]any, key string) []string {
	var cur any = doc
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		if cur, ok = m[part]; !ok {
			return nil
		}
	}
	return flatten(cur)
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Results:
		return m, true
	}
	return nil, false
}

func flatten(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, flatten(item)...)
		}
		return out
	default:
		return []string{fmt.Sprint(val)}
	}
}
