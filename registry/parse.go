// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/weft"
)

const frontMatterDelimiter = "---"

// knownKeys are metadata fields bound to AgentDefinition; everything
// else lands in Extra.
var knownKeys = map[string]bool{
	"name": true, "display_name": true, "model": true, "temperature": true,
	"max_tokens": true, "capabilities": true, "category": true, "phase": true,
	"priority": true, "tools": true, "tags": true,
}

// parseFile loads one agent definition. The file must open with a
// front-matter block delimited by `---` lines; the rest of the file is
// the agent's instructions.
func parseFile(path string) (*weft.AgentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent file: %w", err)
	}

	meta, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, err
	}

	var def weft.AgentDefinition
	if err := yaml.Unmarshal([]byte(meta), &def); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	// Preserve keys the schema does not know about.
	var all map[string]any
	if err := yaml.Unmarshal([]byte(meta), &all); err == nil {
		for k, v := range all {
			if !knownKeys[k] {
				if def.Extra == nil {
					def.Extra = make(map[string]any)
				}
				def.Extra[k] = v
			}
		}
	}

	if def.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if def.Model == "" {
		return nil, fmt.Errorf("missing required field: model")
	}
	if def.Priority != "" && def.Priority.Rank() == 0 {
		return nil, fmt.Errorf("invalid priority %q", def.Priority)
	}

	if def.Category == "" {
		def.Category = filepath.Base(filepath.Dir(path))
	}
	if def.DisplayName == "" {
		def.DisplayName = def.Name
	}
	if def.Priority == "" {
		def.Priority = weft.PriorityMedium
	}

	def.Instructions = strings.TrimSpace(body)
	def.Path = path
	return &def, nil
}

// splitFrontMatter separates the `---`-delimited YAML preamble from the
// instruction body.
func splitFrontMatter(content string) (meta, body string, err error) {
	trimmed := strings.TrimLeft(content, "\ufeff\n\r")
	lines := strings.SplitAfter(trimmed, "\n")
	if len(lines) == 0 || strings.TrimSpace(strings.TrimSuffix(lines[0], "\n")) != frontMatterDelimiter {
		return "", "", fmt.Errorf("no metadata preamble")
	}

	var metaLines []string
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimRight(lines[i], "\r\n")) == frontMatterDelimiter {
			return strings.Join(metaLines, ""), strings.Join(lines[i+1:], ""), nil
		}
		metaLines = append(metaLines, lines[i])
	}
	return "", "", fmt.Errorf("unterminated metadata preamble")
}
