// Package plugins loads source-plugin definitions for a develop session.
// Definitions live under .strata/plugins as YAML files or as interpreted Go
// files declaring SourceDefinitions(); both forms normalize to the same
// SourceDefinition the sourcing layer consumes.
package plugins

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind enumerates the source implementations a definition can bind to.
const (
	KindFilesystem = "filesystem"
)

var knownKinds = map[string]struct{}{
	KindFilesystem: {},
}

// SourceDefinition describes one content source wired into data sourcing.
//
// The struct mirrors the on-disk schema under .strata/plugins/*.yaml and is
// intentionally narrow so sourcing can validate plugin metadata before the
// session starts pulling data through it.
type SourceDefinition struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version  string   `json:"version" yaml:"version"`
	Kind     string   `json:"kind" yaml:"kind"`
	NodeType string   `json:"node_type" yaml:"node_type"`
	Root     string   `json:"root" yaml:"root"`
	Include  []string `json:"include,omitempty" yaml:"include,omitempty"`
}

// Normalized returns a trimmed, copy-on-write variant of the definition.
func (def SourceDefinition) Normalized() SourceDefinition {
	clone := SourceDefinition{
		ID:       strings.TrimSpace(def.ID),
		Name:     strings.TrimSpace(def.Name),
		Version:  strings.TrimSpace(def.Version),
		Kind:     strings.ToLower(strings.TrimSpace(def.Kind)),
		NodeType: strings.TrimSpace(def.NodeType),
		Root:     filepath.ToSlash(strings.TrimSpace(def.Root)),
	}
	if len(def.Include) > 0 {
		clone.Include = make([]string, 0, len(def.Include))
		for _, pattern := range def.Include {
			trimmed := strings.TrimSpace(pattern)
			if trimmed == "" {
				continue
			}
			clone.Include = append(clone.Include, trimmed)
		}
		if len(clone.Include) == 0 {
			clone.Include = nil
		}
	}
	return clone
}

// Validate ensures the definition is well-formed and binds to a known kind.
func (def SourceDefinition) Validate() error {
	normalized := def.Normalized()
	if normalized.ID == "" {
		return fmt.Errorf("plugin: id is required")
	}
	if normalized.Version == "" {
		return fmt.Errorf("plugin %s: version is required", normalized.ID)
	}
	if _, ok := knownKinds[normalized.Kind]; !ok {
		return fmt.Errorf("plugin %s: unknown kind %q", normalized.ID, normalized.Kind)
	}
	if normalized.NodeType == "" {
		return fmt.Errorf("plugin %s: node_type is required", normalized.ID)
	}
	if normalized.Root == "" {
		return fmt.Errorf("plugin %s: root is required", normalized.ID)
	}
	if filepath.IsAbs(normalized.Root) || strings.HasPrefix(normalized.Root, "..") {
		return fmt.Errorf("plugin %s: root must stay inside the project", normalized.ID)
	}
	for idx, pattern := range normalized.Include {
		if _, err := filepath.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("plugin %s: include[%d]: bad pattern %q", normalized.ID, idx, pattern)
		}
	}
	return nil
}

// Patterns returns the include globs, defaulting to markdown files.
func (def SourceDefinition) Patterns() []string {
	normalized := def.Normalized()
	if len(normalized.Include) > 0 {
		return normalized.Include
	}
	return []string{"*.md", "*.markdown"}
}
