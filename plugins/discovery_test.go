package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDiscoverCombinesYAMLAndGo(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blog.yaml"), []byte(blogYAML), 0o644); err != nil {
		t.Fatalf("write yaml plugin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.go"), []byte(goPluginSource), 0o644); err != nil {
		t.Fatalf("write go plugin: %v", err)
	}

	defs, err := Discover(dir)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
}

func TestDiscoverRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(blogYAML), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(blogYAML), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}

	_, err := Discover(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate source id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}
