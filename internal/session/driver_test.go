package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strataforge/strata/internal/config"
	"github.com/strataforge/strata/internal/develop"
)

// startSession boots a full session: real services, orchestrator, and driver.
func startSession(t *testing.T, cfg *config.Config) *develop.Orchestrator {
	t.Helper()
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("new services: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	orc, err := develop.New(svc)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orc.Start(context.Background())
	t.Cleanup(orc.Stop)

	driver, err := NewDriver(cfg, orc, svc, nil)
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.Run(ctx); err != nil {
		t.Fatalf("driver run: %v", err)
	}
	t.Cleanup(func() { driver.Close() })
	return orc
}

func waitForState(t *testing.T, orc *develop.Orchestrator, want develop.State) develop.ContextView {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		view := orc.Inspect()
		if view.State == want {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s (current %s, err %q)", want, view.State, view.LastError)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionReachesWaitingAndRendersContentChange(t *testing.T) {
	cfg := newProject(t, map[string]string{
		"content/hello.md": "---\ntitle: Hello\n---\nhi\n",
		"src/app.js":       "console.log('hi');",
	})
	orc := startSession(t, cfg)

	waitForState(t, orc, develop.StateWaiting)
	if _, err := os.Stat(filepath.Join(cfg.OutputDir(), "assets", "bundle.js")); err != nil {
		t.Fatalf("cold start produced no bundle: %v", err)
	}

	// A new content file flows: watch -> mutation -> wake -> recreate pages.
	path := filepath.Join(cfg.ContentDir(), "fresh.md")
	if err := os.WriteFile(path, []byte("---\ntitle: Fresh\n---\nnew\n"), 0o644); err != nil {
		t.Fatalf("write content: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	rendered := filepath.Join(cfg.OutputDir(), "content", "fresh", "index.html")
	for {
		if _, err := os.Stat(rendered); err == nil {
			return
		}
		if time.Now().After(deadline) {
			view := orc.Inspect()
			t.Fatalf("new page never rendered (state %s, err %q)", view.State, view.LastError)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSessionSourceChangeTriggersRecompile(t *testing.T) {
	cfg := newProject(t, map[string]string{
		"content/hello.md": "# Hello",
		"src/app.js":       "console.log('one');",
	})
	orc := startSession(t, cfg)
	waitForState(t, orc, develop.StateWaiting)

	if err := os.WriteFile(filepath.Join(cfg.SourceDir(), "app.js"), []byte("console.log('two');"), 0o644); err != nil {
		t.Fatalf("update source: %v", err)
	}

	deadline := time.Now().Add(15 * time.Second)
	for {
		view := orc.Inspect()
		if view.State == develop.StateWaiting && !view.SourceFilesDirty && view.CompilerSet {
			data, err := os.ReadFile(filepath.Join(cfg.OutputDir(), "assets", "bundle.js"))
			if err == nil && strings.Contains(string(data), "two") {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("recompile never happened (state %s, dirty %v)", view.State, view.SourceFilesDirty)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
