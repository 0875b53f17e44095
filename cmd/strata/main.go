// cmd/strata/main.go
//
// This is the entry point for the strata develop session.
// When you run `strata` from a project directory, this is what executes.
//
// Flow:
// 1. Initialize the .strata folder and load strata.yaml
// 2. Boot the services and the state orchestrator
// 3. Start the file watcher and the webhook ingest server
// 4. Launch the TUI, which runs until the user quits

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/strataforge/strata/internal/config"
	"github.com/strataforge/strata/internal/develop"
	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/logging"
	"github.com/strataforge/strata/internal/session"
	"github.com/strataforge/strata/internal/tui"
	"github.com/strataforge/strata/internal/webhook"
)

func main() {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting working directory: %v\n", err)
		os.Exit(1)
	}
	if err := run(cwd); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(projectDir string) error {
	if err := config.InitStrataDir(projectDir); err != nil {
		return fmt.Errorf("initialize %s directory: %w", config.StrataDir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return err
	}

	logger, err := logging.New(projectDir)
	if err != nil {
		return err
	}
	defer logger.Close()

	j, err := journal.New(filepath.Join(cfg.LogsDir(), "develop.journal"))
	if err != nil {
		return err
	}

	snapshots := develop.NewSnapshotRepository(cfg.StateDir())
	reportPriorSession(snapshots, j)

	svc, err := session.New(cfg, session.WithJournal(j))
	if err != nil {
		return err
	}
	defer svc.Close()

	orc, err := develop.New(svc,
		develop.WithJournal(j),
		develop.WithSnapshots(snapshots),
		develop.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orc.Start(ctx)
	defer orc.Stop()

	driver, err := session.NewDriver(cfg, orc, svc, j)
	if err != nil {
		return err
	}
	defer driver.Close()
	go func() {
		if err := driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.Error("file watching unavailable: %v", err)
		}
	}()

	server := webhook.NewServer(webhook.SettingsFromConfig(cfg), orc, webhook.WithLogger(logger))
	webhookURL := ""
	switch err := server.Start(ctx); {
	case err == nil:
		webhookURL = server.BaseURL()
		defer shutdownServer(server)
	case errors.Is(err, webhook.ErrServerDisabled):
		j.Info("webhook ingest disabled")
	default:
		return err
	}

	app := tui.NewApp(orc, j,
		tui.WithWebhookURL(webhookURL),
		tui.WithSiteTitle(cfg.Project.Site.Title),
	)
	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}

// reportPriorSession notes whether the previous develop session shut down
// cleanly. A dirty snapshot means the process died mid-session; the caches
// are rebuilt on bootstrap either way, so this is informational only.
func reportPriorSession(snapshots *develop.SnapshotRepository, j *journal.Journal) {
	snap, err := snapshots.Load()
	if err != nil {
		if !errors.Is(err, develop.ErrSnapshotNotFound) {
			j.Warn("unreadable prior session snapshot: %v", err)
		}
		return
	}
	if !snap.Clean {
		j.Warn("previous session %s ended uncleanly in %s", snap.SessionID, snap.State)
	}
}

func shutdownServer(server *webhook.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
