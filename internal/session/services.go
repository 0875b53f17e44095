// Package session assembles the collaborators of a develop session and
// exposes them through the service surface the orchestrator drives. It owns
// the boot order: store, pool, plugins, sourcing, queries, bundler, pages.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/strataforge/strata/internal/bundler"
	"github.com/strataforge/strata/internal/config"
	"github.com/strataforge/strata/internal/develop"
	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/pages"
	"github.com/strataforge/strata/internal/pool"
	"github.com/strataforge/strata/internal/query"
	"github.com/strataforge/strata/internal/source"
	"github.com/strataforge/strata/internal/store"
	"github.com/strataforge/strata/plugins"
)

// builtinContentSource is the always-present source covering the project's
// content directory. Plugins add more sources beside it.
func builtinContentSource(cfg *config.Config) plugins.SourceDefinition {
	return plugins.SourceDefinition{
		ID:       "content",
		Name:     "Project content",
		Version:  "builtin",
		Kind:     plugins.KindFilesystem,
		NodeType: "page",
		Root:     filepath.ToSlash(cfg.Project.Paths.Content),
	}
}

// Services implements the orchestrator's service surface for a real project.
type Services struct {
	cfg     *config.Config
	journal *journal.Journal

	mu        sync.Mutex
	store     *store.Store
	pool      *pool.Pool
	sourcer   *source.Sourcer
	runner    *query.Runner
	bundler   *bundler.Bundler
	recreator *pages.Recreator
	defs      []plugins.SourceDefinition

	// changes wakes the waiting state. Capacity 1: one pending wake is
	// enough, waiting always re-arms after pages are recreated.
	changes chan struct{}
}

// Option customizes Services during construction.
type Option func(*Services)

// WithJournal attaches the session journal.
func WithJournal(j *journal.Journal) Option {
	return func(s *Services) {
		s.journal = j
	}
}

// New creates the service surface for the given project configuration.
func New(cfg *config.Config, opts ...Option) (*Services, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	s := &Services{
		cfg:     cfg,
		changes: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Initialize opens the node store, builds the worker pool, discovers source
// plugins, and wires every collaborator. The returned references go into the
// session context.
func (s *Services) Initialize(ctx context.Context) (develop.BootResult, error) {
	if err := ctx.Err(); err != nil {
		return develop.BootResult{}, err
	}
	st, err := store.Open(s.cfg.NodeStorePath())
	if err != nil {
		return develop.BootResult{}, err
	}
	pl := pool.New(s.cfg.Project.Develop.Workers)

	discovered, err := plugins.Discover(s.cfg.PluginsDir())
	if err != nil {
		st.Close()
		return develop.BootResult{}, err
	}
	defs := []plugins.SourceDefinition{builtinContentSource(s.cfg)}
	for _, file := range discovered {
		defs = append(defs, file.Definition)
	}

	sourcer := source.New(st, pl, source.WithJournal(s.journal))
	runner := query.NewRunner(st, pl, s.cfg.QueryResultsDir(), query.WithJournal(s.journal))
	for _, def := range defs {
		src, err := source.FromDefinition(def, s.cfg.ProjectDir)
		if err != nil {
			st.Close()
			return develop.BootResult{}, err
		}
		sourcer.Register(src)
		if err := runner.Register(query.Query{Name: def.ID, NodeType: def.NodeType}); err != nil {
			st.Close()
			return develop.BootResult{}, err
		}
	}

	s.mu.Lock()
	s.store = st
	s.pool = pl
	s.sourcer = sourcer
	s.runner = runner
	s.defs = defs
	s.bundler = bundler.New(s.cfg.SourceDir(), s.cfg.OutputDir(), bundler.WithJournal(s.journal))
	s.recreator = pages.NewRecreator(st, s.cfg.OutputDir(),
		pages.WithJournal(s.journal),
		pages.WithSiteName(s.cfg.Project.Site.Title))
	s.mu.Unlock()

	s.journal.Info("bootstrap complete: %d sources, %d workers", len(defs), pl.Workers())
	return develop.BootResult{Store: st, Pool: pl}, nil
}

// InitializeData runs the first full sourcing pass.
func (s *Services) InitializeData(ctx context.Context) error {
	return s.sourcer.RunAll(ctx)
}

// RunQueries executes every registered query against current data.
func (s *Services) RunQueries(ctx context.Context) error {
	return s.runner.RunAll(ctx)
}

// StartBundler cold-starts the bundler and returns the compiler handle.
func (s *Services) StartBundler(ctx context.Context) (develop.Compiler, error) {
	return s.bundler.Start(ctx)
}

// Recompile rebuilds with the session's existing compiler handle.
func (s *Services) Recompile(ctx context.Context, compiler develop.Compiler) error {
	handle, ok := compiler.(*bundler.Compiler)
	if !ok {
		return fmt.Errorf("session: unexpected compiler %T", compiler)
	}
	return handle.Rebuild(ctx)
}

// WaitForMutations blocks until the next change notification or cancellation.
func (s *Services) WaitForMutations(ctx context.Context) error {
	select {
	case <-s.changes:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecreatePages rebuilds the page tree from current data.
func (s *Services) RecreatePages(ctx context.Context) error {
	return s.recreator.Recreate(ctx)
}

// reloadPayload is the accepted webhook body shape. An empty or unparseable
// payload falls back to a full sourcing pass.
type reloadPayload struct {
	Source string `json:"source"`
}

// ReloadData re-sources data for a webhook payload and wakes the waiting
// state so the session re-renders.
func (s *Services) ReloadData(ctx context.Context, body develop.WebhookBody) error {
	var payload reloadPayload
	if len(body.Payload) > 0 {
		if err := json.Unmarshal(body.Payload, &payload); err != nil {
			s.journal.Warn("webhook %s: unreadable payload, running full pass", body.ID)
		}
	}
	var err error
	if payload.Source != "" {
		err = s.sourcer.RunSource(ctx, payload.Source)
	} else {
		err = s.sourcer.RunAll(ctx)
	}
	if err != nil {
		return err
	}
	s.Notify()
	return nil
}

// Notify wakes the waiting state. Multiple notifications before the next
// wait collapse into one.
func (s *Services) Notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// SourceDefinitions lists the active source definitions, builtin first.
func (s *Services) SourceDefinitions() []plugins.SourceDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugins.SourceDefinition(nil), s.defs...)
}

// Close releases the session's resources. Safe to call before Initialize.
func (s *Services) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
	}
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}
