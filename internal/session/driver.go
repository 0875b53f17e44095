package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strataforge/strata/internal/config"
	"github.com/strataforge/strata/internal/develop"
	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/store"
	"github.com/strataforge/strata/internal/watch"
	"github.com/strataforge/strata/plugins"
)

// Driver connects the filesystem watcher to the orchestrator. Content
// changes become node mutations, bundleable source changes dirty the session
// and force a query cycle so the recompile guard can run.
type Driver struct {
	cfg     *config.Config
	orc     *develop.Orchestrator
	svc     *Services
	journal *journal.Journal

	watcher *watch.Watcher
	roots   []contentRoot
}

type contentRoot struct {
	abs string
	def plugins.SourceDefinition
}

// NewDriver builds a driver; call Run once the session has booted.
func NewDriver(cfg *config.Config, orc *develop.Orchestrator, svc *Services, j *journal.Journal) (*Driver, error) {
	if cfg == nil || orc == nil || svc == nil {
		return nil, fmt.Errorf("session: driver requires config, orchestrator, and services")
	}
	return &Driver{cfg: cfg, orc: orc, svc: svc, journal: j}, nil
}

// Run waits for bootstrap to publish the source definitions, then starts
// watching. It returns once watching is live or the context ends.
func (d *Driver) Run(ctx context.Context) error {
	defs, err := d.awaitBoot(ctx)
	if err != nil {
		return err
	}
	debounce := time.Duration(d.cfg.Project.Develop.WatchDebounceMS) * time.Millisecond
	watcher, err := watch.New(d.handleChange, watch.WithJournal(d.journal), watch.WithDebounce(debounce))
	if err != nil {
		return err
	}
	d.watcher = watcher
	for _, def := range defs {
		abs, err := filepath.Abs(filepath.Join(d.cfg.ProjectDir, filepath.FromSlash(def.Root)))
		if err != nil {
			watcher.Close()
			return fmt.Errorf("session: resolve source root %s: %w", def.Root, err)
		}
		d.roots = append(d.roots, contentRoot{abs: abs, def: def})
		if err := watcher.AddRoot(abs, watch.KindContent); err != nil {
			watcher.Close()
			return err
		}
	}
	if err := watcher.AddRoot(d.cfg.SourceDir(), watch.KindSource); err != nil {
		watcher.Close()
		return err
	}
	watcher.Start()
	d.journal.Info("watching %d content roots and %s", len(d.roots), d.cfg.SourceDir())
	return nil
}

// awaitBoot blocks until Initialize has published the source definitions.
func (d *Driver) awaitBoot(ctx context.Context) ([]plugins.SourceDefinition, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if defs := d.svc.SourceDefinitions(); len(defs) > 0 {
			return defs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.orc.Done():
			return nil, fmt.Errorf("session: orchestrator stopped before bootstrap")
		case <-ticker.C:
		}
	}
}

// Close stops the watcher.
func (d *Driver) Close() error {
	if d.watcher == nil {
		return nil
	}
	return d.watcher.Close()
}

func (d *Driver) handleChange(change watch.Change) {
	switch change.Kind {
	case watch.KindSource:
		d.orc.Dispatch(develop.SourceFileChanged{Path: change.Path})
		// A dirty session only recompiles on the way out of a query run, so
		// force one.
		d.orc.Dispatch(develop.ExtractQueriesNow{})
	case watch.KindContent:
		mutation, ok := d.mutationFor(change)
		if !ok {
			return
		}
		d.orc.Dispatch(develop.AddNodeMutation{Mutation: mutation})
		d.svc.Notify()
	}
}

// mutationFor maps a content change onto the owning source's node space.
func (d *Driver) mutationFor(change watch.Change) (store.Mutation, bool) {
	var best *contentRoot
	for i := range d.roots {
		root := &d.roots[i]
		if change.Path == root.abs || strings.HasPrefix(change.Path, root.abs+string(os.PathSeparator)) {
			if best == nil || len(root.abs) > len(best.abs) {
				best = root
			}
		}
	}
	if best == nil {
		return store.Mutation{}, false
	}
	rel, err := filepath.Rel(best.abs, change.Path)
	if err != nil {
		d.journal.Warn("unmappable change %s: %v", change.Path, err)
		return store.Mutation{}, false
	}
	if !matchesPatterns(best.def.Patterns(), filepath.Base(change.Path)) {
		return store.Mutation{}, false
	}
	nodeID := best.def.ID + "/" + filepath.ToSlash(rel)
	if change.Removed {
		return store.Mutation{Op: store.OpDelete, Node: store.Node{ID: nodeID}}, true
	}
	content, err := os.ReadFile(change.Path)
	if err != nil {
		d.journal.Warn("read changed file %s: %v", change.Path, err)
		return store.Mutation{}, false
	}
	return store.Mutation{Op: store.OpUpsert, Node: store.Node{
		ID:      nodeID,
		Type:    best.def.NodeType,
		Source:  best.def.ID,
		Content: string(content),
	}}, true
}

func matchesPatterns(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
