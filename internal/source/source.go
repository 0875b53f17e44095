// Package source pulls content into the node store. Each configured source
// collects nodes for one slice of the project; the Sourcer runs them through
// the shared worker pool and reconciles the store against what they report.
package source

import (
	"context"
	"fmt"

	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/pool"
	"github.com/strataforge/strata/internal/store"
	"github.com/strataforge/strata/plugins"
)

// Source collects the current set of nodes it owns. Collect must be
// repeatable: sourcing runs it on session start and again on every reload.
type Source interface {
	ID() string
	Collect(ctx context.Context) ([]store.Node, error)
}

// FromDefinition builds the source implementation a plugin definition binds
// to. projectRoot anchors relative roots.
func FromDefinition(def plugins.SourceDefinition, projectRoot string) (Source, error) {
	normalized := def.Normalized()
	switch normalized.Kind {
	case plugins.KindFilesystem:
		return NewFilesystemSource(normalized, projectRoot), nil
	default:
		return nil, fmt.Errorf("source: no implementation for kind %q", normalized.Kind)
	}
}

// Sourcer owns the full data-sourcing pass of a develop session.
type Sourcer struct {
	store   *store.Store
	pool    *pool.Pool
	journal *journal.Journal
	sources []Source
}

// Option customizes a Sourcer during construction.
type Option func(*Sourcer)

// WithJournal attaches the session journal.
func WithJournal(j *journal.Journal) Option {
	return func(s *Sourcer) {
		s.journal = j
	}
}

// New creates a Sourcer over the given store and worker pool.
func New(st *store.Store, pl *pool.Pool, opts ...Option) *Sourcer {
	s := &Sourcer{store: st, pool: pl}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register adds a source to the pass. Registration order is preserved.
func (s *Sourcer) Register(src Source) {
	if src != nil {
		s.sources = append(s.sources, src)
	}
}

// Sources lists the registered source ids in registration order.
func (s *Sourcer) Sources() []string {
	ids := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		ids = append(ids, src.ID())
	}
	return ids
}

// RunAll performs a full sourcing pass: every source collects concurrently,
// then the store is reconciled source by source.
func (s *Sourcer) RunAll(ctx context.Context) error {
	if len(s.sources) == 0 {
		s.journal.Warn("sourcing pass with no sources registered")
		return nil
	}
	collected := make([][]store.Node, len(s.sources))
	tasks := make([]pool.Task, len(s.sources))
	for i, src := range s.sources {
		i, src := i, src
		tasks[i] = func(ctx context.Context) error {
			nodes, err := src.Collect(ctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.ID(), err)
			}
			collected[i] = nodes
			return nil
		}
	}
	if err := s.pool.Run(ctx, tasks); err != nil {
		return err
	}
	for i, src := range s.sources {
		if err := s.reconcile(src.ID(), collected[i]); err != nil {
			return err
		}
		s.journal.Info("sourced %d nodes from %s", len(collected[i]), src.ID())
	}
	return nil
}

// RunSource re-sources a single source by id. Unknown ids fall back to a full
// pass so a stale reload request still converges the store.
func (s *Sourcer) RunSource(ctx context.Context, id string) error {
	for _, src := range s.sources {
		if src.ID() != id {
			continue
		}
		nodes, err := src.Collect(ctx)
		if err != nil {
			return fmt.Errorf("source %s: %w", id, err)
		}
		if err := s.reconcile(id, nodes); err != nil {
			return err
		}
		s.journal.Info("re-sourced %d nodes from %s", len(nodes), id)
		return nil
	}
	s.journal.Warn("reload for unknown source %q; running full pass", id)
	return s.RunAll(ctx)
}

// reconcile upserts collected nodes and prunes nodes the source no longer
// reports.
func (s *Sourcer) reconcile(sourceID string, nodes []store.Node) error {
	current := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		n.Source = sourceID
		if err := s.store.UpsertNode(n); err != nil {
			return err
		}
		current[n.ID] = struct{}{}
	}
	existing, err := s.store.NodesBySource(sourceID)
	if err != nil {
		return err
	}
	for _, n := range existing {
		if _, ok := current[n.ID]; ok {
			continue
		}
		if err := s.store.DeleteNode(n.ID); err != nil {
			return err
		}
	}
	return nil
}
