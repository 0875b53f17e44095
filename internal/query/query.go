// Package query executes the registered content queries of a develop session
// against the node store and materializes their results as JSON under the
// cache directory. A query run always reflects the store at the moment it
// executes; the orchestrator guarantees no mutations land mid-run.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/pool"
	"github.com/strataforge/strata/internal/store"
)

// Query selects nodes by type, optionally capped. Name doubles as the result
// file name.
type Query struct {
	Name     string
	NodeType string
	Limit    int
}

// Validate checks the query is runnable.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Name) == "" {
		return fmt.Errorf("query: name is required")
	}
	if strings.ContainsAny(q.Name, "/\\") {
		return fmt.Errorf("query %s: name must not contain path separators", q.Name)
	}
	if strings.TrimSpace(q.NodeType) == "" {
		return fmt.Errorf("query %s: node type is required", q.Name)
	}
	if q.Limit < 0 {
		return fmt.Errorf("query %s: negative limit", q.Name)
	}
	return nil
}

// Result is the materialized output of one query.
type Result struct {
	Query string      `json:"query"`
	Count int         `json:"count"`
	Nodes []ResultRow `json:"nodes"`
	RanAt time.Time   `json:"ran_at"`
}

// ResultRow is the per-node slice of a result. Content stays out; consumers
// holding a row fetch the node if they need the body.
type ResultRow struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runner executes registered queries through the shared worker pool.
type Runner struct {
	store      *store.Store
	pool       *pool.Pool
	resultsDir string
	journal    *journal.Journal
	now        func() time.Time

	queries []Query
}

// Option customizes a Runner during construction.
type Option func(*Runner)

// WithJournal attaches the session journal.
func WithJournal(j *journal.Journal) Option {
	return func(r *Runner) {
		r.journal = j
	}
}

// WithClock overrides the clock stamped into results (tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewRunner builds a Runner writing results into resultsDir.
func NewRunner(st *store.Store, pl *pool.Pool, resultsDir string, opts ...Option) *Runner {
	r := &Runner{store: st, pool: pl, resultsDir: resultsDir, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register adds a query to every subsequent run.
func (r *Runner) Register(q Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	for _, existing := range r.queries {
		if existing.Name == q.Name {
			return fmt.Errorf("query: duplicate name %s", q.Name)
		}
	}
	r.queries = append(r.queries, q)
	return nil
}

// Queries lists the registered query names sorted for stable output.
func (r *Runner) Queries() []string {
	names := make([]string, 0, len(r.queries))
	for _, q := range r.queries {
		names = append(names, q.Name)
	}
	sort.Strings(names)
	return names
}

// RunAll executes every registered query and writes each result file. The
// first failing query cancels the rest of the run.
func (r *Runner) RunAll(ctx context.Context) error {
	if len(r.queries) == 0 {
		r.journal.Warn("query run with no queries registered")
		return nil
	}
	if err := os.MkdirAll(r.resultsDir, 0o755); err != nil {
		return fmt.Errorf("query: create results dir: %w", err)
	}
	tasks := make([]pool.Task, len(r.queries))
	for i, q := range r.queries {
		q := q
		tasks[i] = func(ctx context.Context) error {
			return r.runOne(ctx, q)
		}
	}
	if err := r.pool.Run(ctx, tasks); err != nil {
		return err
	}
	r.journal.Info("ran %d queries", len(r.queries))
	return nil
}

func (r *Runner) runOne(ctx context.Context, q Query) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nodes, err := r.store.NodesByType(q.NodeType)
	if err != nil {
		return fmt.Errorf("query %s: %w", q.Name, err)
	}
	if q.Limit > 0 && len(nodes) > q.Limit {
		nodes = nodes[:q.Limit]
	}
	result := Result{
		Query: q.Name,
		Count: len(nodes),
		Nodes: make([]ResultRow, 0, len(nodes)),
		RanAt: r.now().UTC(),
	}
	for _, n := range nodes {
		result.Nodes = append(result.Nodes, ResultRow{
			ID:        n.ID,
			Type:      n.Type,
			Source:    n.Source,
			UpdatedAt: n.UpdatedAt,
		})
	}
	return r.writeResult(result)
}

// writeResult replaces the result file atomically so readers never observe a
// half-written run.
func (r *Runner) writeResult(result Result) error {
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("query %s: encode result: %w", result.Query, err)
	}
	final := filepath.Join(r.resultsDir, result.Query+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("query %s: write result: %w", result.Query, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("query %s: publish result: %w", result.Query, err)
	}
	return nil
}

// LoadResult reads a previously materialized result by query name.
func LoadResult(resultsDir, name string) (Result, error) {
	data, err := os.ReadFile(filepath.Join(resultsDir, name+".json"))
	if err != nil {
		return Result{}, fmt.Errorf("query: read result %s: %w", name, err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("query: parse result %s: %w", name, err)
	}
	return result, nil
}
