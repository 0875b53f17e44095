// Package store is the persistent node store backing a develop session. Data
// sourcing writes nodes here, mutations forwarded by the orchestrator land
// here, and the query runner reads from here. The store is shared by
// reference once the session captures it; callers never re-open it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
CREATE INDEX IF NOT EXISTS idx_nodes_source ON nodes(source);
`

// ErrNodeNotFound is returned when a mutation targets a missing node.
var ErrNodeNotFound = errors.New("store: node not found")

// Node is one unit of sourced content.
type Node struct {
	ID        string
	Type      string
	Source    string
	Content   string
	UpdatedAt time.Time
}

// Op enumerates mutation operations.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Mutation is the ADD_NODE_MUTATION payload: a single data change applied to
// the node store.
type Mutation struct {
	Op   Op
	Node Node
}

// Validate checks the mutation is well-formed before it is applied or queued.
func (m Mutation) Validate() error {
	if m.Node.ID == "" {
		return fmt.Errorf("store: mutation requires a node id")
	}
	switch m.Op {
	case OpUpsert:
		if m.Node.Type == "" {
			return fmt.Errorf("store: upsert of %s requires a node type", m.Node.ID)
		}
		return nil
	case OpDelete:
		return nil
	default:
		return fmt.Errorf("store: unknown mutation op %q", m.Op)
	}
}

// Store wraps the sqlite database at .strata/cache/nodes.db.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for node timestamps (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Open creates or reuses the node database at path and ensures the schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaV1); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("store: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("store: unsupported schema version %d (want %d)", version, schemaVersion)
	}
	return nil
}

// ApplyMutation applies a single data change. This is the target of the
// orchestrator's "forward mutation" action.
func (s *Store) ApplyMutation(m Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	switch m.Op {
	case OpUpsert:
		return s.UpsertNode(m.Node)
	case OpDelete:
		return s.DeleteNode(m.Node.ID)
	default:
		return fmt.Errorf("store: unknown mutation op %q", m.Op)
	}
}

// UpsertNode inserts or replaces a node.
func (s *Store) UpsertNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("store: node id is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO nodes (id, type, source, content, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			source = excluded.source,
			content = excluded.content,
			updated_at = excluded.updated_at`,
		n.ID, n.Type, n.Source, n.Content, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: upsert node %s: %w", n.ID, err)
	}
	return nil
}

// DeleteNode removes a node by id.
func (s *Store) DeleteNode(id string) error {
	res, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete node %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete node %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("store: delete node %s: %w", id, ErrNodeNotFound)
	}
	return nil
}

// GetNode loads a single node by id.
func (s *Store) GetNode(id string) (Node, error) {
	row := s.db.QueryRow(`SELECT id, type, source, content, updated_at FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, fmt.Errorf("store: get node %s: %w", id, ErrNodeNotFound)
	}
	return node, err
}

// NodesByType returns every node of the given type ordered by id.
func (s *Store) NodesByType(nodeType string) ([]Node, error) {
	rows, err := s.db.Query(`SELECT id, type, source, content, updated_at FROM nodes WHERE type = ? ORDER BY id`, nodeType)
	if err != nil {
		return nil, fmt.Errorf("store: nodes by type %s: %w", nodeType, err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// NodesBySource returns every node owned by the given source ordered by id.
func (s *Store) NodesBySource(source string) ([]Node, error) {
	rows, err := s.db.Query(`SELECT id, type, source, content, updated_at FROM nodes WHERE source = ? ORDER BY id`, source)
	if err != nil {
		return nil, fmt.Errorf("store: nodes by source %s: %w", source, err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// AllNodes returns every node ordered by id.
func (s *Store) AllNodes() ([]Node, error) {
	rows, err := s.db.Query(`SELECT id, type, source, content, updated_at FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: all nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// CountNodes reports how many nodes are stored.
func (s *Store) CountNodes() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: count nodes: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var n Node
	var updatedAt string
	if err := row.Scan(&n.ID, &n.Type, &n.Source, &n.Content, &updatedAt); err != nil {
		return Node{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Node{}, fmt.Errorf("store: parse timestamp for %s: %w", n.ID, err)
	}
	n.UpdatedAt = ts
	return n, nil
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate nodes: %w", err)
	}
	return nodes, nil
}
