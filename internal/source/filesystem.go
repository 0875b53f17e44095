package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/strataforge/strata/internal/store"
	"github.com/strataforge/strata/plugins"
)

// FilesystemSource turns files under a directory into nodes. The node id is
// the source id joined with the project-relative path, so ids stay stable
// across passes and machines.
type FilesystemSource struct {
	def  plugins.SourceDefinition
	root string
}

// NewFilesystemSource binds a filesystem definition to the project root.
func NewFilesystemSource(def plugins.SourceDefinition, projectRoot string) *FilesystemSource {
	return &FilesystemSource{
		def:  def.Normalized(),
		root: filepath.Join(projectRoot, filepath.FromSlash(def.Normalized().Root)),
	}
}

// ID returns the source id from the definition.
func (f *FilesystemSource) ID() string {
	return f.def.ID
}

// Collect walks the source root and returns one node per matching file. A
// missing root yields no nodes; the directory may not exist yet in a fresh
// project.
func (f *FilesystemSource) Collect(ctx context.Context) ([]store.Node, error) {
	patterns := f.def.Patterns()
	var nodes []store.Node
	err := filepath.WalkDir(f.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		if !matchesAny(patterns, entry.Name()) {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("source %s: read %s: %w", f.def.ID, rel, err)
		}
		nodes = append(nodes, store.Node{
			ID:      f.def.ID + "/" + filepath.ToSlash(rel),
			Type:    f.def.NodeType,
			Content: string(content),
		})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
