// Package bundler builds the client asset bundle of a develop session. The
// cold start produces the first bundle and hands back a Compiler; later
// rebuilds reuse that handle and bump its generation so consumers can tell
// bundles apart.
package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strataforge/strata/internal/journal"
)

// Manifest describes one produced bundle.
type Manifest struct {
	Generation int       `json:"generation"`
	Files      []string  `json:"files"`
	BuiltAt    time.Time `json:"built_at"`
}

// Bundler concatenates bundleable sources into per-extension bundles under
// the output assets directory.
type Bundler struct {
	sourceDir string
	outputDir string
	journal   *journal.Journal
	now       func() time.Time
}

// Option customizes a Bundler during construction.
type Option func(*Bundler)

// WithJournal attaches the session journal.
func WithJournal(j *journal.Journal) Option {
	return func(b *Bundler) {
		b.journal = j
	}
}

// WithClock overrides the clock stamped into manifests (tests).
func WithClock(clock func() time.Time) Option {
	return func(b *Bundler) {
		if clock != nil {
			b.now = clock
		}
	}
}

// New creates a Bundler reading from sourceDir and writing bundles under
// outputDir/assets.
func New(sourceDir, outputDir string, opts ...Option) *Bundler {
	b := &Bundler{sourceDir: sourceDir, outputDir: outputDir, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Start performs the cold-start bundle and returns the session's compiler
// handle. It is called at most once per session.
func (b *Bundler) Start(ctx context.Context) (*Compiler, error) {
	c := &Compiler{bundler: b}
	if err := c.Rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Compiler is the long-lived handle produced by the cold start. Generation
// starts at 1 and increments on every successful rebuild.
type Compiler struct {
	bundler *Bundler

	mu         sync.Mutex
	generation int
}

// Generation reports how many bundles this compiler has produced.
func (c *Compiler) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Rebuild produces a fresh bundle from current sources. A failed rebuild
// leaves the previous bundle and generation in place.
func (c *Compiler) Rebuild(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.generation + 1
	files, err := c.bundler.bundle(ctx, next)
	if err != nil {
		return err
	}
	c.generation = next
	c.bundler.journal.Info("bundle generation %d from %d files", next, len(files))
	return nil
}

var bundleExtensions = []string{".js", ".css"}

func (b *Bundler) bundle(ctx context.Context, generation int) ([]string, error) {
	byExt := map[string][]string{}
	err := filepath.WalkDir(b.sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if entry.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range bundleExtensions {
			if ext == want {
				byExt[ext] = append(byExt[ext], path)
				break
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("bundler: scan sources: %w", err)
	}

	assetsDir := filepath.Join(b.outputDir, "assets")
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("bundler: create assets dir: %w", err)
	}

	var all []string
	for _, ext := range bundleExtensions {
		sources := byExt[ext]
		sort.Strings(sources)
		if err := b.writeBundle(assetsDir, ext, generation, sources); err != nil {
			return nil, err
		}
		for _, src := range sources {
			rel, relErr := filepath.Rel(b.sourceDir, src)
			if relErr != nil {
				rel = src
			}
			all = append(all, filepath.ToSlash(rel))
		}
	}
	if err := b.writeManifest(assetsDir, generation, all); err != nil {
		return nil, err
	}
	return all, nil
}

func (b *Bundler) writeBundle(assetsDir, ext string, generation int, sources []string) error {
	final := filepath.Join(assetsDir, "bundle"+ext)
	tmp := final + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("bundler: create bundle%s: %w", ext, err)
	}
	header := fmt.Sprintf("/* strata bundle generation %d */\n", generation)
	if _, err := out.WriteString(header); err != nil {
		out.Close()
		return fmt.Errorf("bundler: write bundle%s: %w", ext, err)
	}
	for _, src := range sources {
		content, err := os.ReadFile(src)
		if err != nil {
			out.Close()
			return fmt.Errorf("bundler: read %s: %w", src, err)
		}
		if _, err := out.Write(append(content, '\n')); err != nil {
			out.Close()
			return fmt.Errorf("bundler: write bundle%s: %w", ext, err)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("bundler: close bundle%s: %w", ext, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("bundler: publish bundle%s: %w", ext, err)
	}
	return nil
}

func (b *Bundler) writeManifest(assetsDir string, generation int, files []string) error {
	manifest := Manifest{Generation: generation, Files: files, BuiltAt: b.now().UTC()}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("bundler: encode manifest: %w", err)
	}
	final := filepath.Join(assetsDir, "manifest.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("bundler: write manifest: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("bundler: publish manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of the most recent bundle.
func LoadManifest(outputDir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, "assets", "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("bundler: read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("bundler: parse manifest: %w", err)
	}
	return manifest, nil
}
