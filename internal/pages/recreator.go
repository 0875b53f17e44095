package pages

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/strataforge/strata/internal/journal"
	"github.com/strataforge/strata/internal/store"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<article data-node="{{.NodeID}}">
<h1>{{.Title}}</h1>
<pre>{{.Body}}</pre>
</article>
</body>
</html>
`))

var indexTemplate = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Site}}</title></head>
<body>
<h1>{{.Site}}</h1>
<ul>
{{- range .Pages}}
<li><a href="/{{.Slug}}/">{{.Title}}</a></li>
{{- end}}
</ul>
</body>
</html>
`))

// Recreator rebuilds the page tree from the node store.
type Recreator struct {
	store     *store.Store
	outputDir string
	siteName  string
	journal   *journal.Journal
}

// Option customizes a Recreator during construction.
type Option func(*Recreator)

// WithJournal attaches the session journal.
func WithJournal(j *journal.Journal) Option {
	return func(r *Recreator) {
		r.journal = j
	}
}

// WithSiteName sets the title rendered on the index page.
func WithSiteName(name string) Option {
	return func(r *Recreator) {
		if strings.TrimSpace(name) != "" {
			r.siteName = strings.TrimSpace(name)
		}
	}
}

// NewRecreator builds a Recreator writing to outputDir.
func NewRecreator(st *store.Store, outputDir string, opts ...Option) *Recreator {
	r := &Recreator{store: st, outputDir: outputDir, siteName: "strata site"}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Recreate rebuilds every page from current data. Pages for nodes that no
// longer exist are pruned, drafts are skipped, and the index is rewritten
// last so a reader never sees a link before its target.
func (r *Recreator) Recreate(ctx context.Context) error {
	nodes, err := r.store.AllNodes()
	if err != nil {
		return err
	}
	pages := make([]Page, 0, len(nodes))
	for _, node := range nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		page, err := FromNode(node)
		if errors.Is(err, ErrDraft) {
			continue
		}
		if err != nil {
			r.journal.Warn("skipping unrenderable node: %v", err)
			continue
		}
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Slug < pages[j].Slug })

	live := make(map[string]struct{}, len(pages))
	for _, page := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.writePage(page); err != nil {
			return err
		}
		live[page.Slug] = struct{}{}
	}
	if err := r.prune(live); err != nil {
		return err
	}
	if err := r.writeIndex(pages); err != nil {
		return err
	}
	r.journal.Info("recreated %d pages", len(pages))
	return nil
}

func (r *Recreator) writePage(page Page) error {
	dir := filepath.Join(r.outputDir, filepath.FromSlash(page.Slug))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pages: create %s: %w", page.Slug, err)
	}
	file, err := os.Create(filepath.Join(dir, "index.html"))
	if err != nil {
		return fmt.Errorf("pages: write %s: %w", page.Slug, err)
	}
	defer file.Close()
	if err := pageTemplate.Execute(file, page); err != nil {
		return fmt.Errorf("pages: render %s: %w", page.Slug, err)
	}
	return nil
}

func (r *Recreator) writeIndex(pages []Page) error {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return fmt.Errorf("pages: create output dir: %w", err)
	}
	file, err := os.Create(filepath.Join(r.outputDir, "index.html"))
	if err != nil {
		return fmt.Errorf("pages: write index: %w", err)
	}
	defer file.Close()
	data := struct {
		Site  string
		Pages []Page
	}{Site: r.siteName, Pages: pages}
	if err := indexTemplate.Execute(file, data); err != nil {
		return fmt.Errorf("pages: render index: %w", err)
	}
	return nil
}

// prune removes rendered pages whose slug is no longer live. Only index.html
// files are touched; anything else under the output dir (bundles, assets) is
// left alone. Directories emptied by the removal are swept afterwards so a
// stale parent never takes a live child with it.
func (r *Recreator) prune(live map[string]struct{}) error {
	var stale, dirs []string
	err := filepath.WalkDir(r.outputDir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == r.outputDir {
			return nil
		}
		if entry.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if entry.Name() != "index.html" {
			return nil
		}
		rel, err := filepath.Rel(r.outputDir, filepath.Dir(path))
		if err != nil {
			return err
		}
		slug := filepath.ToSlash(rel)
		if _, ok := live[slug]; !ok {
			stale = append(stale, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("pages: scan output dir: %w", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("pages: prune %s: %w", path, err)
		}
	}
	// Deepest directories first so emptied parents collapse too.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		_ = os.Remove(dir)
	}
	return nil
}
