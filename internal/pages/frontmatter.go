// Package pages turns sourced nodes into the rendered page tree under the
// output directory. Recreating pages is idempotent: the tree always reflects
// the current node store.
package pages

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("pages: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("pages: malformed frontmatter")
)

// Metadata is the page-facing frontmatter of a content document.
type Metadata struct {
	Title string    `yaml:"title,omitempty"`
	Slug  string    `yaml:"slug,omitempty"`
	Date  time.Time `yaml:"date,omitempty"`
	Draft bool      `yaml:"draft,omitempty"`
	Tags  []string  `yaml:"tags,omitempty"`
}

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences. Documents without a fence return
// ErrMissingFrontMatter; callers treat that as a page with no metadata.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	var meta Metadata
	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("pages: parse frontmatter: %w", err)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	meta.Slug = strings.TrimSpace(meta.Slug)
	return meta, parts[1], nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
