package pages

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/strataforge/strata/internal/store"
)

// Page is one renderable unit derived from a node.
type Page struct {
	Slug  string
	Title string
	Body  string
	Meta  Metadata

	NodeID   string
	NodeType string
}

// ErrDraft marks a node whose frontmatter excludes it from the page tree.
var ErrDraft = errors.New("pages: draft node")

// FromNode builds a page from a sourced node. Frontmatter is optional; when
// absent the slug and title derive from the node id.
func FromNode(n store.Node) (Page, error) {
	meta, body, err := ParseFrontMatter([]byte(n.Content))
	switch {
	case errors.Is(err, ErrMissingFrontMatter):
		body = []byte(n.Content)
		meta = Metadata{}
	case err != nil:
		return Page{}, fmt.Errorf("pages: node %s: %w", n.ID, err)
	}
	if meta.Draft {
		return Page{}, fmt.Errorf("pages: node %s: %w", n.ID, ErrDraft)
	}
	slug := meta.Slug
	if slug == "" {
		slug = slugFromNodeID(n.ID)
	}
	if slug == "" {
		return Page{}, fmt.Errorf("pages: node %s has no usable slug", n.ID)
	}
	title := meta.Title
	if title == "" {
		title = titleFromSlug(slug)
	}
	return Page{
		Slug:     slug,
		Title:    title,
		Body:     string(body),
		Meta:     meta,
		NodeID:   n.ID,
		NodeType: n.Type,
	}, nil
}

// slugFromNodeID derives a URL path from a node id like "blog/nested/post.md".
// The source prefix stays so slugs from different sources cannot collide.
func slugFromNodeID(id string) string {
	trimmed := strings.TrimSuffix(id, path.Ext(id))
	segments := strings.Split(trimmed, "/")
	cleaned := make([]string, 0, len(segments))
	for _, segment := range segments {
		if s := slugify(segment); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return strings.Join(cleaned, "/")
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func titleFromSlug(slug string) string {
	base := path.Base(slug)
	words := strings.Split(strings.ReplaceAll(base, "-", " "), " ")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}
