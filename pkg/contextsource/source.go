// Package contextsource supplies the daily context a post is generated
// from. Sources are read-only.
package contextsource

import (
	"context"
	"strings"

	"contentengine/pkg/domain"
)

type Source interface {
	GetContext(ctx context.Context, pillar string) (domain.Bundle, error)
}

// StaticSource returns the same bundle for every pillar, e.g. built from
// CLI flags.
type StaticSource struct {
	Bundle domain.Bundle
}

func (s StaticSource) GetContext(_ context.Context, pillar string) (domain.Bundle, error) {
	b := s.Bundle
	b.Pillar = pillar
	b.Themes = append([]string(nil), b.Themes...)
	b.Decisions = append([]string(nil), b.Decisions...)
	b.Progress = append([]string(nil), b.Progress...)
	return b, nil
}

// bucket is where a parsed line lands.
type bucket int

const (
	bucketNotes bucket = iota
	bucketThemes
	bucketDecisions
	bucketProgress
)

// bucketFor maps a heading to a bundle field by keyword.
func bucketFor(heading string) bucket {
	h := strings.ToLower(heading)
	switch {
	case strings.Contains(h, "theme"), strings.Contains(h, "topic"):
		return bucketThemes
	case strings.Contains(h, "decision"), strings.Contains(h, "decided"):
		return bucketDecisions
	case strings.Contains(h, "progress"), strings.Contains(h, "shipped"), strings.Contains(h, "done"):
		return bucketProgress
	}
	return bucketNotes
}

// collector accumulates parsed content into a bundle, dropping duplicates.
type collector struct {
	bundle  domain.Bundle
	seen    map[string]bool
	notes   []string
	current bucket
}

func newCollector() *collector {
	return &collector{seen: map[string]bool{}}
}

func (c *collector) heading(text string) {
	c.current = bucketFor(text)
}

func (c *collector) add(text string) {
	text = normalizeText(text)
	if text == "" {
		return
	}
	if c.current == bucketNotes {
		c.notes = append(c.notes, text)
		return
	}
	key := strings.ToLower(text)
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	switch c.current {
	case bucketThemes:
		c.bundle.Themes = append(c.bundle.Themes, text)
	case bucketDecisions:
		c.bundle.Decisions = append(c.bundle.Decisions, text)
	case bucketProgress:
		c.bundle.Progress = append(c.bundle.Progress, text)
	}
}

func (c *collector) merge(b domain.Bundle) {
	for _, pair := range []struct {
		b     bucket
		items []string
	}{{bucketThemes, b.Themes}, {bucketDecisions, b.Decisions}, {bucketProgress, b.Progress}} {
		c.current = pair.b
		for _, item := range pair.items {
			c.add(item)
		}
	}
	c.current = bucketNotes
	c.add(b.Notes)
}

func (c *collector) result(pillar string, limit int) domain.Bundle {
	b := c.bundle
	b.Pillar = pillar
	b.Themes = truncate(b.Themes, limit)
	b.Decisions = truncate(b.Decisions, limit)
	b.Progress = truncate(b.Progress, limit)
	b.Notes = strings.Join(c.notes, "\n")
	return b
}

func truncate(items []string, limit int) []string {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}
