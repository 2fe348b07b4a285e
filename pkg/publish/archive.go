package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"contentengine/pkg/storage"
)

type ArchiveConfig struct {
	Prefix string `yaml:"prefix"`
}

// ArchivePublisher renders posts to HTML pages in an object store, e.g. a
// bucket served as a static site. The object key is the external id.
type ArchivePublisher struct {
	store  storage.ObjectStore
	prefix string
	now    func() time.Time
}

func NewArchivePublisher(store storage.ObjectStore, cfg ArchiveConfig) (*ArchivePublisher, error) {
	if store == nil {
		return nil, errors.New("archive publisher requires an object store")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	if prefix == "" {
		prefix = "posts"
	}
	return &ArchivePublisher{store: store, prefix: prefix, now: time.Now}, nil
}

// Publish is keyed by item id, so a repeated call for the same item finds
// the existing page and does not write it twice.
func (p *ArchivePublisher) Publish(ctx context.Context, post Post) (string, error) {
	if post.ItemID == "" {
		return "", &Error{Publisher: "archive", Message: "item id required"}
	}
	key := fmt.Sprintf("%s/%s.html", p.prefix, post.ItemID)
	exists, err := p.store.Exists(ctx, key)
	if err != nil {
		return "", &Error{Publisher: "archive", Err: err}
	}
	if exists {
		return key, nil
	}
	page, err := renderPage(post, p.now().UTC())
	if err != nil {
		return "", &Error{Publisher: "archive", Err: err}
	}
	if err := p.store.Put(ctx, key, page, "text/html; charset=utf-8"); err != nil {
		return "", &Error{Publisher: "archive", Err: err}
	}
	if err := p.store.Put(ctx, strings.TrimSuffix(key, ".html")+".md", []byte(post.Body), "text/markdown; charset=utf-8"); err != nil {
		return "", &Error{Publisher: "archive", Err: err}
	}
	return key, nil
}

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.ID}}</title></head>
<body>
<article data-item-id="{{.ID}}">
{{.Body}}
</article>
<footer><time datetime="{{.Published}}">{{.Published}}</time></footer>
</body>
</html>
`))

func renderPage(post Post, at time.Time) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(post.Body), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	var out bytes.Buffer
	err := pageTemplate.Execute(&out, struct {
		ID        string
		Body      template.HTML
		Published string
	}{
		ID:        post.ItemID,
		Body:      template.HTML(body.String()),
		Published: at.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return out.Bytes(), nil
}
