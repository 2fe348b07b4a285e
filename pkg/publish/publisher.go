// Package publish sends approved content to its destination. Publishing is
// not idempotent: callers must claim an item before calling Publish.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var ErrPublish = errors.New("publish failed")

// Post is what gets published.
type Post struct {
	ItemID string
	Body   string
}

// Publisher returns the external identifier of the created post.
type Publisher interface {
	Publish(ctx context.Context, post Post) (string, error)
}

// Error describes a failed publish. StatusCode is 0 when no response was
// received.
type Error struct {
	Publisher  string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s publish failed (status %d): %s", e.Publisher, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s publish failed: %s", e.Publisher, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrPublish }

// Config selects the publisher used by the worker and approve.
type Config struct {
	Kind     string         `yaml:"kind"`
	LinkedIn LinkedInConfig `yaml:"linkedin"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// LogPublisher writes posts to the logger instead of an external system.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, post Post) (string, error) {
	if strings.TrimSpace(post.Body) == "" {
		return "", &Error{Publisher: "log", Message: "empty post body"}
	}
	id := "log-" + post.ItemID
	p.logger.InfoContext(ctx, "post published", "item_id", post.ItemID, "external_post_id", id, "chars", len([]rune(post.Body)), "body", post.Body)
	return id, nil
}
