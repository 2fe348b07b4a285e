package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"contentengine/pkg/domain"
	"contentengine/pkg/events"
)

type Option func(*options)

type options struct {
	now      func() time.Time
	logger   *slog.Logger
	notifier events.Notifier
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithNotifier sets where committed transitions are announced.
func WithNotifier(n events.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, logger: slog.Default(), notifier: events.Nop{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// announce runs after the store commit; a failure is logged, never returned.
func (o options) announce(ctx context.Context, from domain.ItemStatus, item domain.ContentItem, actor string) {
	typ, ok := events.ForStatus(item.Status)
	if !ok {
		return
	}
	ev := events.Event{
		Type:           typ,
		ItemID:         item.ID,
		From:           from,
		To:             item.Status,
		Actor:          actor,
		ExternalPostID: item.ExternalPostID,
		Error:          item.ErrorMessage,
		At:             o.now().UTC(),
	}
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.Warn("lifecycle event not delivered", "item_id", item.ID, "type", typ, "err", err)
	}
}
