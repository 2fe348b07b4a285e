package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"contentengine/pkg/domain"
	"contentengine/pkg/publish"
	"contentengine/pkg/store"
)

const (
	DefaultBatchSize = 20
	DefaultClaimTTL  = 15 * time.Minute
	workerActor      = "worker"
)

type WorkerConfig struct {
	// BatchSize caps how many due items one pass processes.
	BatchSize int
	// ClaimTTL is how long a claim may be held before the item is
	// considered abandoned mid-publish.
	ClaimTTL time.Duration
}

// Worker publishes due scheduled items. It keeps no state between passes;
// everything lives in the store, so RunOnce may be driven by a ticker, cron
// or an HTTP trigger, including several at once.
type Worker struct {
	store     store.ContentStore
	publisher publish.Publisher
	cfg       WorkerConfig
	opts      options
}

func NewWorker(st store.ContentStore, pub publish.Publisher, cfg WorkerConfig, opts ...Option) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	return &Worker{store: st, publisher: pub, cfg: cfg, opts: buildOptions(opts)}
}

type Outcome string

const (
	OutcomePosted  Outcome = "posted"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeReaped  Outcome = "reaped"
)

type ItemResult struct {
	ID             string  `json:"id"`
	Outcome        Outcome `json:"outcome"`
	ExternalPostID string  `json:"externalPostId,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// PassResult summarizes one RunOnce.
type PassResult struct {
	Due     int          `json:"due"`
	Posted  int          `json:"posted"`
	Failed  int          `json:"failed"`
	Skipped int          `json:"skipped"`
	Reaped  int          `json:"reaped"`
	Items   []ItemResult `json:"items"`
}

func (r *PassResult) add(res ItemResult) {
	switch res.Outcome {
	case OutcomePosted:
		r.Posted++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeReaped:
		r.Reaped++
	}
	r.Items = append(r.Items, res)
}

// RunOnce reaps abandoned claims, then claims and publishes every due item.
// Publish failures are recorded on the item, not returned; the error is
// reserved for store failures.
func (w *Worker) RunOnce(ctx context.Context) (PassResult, error) {
	result := PassResult{Items: []ItemResult{}}
	now := w.opts.now()

	if err := w.reap(ctx, now, &result); err != nil {
		return result, err
	}

	due, err := w.store.ListDue(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list due items: %w", err)
	}
	result.Due = len(due)
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res, err := w.process(ctx, item)
		if err != nil {
			return result, err
		}
		result.add(res)
	}
	w.opts.logger.Info("worker pass complete",
		"due", result.Due, "posted", result.Posted, "failed", result.Failed,
		"skipped", result.Skipped, "reaped", result.Reaped)
	return result, nil
}

func (w *Worker) process(ctx context.Context, item domain.ContentItem) (ItemResult, error) {
	claimed, token, err := claim(ctx, w.store, item)
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		// Another pass or an operator got there first.
		w.opts.logger.Debug("due item skipped", "item_id", item.ID)
		return ItemResult{ID: item.ID, Outcome: OutcomeSkipped}, nil
	}
	if err != nil {
		return ItemResult{}, fmt.Errorf("claim item %s: %w", item.ID, err)
	}
	final, err := publishClaimed(ctx, w.store, w.publisher, w.opts, claimed, token, workerActor)
	if err != nil && final.ID == "" {
		return ItemResult{}, err
	}
	if err != nil {
		w.opts.logger.Warn("scheduled post failed", "item_id", item.ID, "err", err)
		return ItemResult{ID: item.ID, Outcome: OutcomeFailed, Error: final.ErrorMessage}, nil
	}
	w.opts.logger.Info("scheduled post published", "item_id", item.ID, "external_post_id", final.ExternalPostID)
	return ItemResult{ID: item.ID, Outcome: OutcomePosted, ExternalPostID: final.ExternalPostID}, nil
}

// reap fails items whose claim outlived ClaimTTL. Whether the publisher
// ran is unknown, so they are not rescheduled automatically.
func (w *Worker) reap(ctx context.Context, now time.Time, result *PassResult) error {
	stale, err := w.store.ListClaimedBefore(ctx, now.Add(-w.cfg.ClaimTTL))
	if err != nil {
		return fmt.Errorf("list stale claims: %w", err)
	}
	for _, item := range stale {
		if !CanTransition(item.Status, domain.StatusFailed) {
			continue
		}
		final, err := w.store.Update(ctx, item.ID, store.Guard{Status: item.Status, ClaimToken: item.ClaimToken}, store.Patch{
			Status:       store.Ptr(domain.StatusFailed),
			ErrorMessage: store.Ptr("publish outcome unknown: claim expired"),
			ClaimToken:   store.Ptr(""),
			Actor:        workerActor,
			Note:         "stale claim reaped",
		})
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reap item %s: %w", item.ID, err)
		}
		w.opts.logger.Warn("stale claim reaped", "item_id", item.ID, "claimed_at", item.ClaimedAt)
		w.opts.announce(ctx, item.Status, final, workerActor)
		result.add(ItemResult{ID: item.ID, Outcome: OutcomeReaped, Error: final.ErrorMessage})
	}
	return nil
}
