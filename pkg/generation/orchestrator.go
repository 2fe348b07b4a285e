// Package generation turns a context bundle into a validated draft. Each
// request is a bounded loop: reserve budget, call the provider, commit the
// cost, validate, and either accept the draft or refine with the
// violations from the previous attempt.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"contentengine/pkg/ai"
	"contentengine/pkg/blueprint"
	"contentengine/pkg/domain"
	"contentengine/pkg/usage"
	"contentengine/pkg/validator"
)

const (
	DefaultMaxAttempts = 3
	DefaultMaxTokens   = 1024
)

// DraftSink stores accepted drafts.
type DraftSink interface {
	CreateDraft(ctx context.Context, item domain.ContentItem, actor string) (domain.ContentItem, error)
}

type Config struct {
	MaxAttempts int
	MaxTokens   int
	Pricing     Pricing
}

// Request describes one post to generate. Framework may be empty to let
// SelectFramework choose; Constraints may be empty to apply every
// constraint for the framework's platform.
type Request struct {
	Context     domain.Bundle
	Pillar      string
	Framework   string
	Constraints []string
	MaxAttempts int
	Inputs      []Input
	Actor       string
}

type Orchestrator struct {
	gen        ai.TextGenerator
	ledger     usage.Ledger
	blueprints *blueprint.Store
	sink       DraftSink
	cfg        Config
	logger     *slog.Logger
}

func New(gen ai.TextGenerator, ledger usage.Ledger, blueprints *blueprint.Store, sink DraftSink, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{gen: gen, ledger: ledger, blueprints: blueprints, sink: sink, cfg: cfg, logger: logger}
}

// Generate runs the bounded generate/validate/refine loop. The provider is
// called at most MaxAttempts times, transient failures included. Budget is
// reserved before every attempt; a transient failure is retried inside the
// same reservation and only a completed call is committed.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (domain.ContentItem, error) {
	pillar := strings.TrimSpace(req.Pillar)
	if pillar == "" {
		return domain.ContentItem{}, fmt.Errorf("%w: pillar required", ErrBadRequest)
	}
	fw, err := o.framework(req.Framework, pillar, req.Context)
	if err != nil {
		return domain.ContentItem{}, err
	}
	if !fw.SupportsPillar(pillar) {
		return domain.ContentItem{}, fmt.Errorf("%w: framework %s does not support pillar %q", ErrBadRequest, fw.Name, pillar)
	}
	constraints, err := o.blueprints.Constraints(fw.Platform, req.Constraints...)
	if err != nil {
		return domain.ContentItem{}, err
	}
	system, err := renderSystem(fw, pillar, constraints)
	if err != nil {
		return domain.ContentItem{}, err
	}
	base, err := renderUser(pillar, req.Context, req.Inputs)
	if err != nil {
		return domain.ContentItem{}, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = o.cfg.MaxAttempts
	}
	log := o.logger.With("pillar", pillar, "framework", fw.Name)
	fail := func(reason Reason, attempts, calls int, report *domain.ValidationReport, err error) error {
		log.Warn("generation failed", "reason", reason, "attempts", attempts, "calls", calls, "err", err)
		return &FailureError{Reason: reason, Framework: fw.Name, Attempts: attempts, Calls: calls, LastReport: report, Err: err}
	}

	var (
		calls, attempts int
		last            *domain.ValidationReport
		prevDraft       string
	)
	for calls < maxAttempts {
		user := base
		if last != nil {
			if user, err = renderRefinement(base, prevDraft, *last); err != nil {
				return domain.ContentItem{}, err
			}
		}
		estimate := o.cfg.Pricing.Estimate(system, user, o.cfg.MaxTokens)
		reservation, err := o.ledger.Reserve(ctx, estimate)
		if errors.Is(err, usage.ErrBudgetExceeded) {
			return domain.ContentItem{}, fail(ReasonBudgetExhausted, attempts, calls, last, err)
		}
		if err != nil {
			return domain.ContentItem{}, fmt.Errorf("reserve budget: %w", err)
		}

		var resp ai.Response
		for {
			calls++
			resp, err = o.gen.GenerateText(ctx, ai.Request{System: system, User: user, MaxTokens: o.cfg.MaxTokens})
			if err == nil {
				break
			}
			if !ai.IsTransient(err) {
				o.release(ctx, reservation)
				return domain.ContentItem{}, fail(ReasonProviderFatal, attempts, calls, last, err)
			}
			if calls >= maxAttempts {
				o.release(ctx, reservation)
				return domain.ContentItem{}, fail(ReasonProviderUnavailable, attempts, calls, last, err)
			}
			log.Warn("transient provider error, retrying", "call", calls, "err", err)
		}

		actual := o.cfg.Pricing.Cost(resp.InputTokens, resp.OutputTokens)
		if resp.InputTokens == 0 && resp.OutputTokens == 0 {
			actual = estimate
		}
		// The call has happened; record it even if the caller gave up.
		if err := o.ledger.Commit(context.WithoutCancel(ctx), reservation, actual); err != nil {
			return domain.ContentItem{}, fmt.Errorf("commit usage: %w", err)
		}
		attempts++

		text := strings.TrimSpace(resp.Text)
		report := validator.Validate(text, pillar, fw, constraints)
		log.Info("draft validated", "attempt", attempts, "passed", report.Passed, "score", report.Score, "violations", len(report.Violations))
		if report.Passed {
			item, err := o.sink.CreateDraft(ctx, domain.ContentItem{
				Body:      text,
				Pillar:    pillar,
				Framework: fw.Name,
				Report:    report,
			}, actorOr(req.Actor, "generator"))
			if err != nil {
				return domain.ContentItem{}, fmt.Errorf("store draft: %w", err)
			}
			return item, nil
		}
		last = &report
		prevDraft = text
	}
	return domain.ContentItem{}, fail(ReasonValidationExhausted, attempts, calls, last, nil)
}

// release frees the hold of a reservation whose call produced nothing.
func (o *Orchestrator) release(ctx context.Context, res usage.Reservation) {
	if err := o.ledger.Release(context.WithoutCancel(ctx), res); err != nil {
		o.logger.Warn("release usage hold failed", "reservation", res.ID, "err", err)
	}
}

// Preview renders the prompts Generate would send, without any call.
func (o *Orchestrator) Preview(req Request) (system, user string, err error) {
	fw, err := o.framework(req.Framework, req.Pillar, req.Context)
	if err != nil {
		return "", "", err
	}
	constraints, err := o.blueprints.Constraints(fw.Platform, req.Constraints...)
	if err != nil {
		return "", "", err
	}
	if system, err = renderSystem(fw, req.Pillar, constraints); err != nil {
		return "", "", err
	}
	user, err = renderUser(req.Pillar, req.Context, req.Inputs)
	return system, user, err
}

func (o *Orchestrator) framework(name, pillar string, bundle domain.Bundle) (blueprint.Framework, error) {
	if strings.TrimSpace(name) == "" {
		selected, err := SelectFramework(o.blueprints.Frameworks(), pillar, bundle)
		if err != nil {
			return blueprint.Framework{}, err
		}
		name = selected
	}
	return o.blueprints.Framework(name)
}

func actorOr(actor, fallback string) string {
	if strings.TrimSpace(actor) == "" {
		return fallback
	}
	return actor
}
