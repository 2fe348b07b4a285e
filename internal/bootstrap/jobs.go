package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/domain"
	"contentengine/pkg/generation"
	"contentengine/pkg/queue"
)

// RunJob executes a queued generation job. Generation outcomes are final
// and reported as permanent errors; infrastructure errors are returned as
// is so the queue retries them.
func (d *Deps) RunJob(ctx context.Context, job queue.Job) ([]string, error) {
	orch, err := d.Orchestrator()
	if err != nil {
		return nil, queue.Permanent(err)
	}
	actor := job.Actor
	if actor == "" {
		actor = "queue"
	}
	switch job.Kind {
	case queue.KindWorkflow:
		src, err := d.ContextSource()
		if err != nil {
			return nil, queue.Permanent(err)
		}
		res, err := orch.RunWorkflow(ctx, job.Workflow, src, generation.WorkflowOptions{
			MaxAttempts: job.MaxAttempts,
			Actor:       actor,
		})
		if err != nil {
			return res.Items(), classify(err)
		}
		if res.Failed() {
			return res.Items(), queue.Permanent(fmt.Errorf("workflow %s: %s", res.Workflow, summarize(res)))
		}
		return res.Items(), nil
	default:
		bundle := domain.Bundle{}
		if src, err := d.ContextSource(); err == nil {
			if bundle, err = src.GetContext(ctx, job.Pillar); err != nil {
				return nil, err
			}
		}
		item, err := orch.Generate(ctx, generation.Request{
			Context:     bundle,
			Pillar:      job.Pillar,
			Framework:   job.Framework,
			MaxAttempts: job.MaxAttempts,
			Actor:       actor,
		})
		if err != nil {
			return nil, classify(err)
		}
		return []string{item.ID}, nil
	}
}

// classify marks generation and configuration failures permanent. Only
// errors that might succeed on a later attempt stay retryable.
func classify(err error) error {
	if errors.Is(err, generation.ErrGenerationFailed) ||
		errors.Is(err, generation.ErrBadRequest) ||
		errors.Is(err, blueprint.ErrNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func summarize(res generation.WorkflowResult) string {
	var parts []string
	for _, s := range res.Steps {
		if s.Status != generation.StepGenerated {
			parts = append(parts, fmt.Sprintf("%s %s (%s)", s.StepID, s.Status, s.Reason))
		}
	}
	return strings.Join(parts, "; ")
}
