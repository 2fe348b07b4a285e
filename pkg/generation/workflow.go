package generation

import (
	"context"
	"errors"
	"fmt"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/contextsource"
	"contentengine/pkg/domain"
)

type StepStatus string

const (
	StepGenerated StepStatus = "generated"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type StepResult struct {
	StepID    string     `json:"stepId"`
	Name      string     `json:"name"`
	Framework string     `json:"framework"`
	Pillar    string     `json:"pillar"`
	Status    StepStatus `json:"status"`
	ItemID    string     `json:"itemId,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type WorkflowResult struct {
	Workflow string       `json:"workflow"`
	Version  string       `json:"version"`
	Steps    []StepResult `json:"steps"`
}

// Items returns the ids of generated drafts in step order.
func (r WorkflowResult) Items() []string {
	var ids []string
	for _, s := range r.Steps {
		if s.ItemID != "" {
			ids = append(ids, s.ItemID)
		}
	}
	return ids
}

// Failed reports whether any step did not generate.
func (r WorkflowResult) Failed() bool {
	for _, s := range r.Steps {
		if s.Status != StepGenerated {
			return true
		}
	}
	return false
}

type WorkflowOptions struct {
	MaxAttempts int
	Constraints []string
	Actor       string
}

// RunWorkflow executes the named workflow's steps in order. A step whose
// input came from a failed or skipped step is skipped; once the budget is
// exhausted every remaining step is skipped. Only infrastructure errors
// abort the run.
func (o *Orchestrator) RunWorkflow(ctx context.Context, name string, src contextsource.Source, opts WorkflowOptions) (WorkflowResult, error) {
	wf, err := o.blueprints.Workflow(name)
	if err != nil {
		return WorkflowResult{}, err
	}
	result := WorkflowResult{Workflow: wf.Name, Version: wf.Version}
	outputs := map[string]Input{}
	bundles := map[string]domain.Bundle{}
	budgetGone := false

	for _, step := range wf.Steps {
		sr := StepResult{StepID: step.ID, Name: step.Name, Framework: step.Framework, Pillar: step.Pillar}
		if budgetGone {
			sr.Status, sr.Reason = StepSkipped, string(ReasonBudgetExhausted)
			result.Steps = append(result.Steps, sr)
			continue
		}
		inputs, missing := bindInputs(step, outputs)
		if missing != "" {
			sr.Status, sr.Reason = StepSkipped, fmt.Sprintf("input %q unavailable", missing)
			result.Steps = append(result.Steps, sr)
			continue
		}
		bundle, ok := bundles[step.Pillar]
		if !ok {
			if bundle, err = src.GetContext(ctx, step.Pillar); err != nil {
				return result, fmt.Errorf("context for step %s: %w", step.ID, err)
			}
			bundles[step.Pillar] = bundle
		}

		item, err := o.Generate(ctx, Request{
			Context:     bundle,
			Pillar:      step.Pillar,
			Framework:   step.Framework,
			Constraints: opts.Constraints,
			MaxAttempts: opts.MaxAttempts,
			Inputs:      inputs,
			Actor:       opts.Actor,
		})
		var fe *FailureError
		switch {
		case errors.As(err, &fe):
			sr.Status, sr.Reason = StepFailed, string(fe.Reason)
			budgetGone = fe.Reason == ReasonBudgetExhausted
		case err != nil:
			return result, fmt.Errorf("step %s: %w", step.ID, err)
		default:
			sr.Status, sr.ItemID = StepGenerated, item.ID
			for _, out := range step.Outputs {
				outputs[out] = Input{Name: out, Body: item.Body}
			}
		}
		o.logger.Info("workflow step finished", "workflow", wf.Name, "step", step.ID, "status", sr.Status, "item_id", sr.ItemID)
		result.Steps = append(result.Steps, sr)
	}
	return result, nil
}

// bindInputs resolves a step's inputs. It returns the name of the first
// input with no bound output.
func bindInputs(step blueprint.Step, outputs map[string]Input) ([]Input, string) {
	var inputs []Input
	for _, in := range step.Inputs {
		if in == blueprint.InputContext {
			continue
		}
		bound, ok := outputs[in]
		if !ok {
			return nil, in
		}
		inputs = append(inputs, bound)
	}
	return inputs, ""
}
