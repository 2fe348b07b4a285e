package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/contextsource"
	"contentengine/pkg/domain"
	"contentengine/pkg/generation"
	"contentengine/pkg/usage"
	"contentengine/pkg/validator"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ", ") }

func (l *listFlag) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*l = append(*l, v)
	}
	return nil
}

// contextFlags describe the context bundle. Inline values win over a
// context directory; with neither, the configured generation.contextDir
// is used, then an empty bundle.
type contextFlags struct {
	dir       string
	themes    listFlag
	decisions listFlag
	progress  listFlag
	notes     string
}

func (c *contextFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.dir, "context-dir", "", "directory of notes to read context from")
	fs.Var(&c.themes, "theme", "context theme (repeatable)")
	fs.Var(&c.decisions, "decision", "context decision (repeatable)")
	fs.Var(&c.progress, "progress", "context progress item (repeatable)")
	fs.StringVar(&c.notes, "notes", "", "free-form context notes")
}

func (c *contextFlags) source(a *app) contextsource.Source {
	if len(c.themes)+len(c.decisions)+len(c.progress) > 0 || strings.TrimSpace(c.notes) != "" {
		return contextsource.StaticSource{Bundle: domain.Bundle{
			Themes:    c.themes,
			Decisions: c.decisions,
			Progress:  c.progress,
			Notes:     strings.TrimSpace(c.notes),
		}}
	}
	dir := firstNonEmpty(c.dir, a.cfg.Generation.ContextDir)
	if dir == "" {
		return contextsource.StaticSource{}
	}
	src := contextsource.NewFileSource(dir)
	if a.cfg.Generation.ContextMaxItems > 0 {
		src.MaxItems = a.cfg.Generation.ContextMaxItems
	}
	return src
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cmdGenerate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "generate")
	pillar := fs.String("pillar", "", "content pillar (required)")
	framework := fs.String("framework", "", "framework name (default: selected from the pillar and context)")
	constraints := fs.String("constraints", "", "comma-separated constraint names (default: all for the platform)")
	maxAttempts := fs.Int("max-attempts", 0, "provider call bound (default generation.maxAttempts)")
	var cf contextFlags
	cf.register(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*pillar) == "" {
		return usagef("generate requires -pillar")
	}
	if *maxAttempts < 0 {
		return usagef("-max-attempts must not be negative")
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	orch, err := deps.Orchestrator()
	if err != nil {
		return err
	}
	bundle, err := cf.source(a).GetContext(ctx, strings.TrimSpace(*pillar))
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	item, err := orch.Generate(ctx, generation.Request{
		Context:     bundle,
		Pillar:      strings.TrimSpace(*pillar),
		Framework:   strings.TrimSpace(*framework),
		Constraints: splitList(*constraints),
		MaxAttempts: *maxAttempts,
		Actor:       a.actor,
	})
	if err != nil {
		var fe *generation.FailureError
		if errors.As(err, &fe) && fe.LastReport != nil {
			fmt.Fprintf(a.stderr, "last draft (%s):\n", fe.Framework)
			printReport(a.stderr, *fe.LastReport)
		}
		return err
	}
	if a.asJSON {
		return a.printJSON(item)
	}
	fmt.Fprintf(a.stdout, "draft %s created with %s\n", item.ID, item.Framework)
	printReport(a.stdout, item.Report)
	fmt.Fprintf(a.stdout, "\n%s\n", item.Body)
	return nil
}

func cmdWorkflow(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "workflow")
	maxAttempts := fs.Int("max-attempts", 0, "provider call bound per step")
	constraints := fs.String("constraints", "", "comma-separated constraint names")
	var cf contextFlags
	cf.register(fs)
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return usagef("usage: contentctl workflow [flags] NAME")
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	orch, err := deps.Orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.RunWorkflow(ctx, pos[0], cf.source(a), generation.WorkflowOptions{
		MaxAttempts: *maxAttempts,
		Constraints: splitList(*constraints),
		Actor:       a.actor,
	})
	if err != nil {
		return err
	}
	if a.asJSON {
		if err := a.printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(a.stdout, "workflow %s %s\n", res.Workflow, res.Version)
		tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tFRAMEWORK\tPILLAR\tSTATUS\tITEM\tREASON")
		for _, s := range res.Steps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.StepID, s.Framework, s.Pillar, s.Status, dash(s.ItemID), s.Reason)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return workflowError(res)
}

// workflowError reports an incomplete run with the most specific class:
// budget first, then validation.
func workflowError(res generation.WorkflowResult) error {
	if !res.Failed() {
		return nil
	}
	var budget, validation bool
	incomplete := 0
	for _, s := range res.Steps {
		if s.Status == generation.StepGenerated {
			continue
		}
		incomplete++
		switch generation.Reason(s.Reason) {
		case generation.ReasonBudgetExhausted:
			budget = true
		case generation.ReasonValidationExhausted:
			validation = true
		}
	}
	msg := fmt.Sprintf("workflow %s: %d of %d steps did not generate", res.Workflow, incomplete, len(res.Steps))
	switch {
	case budget:
		return fmt.Errorf("%s: %w", msg, usage.ErrBudgetExceeded)
	case validation:
		return fmt.Errorf("%s: %w", msg, generation.ErrValidationFailed)
	}
	return errors.New(msg)
}

func cmdPlan(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "plan")
	count := fs.Int("count", 5, "number of posts to plan")
	pillar := fs.String("pillar", "", "preferred pillar, kept unless it runs well over target")
	window := fs.Duration("window", generation.DefaultPlanWindow, "how far back recent posts are counted")
	var cf contextFlags
	cf.register(fs)
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	if *count <= 0 {
		return usagef("-count must be > 0")
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	bundle, err := cf.source(a).GetContext(ctx, strings.TrimSpace(*pillar))
	if err != nil {
		return fmt.Errorf("read context: %w", err)
	}
	bundle.Pillar = strings.TrimSpace(*pillar)
	planner := generation.NewPlanner(deps.Store, deps.Blueprints,
		generation.WithPlanWindow(*window), generation.WithPlannerLogger(a.logger))
	plan, err := planner.Plan(ctx, bundle, *count)
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(plan)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tPILLAR\tFRAMEWORK\tRATIONALE")
	for i, b := range plan.Briefs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, b.Pillar, b.Framework, b.Rationale)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "\nmix over the last %s, with this plan:\n", window.Round(time.Hour))
	tw = tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PILLAR\tRECENT\tPROJECTED\tSHARE\tTARGET")
	for _, s := range plan.Shares {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f%%\t%d%%\n", s.Pillar, plan.Recent[s.Pillar], s.Count, s.Percent, s.Target)
	}
	return tw.Flush()
}

func cmdValidate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "validate")
	framework := fs.String("framework", "", "framework name (default: the item's framework)")
	pillar := fs.String("pillar", "", "pillar to check compatibility for")
	constraints := fs.String("constraints", "", "comma-separated constraint names (default: all for the platform)")
	itemID := fs.String("item", "", "validate a stored item")
	file := fs.String("file", "", "read text from a file (- for stdin)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	text, fwName, pillarName := "", strings.TrimSpace(*framework), strings.TrimSpace(*pillar)
	if id := strings.TrimSpace(*itemID); id != "" {
		deps, err := a.build(ctx)
		if err != nil {
			return err
		}
		item, err := deps.Manager.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
		text = item.Body
		fwName = firstNonEmpty(fwName, item.Framework)
		pillarName = firstNonEmpty(pillarName, item.Pillar)
	} else if text, err = a.readBody(*file, pos); err != nil {
		return err
	}
	if fwName == "" {
		return usagef("validate requires -framework")
	}
	bps, err := a.blueprints()
	if err != nil {
		return err
	}
	report, err := validateText(bps, text, fwName, pillarName, splitList(*constraints))
	if err != nil {
		return err
	}
	if a.asJSON {
		if err := a.printJSON(report); err != nil {
			return err
		}
	} else {
		printReport(a.stdout, report)
	}
	if !report.Passed {
		return fmt.Errorf("%w: %d blocking violation(s)", generation.ErrValidationFailed, len(report.Blocking()))
	}
	return nil
}

func validateText(bps *blueprint.Store, text, framework, pillar string, constraintNames []string) (domain.ValidationReport, error) {
	fw, err := bps.Framework(framework)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	constraints, err := bps.Constraints(fw.Platform, constraintNames...)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	return validator.Validate(text, pillar, fw, constraints), nil
}
