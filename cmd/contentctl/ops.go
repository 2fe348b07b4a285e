package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"contentengine/internal/servicetoken"
	"contentengine/internal/workerclient"
	"contentengine/pkg/lifecycle"
	"contentengine/pkg/queue"
	"contentengine/pkg/usage"
)

// workerClient returns a client for client.workerURL, or nil when the CLI
// works against the store directly.
func (a *app) workerClient() (*workerclient.Client, error) {
	if a.remote != nil {
		return a.remote, nil
	}
	c := a.cfg.Client
	if strings.TrimSpace(c.WorkerURL) == "" {
		return nil, nil
	}
	var signer *servicetoken.Signer
	if strings.TrimSpace(c.PrivateKeyPath) != "" {
		var err error
		signer, err = servicetoken.NewSigner(servicetoken.SignerConfig{
			PrivateKeyPath: c.PrivateKeyPath,
			KeyID:          c.KeyID,
			Issuer:         c.Issuer,
		})
		if err != nil {
			return nil, err
		}
	}
	a.remote = workerclient.NewClient(c.WorkerURL, signer, a.cfg.Worker.Auth.Audience, a.actor)
	return a.remote, nil
}

func cmdWorker(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "worker")
	local := fs.Bool("local", false, "run the pass in this process even when client.workerURL is set")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	var (
		res lifecycle.PassResult
		err error
	)
	client, err := a.workerClient()
	if err != nil {
		return err
	}
	if client != nil && !*local {
		res, err = client.RunPass(ctx)
	} else {
		deps, berr := a.build(ctx)
		if berr != nil {
			return berr
		}
		res, err = deps.Worker.RunOnce(ctx)
	}
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(res)
	}
	fmt.Fprintf(a.stdout, "due %d, posted %d, failed %d, skipped %d, reaped %d\n",
		res.Due, res.Posted, res.Failed, res.Skipped, res.Reaped)
	for _, it := range res.Items {
		line := fmt.Sprintf("  %s %s", it.ID, it.Outcome)
		if it.ExternalPostID != "" {
			line += " " + it.ExternalPostID
		}
		if it.Error != "" {
			line += ": " + it.Error
		}
		fmt.Fprintln(a.stdout, line)
	}
	return nil
}

func cmdUsage(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs(newFlagSet(a, "usage"), args); err != nil {
		return err
	}
	var rep workerclient.UsageReport
	client, err := a.workerClient()
	if err != nil {
		return err
	}
	if client != nil {
		if rep, err = client.Usage(ctx); err != nil {
			return err
		}
	} else {
		deps, err := a.build(ctx)
		if err != nil {
			return err
		}
		if rep.Usage, err = deps.Ledger.Snapshot(ctx); err != nil {
			return err
		}
		wait, err := deps.Ledger.TimeUntilNextCall(ctx)
		if err != nil {
			return err
		}
		rep.NextCallInMs = wait.Milliseconds()
	}
	if a.asJSON {
		return a.printJSON(rep)
	}
	limits := a.cfg.Limits()
	u := rep.Usage
	fmt.Fprintf(a.stdout, "account:     %s\n", u.Account)
	fmt.Fprintf(a.stdout, "calls today: %d / %d (%s)\n", u.CallsToday, limits.DailyCallLimit, dash(u.DayBucket))
	fmt.Fprintf(a.stdout, "month cost:  $%s / $%s (%s)\n", usage.Cost(u.MonthCost), limits.MonthlyBudget, dash(u.MonthBucket))
	if u.PendingCalls > 0 {
		fmt.Fprintf(a.stdout, "held:        %d calls, $%s\n", u.PendingCalls, usage.Cost(u.PendingCost))
	}
	if u.Overage > 0 {
		fmt.Fprintf(a.stdout, "overage:     $%s\n", usage.Cost(u.Overage))
	}
	if u.LastCallAt != nil {
		fmt.Fprintf(a.stdout, "last call:   %s\n", u.LastCallAt.Local().Format(time.RFC3339))
	}
	if rep.NextCallInMs > 0 {
		fmt.Fprintf(a.stdout, "next call:   in %s\n", time.Duration(rep.NextCallInMs)*time.Millisecond)
	}
	return nil
}

func cmdBlueprints(_ context.Context, a *app, args []string) error {
	if _, err := parseArgs(newFlagSet(a, "blueprints"), args); err != nil {
		return err
	}
	bps, err := a.blueprints()
	if err != nil {
		return err
	}
	frameworks, constraints, workflows := bps.Frameworks(), bps.AllConstraints(), bps.Workflows()
	if a.asJSON {
		type entry struct {
			Name     string   `json:"name"`
			Platform string   `json:"platform,omitempty"`
			Detail   []string `json:"detail,omitempty"`
		}
		out := map[string][]entry{"frameworks": {}, "constraints": {}, "workflows": {}}
		for _, fw := range frameworks {
			out["frameworks"] = append(out["frameworks"], entry{fw.Name, fw.Platform, fw.CompatiblePillars})
		}
		for _, c := range constraints {
			out["constraints"] = append(out["constraints"], entry{c.Name, c.Platform, []string{c.Type}})
		}
		for _, wf := range workflows {
			var steps []string
			for _, s := range wf.Steps {
				steps = append(steps, s.ID)
			}
			out["workflows"] = append(out["workflows"], entry{wf.Name, wf.Platform, steps})
		}
		return a.printJSON(out)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tPLATFORM\tDETAIL")
	for _, fw := range frameworks {
		fmt.Fprintf(tw, "framework\t%s\t%s\t%s\n", fw.Name, fw.Platform, strings.Join(fw.CompatiblePillars, ", "))
	}
	for _, c := range constraints {
		fmt.Fprintf(tw, "constraint\t%s\t%s\t%s\n", c.Name, dash(c.Platform), c.Type)
	}
	for _, wf := range workflows {
		fmt.Fprintf(tw, "workflow\t%s\t%s\t%d steps\n", wf.Name, dash(wf.Platform), len(wf.Steps))
	}
	return tw.Flush()
}

func cmdEnqueue(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "enqueue")
	pillar := fs.String("pillar", "", "content pillar")
	framework := fs.String("framework", "", "framework name")
	workflow := fs.String("workflow", "", "workflow name (instead of -pillar)")
	maxAttempts := fs.Int("max-attempts", 0, "provider call bound")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	spec := queue.Spec{
		Pillar:      strings.TrimSpace(*pillar),
		Framework:   strings.TrimSpace(*framework),
		Workflow:    strings.TrimSpace(*workflow),
		MaxAttempts: *maxAttempts,
		Actor:       a.actor,
	}
	if (spec.Pillar == "") == (spec.Workflow == "") {
		return usagef("enqueue requires exactly one of -pillar or -workflow")
	}
	var job queue.Job
	client, err := a.workerClient()
	if err != nil {
		return err
	}
	if client != nil {
		job, err = client.Enqueue(ctx, spec)
	} else {
		deps, berr := a.build(ctx)
		if berr != nil {
			return berr
		}
		if deps.Queue == nil {
			return errors.New("enqueue needs client.workerURL or redis.addr")
		}
		job, err = deps.Queue.Enqueue(ctx, spec)
	}
	if errors.Is(err, queue.ErrInvalidJob) {
		return usagef("%v", err)
	}
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(job)
	}
	fmt.Fprintf(a.stdout, "job %s queued\n", job.ID)
	return nil
}

func cmdJob(ctx context.Context, a *app, args []string) error {
	id, err := oneID(newFlagSet(a, "job"), args)
	if err != nil {
		return err
	}
	var job queue.Job
	client, err := a.workerClient()
	if err != nil {
		return err
	}
	if client != nil {
		if job, err = client.GetJob(ctx, id); err != nil {
			return err
		}
	} else {
		deps, err := a.build(ctx)
		if err != nil {
			return err
		}
		if deps.Queue == nil {
			return errors.New("job needs client.workerURL or redis.addr")
		}
		var ok bool
		if job, ok, err = deps.Queue.GetJob(ctx, id); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s: %w", id, errJobNotFound)
		}
	}
	if a.asJSON {
		return a.printJSON(job)
	}
	fmt.Fprintf(a.stdout, "job %s: %s (%s, attempts %d)\n", job.ID, job.Status, job.Kind, job.Attempts)
	if len(job.ItemIDs) > 0 {
		fmt.Fprintf(a.stdout, "items: %s\n", strings.Join(job.ItemIDs, ", "))
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(a.stdout, "error: %s\n", job.ErrorMessage)
	}
	return nil
}

var errJobNotFound = errors.New("job not found")
