package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"contentengine/pkg/domain"
	"contentengine/pkg/store"
	"contentengine/pkg/validator"
)

func cmdDraft(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "draft")
	pillar := fs.String("pillar", "", "content pillar")
	framework := fs.String("framework", "", "framework to validate against")
	file := fs.String("file", "", "read the body from a file (- for stdin)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	body, err := a.readBody(*file, pos)
	if err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	item := domain.ContentItem{Body: body, Pillar: strings.TrimSpace(*pillar)}
	if name := strings.TrimSpace(*framework); name != "" {
		fw, err := deps.Blueprints.Framework(name)
		if err != nil {
			return err
		}
		constraints, err := deps.Blueprints.Constraints(fw.Platform)
		if err != nil {
			return err
		}
		item.Framework = fw.Name
		item.Report = validator.Validate(body, item.Pillar, fw, constraints)
	}
	created, err := deps.Manager.CreateDraft(ctx, item, a.actor)
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(created)
	}
	fmt.Fprintf(a.stdout, "draft %s created\n", created.ID)
	if created.Framework != "" {
		printReport(a.stdout, created.Report)
	}
	return nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "list")
	status := fs.String("status", "", "filter by status (draft, scheduled, posted, rejected, failed)")
	pillar := fs.String("pillar", "", "filter by pillar")
	limit := fs.Int("limit", 20, "maximum items")
	if _, err := parseArgs(fs, args); err != nil {
		return err
	}
	st := domain.ItemStatus(strings.ToLower(strings.TrimSpace(*status)))
	if st != "" && !st.Valid() {
		return usagef("unknown status %q", *status)
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	items, err := deps.Manager.List(ctx, store.ListFilter{Status: st, Pillar: strings.TrimSpace(*pillar), Limit: *limit})
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(items)
	}
	if len(items) == 0 {
		fmt.Fprintln(a.stdout, "no items")
		return nil
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPILLAR\tFRAMEWORK\tSCORE\tWHEN\tPREVIEW")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%s\n",
			item.ID, item.Status, dash(item.Pillar), dash(item.Framework), item.Report.Score, when(item), preview(item.Body, 48))
	}
	return tw.Flush()
}

func cmdShow(ctx context.Context, a *app, args []string) error {
	id, err := oneID(newFlagSet(a, "show"), args)
	if err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	item, err := deps.Manager.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("item %s: %w", id, err)
	}
	if a.asJSON {
		return a.printJSON(item)
	}
	printItem(a.stdout, item)
	return nil
}

func cmdApprove(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "approve")
	dryRun := fs.Bool("dry-run", false, "show what would be published without publishing")
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	res, err := deps.Manager.Approve(ctx, id, a.actor, *dryRun)
	if err != nil {
		if res.Item.ID != "" && res.Item.Status == domain.StatusFailed {
			fmt.Fprintf(a.stderr, "item %s marked failed\n", id)
		}
		return err
	}
	if a.asJSON {
		return a.printJSON(res)
	}
	if res.Preview {
		fmt.Fprintf(a.stdout, "dry run: item %s would be published now (%d chars)\n\n%s\n", id, len(res.Item.Body), res.Item.Body)
		return nil
	}
	fmt.Fprintf(a.stdout, "item %s posted (external id %s)\n", id, res.Item.ExternalPostID)
	return nil
}

func cmdSchedule(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "schedule")
	at := fs.String("at", "", "publish time, RFC 3339 or \"2006-01-02 15:04\" local")
	in := fs.Duration("in", 0, "publish after this delay, e.g. 2h")
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}
	publishAt, err := parseWhen(*at, *in, time.Now())
	if err != nil {
		return err
	}
	if publishAt.IsZero() {
		return usagef("schedule requires -at or -in")
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	item, err := deps.Manager.Schedule(ctx, id, publishAt, a.actor)
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(item)
	}
	fmt.Fprintf(a.stdout, "item %s scheduled for %s\n", id, item.ScheduledFor.Local().Format(time.RFC3339))
	return nil
}

func cmdReject(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "reject")
	reason := fs.String("reason", "", "why the draft was rejected")
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	item, err := deps.Manager.Reject(ctx, id, *reason, a.actor)
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(item)
	}
	fmt.Fprintf(a.stdout, "item %s rejected\n", id)
	return nil
}

func cmdRetry(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "retry")
	at := fs.String("at", "", "publish time (default now)")
	in := fs.Duration("in", 0, "publish after this delay")
	id, err := oneID(fs, args)
	if err != nil {
		return err
	}
	publishAt, err := parseWhen(*at, *in, time.Now())
	if err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	item, err := deps.Manager.Retry(ctx, id, publishAt, a.actor)
	if err != nil {
		return err
	}
	if a.asJSON {
		return a.printJSON(item)
	}
	fmt.Fprintf(a.stdout, "item %s rescheduled for %s\n", id, item.ScheduledFor.Local().Format(time.RFC3339))
	return nil
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	id, err := oneID(newFlagSet(a, "history"), args)
	if err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	events, err := deps.Manager.History(ctx, id)
	if err != nil {
		return fmt.Errorf("item %s: %w", id, err)
	}
	if a.asJSON {
		return a.printJSON(events)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tFROM\tTO\tACTOR\tNOTE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ev.At.Local().Format(time.RFC3339), dash(string(ev.From)), ev.To, dash(ev.Actor), ev.Note)
	}
	return tw.Flush()
}

// readBody takes the draft body from -file, stdin ("-") or the joined
// positional arguments.
func (a *app) readBody(file string, pos []string) (string, error) {
	var body string
	switch {
	case file == "-":
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return "", err
		}
		body = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		body = string(data)
	default:
		body = strings.Join(pos, " ")
	}
	if strings.TrimSpace(body) == "" {
		return "", usagef("a body is required: pass text, -file path or -file -")
	}
	return strings.TrimSpace(body), nil
}

// parseWhen resolves -at / -in. Neither set yields the zero time.
func parseWhen(at string, in time.Duration, now time.Time) (time.Time, error) {
	at = strings.TrimSpace(at)
	switch {
	case at != "" && in != 0:
		return time.Time{}, usagef("use either -at or -in, not both")
	case in < 0:
		return time.Time{}, usagef("-in must not be negative")
	case in > 0:
		return now.Add(in), nil
	case at == "":
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, at); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, at, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, usagef("cannot parse time %q (want RFC 3339 or \"2006-01-02 15:04\")", at)
}

func printItem(w io.Writer, item domain.ContentItem) {
	fmt.Fprintf(w, "ID:         %s\n", item.ID)
	fmt.Fprintf(w, "Status:     %s\n", item.Status)
	fmt.Fprintf(w, "Pillar:     %s\n", dash(item.Pillar))
	fmt.Fprintf(w, "Framework:  %s\n", dash(item.Framework))
	fmt.Fprintf(w, "Created:    %s\n", item.CreatedAt.Local().Format(time.RFC3339))
	if item.ScheduledFor != nil {
		fmt.Fprintf(w, "Scheduled:  %s\n", item.ScheduledFor.Local().Format(time.RFC3339))
	}
	if item.PostedAt != nil {
		fmt.Fprintf(w, "Posted:     %s\n", item.PostedAt.Local().Format(time.RFC3339))
	}
	if item.ExternalPostID != "" {
		fmt.Fprintf(w, "External:   %s\n", item.ExternalPostID)
	}
	if item.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:      %s\n", item.ErrorMessage)
	}
	if item.Attempts > 0 {
		fmt.Fprintf(w, "Attempts:   %d\n", item.Attempts)
	}
	if item.Framework != "" {
		printReport(w, item.Report)
	}
	fmt.Fprintf(w, "\n%s\n", item.Body)
}

func printReport(w io.Writer, r domain.ValidationReport) {
	verdict := "passed"
	if !r.Passed {
		verdict = "failed"
	}
	fmt.Fprintf(w, "Validation: %s (score %.2f)\n", verdict, r.Score)
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  - [%s] %s: %s\n", v.Severity, v.RuleID, v.Message)
	}
}

func when(item domain.ContentItem) string {
	switch {
	case item.PostedAt != nil:
		return item.PostedAt.Local().Format("2006-01-02 15:04")
	case item.ScheduledFor != nil:
		return item.ScheduledFor.Local().Format("2006-01-02 15:04")
	}
	return "-"
}

func preview(body string, n int) string {
	body = strings.Join(strings.Fields(body), " ")
	r := []rune(body)
	if len(r) <= n {
		return body
	}
	return string(r[:n-3]) + "..."
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
