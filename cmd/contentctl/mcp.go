package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"contentengine/internal/bootstrap"
	"contentengine/internal/workerclient"
	"contentengine/pkg/domain"
	"contentengine/pkg/store"
)

const mcpActor = "mcp"

func cmdMCP(ctx context.Context, a *app, args []string) error {
	if _, err := parseArgs(newFlagSet(a, "mcp"), args); err != nil {
		return err
	}
	deps, err := a.build(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("mcp server starting on stdio")
	return newMCPServer(deps, time.Now).Run(ctx, &mcp.StdioTransport{})
}

// reviewTools holds what the tool handlers need.
type reviewTools struct {
	deps *bootstrap.Deps
	now  func() time.Time
}

func newMCPServer(deps *bootstrap.Deps, now func() time.Time) *mcp.Server {
	t := &reviewTools{deps: deps, now: now}
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "contentengine",
		Version: "0.1.0",
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_items",
		Description: "List content items, newest first, optionally filtered by status (draft, scheduled, posted, failed, rejected) or pillar",
	}, t.ListItems)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_scheduled",
		Description: "List scheduled items due within the next N days, soonest first",
	}, t.ListScheduled)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "show_item",
		Description: "Show one item with its validation report and status history",
	}, t.ShowItem)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "create_draft",
		Description: "Store text as a draft, validating it when a framework is given",
	}, t.CreateDraft)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "validate_text",
		Description: "Validate text, or a stored item by id, against a framework and its platform constraints",
	}, t.ValidateText)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "approve_item",
		Description: "Publish a draft immediately; dry_run returns the publish preview without changing state",
	}, t.ApproveItem)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "schedule_item",
		Description: "Schedule a draft for the worker at an RFC3339 time or after a duration such as 2h",
	}, t.ScheduleItem)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "reject_item",
		Description: "Reject a draft with an optional reason",
	}, t.RejectItem)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "usage",
		Description: "Show today's call count, this month's spend and the wait before the next provider call",
	}, t.Usage)
	return srv
}

type ListItemsInput struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status"`
	Pillar string `json:"pillar,omitempty" jsonschema:"Filter by content pillar"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of items (default 20)"`
}

type ListScheduledInput struct {
	DaysAhead int `json:"days_ahead,omitempty" jsonschema:"Look-ahead window in days (default 7)"`
}

type ItemInput struct {
	ID string `json:"id" jsonschema:"Content item id"`
}

type CreateDraftInput struct {
	Text      string `json:"text" jsonschema:"Post body"`
	Pillar    string `json:"pillar,omitempty" jsonschema:"Content pillar"`
	Framework string `json:"framework,omitempty" jsonschema:"Framework to validate against"`
}

type ValidateTextInput struct {
	Text      string `json:"text,omitempty" jsonschema:"Text to validate (ignored when id is set)"`
	ID        string `json:"id,omitempty" jsonschema:"Validate a stored item instead of text"`
	Framework string `json:"framework,omitempty" jsonschema:"Framework name (default: the item's framework)"`
	Pillar    string `json:"pillar,omitempty" jsonschema:"Pillar to check compatibility for"`
}

type ApproveItemInput struct {
	ID     string `json:"id" jsonschema:"Draft id"`
	DryRun bool   `json:"dry_run,omitempty" jsonschema:"Preview only"`
}

type ScheduleItemInput struct {
	ID string `json:"id" jsonschema:"Draft id"`
	At string `json:"at,omitempty" jsonschema:"Publish time, RFC3339"`
	In string `json:"in,omitempty" jsonschema:"Publish after this duration, e.g. 90m"`
}

type RejectItemInput struct {
	ID     string `json:"id" jsonschema:"Draft id"`
	Reason string `json:"reason,omitempty" jsonschema:"Why the draft was rejected"`
}

type UsageInput struct{}

func (t *reviewTools) ListItems(ctx context.Context, _ *mcp.CallToolRequest, input ListItemsInput) (*mcp.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}
	items, err := t.deps.Manager.List(ctx, store.ListFilter{
		Status: domain.ItemStatus(strings.TrimSpace(input.Status)),
		Pillar: strings.TrimSpace(input.Pillar),
		Limit:  limit,
	})
	if err != nil {
		return toolError("Failed to list items: %v", err), nil, nil
	}
	return toolJSON(summaries(items))
}

func (t *reviewTools) ListScheduled(ctx context.Context, _ *mcp.CallToolRequest, input ListScheduledInput) (*mcp.CallToolResult, any, error) {
	days := input.DaysAhead
	if days <= 0 {
		days = 7
	}
	items, err := t.deps.Manager.List(ctx, store.ListFilter{Status: domain.StatusScheduled})
	if err != nil {
		return toolError("Failed to list scheduled items: %v", err), nil, nil
	}
	horizon := t.now().Add(time.Duration(days) * 24 * time.Hour)
	var due []domain.ContentItem
	for _, item := range items {
		if item.ScheduledFor != nil && !item.ScheduledFor.After(horizon) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(*due[j].ScheduledFor) })
	return toolJSON(summaries(due))
}

func (t *reviewTools) ShowItem(ctx context.Context, _ *mcp.CallToolRequest, input ItemInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return toolError("Item id is required"), nil, nil
	}
	item, err := t.deps.Manager.Get(ctx, id)
	if err != nil {
		return toolError("Item %s: %v", id, err), nil, nil
	}
	history, err := t.deps.Manager.History(ctx, id)
	if err != nil {
		return toolError("Failed to load history for %s: %v", id, err), nil, nil
	}
	return toolJSON(struct {
		Item    domain.ContentItem `json:"item"`
		History []domain.ItemEvent `json:"history"`
	}{item, history})
}

func (t *reviewTools) CreateDraft(ctx context.Context, _ *mcp.CallToolRequest, input CreateDraftInput) (*mcp.CallToolResult, any, error) {
	body := strings.TrimSpace(input.Text)
	if body == "" {
		return toolError("Text is required"), nil, nil
	}
	item := domain.ContentItem{Body: body, Pillar: strings.TrimSpace(input.Pillar)}
	if name := strings.TrimSpace(input.Framework); name != "" {
		report, err := validateText(t.deps.Blueprints, body, name, item.Pillar, nil)
		if err != nil {
			return toolError("Failed to validate: %v", err), nil, nil
		}
		fw, _ := t.deps.Blueprints.Framework(name)
		item.Framework = fw.Name
		item.Report = report
	}
	created, err := t.deps.Manager.CreateDraft(ctx, item, mcpActor)
	if err != nil {
		return toolError("Failed to create draft: %v", err), nil, nil
	}
	return toolJSON(created)
}

func (t *reviewTools) ValidateText(ctx context.Context, _ *mcp.CallToolRequest, input ValidateTextInput) (*mcp.CallToolResult, any, error) {
	text, framework, pillar := input.Text, strings.TrimSpace(input.Framework), strings.TrimSpace(input.Pillar)
	if id := strings.TrimSpace(input.ID); id != "" {
		item, err := t.deps.Manager.Get(ctx, id)
		if err != nil {
			return toolError("Item %s: %v", id, err), nil, nil
		}
		text = item.Body
		framework = firstNonEmpty(framework, item.Framework)
		pillar = firstNonEmpty(pillar, item.Pillar)
	}
	if strings.TrimSpace(text) == "" {
		return toolError("Text or id is required"), nil, nil
	}
	if framework == "" {
		return toolError("Framework is required"), nil, nil
	}
	report, err := validateText(t.deps.Blueprints, text, framework, pillar, nil)
	if err != nil {
		return toolError("Failed to validate: %v", err), nil, nil
	}
	return toolJSON(report)
}

func (t *reviewTools) ApproveItem(ctx context.Context, _ *mcp.CallToolRequest, input ApproveItemInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return toolError("Item id is required"), nil, nil
	}
	res, err := t.deps.Manager.Approve(ctx, id, mcpActor, input.DryRun)
	if err != nil {
		return toolError("Failed to approve %s: %v", id, err), nil, nil
	}
	return toolJSON(res)
}

func (t *reviewTools) ScheduleItem(ctx context.Context, _ *mcp.CallToolRequest, input ScheduleItemInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return toolError("Item id is required"), nil, nil
	}
	var in time.Duration
	if s := strings.TrimSpace(input.In); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return toolError("Invalid duration %q: %v", s, err), nil, nil
		}
		in = d
	}
	at, err := parseWhen(strings.TrimSpace(input.At), in, t.now())
	if err != nil {
		return toolError("%v", err), nil, nil
	}
	if at.IsZero() {
		return toolError("One of at or in is required"), nil, nil
	}
	item, err := t.deps.Manager.Schedule(ctx, id, at, mcpActor)
	if err != nil {
		return toolError("Failed to schedule %s: %v", id, err), nil, nil
	}
	return toolJSON(item)
}

func (t *reviewTools) RejectItem(ctx context.Context, _ *mcp.CallToolRequest, input RejectItemInput) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return toolError("Item id is required"), nil, nil
	}
	item, err := t.deps.Manager.Reject(ctx, id, strings.TrimSpace(input.Reason), mcpActor)
	if err != nil {
		return toolError("Failed to reject %s: %v", id, err), nil, nil
	}
	return toolJSON(item)
}

func (t *reviewTools) Usage(ctx context.Context, _ *mcp.CallToolRequest, _ UsageInput) (*mcp.CallToolResult, any, error) {
	rec, err := t.deps.Ledger.Snapshot(ctx)
	if err != nil {
		return toolError("Failed to read usage: %v", err), nil, nil
	}
	wait, err := t.deps.Ledger.TimeUntilNextCall(ctx)
	if err != nil {
		return toolError("Failed to read usage: %v", err), nil, nil
	}
	return toolJSON(workerclient.UsageReport{Usage: rec, NextCallInMs: wait.Milliseconds()})
}

type itemSummary struct {
	ID           string            `json:"id"`
	Status       domain.ItemStatus `json:"status"`
	Pillar       string            `json:"pillar,omitempty"`
	Framework    string            `json:"framework,omitempty"`
	ScheduledFor *time.Time        `json:"scheduledFor,omitempty"`
	Passed       bool              `json:"passed"`
	Preview      string            `json:"preview"`
}

func summaries(items []domain.ContentItem) []itemSummary {
	out := make([]itemSummary, 0, len(items))
	for _, it := range items {
		out = append(out, itemSummary{
			ID:           it.ID,
			Status:       it.Status,
			Pillar:       it.Pillar,
			Framework:    it.Framework,
			ScheduledFor: it.ScheduledFor,
			Passed:       it.Report.Passed,
			Preview:      preview(it.Body, 80),
		})
	}
	return out
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
