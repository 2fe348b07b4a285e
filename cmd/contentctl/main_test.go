package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"contentengine/internal/bootstrap"
	"contentengine/internal/config"
	"contentengine/pkg/domain"
)

const testFramework = `
name: HL
platform: linkedin
structure:
  ordered: true
  sections: [{name: Hook}, {name: Lesson}]
validation: {min_chars: 40, max_chars: 600, min_sections: 2, max_sections: 2}
compatible_pillars: [what_building]
`

const testWorkflow = `
name: Weekly
version: v1
steps:
  - {id: one, framework: HL, pillar: what_building, inputs: [context], outputs: [first]}
  - {id: two, framework: HL, pillar: what_building, inputs: [context, first]}
`

const testScript = `## Hook
We cut deploy time in half last week.
## Lesson
Small batches beat big bangs every time.
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// fixtureDir lays out blueprints, a scripted model reply and a context
// directory, and returns the root.
func fixtureDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "blueprints/frameworks/HL.yaml"), testFramework)
	writeFile(t, filepath.Join(root, "blueprints/workflows/Weekly.yaml"), testWorkflow)
	writeFile(t, filepath.Join(root, "script.txt"), testScript)
	writeFile(t, filepath.Join(root, "context/notes.md"), "## Themes\n- deploy pipeline\n")
	return root
}

func testConfig(t *testing.T) config.FileConfig {
	t.Helper()
	root := fixtureDir(t)
	cfg := config.FileConfig{LogLevel: "error"}
	cfg.Blueprints.Dirs = []string{filepath.Join(root, "blueprints")}
	cfg.Store.Driver = "memory"
	cfg.Usage = config.UsageConfig{Backend: "memory", Account: "default", DailyCallLimit: 10, MonthlyBudget: "1.00"}
	cfg.LLM.Provider = "scripted"
	cfg.LLM.ScriptFile = filepath.Join(root, "script.txt")
	cfg.Publisher.Kind = "log"
	cfg.Generation.ContextDir = filepath.Join(root, "context")
	return cfg
}

type testApp struct {
	*app
	out, errOut *bytes.Buffer
}

// newTestApp shares one dependency graph across commands, so state
// survives between invocations the way a database would.
func newTestApp(t *testing.T, cfg config.FileConfig) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps, err := bootstrap.Build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = deps.Close() })
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	return &testApp{
		app: &app{
			cfg:    cfg,
			actor:  "tester",
			stdin:  strings.NewReader(""),
			stdout: out,
			stderr: errOut,
			logger: logger,
			deps:   deps,
			bps:    deps.Blueprints,
		},
		out:    out,
		errOut: errOut,
	}
}

func (ta *testApp) run(t *testing.T, name string, args ...string) int {
	t.Helper()
	cmd, ok := commands[name]
	if !ok {
		t.Fatalf("no command %q", name)
	}
	ta.out.Reset()
	ta.errOut.Reset()
	return ta.exec(context.Background(), cmd, args)
}

func (ta *testApp) draft(t *testing.T, body string) domain.ContentItem {
	t.Helper()
	item, err := ta.deps.Manager.CreateDraft(context.Background(), domain.ContentItem{Body: body, Pillar: "what_building"}, "tester")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return item
}

func TestExitCodes(t *testing.T) {
	ta := newTestApp(t, testConfig(t))

	if code := ta.run(t, "validate", "-framework", "HL", "too short"); code != exitValidation {
		t.Fatalf("validate: code=%d stderr=%s", code, ta.errOut)
	}
	if code := ta.run(t, "validate", "-framework", "Nope", testScript); code != exitNotFound {
		t.Fatalf("unknown framework: code=%d stderr=%s", code, ta.errOut)
	}
	if code := ta.run(t, "show", "missing"); code != exitNotFound {
		t.Fatalf("show missing: code=%d", code)
	}
	if code := ta.run(t, "show"); code != exitUsage {
		t.Fatalf("show without id: code=%d", code)
	}
	item := ta.draft(t, testScript)
	if code := ta.run(t, "schedule", item.ID); code != exitUsage {
		t.Fatalf("schedule without time: code=%d", code)
	}
	if code := ta.run(t, "schedule", "-at", "2001-01-01T00:00:00Z", item.ID); code != exitUsage {
		t.Fatalf("schedule in the past: code=%d", code)
	}
	if code := ta.run(t, "reject", "-reason", "off topic", item.ID); code != exitOK {
		t.Fatalf("reject: code=%d stderr=%s", code, ta.errOut)
	}
	if code := ta.run(t, "schedule", "-in", "1h", item.ID); code != exitTransition {
		t.Fatalf("schedule rejected item: code=%d stderr=%s", code, ta.errOut)
	}
	if code := ta.run(t, "enqueue", "-pillar", "what_building", "-workflow", "Weekly"); code != exitUsage {
		t.Fatalf("enqueue with both targets: code=%d", code)
	}
	if code := ta.run(t, "enqueue", "-pillar", "what_building"); code != exitError {
		t.Fatalf("enqueue without redis: code=%d", code)
	}
}

func TestGenerateStopsAtBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Usage.DailyCallLimit = 1
	ta := newTestApp(t, cfg)

	if code := ta.run(t, "generate", "-pillar", "what_building"); code != exitOK {
		t.Fatalf("generate: code=%d stderr=%s", code, ta.errOut)
	}
	if !strings.Contains(ta.out.String(), "created with HL") {
		t.Fatalf("unexpected output: %s", ta.out)
	}
	if code := ta.run(t, "generate", "-pillar", "what_building"); code != exitBudget {
		t.Fatalf("second generate: code=%d stderr=%s", code, ta.errOut)
	}
	if code := ta.run(t, "generate", "-pillar", "what_building", "-framework", "HL", "-max-attempts", "0"); code != exitBudget {
		t.Fatalf("third generate: code=%d", code)
	}
	if code := ta.run(t, "generate"); code != exitUsage {
		t.Fatalf("generate without pillar: code=%d", code)
	}
	if code := ta.run(t, "usage"); code != exitOK {
		t.Fatalf("usage: code=%d", code)
	}
	if !strings.Contains(ta.out.String(), "calls today: 1 / 1") {
		t.Fatalf("unexpected usage output: %s", ta.out)
	}
}

func TestWorkflowCreatesDrafts(t *testing.T) {
	ta := newTestApp(t, testConfig(t))
	if code := ta.run(t, "workflow", "Weekly"); code != exitOK {
		t.Fatalf("workflow: code=%d stderr=%s", code, ta.errOut)
	}
	ta.asJSON = true
	if code := ta.run(t, "list", "-status", "draft"); code != exitOK {
		t.Fatalf("list: code=%d", code)
	}
	var items []domain.ContentItem
	if err := json.Unmarshal(ta.out.Bytes(), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected two drafts, got %d", len(items))
	}
	if code := ta.run(t, "workflow", "Missing"); code != exitNotFound {
		t.Fatalf("missing workflow: code=%d", code)
	}
}

func TestScheduleAndWorkerPass(t *testing.T) {
	ta := newTestApp(t, testConfig(t))
	ta.asJSON = true
	if code := ta.run(t, "draft", "-framework", "HL", testScript); code != exitOK {
		t.Fatalf("draft: code=%d stderr=%s", code, ta.errOut)
	}
	var item domain.ContentItem
	if err := json.Unmarshal(ta.out.Bytes(), &item); err != nil {
		t.Fatalf("decode draft: %v", err)
	}
	if !item.Report.Passed || item.Framework != "HL" {
		t.Fatalf("draft not validated: %+v", item.Report)
	}
	ta.asJSON = false

	if code := ta.run(t, "schedule", "-in", "1ms", item.ID); code != exitOK {
		t.Fatalf("schedule: code=%d stderr=%s", code, ta.errOut)
	}
	time.Sleep(10 * time.Millisecond)
	if code := ta.run(t, "worker"); code != exitOK {
		t.Fatalf("worker: code=%d stderr=%s", code, ta.errOut)
	}
	if !strings.Contains(ta.out.String(), "posted 1") {
		t.Fatalf("unexpected pass output: %s", ta.out)
	}
	// A second pass finds nothing to do.
	if code := ta.run(t, "worker"); code != exitOK || !strings.Contains(ta.out.String(), "due 0") {
		t.Fatalf("second pass: code=%d out=%s", code, ta.out)
	}
	if code := ta.run(t, "history", item.ID); code != exitOK {
		t.Fatalf("history: code=%d", code)
	}
	for _, want := range []string{"scheduled", "posted", "tester"} {
		if !strings.Contains(ta.out.String(), want) {
			t.Fatalf("history missing %q: %s", want, ta.out)
		}
	}
	if code := ta.run(t, "approve", item.ID); code != exitTransition {
		t.Fatalf("approve posted item: code=%d", code)
	}
}

func TestApproveDryRunLeavesDraft(t *testing.T) {
	ta := newTestApp(t, testConfig(t))
	item := ta.draft(t, testScript)
	if code := ta.run(t, "approve", "-dry-run", item.ID); code != exitOK {
		t.Fatalf("dry run: code=%d stderr=%s", code, ta.errOut)
	}
	got, err := ta.deps.Manager.Get(context.Background(), item.ID)
	if err != nil || got.Status != domain.StatusDraft {
		t.Fatalf("dry run changed the item: %+v err=%v", got, err)
	}
	if code := ta.run(t, "approve", item.ID); code != exitOK {
		t.Fatalf("approve: code=%d stderr=%s", code, ta.errOut)
	}
	got, _ = ta.deps.Manager.Get(context.Background(), item.ID)
	if got.Status != domain.StatusPosted || got.ExternalPostID == "" {
		t.Fatalf("approve did not post: %+v", got)
	}
}

func TestBlueprintsListing(t *testing.T) {
	ta := newTestApp(t, testConfig(t))
	if code := ta.run(t, "blueprints"); code != exitOK {
		t.Fatalf("blueprints: code=%d", code)
	}
	out := ta.out.String()
	if !strings.Contains(out, "framework") || !strings.Contains(out, "HL") || !strings.Contains(out, "Weekly") {
		t.Fatalf("unexpected listing: %s", out)
	}
}

func TestPlanBalancesPillarMix(t *testing.T) {
	bare := newTestApp(t, testConfig(t))
	if code := bare.run(t, "plan"); code != exitUsage {
		t.Fatalf("plan without pillar targets: code=%d", code)
	}

	cfg := testConfig(t)
	dir := cfg.Blueprints.Dirs[0]
	writeFile(t, filepath.Join(dir, "constraints/ContentPillars.yaml"), `
name: ContentPillars
type: content_pillars
pillars:
  what_building: {name: Building, percentage: 60}
  what_learning: {name: Learning, percentage: 40}
`)
	writeFile(t, filepath.Join(dir, "frameworks/MRS.yaml"), `
name: MRS
platform: linkedin
structure:
  sections: [{name: Mistake}, {name: Shift}]
validation: {min_chars: 40, max_chars: 600, min_sections: 2}
compatible_pillars: [what_learning]
`)
	ta := newTestApp(t, cfg)
	ta.draft(t, testScript)
	ta.draft(t, testScript)

	ta.asJSON = true
	if code := ta.run(t, "plan", "-count", "2", "-pillar", "what_building"); code != exitOK {
		t.Fatalf("plan: code=%d stderr=%s", code, ta.errOut)
	}
	var plan struct {
		Briefs []struct {
			Pillar    string `json:"pillar"`
			Framework string `json:"framework"`
		} `json:"briefs"`
		Recent map[string]int `json:"recent"`
	}
	if err := json.Unmarshal(ta.out.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v\n%s", err, ta.out)
	}
	if plan.Recent["what_building"] != 2 || len(plan.Briefs) != 2 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	// 100% building is overridden; after one learning brief building sits
	// within ten points of its target and the preference holds again.
	if b := plan.Briefs[0]; b.Pillar != "what_learning" || b.Framework != "MRS" {
		t.Fatalf("over-target pillar was not balanced: %+v", plan.Briefs)
	}
	if b := plan.Briefs[1]; b.Pillar != "what_building" || b.Framework != "HL" {
		t.Fatalf("balanced preference was not kept: %+v", plan.Briefs)
	}

	ta.asJSON = false
	if code := ta.run(t, "plan", "-count", "1"); code != exitOK {
		t.Fatalf("plan table: code=%d", code)
	}
	if out := ta.out.String(); !strings.Contains(out, "what_learning") || !strings.Contains(out, "PROJECTED") {
		t.Fatalf("unexpected plan output: %s", out)
	}
	if code := ta.run(t, "plan", "-count", "0"); code != exitUsage {
		t.Fatalf("zero count: code=%d", code)
	}
}

func TestRunLoadsConfigFile(t *testing.T) {
	root := fixtureDir(t)
	cfgPath := filepath.Join(root, "config.yaml")
	writeFile(t, cfgPath, `
logLevel: error
blueprints:
  dirs: [`+filepath.Join(root, "blueprints")+`]
store:
  driver: memory
usage:
  dailyCallLimit: 5
  monthlyBudget: "2.50"
llm:
  provider: scripted
  scriptFile: `+filepath.Join(root, "script.txt")+`
`)
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "blueprints"}, strings.NewReader(""), &out, &errOut)
	if code != exitOK {
		t.Fatalf("blueprints: code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "HL") {
		t.Fatalf("unexpected output: %s", out.String())
	}

	out.Reset()
	errOut.Reset()
	if code := run(context.Background(), []string{"-config", cfgPath, "frobnicate"}, nil, &out, &errOut); code != exitUsage {
		t.Fatalf("unknown command: code=%d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("expected usage text, got %s", errOut.String())
	}
	if code := run(context.Background(), []string{"-config", filepath.Join(root, "absent.yaml"), "list"}, nil, &out, &errOut); code != exitError {
		t.Fatalf("missing config: code=%d", code)
	}
}

func TestParseArgsInterspersed(t *testing.T) {
	ta := newTestApp(t, testConfig(t))
	fs := newFlagSet(ta.app, "x")
	reason := fs.String("reason", "", "")
	pos, err := parseArgs(fs, []string{"abc", "-reason", "dup", "def"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if *reason != "dup" || len(pos) != 2 || pos[0] != "abc" || pos[1] != "def" {
		t.Fatalf("unexpected parse: reason=%q pos=%v", *reason, pos)
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := parseWhen("", 2*time.Hour, now)
	if err != nil || !got.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("-in: %v %v", got, err)
	}
	got, err = parseWhen("2026-05-02T08:30:00Z", 0, now)
	if err != nil || got.Hour() != 8 || got.Day() != 2 {
		t.Fatalf("-at rfc3339: %v %v", got, err)
	}
	if _, err := parseWhen("2026-05-02 08:30", 0, now); err != nil {
		t.Fatalf("-at local: %v", err)
	}
	if got, err := parseWhen("", 0, now); err != nil || !got.IsZero() {
		t.Fatalf("neither: %v %v", got, err)
	}
	if _, err := parseWhen("tomorrow", 0, now); exitCode(err) != exitUsage {
		t.Fatalf("bad time should be a usage error: %v", err)
	}
	if _, err := parseWhen("2026-05-02T08:30:00Z", time.Hour, now); exitCode(err) != exitUsage {
		t.Fatalf("both set should be a usage error: %v", err)
	}
}
