package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"contentengine/internal/config"
	"contentengine/pkg/domain"
	"contentengine/pkg/queue"
	"contentengine/pkg/store"
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

const script = `## Hook
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

func testConfig(t *testing.T) config.FileConfig {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "blueprints/frameworks/HL.yaml"), testFramework)
	writeFile(t, filepath.Join(root, "blueprints/workflows/Weekly.yaml"), testWorkflow)
	writeFile(t, filepath.Join(root, "script.txt"), script)
	writeFile(t, filepath.Join(root, "context/notes.md"), "## Themes\n- deploy pipeline\n")

	cfg := config.FileConfig{}
	cfg.Blueprints.Dirs = []string{filepath.Join(root, "blueprints")}
	cfg.Store.Driver = "memory"
	cfg.Usage = config.UsageConfig{Backend: "memory", DailyCallLimit: 10, MonthlyBudget: "1.00"}
	cfg.LLM.Provider = "scripted"
	cfg.LLM.ScriptFile = filepath.Join(root, "script.txt")
	cfg.Publisher.Kind = "log"
	cfg.Generation.ContextDir = filepath.Join(root, "context")
	return cfg
}

func build(t *testing.T, cfg config.FileConfig) *Deps {
	t.Helper()
	d, err := Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestBuildMemoryGraph(t *testing.T) {
	d := build(t, testConfig(t))
	if d.Queue != nil || d.Redis != nil {
		t.Fatalf("queue should be off without redis")
	}
	if _, ok := d.Store.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", d.Store)
	}
	if _, err := d.Blueprints.Framework("HL"); err != nil {
		t.Fatalf("blueprints not loaded: %v", err)
	}
	o1, err := d.Orchestrator()
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	if o2, _ := d.Orchestrator(); o1 != o2 {
		t.Fatalf("orchestrator should be built once")
	}
}

func TestOrchestratorReportsProviderConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "telepathy"
	d := build(t, cfg)
	if _, err := d.Orchestrator(); err == nil {
		t.Fatalf("expected provider error")
	}
	// Lifecycle operations work without a provider.
	if _, err := d.Manager.CreateDraft(context.Background(), domain.ContentItem{Body: "x", Pillar: "what_building"}, "test"); err != nil {
		t.Fatalf("create draft: %v", err)
	}
}

func TestRunJobGenerate(t *testing.T) {
	d := build(t, testConfig(t))
	ctx := context.Background()
	ids, err := d.RunJob(ctx, queue.Job{Kind: queue.KindGenerate, Pillar: "what_building", Framework: "HL"})
	if err != nil || len(ids) != 1 {
		t.Fatalf("run job: ids=%v err=%v", ids, err)
	}
	item, err := d.Manager.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != domain.StatusDraft || item.Framework != "HL" {
		t.Fatalf("unexpected item: %+v", item)
	}
	events, _ := d.Manager.History(ctx, ids[0])
	if len(events) != 1 || events[0].Actor != "queue" {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestRunJobWorkflow(t *testing.T) {
	d := build(t, testConfig(t))
	ids, err := d.RunJob(context.Background(), queue.Job{Kind: queue.KindWorkflow, Workflow: "Weekly", Actor: "sunday"})
	if err != nil || len(ids) != 2 {
		t.Fatalf("workflow job: ids=%v err=%v", ids, err)
	}
}

func TestRunJobPermanentFailures(t *testing.T) {
	d := build(t, testConfig(t))
	ctx := context.Background()
	jobs := map[string]queue.Job{
		"unknown framework":   {Kind: queue.KindGenerate, Pillar: "what_building", Framework: "XYZ"},
		"incompatible pillar": {Kind: queue.KindGenerate, Pillar: "sales_tech", Framework: "HL"},
		"unknown workflow":    {Kind: queue.KindWorkflow, Workflow: "Monthly"},
	}
	for name, job := range jobs {
		_, err := d.RunJob(ctx, job)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !queue.IsPermanent(err) {
			t.Fatalf("%s: expected a permanent error, got %v", name, err)
		}
	}
}
