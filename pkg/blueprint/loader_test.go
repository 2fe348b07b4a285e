package blueprint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testFramework = `
name: STF
platform: linkedin
structure:
  ordered: true
  sections:
    - name: Problem
    - name: Tried
    - name: Worked
    - name: Lesson
validation:
  min_chars: 600
  max_chars: 1500
  min_sections: 4
compatible_pillars: [what_building]
`

func writeBlueprint(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func TestLoadAllBundledBlueprints(t *testing.T) {
	set, err := LoadAll(filepath.Join("..", "..", "blueprints"))
	if err != nil {
		t.Fatalf("load bundled blueprints: %v", err)
	}
	for _, name := range []string{"STF", "MRS", "SLA", "PIF"} {
		if _, ok := set.Frameworks[name]; !ok {
			t.Fatalf("framework %s missing", name)
		}
	}
	for _, name := range []string{"BrandVoice", "PlatformRules", "ContentPillars"} {
		if _, ok := set.Constraints[name]; !ok {
			t.Fatalf("constraint %s missing", name)
		}
	}
	for _, name := range []string{"SundayPowerHour", "Repurposing1to10"} {
		if _, ok := set.Workflows[name]; !ok {
			t.Fatalf("workflow %s missing", name)
		}
	}
	stf := set.Frameworks["STF"]
	if got := stf.SectionNames(); strings.Join(got, ",") != "Problem,Tried,Worked,Lesson" {
		t.Fatalf("STF sections = %v", got)
	}
	if stf.Validation.MinChars != 600 || stf.Validation.MaxChars != 1500 {
		t.Fatalf("STF thresholds = %+v", stf.Validation)
	}
}

func TestLoadAllMissingFieldNamesFileAndField(t *testing.T) {
	root := t.TempDir()
	path := writeBlueprint(t, root, "frameworks/linkedin/Bad.yaml", `
name: Bad
platform: linkedin
structure:
  sections:
    - name: Hook
compatible_pillars: [what_building]
`)
	_, err := LoadAll(root)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	var merr *MalformedError
	if !errors.As(err, &merr) {
		t.Fatalf("expected *MalformedError, got %T", err)
	}
	if merr.Path != path {
		t.Fatalf("path = %q, want %q", merr.Path, path)
	}
	if merr.Field != "validation.max_chars" {
		t.Fatalf("field = %q, want validation.max_chars", merr.Field)
	}
}

func TestLoadAllRejectsDuplicateNames(t *testing.T) {
	root := t.TempDir()
	writeBlueprint(t, root, "frameworks/linkedin/STF.yaml", testFramework)
	writeBlueprint(t, root, "frameworks/blog/STF.yaml", testFramework)
	_, err := LoadAll(root)
	var merr *MalformedError
	if !errors.As(err, &merr) || merr.Field != "name" {
		t.Fatalf("expected duplicate name error, got %v", err)
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("error should mention duplicate: %v", err)
	}
}

func TestLoadAllRejectsDuplicatesAcrossRoots(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	writeBlueprint(t, a, "frameworks/linkedin/STF.yaml", testFramework)
	writeBlueprint(t, b, "frameworks/linkedin/STF.yaml", testFramework)
	if _, err := LoadAll(a, b); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestLoadAllWorkflowReferences(t *testing.T) {
	root := t.TempDir()
	writeBlueprint(t, root, "frameworks/linkedin/STF.yaml", testFramework)
	writeBlueprint(t, root, "workflows/Weekly.yaml", `
name: Weekly
steps:
  - id: one
    framework: MISSING
    pillar: what_building
`)
	_, err := LoadAll(root)
	var merr *MalformedError
	if !errors.As(err, &merr) || merr.Field != "steps[0].framework" {
		t.Fatalf("expected unknown framework error, got %v", err)
	}

	writeBlueprint(t, root, "workflows/Weekly.yaml", `
name: Weekly
steps:
  - id: one
    framework: STF
    pillar: what_building
    inputs: [later]
`)
	_, err = LoadAll(root)
	if !errors.As(err, &merr) || merr.Field != "steps[0].inputs" {
		t.Fatalf("expected unbound input error, got %v", err)
	}
}

func TestLoadAllConstraintType(t *testing.T) {
	root := t.TempDir()
	writeBlueprint(t, root, "constraints/Voice.yaml", `
name: Voice
type: mood
`)
	_, err := LoadAll(root)
	var merr *MalformedError
	if !errors.As(err, &merr) || merr.Field != "type" {
		t.Fatalf("expected type error, got %v", err)
	}
}

func TestLoadAllMissingRoot(t *testing.T) {
	if _, err := LoadAll(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestNormalizeSection(t *testing.T) {
	cases := map[string]string{
		"Call_to_Action":   "call to action",
		"  Problem ":       "problem",
		"Interactive  Ele": "interactive ele",
	}
	for in, want := range cases {
		if got := NormalizeSection(in); got != want {
			t.Fatalf("NormalizeSection(%q) = %q, want %q", in, got, want)
		}
	}
}
