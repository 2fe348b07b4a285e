package blueprint

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadAll parses every blueprint below the given roots. Each root may hold
// frameworks/, constraints/ and workflows/ directories; a missing category
// directory is fine, a missing root is not. Names are unique per category
// across all roots.
func LoadAll(dirs ...string) (*Set, error) {
	if len(dirs) == 0 {
		return nil, errors.New("blueprint: at least one directory required")
	}
	set := newSet()
	seen := map[string]map[string]string{
		CategoryFramework:  {},
		CategoryConstraint: {},
		CategoryWorkflow:   {},
	}
	for _, root := range dirs {
		root = strings.TrimSpace(root)
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("blueprint dir %s: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("blueprint dir %s: not a directory", root)
		}
		for _, category := range []string{CategoryFramework, CategoryConstraint, CategoryWorkflow} {
			files, err := yamlFiles(filepath.Join(root, category))
			if err != nil {
				return nil, err
			}
			for _, path := range files {
				name, err := loadFile(set, category, path)
				if err != nil {
					return nil, err
				}
				key := strings.ToLower(name)
				if prev, ok := seen[category][key]; ok {
					return nil, malformed(path, "name", "duplicate %s name %q (already defined in %s)", singular(category), name, prev)
				}
				seen[category][key] = path
			}
		}
	}
	for _, wf := range set.Workflows {
		if err := checkWorkflowRefs(set, wf); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func yamlFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	return files, nil
}

func loadFile(set *Set, category, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read blueprint %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", malformed(path, "", "file is empty")
	}
	switch category {
	case CategoryFramework:
		var fw Framework
		if err := yaml.Unmarshal(data, &fw); err != nil {
			return "", malformed(path, "", "parse yaml: %v", err)
		}
		fw.Path = path
		if err := checkFramework(fw); err != nil {
			return "", err
		}
		set.Frameworks[fw.Name] = fw
		return fw.Name, nil
	case CategoryConstraint:
		var c Constraint
		if err := yaml.Unmarshal(data, &c); err != nil {
			return "", malformed(path, "", "parse yaml: %v", err)
		}
		c.Path = path
		if err := checkConstraint(c); err != nil {
			return "", err
		}
		set.Constraints[c.Name] = c
		return c.Name, nil
	default:
		var wf Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return "", malformed(path, "", "parse yaml: %v", err)
		}
		wf.Path = path
		if err := checkWorkflow(wf); err != nil {
			return "", err
		}
		set.Workflows[wf.Name] = wf
		return wf.Name, nil
	}
}

func checkFramework(fw Framework) error {
	p := fw.Path
	if strings.TrimSpace(fw.Name) == "" {
		return malformed(p, "name", "required")
	}
	if fw.Type != "" && fw.Type != "framework" {
		return malformed(p, "type", "expected framework, got %q", fw.Type)
	}
	if strings.TrimSpace(fw.Platform) == "" {
		return malformed(p, "platform", "required")
	}
	if len(fw.Structure.Sections) == 0 {
		return malformed(p, "structure.sections", "at least one section required")
	}
	names := map[string]bool{}
	for i, s := range fw.Structure.Sections {
		key := NormalizeSection(s.Name)
		if key == "" {
			return malformed(p, fmt.Sprintf("structure.sections[%d].name", i), "required")
		}
		if names[key] {
			return malformed(p, fmt.Sprintf("structure.sections[%d].name", i), "duplicate section %q", s.Name)
		}
		names[key] = true
	}
	v := fw.Validation
	if v.MaxChars <= 0 {
		return malformed(p, "validation.max_chars", "must be > 0")
	}
	if v.MinChars < 0 || v.MinChars > v.MaxChars {
		return malformed(p, "validation.min_chars", "must be between 0 and max_chars (%d)", v.MaxChars)
	}
	if v.MinSections < 0 || v.MinSections > len(fw.Structure.Sections) {
		return malformed(p, "validation.min_sections", "must be between 0 and the number of sections (%d)", len(fw.Structure.Sections))
	}
	if v.MaxSections != 0 && v.MaxSections < v.MinSections {
		return malformed(p, "validation.max_sections", "must be >= min_sections")
	}
	if len(fw.CompatiblePillars) == 0 {
		return malformed(p, "compatible_pillars", "at least one pillar required")
	}
	for i, pillar := range fw.CompatiblePillars {
		if strings.TrimSpace(pillar) == "" {
			return malformed(p, fmt.Sprintf("compatible_pillars[%d]", i), "empty pillar")
		}
	}
	return nil
}

func checkConstraint(c Constraint) error {
	p := c.Path
	if strings.TrimSpace(c.Name) == "" {
		return malformed(p, "name", "required")
	}
	switch c.Type {
	case ConstraintBrandVoice, ConstraintPlatformRule, ConstraintContentPillars:
	case "":
		return malformed(p, "type", "required")
	default:
		return malformed(p, "type", "unknown constraint type %q", c.Type)
	}
	for _, category := range c.PhraseCategories() {
		for i, phrase := range c.ForbiddenPhrases[category] {
			if strings.TrimSpace(phrase) == "" {
				return malformed(p, fmt.Sprintf("forbidden_phrases.%s[%d]", category, i), "empty phrase")
			}
		}
	}
	for i, flag := range c.ValidationFlags.RedFlags {
		if strings.TrimSpace(flag) == "" {
			return malformed(p, fmt.Sprintf("validation_flags.red_flags[%d]", i), "empty flag")
		}
	}
	for knob, v := range c.Rules {
		if v < 0 {
			return malformed(p, "rules."+knob, "must be >= 0")
		}
	}
	if c.Type == ConstraintContentPillars && len(c.Pillars) == 0 {
		return malformed(p, "pillars", "content_pillars constraint needs at least one pillar")
	}
	return nil
}

func checkWorkflow(wf Workflow) error {
	p := wf.Path
	if strings.TrimSpace(wf.Name) == "" {
		return malformed(p, "name", "required")
	}
	if wf.Type != "" && wf.Type != "workflow" {
		return malformed(p, "type", "expected workflow, got %q", wf.Type)
	}
	if len(wf.Steps) == 0 {
		return malformed(p, "steps", "at least one step required")
	}
	outputs := map[string]bool{InputContext: true}
	ids := map[string]bool{}
	for i, step := range wf.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(step.ID) == "" {
			return malformed(p, field+".id", "required")
		}
		if ids[step.ID] {
			return malformed(p, field+".id", "duplicate step id %q", step.ID)
		}
		ids[step.ID] = true
		if strings.TrimSpace(step.Framework) == "" {
			return malformed(p, field+".framework", "required")
		}
		if strings.TrimSpace(step.Pillar) == "" {
			return malformed(p, field+".pillar", "required")
		}
		for _, in := range step.Inputs {
			if !outputs[in] {
				return malformed(p, field+".inputs", "input %q is not produced by an earlier step", in)
			}
		}
		for _, out := range step.Outputs {
			if out == InputContext {
				return malformed(p, field+".outputs", "%q is reserved", InputContext)
			}
			outputs[out] = true
		}
	}
	return nil
}

func checkWorkflowRefs(set *Set, wf Workflow) error {
	for i, step := range wf.Steps {
		if _, ok := lookup(set.Frameworks, step.Framework); !ok {
			return malformed(wf.Path, fmt.Sprintf("steps[%d].framework", i), "unknown framework %q", step.Framework)
		}
	}
	return nil
}

// NormalizeSection folds a section name for comparison: case-insensitive,
// underscores treated as spaces, runs of whitespace collapsed.
func NormalizeSection(name string) string {
	name = strings.ReplaceAll(name, "_", " ")
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func lookup[T any](m map[string]T, name string) (T, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	var zero T
	return zero, false
}
