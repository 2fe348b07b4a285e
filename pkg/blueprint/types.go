package blueprint

import (
	"sort"
	"strings"
)

// Category names double as the blueprint directory names.
const (
	CategoryFramework  = "frameworks"
	CategoryConstraint = "constraints"
	CategoryWorkflow   = "workflows"
)

// Constraint types accepted in constraint blueprints.
const (
	ConstraintBrandVoice     = "brand_voice"
	ConstraintPlatformRule   = "platform_rule"
	ConstraintContentPillars = "content_pillars"
)

// Section is one named part of a framework.
type Section struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Guidelines  []string `yaml:"guidelines"`
}

type Structure struct {
	Sections []Section `yaml:"sections"`
	Ordered  bool      `yaml:"ordered"`
}

type Thresholds struct {
	MinChars    int `yaml:"min_chars"`
	MaxChars    int `yaml:"max_chars"`
	MinSections int `yaml:"min_sections"`
	MaxSections int `yaml:"max_sections"`
}

// Framework describes the structural shape of a post.
type Framework struct {
	Name              string     `yaml:"name"`
	Type              string     `yaml:"type"`
	Platform          string     `yaml:"platform"`
	Description       string     `yaml:"description"`
	Structure         Structure  `yaml:"structure"`
	Validation        Thresholds `yaml:"validation"`
	CompatiblePillars []string   `yaml:"compatible_pillars"`
	Examples          []string   `yaml:"examples"`

	Path string `yaml:"-"`
}

// SectionNames returns section names in declared order.
func (f Framework) SectionNames() []string {
	out := make([]string, 0, len(f.Structure.Sections))
	for _, s := range f.Structure.Sections {
		out = append(out, s.Name)
	}
	return out
}

// SupportsPillar reports whether pillar is listed as compatible.
func (f Framework) SupportsPillar(pillar string) bool {
	pillar = strings.TrimSpace(pillar)
	for _, p := range f.CompatiblePillars {
		if strings.EqualFold(p, pillar) {
			return true
		}
	}
	return false
}

type Characteristic struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

type Flags struct {
	RedFlags    []string `yaml:"red_flags"`
	YellowFlags []string `yaml:"yellow_flags"`
	GreenFlags  []string `yaml:"green_flags"`
}

type Pillar struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	Percentage      int      `yaml:"percentage"`
	Characteristics []string `yaml:"characteristics"`
}

// Constraint is a brand or platform rule set.
type Constraint struct {
	Name             string              `yaml:"name"`
	Type             string              `yaml:"type"`
	Platform         string              `yaml:"platform"`
	Description      string              `yaml:"description"`
	Characteristics  []Characteristic    `yaml:"characteristics"`
	ForbiddenPhrases map[string][]string `yaml:"forbidden_phrases"`
	ValidationFlags  Flags               `yaml:"validation_flags"`
	StyleRules       map[string][]string `yaml:"style_rules"`
	Rules            map[string]float64  `yaml:"rules"`
	Pillars          map[string]Pillar   `yaml:"pillars"`

	Path string `yaml:"-"`
}

// Knob returns a numeric rule value and whether it is set.
func (c Constraint) Knob(name string) (float64, bool) {
	v, ok := c.Rules[name]
	return v, ok
}

// PhraseCategories returns forbidden phrase categories in sorted order.
func (c Constraint) PhraseCategories() []string {
	keys := make([]string, 0, len(c.ForbiddenPhrases))
	for k := range c.ForbiddenPhrases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Step is one generation step of a workflow.
type Step struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Framework string   `yaml:"framework"`
	Pillar    string   `yaml:"pillar"`
	Inputs    []string `yaml:"inputs"`
	Outputs   []string `yaml:"outputs"`
}

// InputContext is the implicit binding available to every step.
const InputContext = "context"

// Workflow is an ordered multi-post batch recipe.
type Workflow struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Version     string `yaml:"version"`
	Platform    string `yaml:"platform"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`

	Path string `yaml:"-"`
}

// Set is an immutable snapshot of everything loaded from disk.
type Set struct {
	Frameworks  map[string]Framework
	Constraints map[string]Constraint
	Workflows   map[string]Workflow
}

func newSet() *Set {
	return &Set{
		Frameworks:  map[string]Framework{},
		Constraints: map[string]Constraint{},
		Workflows:   map[string]Workflow{},
	}
}
