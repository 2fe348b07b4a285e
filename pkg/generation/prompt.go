package generation

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/domain"
)

// maxForbiddenInPrompt keeps the system prompt short; the validator still
// checks every phrase.
const maxForbiddenInPrompt = 15

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

var systemTmpl = template.Must(template.New("system").Funcs(funcs).Parse(
	`You write {{.Platform}} posts using the {{.Framework.Name}} framework.
{{with .Framework.Description}}{{.}}
{{end}}
Structure: start each section with a markdown heading "## <section name>"{{if .Framework.Structure.Ordered}}, in this order{{end}}:
{{range $i, $s := .Framework.Structure.Sections}}{{inc $i}}. {{$s.Name}}{{with $s.Description}}: {{.}}{{end}}
{{range $s.Guidelines}}   - {{.}}
{{end}}{{end}}
Length: between {{.Framework.Validation.MinChars}} and {{.Framework.Validation.MaxChars}} characters.
{{with .Pillar}}
Content pillar: {{.Name}}{{with .Description}} ({{.}}){{end}}
{{range .Characteristics}}- {{.}}
{{end}}{{end}}{{if .Voice}}
Voice:
{{range .Voice}}- {{.ID}}{{with .Description}}: {{.}}{{end}}
{{end}}{{end}}{{if .Style}}
Style:
{{range .Style}}- {{.}}
{{end}}{{end}}{{if .Forbidden}}
Never use these phrases: {{join .Forbidden ", "}}.
{{end}}
Return only the post text.
`))

var userTmpl = template.Must(template.New("user").Funcs(funcs).Parse(
	`Write one post for the "{{.Pillar}}" pillar based on this context.
{{with .Bundle.Themes}}
Themes:
{{range .}}- {{.}}
{{end}}{{end}}{{with .Bundle.Decisions}}
Decisions:
{{range .}}- {{.}}
{{end}}{{end}}{{with .Bundle.Progress}}
Progress:
{{range .}}- {{.}}
{{end}}{{end}}{{with .Bundle.Notes}}
Notes:
{{.}}
{{end}}{{range .Inputs}}
Earlier post in this batch ({{.Name}}), reuse its story without repeating it verbatim:
{{.Body}}
{{end}}`))

var refineTmpl = template.Must(template.New("refine").Funcs(funcs).Parse(
	`{{.Base}}
Your previous draft:
<<<
{{.Draft}}
>>>

It failed validation with these issues:
{{range $i, $v := .Violations}}{{inc $i}}. [{{$v.Severity}}] {{$v.RuleID}}: {{$v.Message}}
{{end}}
Rewrite the post so that every blocking issue is fixed.
`))

// Input is a named earlier output passed to a workflow step.
type Input struct {
	Name string
	Body string
}

type systemData struct {
	Platform  string
	Framework blueprint.Framework
	Pillar    *blueprint.Pillar
	Voice     []blueprint.Characteristic
	Style     []string
	Forbidden []string
}

func renderSystem(fw blueprint.Framework, pillar string, constraints []blueprint.Constraint) (string, error) {
	data := systemData{Platform: fw.Platform, Framework: fw}
	if data.Platform == "" {
		data.Platform = "social media"
	}
	for _, c := range constraints {
		data.Voice = append(data.Voice, c.Characteristics...)
		for _, rule := range sortedKeys(c.StyleRules) {
			data.Style = append(data.Style, fmt.Sprintf("%s: %s", rule, strings.Join(c.StyleRules[rule], "; ")))
		}
		for _, cat := range c.PhraseCategories() {
			for _, p := range c.ForbiddenPhrases[cat] {
				if len(data.Forbidden) < maxForbiddenInPrompt {
					data.Forbidden = append(data.Forbidden, fmt.Sprintf("%q", p))
				}
			}
		}
		if p, ok := c.Pillars[pillar]; ok && data.Pillar == nil {
			data.Pillar = &p
		}
	}
	return execute(systemTmpl, data)
}

func renderUser(pillar string, bundle domain.Bundle, inputs []Input) (string, error) {
	return execute(userTmpl, struct {
		Pillar string
		Bundle domain.Bundle
		Inputs []Input
	}{pillar, bundle, inputs})
}

func renderRefinement(base, draft string, report domain.ValidationReport) (string, error) {
	return execute(refineTmpl, struct {
		Base       string
		Draft      string
		Violations []domain.Violation
	}{base, draft, report.Violations})
}

func execute(t *template.Template, data any) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return sb.String(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
