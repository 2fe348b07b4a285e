// Package validator checks candidate post text against a framework and a set
// of constraints. Validation is pure: the same inputs always produce the
// same report.
package validator

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/domain"
)

// Rule identifiers used in violations.
const (
	RuleSectionsMissing = "sections.missing"
	RuleSectionsOrder   = "sections.order"
	RuleLengthMin       = "length.min"
	RuleLengthMax       = "length.max"
	RuleForbidden       = "forbidden_phrase"
	RuleRedFlag         = "red_flag"
	RulePillar          = "pillar"
	RulePlatformMax     = "platform.max_chars"
	RuleYellowFlag      = "yellow_flag"
	RuleLengthOptimal   = "length.optimal"
	RuleHashtags        = "hashtags"
	RuleEmojis          = "emojis"
	RuleParagraph       = "paragraph_length"
)

// Rule knobs read from constraint blueprints.
const (
	KnobAbsoluteMaxChars  = "absolute_max_chars"
	KnobOptimalMinChars   = "optimal_min_chars"
	KnobOptimalMaxChars   = "optimal_max_chars"
	KnobMaxHashtags       = "max_hashtags"
	KnobMaxEmojis         = "max_emojis"
	KnobMaxParagraphChars = "max_paragraph_chars"
)

const (
	blockingPenalty = 0.2
	advisoryPenalty = 0.05
)

// Validate runs every check in a fixed order. An empty pillar skips the
// pillar compatibility check.
func Validate(text, pillar string, fw blueprint.Framework, constraints []blueprint.Constraint) domain.ValidationReport {
	var vs []domain.Violation
	vs = append(vs, checkSections(text, fw)...)
	vs = append(vs, checkLength(text, fw)...)
	lower := strings.ToLower(text)
	for _, c := range constraints {
		vs = append(vs, checkForbidden(lower, c)...)
	}
	for _, c := range constraints {
		vs = append(vs, checkFlags(lower, c.Name, c.ValidationFlags.RedFlags, domain.SeverityBlocking, RuleRedFlag)...)
	}
	if p := strings.TrimSpace(pillar); p != "" && !fw.SupportsPillar(p) {
		vs = append(vs, blocking(RulePillar, "pillar %q is not compatible with framework %s (allowed: %s)",
			p, fw.Name, strings.Join(fw.CompatiblePillars, ", ")))
	}
	for _, c := range constraints {
		vs = append(vs, checkKnobs(text, c)...)
	}
	for _, c := range constraints {
		vs = append(vs, checkFlags(lower, c.Name, c.ValidationFlags.YellowFlags, domain.SeverityAdvisory, RuleYellowFlag)...)
	}
	return newReport(vs)
}

func newReport(vs []domain.Violation) domain.ValidationReport {
	if vs == nil {
		vs = []domain.Violation{}
	}
	var nBlocking, nAdvisory int
	for _, v := range vs {
		if v.Severity == domain.SeverityBlocking {
			nBlocking++
		} else {
			nAdvisory++
		}
	}
	score := 1 - blockingPenalty*float64(nBlocking) - advisoryPenalty*float64(nAdvisory)
	score = math.Round(math.Max(0, score)*100) / 100
	return domain.ValidationReport{
		Passed:     nBlocking == 0,
		Score:      score,
		Violations: vs,
	}
}

func checkSections(text string, fw blueprint.Framework) []domain.Violation {
	hits := findSections(text, fw)
	var out []domain.Violation
	if min := fw.Validation.MinSections; len(hits) < min {
		found := map[string]bool{}
		for _, h := range hits {
			found[h.Name] = true
		}
		var missing []string
		for _, name := range fw.SectionNames() {
			if !found[name] {
				missing = append(missing, name)
			}
		}
		out = append(out, blocking(RuleSectionsMissing, "found %d of %d required sections (missing: %s)",
			len(hits), min, strings.Join(missing, ", ")))
	}
	if fw.Structure.Ordered && !inOrder(hits, fw) {
		names := make([]string, 0, len(hits))
		for _, h := range hits {
			names = append(names, h.Name)
		}
		out = append(out, blocking(RuleSectionsOrder, "sections appear as %s, expected order %s",
			strings.Join(names, " > "), strings.Join(fw.SectionNames(), " > ")))
	}
	return out
}

func inOrder(hits []sectionHit, fw blueprint.Framework) bool {
	rank := map[string]int{}
	for i, name := range fw.SectionNames() {
		rank[name] = i
	}
	for i := 1; i < len(hits); i++ {
		if rank[hits[i].Name] < rank[hits[i-1].Name] {
			return false
		}
	}
	return true
}

func checkLength(text string, fw blueprint.Framework) []domain.Violation {
	n := charCount(text)
	v := fw.Validation
	switch {
	case n < v.MinChars:
		return []domain.Violation{blocking(RuleLengthMin, "%d characters, minimum is %d", n, v.MinChars)}
	case v.MaxChars > 0 && n > v.MaxChars:
		return []domain.Violation{blocking(RuleLengthMax, "%d characters, maximum is %d", n, v.MaxChars)}
	}
	return nil
}

func checkForbidden(lower string, c blueprint.Constraint) []domain.Violation {
	var out []domain.Violation
	for _, category := range c.PhraseCategories() {
		for _, phrase := range c.ForbiddenPhrases[category] {
			if strings.Contains(lower, strings.ToLower(phrase)) {
				out = append(out, blocking(RuleForbidden, "forbidden phrase %q (%s/%s)", phrase, c.Name, category))
			}
		}
	}
	return out
}

func checkFlags(lower, source string, flags []string, sev domain.Severity, rule string) []domain.Violation {
	var out []domain.Violation
	for _, flag := range flags {
		if strings.Contains(lower, strings.ToLower(flag)) {
			out = append(out, domain.Violation{
				Severity: sev,
				RuleID:   rule,
				Message:  fmt.Sprintf("contains %q (%s)", flag, source),
			})
		}
	}
	return out
}

func checkKnobs(text string, c blueprint.Constraint) []domain.Violation {
	var out []domain.Violation
	n := charCount(text)
	if max, ok := c.Knob(KnobAbsoluteMaxChars); ok && max > 0 && float64(n) > max {
		out = append(out, blocking(RulePlatformMax, "%d characters exceeds the %s limit of %d", n, c.Name, int(max)))
	}
	if min, ok := c.Knob(KnobOptimalMinChars); ok && float64(n) < min {
		out = append(out, advisory(RuleLengthOptimal, "%d characters is below the optimal %d", n, int(min)))
	}
	if max, ok := c.Knob(KnobOptimalMaxChars); ok && max > 0 && float64(n) > max {
		out = append(out, advisory(RuleLengthOptimal, "%d characters is above the optimal %d", n, int(max)))
	}
	if max, ok := c.Knob(KnobMaxHashtags); ok {
		if got := countHashtags(text); float64(got) > max {
			out = append(out, advisory(RuleHashtags, "%d hashtags, recommended maximum is %d", got, int(max)))
		}
	}
	if max, ok := c.Knob(KnobMaxEmojis); ok {
		if got := countEmojis(text); float64(got) > max {
			out = append(out, advisory(RuleEmojis, "%d emojis, recommended maximum is %d", got, int(max)))
		}
	}
	if max, ok := c.Knob(KnobMaxParagraphChars); ok && max > 0 {
		for i, p := range paragraphs(text) {
			if n := charCount(p); float64(n) > max {
				out = append(out, advisory(RuleParagraph, "paragraph %d has %d characters, break it up (max %d)", i+1, n, int(max)))
			}
		}
	}
	return out
}

func charCount(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

func countHashtags(text string) int {
	n := 0
	for _, field := range strings.Fields(text) {
		if len(field) > 1 && field[0] == '#' && field[1] != '#' {
			n++
		}
	}
	return n
}

func countEmojis(text string) int {
	n := 0
	for _, r := range text {
		if (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) {
			n++
		}
	}
	return n
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func blocking(rule, format string, args ...any) domain.Violation {
	return domain.Violation{Severity: domain.SeverityBlocking, RuleID: rule, Message: fmt.Sprintf(format, args...)}
}

func advisory(rule, format string, args ...any) domain.Violation {
	return domain.Violation{Severity: domain.SeverityAdvisory, RuleID: rule, Message: fmt.Sprintf(format, args...)}
}
