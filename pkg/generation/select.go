package generation

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/domain"
)

var pillarDefaults = map[string]string{
	"what_building":    "STF",
	"what_learning":    "MRS",
	"sales_tech":       "STF",
	"problem_solution": "STF",
}

// Keyword overrides, applied in order so a later match wins.
var keywordOverrides = []struct {
	framework string
	words     []string
}{
	{"PIF", []string{"poll", "question", "ask", "vote", "opinion"}},
	{"MRS", []string{"mistake", "failed", "learned", "realized", "wrong"}},
}

// SelectFramework picks a framework for pillar when the caller named none.
// The pillar default can be overridden by words in the context; the choice
// is always a loaded framework compatible with the pillar.
func SelectFramework(frameworks []blueprint.Framework, pillar string, bundle domain.Bundle) (string, error) {
	compatible := map[string]blueprint.Framework{}
	var names []string
	for _, fw := range frameworks {
		if fw.SupportsPillar(pillar) {
			compatible[strings.ToUpper(fw.Name)] = fw
			names = append(names, fw.Name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: no framework supports pillar %q", ErrBadRequest, pillar)
	}
	sort.Strings(names)

	choice := pillarDefaults[strings.ToLower(strings.TrimSpace(pillar))]
	words := contextWords(bundle)
	for _, o := range keywordOverrides {
		for _, w := range o.words {
			if words[w] {
				if _, ok := compatible[o.framework]; ok {
					choice = o.framework
				}
				break
			}
		}
	}
	if fw, ok := compatible[strings.ToUpper(choice)]; ok {
		return fw.Name, nil
	}
	return names[0], nil
}

func contextWords(b domain.Bundle) map[string]bool {
	parts := append(append(append([]string{}, b.Themes...), b.Decisions...), b.Progress...)
	parts = append(parts, b.Notes)
	words := map[string]bool{}
	for _, f := range strings.FieldsFunc(strings.ToLower(strings.Join(parts, " ")), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		words[f] = true
	}
	return words
}
