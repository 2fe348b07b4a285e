package validator

import (
	"regexp"
	"strings"

	"contentengine/pkg/blueprint"
)

// A section marker is a trimmed line of one of these shapes, where Name
// matches a framework section after blueprint.NormalizeSection:
//
//	# Name            (1-6 hashes)
//	**Name** / **Name:** / **Name**: text
//	[Name] text
//	Name: text
//
// Only the first occurrence of each section counts.
var markerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#{1,6}\s+(.+?)\s*#*$`),
	regexp.MustCompile(`^\*\*([^*]+?)\*\*`),
	regexp.MustCompile(`^\[([^\]]+)\]`),
	regexp.MustCompile(`^([\pL][\pL\d _-]{0,60}):`),
}

type sectionHit struct {
	Name string
	Line int
}

// findSections returns framework sections present in text ordered by where
// they first appear.
func findSections(text string, fw blueprint.Framework) []sectionHit {
	wanted := make(map[string]string, len(fw.Structure.Sections))
	for _, s := range fw.Structure.Sections {
		wanted[blueprint.NormalizeSection(s.Name)] = s.Name
	}
	seen := map[string]bool{}
	var hits []sectionHit
	for i, line := range strings.Split(text, "\n") {
		for _, name := range markerNames(strings.TrimSpace(line)) {
			canonical, ok := wanted[name]
			if !ok || seen[canonical] {
				continue
			}
			seen[canonical] = true
			hits = append(hits, sectionHit{Name: canonical, Line: i + 1})
			break
		}
	}
	return hits
}

// markerNames returns the normalized candidate names a line could mark.
// "# Problem: the outage" yields both the full heading and "problem".
func markerNames(line string) []string {
	if line == "" {
		return nil
	}
	for _, re := range markerPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), ":"))
		if name == "" {
			continue
		}
		out := []string{blueprint.NormalizeSection(name)}
		if head, _, ok := strings.Cut(name, ":"); ok {
			out = append(out, blueprint.NormalizeSection(head))
		}
		return out
	}
	return nil
}
