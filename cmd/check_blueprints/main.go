// Command check_blueprints loads blueprint directories and checks the
// cross-file rules the loader cannot see on its own. CI runs it against
// ./blueprints.
package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"contentengine/pkg/blueprint"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <blueprint-dir> [blueprint-dir...]\n", os.Args[0])
		os.Exit(2)
	}

	set, err := blueprint.LoadAll(os.Args[1:]...)
	if err != nil {
		exitErr(err)
	}
	if errs := check(set); len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(1)
	}

	fmt.Printf("Blueprint consistency check passed (%d frameworks, %d constraints, %d workflows).\n",
		len(set.Frameworks), len(set.Constraints), len(set.Workflows))
}

// check returns every violation, sorted, so one run reports them all.
func check(set *blueprint.Set) []error {
	var errs []error
	pillars := declaredPillars(set)
	for _, c := range set.Constraints {
		if err := checkPillarMix(c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fw := range set.Frameworks {
		errs = append(errs, checkFrameworkPillars(fw, pillars)...)
	}
	for _, wf := range set.Workflows {
		errs = append(errs, checkWorkflowSteps(set, wf)...)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errs
}

// declaredPillars collects pillar keys from every constraint that defines
// them. An empty result disables the pillar membership check.
func declaredPillars(set *blueprint.Set) map[string]bool {
	out := map[string]bool{}
	for _, c := range set.Constraints {
		for key := range c.Pillars {
			out[strings.TrimSpace(key)] = true
		}
	}
	return out
}

func checkPillarMix(c blueprint.Constraint) error {
	if len(c.Pillars) == 0 {
		return nil
	}
	total := 0
	for _, p := range c.Pillars {
		if p.Percentage < 0 {
			return fmt.Errorf("constraint %s: negative pillar percentage", c.Name)
		}
		total += p.Percentage
	}
	if total != 0 && total != 100 {
		return fmt.Errorf("constraint %s: pillar percentages sum to %d, want 100", c.Name, total)
	}
	return nil
}

func checkFrameworkPillars(fw blueprint.Framework, pillars map[string]bool) []error {
	if len(pillars) == 0 {
		return nil
	}
	var errs []error
	for _, p := range fw.CompatiblePillars {
		if !pillars[strings.TrimSpace(p)] {
			errs = append(errs, fmt.Errorf("framework %s: compatible pillar %q is not declared by any constraint", fw.Name, p))
		}
	}
	return errs
}

func checkWorkflowSteps(set *blueprint.Set, wf blueprint.Workflow) []error {
	var errs []error
	for _, step := range wf.Steps {
		fw, ok := findFramework(set, step.Framework)
		if !ok {
			errs = append(errs, fmt.Errorf("workflow %s step %s: unknown framework %q", wf.Name, step.ID, step.Framework))
			continue
		}
		if step.Pillar != "" && !fw.SupportsPillar(step.Pillar) {
			errs = append(errs, fmt.Errorf("workflow %s step %s: framework %s does not support pillar %q", wf.Name, step.ID, fw.Name, step.Pillar))
		}
	}
	return errs
}

func findFramework(set *blueprint.Set, name string) (blueprint.Framework, bool) {
	for key, fw := range set.Frameworks {
		if strings.EqualFold(key, name) || strings.EqualFold(fw.Name, name) {
			return fw, true
		}
	}
	return blueprint.Framework{}, false
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
