package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"contentengine/pkg/blueprint"
	"contentengine/pkg/domain"
	"contentengine/pkg/store"
)

const (
	DefaultPlanWindow = 30 * 24 * time.Hour
	// A suggested pillar more than this many percentage points over its
	// target is swapped for the most under-represented one.
	overTargetSlack = 10.0
)

// PillarTargets merges the pillar percentages of every content_pillars
// constraint. A later constraint wins for a pillar both declare.
func PillarTargets(constraints []blueprint.Constraint) map[string]int {
	targets := map[string]int{}
	for _, c := range constraints {
		for key, p := range c.Pillars {
			if p.Percentage > 0 {
				targets[key] = p.Percentage
			}
		}
	}
	return targets
}

// PillarShare is one pillar's position against its target.
type PillarShare struct {
	Pillar    string  `json:"pillar"`
	Target    int     `json:"target"`
	Count     int     `json:"count"`
	Percent   float64 `json:"percent"`
	Deviation float64 `json:"deviation"`
}

// Distribution tallies posts per pillar against the target mix.
type Distribution struct {
	targets map[string]int
	counts  map[string]int
	total   int
}

func NewDistribution(targets map[string]int) *Distribution {
	d := &Distribution{targets: map[string]int{}, counts: map[string]int{}}
	for k, v := range targets {
		d.targets[k] = v
		d.counts[k] = 0
	}
	return d
}

// Record counts one post. Pillars without a target are ignored.
func (d *Distribution) Record(pillar string) {
	if _, ok := d.targets[pillar]; !ok {
		return
	}
	d.counts[pillar]++
	d.total++
}

func (d *Distribution) Total() int { return d.total }

func (d *Distribution) Counts() map[string]int {
	out := make(map[string]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

func (d *Distribution) share(pillar string) PillarShare {
	s := PillarShare{Pillar: pillar, Target: d.targets[pillar], Count: d.counts[pillar]}
	if d.total > 0 {
		s.Percent = float64(s.Count) / float64(d.total) * 100
	}
	s.Deviation = s.Percent - float64(s.Target)
	return s
}

// Shares lists every pillar, most under-represented first. Ties go to the
// larger target, then to the name.
func (d *Distribution) Shares() []PillarShare {
	out := make([]PillarShare, 0, len(d.targets))
	for p := range d.targets {
		out = append(out, d.share(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deviation != out[j].Deviation {
			return out[i].Deviation < out[j].Deviation
		}
		if out[i].Target != out[j].Target {
			return out[i].Target > out[j].Target
		}
		return out[i].Pillar < out[j].Pillar
	})
	return out
}

// Override returns the pillar to use instead of suggested when suggested
// runs well over its target and another pillar is under target.
func (d *Distribution) Override(suggested string) (string, bool) {
	if d.total == 0 {
		return "", false
	}
	if _, ok := d.targets[suggested]; !ok {
		return "", false
	}
	if d.share(suggested).Deviation <= overTargetSlack {
		return "", false
	}
	for _, s := range d.Shares() {
		if s.Deviation < 0 {
			return s.Pillar, true
		}
	}
	return "", false
}

// Brief is one planned post.
type Brief struct {
	Pillar    string `json:"pillar"`
	Framework string `json:"framework"`
	Rationale string `json:"rationale"`
}

// Plan is the outcome of Planner.Plan.
type Plan struct {
	Briefs []Brief `json:"briefs"`
	// Recent counts the posts in the window per pillar; Projected adds
	// the planned briefs.
	Recent    map[string]int `json:"recent"`
	Projected map[string]int `json:"projected"`
	Shares    []PillarShare  `json:"shares"`
}

// ItemLister is the read side of the content store the planner needs.
type ItemLister interface {
	List(ctx context.Context, filter store.ListFilter) ([]domain.ContentItem, error)
}

type PlannerOption func(*Planner)

func WithPlanWindow(d time.Duration) PlannerOption {
	return func(p *Planner) {
		if d > 0 {
			p.window = d
		}
	}
}

func WithPlannerClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

func WithPlannerLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = logger }
}

// Planner decides which pillar and framework the next posts should use so
// the recent mix converges on the pillar targets.
type Planner struct {
	items      ItemLister
	blueprints *blueprint.Store
	window     time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewPlanner(items ItemLister, blueprints *blueprint.Store, opts ...PlannerOption) *Planner {
	p := &Planner{
		items:      items,
		blueprints: blueprints,
		window:     DefaultPlanWindow,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Tally counts the items created inside the window per pillar. Rejected
// items never reach the audience and are left out.
func (p *Planner) Tally(ctx context.Context) (*Distribution, error) {
	targets := PillarTargets(p.blueprints.AllConstraints())
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no content_pillars constraint declares pillar percentages", ErrBadRequest)
	}
	items, err := p.items.List(ctx, store.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	since := p.now().Add(-p.window)
	dist := NewDistribution(targets)
	for _, item := range items {
		if item.Status == domain.StatusRejected || item.CreatedAt.Before(since) {
			continue
		}
		dist.Record(item.Pillar)
	}
	return dist, nil
}

// Plan proposes count briefs. A non-empty bundle.Pillar is taken as the
// suggestion for every brief and is kept unless it runs more than ten
// points over target; otherwise each brief goes to the most
// under-represented pillar that has a compatible framework.
func (p *Planner) Plan(ctx context.Context, bundle domain.Bundle, count int) (Plan, error) {
	if count <= 0 {
		return Plan{}, fmt.Errorf("%w: plan count must be > 0", ErrBadRequest)
	}
	dist, err := p.Tally(ctx)
	if err != nil {
		return Plan{}, err
	}
	suggested := strings.TrimSpace(bundle.Pillar)
	if suggested != "" {
		if _, ok := dist.targets[suggested]; !ok {
			return Plan{}, fmt.Errorf("%w: unknown pillar %q", ErrBadRequest, suggested)
		}
	}
	plan := Plan{Recent: dist.Counts()}
	frameworks := p.blueprints.Frameworks()

	for i := 0; i < count; i++ {
		brief, err := p.next(dist, frameworks, suggested, bundle)
		if err != nil {
			return Plan{}, err
		}
		plan.Briefs = append(plan.Briefs, brief)
		dist.Record(brief.Pillar)
	}
	plan.Projected = dist.Counts()
	plan.Shares = dist.Shares()
	p.logger.Info("content plan ready", "briefs", len(plan.Briefs), "recent", dist.Total()-len(plan.Briefs))
	return plan, nil
}

func (p *Planner) next(dist *Distribution, frameworks []blueprint.Framework, suggested string, bundle domain.Bundle) (Brief, error) {
	var candidates []string
	reason := map[string]string{}
	if suggested != "" {
		if alt, ok := dist.Override(suggested); ok {
			s := dist.share(suggested)
			candidates = append(candidates, alt)
			reason[alt] = fmt.Sprintf("%s is at %.0f%% against a %d%% target; %s", suggested, s.Percent, s.Target, describeShare(dist.share(alt)))
		} else {
			candidates = append(candidates, suggested)
			reason[suggested] = "requested; " + describeShare(dist.share(suggested))
		}
	}
	for _, s := range dist.Shares() {
		candidates = append(candidates, s.Pillar)
		if _, ok := reason[s.Pillar]; !ok {
			reason[s.Pillar] = "balancing the mix; " + describeShare(s)
		}
	}
	for _, pillar := range candidates {
		name, err := SelectFramework(frameworks, pillar, bundle)
		if err != nil {
			p.logger.Debug("pillar skipped, no compatible framework", "pillar", pillar)
			continue
		}
		return Brief{Pillar: pillar, Framework: name, Rationale: reason[pillar]}, nil
	}
	return Brief{}, fmt.Errorf("%w: no loaded framework supports any targeted pillar", ErrBadRequest)
}

func describeShare(s PillarShare) string {
	return fmt.Sprintf("%s has %d posts (%.0f%%) against a %d%% target", s.Pillar, s.Count, s.Percent, s.Target)
}
