package blueprint

import (
	"sort"
	"strings"
	"sync"
)

// Store caches a loaded Set for the process lifetime. Lookups never touch
// disk; Reload is the only way to pick up changed files.
type Store struct {
	dirs []string

	mu  sync.RWMutex
	set *Set
}

// Open loads blueprints from dirs and returns a ready store.
func Open(dirs ...string) (*Store, error) {
	s := &Store{dirs: append([]string(nil), dirs...)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStoreFromSet wraps an already loaded set. Reload re-reads dirs, if any.
func NewStoreFromSet(set *Set, dirs ...string) *Store {
	if set == nil {
		set = newSet()
	}
	return &Store{dirs: append([]string(nil), dirs...), set: set}
}

// Dirs returns the directories the store loads from.
func (s *Store) Dirs() []string {
	return append([]string(nil), s.dirs...)
}

// Reload re-parses every directory and swaps the cached set atomically.
// On error the previous set stays in place.
func (s *Store) Reload() error {
	set, err := LoadAll(s.dirs...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
	return nil
}

func (s *Store) snapshot() *Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.set == nil {
		return newSet()
	}
	return s.set
}

func (s *Store) Framework(name string) (Framework, error) {
	fw, ok := lookup(s.snapshot().Frameworks, strings.TrimSpace(name))
	if !ok {
		return Framework{}, &NotFoundError{Category: CategoryFramework, Name: name}
	}
	return fw, nil
}

func (s *Store) Constraint(name string) (Constraint, error) {
	c, ok := lookup(s.snapshot().Constraints, strings.TrimSpace(name))
	if !ok {
		return Constraint{}, &NotFoundError{Category: CategoryConstraint, Name: name}
	}
	return c, nil
}

func (s *Store) Workflow(name string) (Workflow, error) {
	wf, ok := lookup(s.snapshot().Workflows, strings.TrimSpace(name))
	if !ok {
		return Workflow{}, &NotFoundError{Category: CategoryWorkflow, Name: name}
	}
	return wf, nil
}

// Frameworks returns all frameworks sorted by name.
func (s *Store) Frameworks() []Framework {
	set := s.snapshot()
	out := make([]Framework, 0, len(set.Frameworks))
	for _, fw := range set.Frameworks {
		out = append(out, fw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Workflows returns all workflows sorted by name.
func (s *Store) Workflows() []Workflow {
	set := s.snapshot()
	out := make([]Workflow, 0, len(set.Workflows))
	for _, wf := range set.Workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllConstraints returns all constraints sorted by name.
func (s *Store) AllConstraints() []Constraint {
	set := s.snapshot()
	out := make([]Constraint, 0, len(set.Constraints))
	for _, c := range set.Constraints {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Constraints resolves the named constraints in the given order. With no
// names it returns every constraint that applies to platform (platform-less
// constraints apply everywhere).
func (s *Store) Constraints(platform string, names ...string) ([]Constraint, error) {
	if len(names) > 0 {
		out := make([]Constraint, 0, len(names))
		for _, name := range names {
			c, err := s.Constraint(name)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	}
	var out []Constraint
	for _, c := range s.AllConstraints() {
		if c.Platform == "" || platform == "" || strings.EqualFold(c.Platform, platform) {
			out = append(out, c)
		}
	}
	return out, nil
}
