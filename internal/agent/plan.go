package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// StepKind says which collaborator executes a step.
type StepKind string

const (
	StepAI      StepKind = "ai"
	StepBrowser StepKind = "browser"
)

// Step is one unit of a plan.
type Step struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Kind        StepKind `json:"kind,omitempty"`
	Target      string   `json:"target,omitempty"` // URL for browser steps
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Plan is the planner's decomposition of a goal.
type Plan struct {
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// Validate checks step IDs are unique, dependencies exist and the
// dependency graph is acyclic.
func (p Plan) Validate() error {
	_, err := p.Waves()
	return err
}

// Waves groups steps into dependency levels: every step in wave n depends
// only on steps in earlier waves. Within a wave, steps keep plan order.
func (p Plan) Waves() ([][]Step, error) {
	if len(p.Steps) == 0 {
		return nil, errors.New("plan has no steps")
	}

	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := index[s.ID]; dup {
			return nil, fmt.Errorf("step with ID %q already exists", s.ID)
		}
		if s.Kind != "" && s.Kind != StepAI && s.Kind != StepBrowser {
			return nil, fmt.Errorf("step %q has unknown kind %q", s.ID, s.Kind)
		}
		index[s.ID] = i
	}

	var edges []toposort.Edge
	for _, s := range p.Steps {
		if len(s.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, s.ID})
			continue
		}
		for _, dep := range s.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on non-existent step %q", s.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, s.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("plan contains cycle: %w", err)
	}

	level := make(map[string]int, len(p.Steps))
	for _, v := range sorted {
		if v == nil {
			continue
		}
		id := v.(string)
		s := p.Steps[index[id]]
		lvl := 0
		for _, dep := range s.DependsOn {
			if l := level[dep] + 1; l > lvl {
				lvl = l
			}
		}
		level[id] = lvl
	}
	if len(level) != len(p.Steps) {
		var missing []string
		for _, s := range p.Steps {
			if _, ok := level[s.ID]; !ok {
				missing = append(missing, s.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d steps: %s", len(missing), strings.Join(missing, ", "))
	}

	var waves [][]Step
	for _, s := range p.Steps {
		lvl := level[s.ID]
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
		waves[lvl] = append(waves[lvl], s)
	}
	return waves, nil
}

// StepIDs returns the plan's step IDs, sorted.
func (p Plan) StepIDs() []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}
