// Package registry holds the static table of downstream specialist
// agents: where each one lives, whether it is called inline (sync),
// after the response (async), or is a core routing target, and which
// other agents it depends on.
//
// A Registry is immutable once built. It is constructed in main from
// configuration and injected into the components that need it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nugget/huddle/internal/config"
)

// Type classifies how an agent is invoked.
type Type string

const (
	// TypeCore agents are routing targets selected by detected_agent.
	TypeCore Type = config.AgentTypeCore
	// TypeSync agents are fanned out before routing; the turn waits.
	TypeSync Type = config.AgentTypeSync
	// TypeAsync agents run in the background after the response.
	TypeAsync Type = config.AgentTypeAsync
)

// ErrUnknownAgent is returned when a name is not in the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent describes one downstream service.
type Agent struct {
	Name      string        `json:"name"`
	URL       string        `json:"url"`
	Type      Type          `json:"type"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty"` // zero means the "specialist" profile
}

// Registry is an immutable agent table.
type Registry struct {
	agents map[string]Agent
	names  []string
}

// New builds a registry from configuration. It rejects duplicates,
// unknown dependencies, and dependency cycles.
func New(cfgs []config.AgentConfig) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent, len(cfgs))}
	for _, c := range cfgs {
		if _, dup := r.agents[c.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", c.Name)
		}
		typ := Type(c.Type)
		if typ == "" {
			typ = TypeCore
		}
		r.agents[c.Name] = Agent{
			Name:      c.Name,
			URL:       c.URL,
			Type:      typ,
			DependsOn: append([]string(nil), c.DependsOn...),
			Timeout:   c.Timeout.Std(),
		}
		r.names = append(r.names, c.Name)
	}
	sort.Strings(r.names)

	for _, a := range r.agents {
		for _, dep := range a.DependsOn {
			if _, ok := r.agents[dep]; !ok {
				return nil, fmt.Errorf("agent %q: %w %q in depends_on", a.Name, ErrUnknownAgent, dep)
			}
		}
	}
	if _, err := r.Waves(r.names); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the agent called name.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	if ok {
		a.DependsOn = append([]string(nil), a.DependsOn...)
	}
	return a, ok
}

// Names returns every agent name in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// All returns every agent sorted by name.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.names))
	for _, n := range r.names {
		a, _ := r.Get(n)
		out = append(out, a)
	}
	return out
}

// Filter returns the subset of names whose agent has the given type,
// preserving input order. Unknown names are skipped.
func (r *Registry) Filter(names []string, typ Type) []string {
	var out []string
	for _, n := range names {
		if a, ok := r.agents[n]; ok && a.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

// Resolve expands names with their transitive dependencies and returns
// them in dependency order: every agent appears after all of the agents
// it depends on. Ties are broken by name for stable output.
func (r *Registry) Resolve(names []string) ([]string, error) {
	waves, err := r.Waves(names)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, w := range waves {
		out = append(out, w...)
	}
	return out, nil
}

// Waves groups names (plus transitive dependencies) into levels that can
// run concurrently: wave 0 has no dependencies inside the set, wave n
// depends only on earlier waves.
func (r *Registry) Waves(names []string) ([][]string, error) {
	set := make(map[string]bool)
	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		a, ok := r.agents[n]
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownAgent, n)
		}
		for _, p := range path {
			if p == n {
				return fmt.Errorf("dependency cycle: %v -> %s", path, n)
			}
		}
		if set[n] {
			return nil
		}
		for _, dep := range a.DependsOn {
			if err := visit(dep, append(path, n)); err != nil {
				return err
			}
		}
		set[n] = true
		return nil
	}
	for _, n := range names {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}

	level := make(map[string]int, len(set))
	var depth func(n string) int
	depth = func(n string) int {
		if l, ok := level[n]; ok {
			return l
		}
		l := 0
		for _, dep := range r.agents[n].DependsOn {
			if d := depth(dep) + 1; d > l {
				l = d
			}
		}
		level[n] = l
		return l
	}

	var waves [][]string
	for n := range set {
		l := depth(n)
		for len(waves) <= l {
			waves = append(waves, nil)
		}
		waves[l] = append(waves[l], n)
	}
	for _, w := range waves {
		sort.Strings(w)
	}
	return waves, nil
}
