// Package depgraph orders modules by their declared dependencies.
package depgraph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// CycleError reports a dependency cycle; Path starts and ends on the same name.
type CycleError struct{ Path []string }

func (e *CycleError) Error() string { return "dependency cycle: " + strings.Join(e.Path, " -> ") }

func (e *CycleError) StatusCode() int { return 409 }

// MissingDependencyError reports an edge to a name that is not in the graph.
type MissingDependencyError struct {
	Name       string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	if e.Name == "" {
		return "unknown module " + e.Dependency
	}
	return fmt.Sprintf("module %s depends on unknown module %s", e.Name, e.Dependency)
}

func (e *MissingDependencyError) StatusCode() int { return 409 }

func IsCycle(err error) bool {
	var t *CycleError
	return errors.As(err, &t)
}

func IsMissingDependency(err error) bool {
	var t *MissingDependencyError
	return errors.As(err, &t)
}

// Graph maps each node to the nodes it depends on. The zero value is not
// usable; call New.
type Graph struct {
	mu   sync.RWMutex
	deps map[string][]string
	rev  uint64
}

func New() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// Set adds or replaces a node and its dependencies.
func (g *Graph) Set(name string, deps ...string) {
	d := slices.Clone(deps)
	sort.Strings(d)
	d = slices.Compact(d)
	g.mu.Lock()
	g.deps[name] = d
	g.rev++
	g.mu.Unlock()
}

// Remove drops a node. Edges pointing at it remain and will surface as
// MissingDependencyError when ordered.
func (g *Graph) Remove(name string) {
	g.mu.Lock()
	if _, ok := g.deps[name]; ok {
		delete(g.deps, name)
		g.rev++
	}
	g.mu.Unlock()
}

func (g *Graph) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.deps[name]
	return ok
}

// Deps returns the direct dependencies of name.
func (g *Graph) Deps(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.deps[name])
}

// Dependents returns the nodes that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for n, deps := range g.deps {
		if slices.Contains(deps, name) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Revision changes whenever the graph is modified.
func (g *Graph) Revision() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rev
}

// Export returns a copy of the adjacency map, suitable for snapshots.
func (g *Graph) Export() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]string, len(g.deps))
	for k, v := range g.deps {
		out[k] = slices.Clone(v)
	}
	return out
}

// Import replaces the whole graph.
func (g *Graph) Import(m map[string][]string) {
	deps := make(map[string][]string, len(m))
	for k, v := range m {
		d := slices.Clone(v)
		sort.Strings(d)
		deps[k] = slices.Compact(d)
	}
	g.mu.Lock()
	g.deps = deps
	g.rev++
	g.mu.Unlock()
}

// CheckSet returns the cycle error Set(name, deps...) would introduce,
// without changing g.
func (g *Graph) CheckSet(name string, deps ...string) error {
	trial := New()
	trial.Import(g.Export())
	trial.Set(name, deps...)
	if _, err := trial.Order(name); IsCycle(err) {
		return err
	}
	return nil
}

// Order returns the dependency closure of targets in load order:
// every node appears after all of its dependencies. With no targets the
// whole graph is ordered. Ties are broken by name so the result is stable.
func (g *Graph) Order(targets ...string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(targets) == 0 {
		for n := range g.deps {
			targets = append(targets, n)
		}
	}
	targets = slices.Clone(targets)
	sort.Strings(targets)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.deps))
	order := make([]string, 0, len(g.deps))
	var path []string

	var visit func(n, from string) error
	visit = func(n, from string) error {
		deps, ok := g.deps[n]
		if !ok {
			return &MissingDependencyError{Name: from, Dependency: n}
		}
		state[n] = visiting
		path = append(path, n)
		for _, d := range deps {
			switch state[d] {
			case visiting:
				i := slices.Index(path, d)
				cycle := append(slices.Clone(path[i:]), d)
				return &CycleError{Path: cycle}
			case unvisited:
				if err := visit(d, n); err != nil {
					return err
				}
			}
		}
		state[n] = done
		path = path[:len(path)-1]
		order = append(order, n)
		return nil
	}

	for _, t := range targets {
		if state[t] == unvisited {
			if err := visit(t, ""); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}
