// ABOUTME: Builds the executable sub-graph of a registry given the stages a run has already completed.
// ABOUTME: Completed stages are dropped, edges among remaining stages kept, and satisfied stages become entry points.
package pipeline

import (
	"slices"
	"strings"
)

// Edge is a dependency edge: From must complete before To starts.
type Edge struct {
	From StageName `json:"from"`
	To   StageName `json:"to"`
}

// Graph is the remaining work for a run. An empty Graph means nothing is left to do.
type Graph struct {
	stages  []StageName
	edges   []Edge
	entries []StageName
	order   []StageName
}

// BuildGraph computes the minimal sub-graph still needing execution.
// A completed name absent from the registry is a ConfigurationError.
func BuildGraph(reg *Registry, completed []StageName) (*Graph, error) {
	done := make(map[StageName]bool, len(completed))
	for _, name := range completed {
		if !reg.Has(name) {
			return nil, configErrorf("completed stage %q is not in the registry", name)
		}
		done[name] = true
	}

	g := &Graph{}
	for _, name := range reg.Names() {
		if done[name] {
			continue
		}
		g.stages = append(g.stages, name)

		entry := true
		for _, dep := range reg.DependsOn(name) {
			if done[dep] {
				continue
			}
			entry = false
			g.edges = append(g.edges, Edge{From: dep, To: name})
		}
		if entry {
			g.entries = append(g.entries, name)
		}
	}

	order, err := topoOrder(reg, g.stages)
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// Empty reports whether every stage is already complete.
func (g *Graph) Empty() bool { return len(g.stages) == 0 }

// Stages returns the remaining stages in registry order.
func (g *Graph) Stages() []StageName { return slices.Clone(g.stages) }

// Edges returns dependency edges between remaining stages.
func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

// EntryPoints returns remaining stages with no unsatisfied dependency.
func (g *Graph) EntryPoints() []StageName { return slices.Clone(g.entries) }

// Order returns a topological execution order, ties broken by registry order.
func (g *Graph) Order() []StageName { return slices.Clone(g.order) }

// topoOrder runs Kahn's algorithm over subset, considering only edges inside it.
func topoOrder(reg *Registry, subset []StageName) ([]StageName, error) {
	in := make(map[StageName]bool, len(subset))
	for _, n := range subset {
		in[n] = true
	}
	indegree := make(map[StageName]int, len(subset))
	for _, n := range subset {
		for _, dep := range reg.DependsOn(n) {
			if in[dep] {
				indegree[n]++
			}
		}
	}

	order := make([]StageName, 0, len(subset))
	placed := make(map[StageName]bool, len(subset))
	for len(order) < len(subset) {
		progressed := false
		for _, n := range subset {
			if placed[n] || indegree[n] > 0 {
				continue
			}
			placed[n] = true
			order = append(order, n)
			progressed = true
			for _, d := range reg.Dependents(n) {
				if in[d] {
					indegree[d]--
				}
			}
			// Restart the scan so ties resolve in registry order.
			break
		}
		if !progressed {
			var stuck []string
			for _, n := range subset {
				if !placed[n] {
					stuck = append(stuck, string(n))
				}
			}
			return nil, configErrorf("dependency cycle among stages: %s", strings.Join(stuck, ", "))
		}
	}
	return order, nil
}
