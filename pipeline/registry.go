// ABOUTME: Stage registry for the analysis pipeline: named stages, their dependency edges, and display metadata.
// ABOUTME: Supports diamond-shaped graphs and declarative persona toggles that produce a rewired registry subset.
package pipeline

import "slices"

// StageName identifies a pipeline stage.
type StageName string

const (
	StageCoordinator  StageName = "coordinator"
	StageSemantic     StageName = "semantic"
	StageBestPractice StageName = "best_practice"
	StageSDEWriter    StageName = "sde_writer"
	StagePMWriter     StageName = "pm_writer"
	StageQA           StageName = "qa"
)

// StageDef is static registry metadata for one stage.
type StageDef struct {
	Name        StageName
	DependsOn   []StageName
	Activity    string   // status projection label shown while the stage runs
	Percent     int      // nominal progress shown by the status projection
	Temperature *float64 // overrides AnalysisConfig.Temperature when set
}

// Registry is an ordered, read-only catalog of stages and their dependencies.
type Registry struct {
	defs  []StageDef
	index map[StageName]int
}

// Features selects which optional writer stages are part of a run.
type Features struct {
	SDE bool
	PM  bool
}

func temp(v float64) *float64 { return &v }

// DefaultRegistry returns the six-stage documentation pipeline:
// coordinator -> semantic -> best_practice -> {sde_writer, pm_writer} -> qa.
func DefaultRegistry() *Registry {
	reg, err := NewRegistry(
		StageDef{Name: StageCoordinator, Activity: "Planning analysis strategy...", Percent: 10, Temperature: temp(0.2)},
		StageDef{Name: StageSemantic, DependsOn: []StageName{StageCoordinator}, Activity: "Analyzing code structure...", Percent: 25},
		StageDef{Name: StageBestPractice, DependsOn: []StageName{StageSemantic}, Activity: "Searching for best practices...", Percent: 40},
		StageDef{Name: StageSDEWriter, DependsOn: []StageName{StageBestPractice}, Activity: "Generating technical documentation...", Percent: 60},
		StageDef{Name: StagePMWriter, DependsOn: []StageName{StageBestPractice}, Activity: "Creating product documentation...", Percent: 60},
		StageDef{Name: StageQA, DependsOn: []StageName{StageSDEWriter, StagePMWriter}, Activity: "Validating analysis quality...", Percent: 85, Temperature: temp(0.4)},
	)
	if err != nil {
		panic(err)
	}
	return reg
}

// NewRegistry validates the definitions and returns a registry preserving their order.
// Duplicate names, unknown dependencies and cycles are configuration errors.
func NewRegistry(defs ...StageDef) (*Registry, error) {
	if len(defs) == 0 {
		return nil, configErrorf("registry has no stages")
	}
	r := &Registry{index: make(map[StageName]int, len(defs))}
	for i, d := range defs {
		if d.Name == "" {
			return nil, configErrorf("stage %d has no name", i)
		}
		if _, dup := r.index[d.Name]; dup {
			return nil, configErrorf("duplicate stage %q", d.Name)
		}
		r.index[d.Name] = i
		d.DependsOn = slices.Clone(d.DependsOn)
		r.defs = append(r.defs, d)
	}
	for _, d := range r.defs {
		for _, dep := range d.DependsOn {
			if _, ok := r.index[dep]; !ok {
				return nil, configErrorf("stage %q depends on unknown stage %q", d.Name, dep)
			}
			if dep == d.Name {
				return nil, configErrorf("stage %q depends on itself", d.Name)
			}
		}
	}
	if _, err := topoOrder(r, r.Names()); err != nil {
		return nil, err
	}
	return r, nil
}

// Names returns stage names in registry order.
func (r *Registry) Names() []StageName {
	names := make([]StageName, len(r.defs))
	for i, d := range r.defs {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.defs) }

// Has reports whether name is registered.
func (r *Registry) Has(name StageName) bool {
	_, ok := r.index[name]
	return ok
}

// Def returns the definition for name.
func (r *Registry) Def(name StageName) (StageDef, bool) {
	i, ok := r.index[name]
	if !ok {
		return StageDef{}, false
	}
	d := r.defs[i]
	d.DependsOn = slices.Clone(d.DependsOn)
	return d, true
}

// DependsOn returns the direct dependencies of name.
func (r *Registry) DependsOn(name StageName) []StageName {
	d, _ := r.Def(name)
	return d.DependsOn
}

// Dependents returns the stages that directly depend on name, in registry order.
func (r *Registry) Dependents(name StageName) []StageName {
	var out []StageName
	for _, d := range r.defs {
		if slices.Contains(d.DependsOn, name) {
			out = append(out, d.Name)
		}
	}
	return out
}

// Apply returns a registry with the writer stages the features disable removed.
// Dependents of a removed stage inherit its dependencies, so with no writers
// selected qa depends directly on best_practice.
func (r *Registry) Apply(f Features) *Registry {
	var drop []StageName
	if !f.SDE {
		drop = append(drop, StageSDEWriter)
	}
	if !f.PM {
		drop = append(drop, StagePMWriter)
	}
	return r.Without(drop...)
}

// Without removes the named stages, rewiring dependents to the removed
// stages' dependencies. Unknown names are ignored.
func (r *Registry) Without(names ...StageName) *Registry {
	removed := make(map[StageName]bool)
	for _, n := range names {
		if r.Has(n) {
			removed[n] = true
		}
	}
	if len(removed) == 0 {
		return r
	}

	// resolve walks through removed stages to their nearest kept ancestors.
	var resolve func(StageName, map[StageName]bool) []StageName
	resolve = func(dep StageName, seen map[StageName]bool) []StageName {
		if !removed[dep] {
			return []StageName{dep}
		}
		if seen[dep] {
			return nil
		}
		seen[dep] = true
		var out []StageName
		for _, up := range r.DependsOn(dep) {
			out = append(out, resolve(up, seen)...)
		}
		return out
	}

	var defs []StageDef
	for _, d := range r.defs {
		if removed[d.Name] {
			continue
		}
		var deps []StageName
		for _, dep := range d.DependsOn {
			for _, kept := range resolve(dep, map[StageName]bool{}) {
				if !slices.Contains(deps, kept) {
					deps = append(deps, kept)
				}
			}
		}
		d.DependsOn = deps
		defs = append(defs, d)
	}
	if len(defs) == 0 {
		return &Registry{index: map[StageName]int{}}
	}
	sub, err := NewRegistry(defs...)
	if err != nil {
		// Removing nodes from a valid DAG cannot introduce a cycle or dangling edge.
		panic(err)
	}
	return sub
}
