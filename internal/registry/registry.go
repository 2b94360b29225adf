// Package registry implements the name -> workflow-function table (spec
// §4.G): immutable after init, with a missing-name lookup treated as a
// fatal worker error rather than a silent no-op.
package registry

import (
	"fmt"
	"sort"

	"github.com/flowcraft/engine/internal/activity"
	"github.com/flowcraft/engine/internal/workflow"
)

// Registry is a built-once, read-only table of workflow and activity
// implementations keyed by name. Use Builder to construct one; Registry
// itself has no mutating methods.
type Registry struct {
	workflows  map[string]workflow.Func
	activities map[string]activity.Func
	names      []string
}

// Builder accumulates registrations before Build freezes them.
type Builder struct {
	workflows  map[string]workflow.Func
	activities map[string]activity.Func
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		workflows:  make(map[string]workflow.Func),
		activities: make(map[string]activity.Func),
	}
}

// Workflow registers a workflow implementation under name. Registering
// the same name twice is a programmer error and panics, the same way the
// teacher's command registration treats duplicate names as fatal at init.
func (b *Builder) Workflow(name string, fn workflow.Func) *Builder {
	if _, exists := b.workflows[name]; exists {
		panic(fmt.Sprintf("registry: workflow %q already registered", name))
	}
	b.workflows[name] = fn
	return b
}

// Activity registers an activity implementation under name.
func (b *Builder) Activity(name string, fn activity.Func) *Builder {
	if _, exists := b.activities[name]; exists {
		panic(fmt.Sprintf("registry: activity %q already registered", name))
	}
	b.activities[name] = fn
	return b
}

// Build freezes the builder into an immutable Registry.
func (b *Builder) Build() *Registry {
	names := make([]string, 0, len(b.workflows))
	for name := range b.workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	return &Registry{
		workflows:  cloneWorkflows(b.workflows),
		activities: cloneActivities(b.activities),
		names:      names,
	}
}

func cloneWorkflows(m map[string]workflow.Func) map[string]workflow.Func {
	cp := make(map[string]workflow.Func, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneActivities(m map[string]activity.Func) map[string]activity.Func {
	cp := make(map[string]activity.Func, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Lookup returns the workflow function registered under name, or
// (nil, false) if none exists — callers treat a miss as a fatal worker
// error (spec §4.G).
func (r *Registry) Lookup(name string) (workflow.Func, bool) {
	fn, ok := r.workflows[name]
	return fn, ok
}

// Activities returns the full activity table, handed to each Ctx so
// primitives can resolve an activity by name.
func (r *Registry) Activities() map[string]activity.Func {
	return r.activities
}

// Names returns every registered workflow name, sorted — used as the
// name_filter argument to pull_workflows so a worker only claims
// workflows it can actually run.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
