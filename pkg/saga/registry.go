package saga

import (
	"context"
	"fmt"

	"github.com/tracseq/sagaflow/pkg/sagaflow/registry"
)

// Handler is the forward or compensation action for a registered step.
// It receives a snapshot of the saga context and returns the data to
// merge back into it, or an error.
type Handler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Registry is the process-wide, read-mostly mapping of step handlers,
// compensation handlers, and saga definitions. It is populated once at
// startup; later registrations of the same handler name are rejected
// with ErrHandlerAlreadyRegistered once startup has completed.
type Registry struct {
	steps        *registry.Registry[string, Handler]
	compensators *registry.Registry[string, Handler]
	definitions  *registry.Registry[string, *SagaDefinition]

	// startupComplete gates the "replace only during startup" rule. It
	// is set by Freeze, which a process calls once after all startup
	// registration is done.
	startupComplete bool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:        registry.New[string, Handler](),
		compensators: registry.New[string, Handler](),
		definitions:  registry.New[string, *SagaDefinition](),
	}
}

// Freeze marks startup registration as complete. After Freeze,
// RegisterStep/RegisterCompensation reject re-registration of an
// existing name instead of silently replacing it.
func (r *Registry) Freeze() {
	r.startupComplete = true
}

// RegisterStep registers the forward handler for a step name.
func (r *Registry) RegisterStep(name string, h Handler) error {
	if r.startupComplete && r.steps.Has(name) {
		return fmt.Errorf("%w: step %q", ErrHandlerAlreadyRegistered, name)
	}
	r.steps.Register(name, h)
	return nil
}

// RegisterCompensation registers the compensation handler for a step
// name.
func (r *Registry) RegisterCompensation(name string, h Handler) error {
	if r.startupComplete && r.compensators.Has(name) {
		return fmt.Errorf("%w: compensation %q", ErrHandlerAlreadyRegistered, name)
	}
	r.compensators.Register(name, h)
	return nil
}

// Step returns the forward handler registered for name.
func (r *Registry) Step(name string) (Handler, bool) {
	return r.steps.Get(name)
}

// Compensation returns the compensation handler registered for name,
// if any.
func (r *Registry) Compensation(name string) (Handler, bool) {
	return r.compensators.Get(name)
}

// RegisterDefinition validates and registers a SagaDefinition. It
// rejects definitions with duplicate step names or a cyclic dependency
// graph with a DefinitionInvalidError.
func (r *Registry) RegisterDefinition(def *SagaDefinition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	r.definitions.Register(def.Name, def)
	return nil
}

// Definition returns the registered SagaDefinition for a saga-type.
func (r *Registry) Definition(sagaType string) (*SagaDefinition, bool) {
	return r.definitions.Get(sagaType)
}

// validateDefinition checks step-name uniqueness, that every DependsOn
// entry names a real step, and that the dependency graph is acyclic.
func validateDefinition(def *SagaDefinition) error {
	if def.Name == "" {
		return &DefinitionInvalidError{SagaType: def.Name, Reason: "saga type name is required"}
	}
	if len(def.Steps) == 0 {
		return &DefinitionInvalidError{SagaType: def.Name, Reason: "must declare at least one step"}
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.Name == "" {
			return &DefinitionInvalidError{SagaType: def.Name, Reason: "step name is required"}
		}
		if seen[step.Name] {
			return &DefinitionInvalidError{SagaType: def.Name, Reason: fmt.Sprintf("duplicate step name %q", step.Name)}
		}
		seen[step.Name] = true
		if step.Action == "" {
			return &DefinitionInvalidError{SagaType: def.Name, Reason: fmt.Sprintf("step %q: forward action is required", step.Name)}
		}
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return &DefinitionInvalidError{
					SagaType: def.Name,
					Reason:   fmt.Sprintf("step %q depends on unknown step %q", step.Name, dep),
				}
			}
		}
	}

	if cyclic, cycle := hasCycle(def.Steps); cyclic {
		return &DefinitionInvalidError{SagaType: def.Name, Reason: fmt.Sprintf("cyclic dependency: %v", cycle)}
	}

	return nil
}

// hasCycle runs Kahn's algorithm over the step dependency graph. It
// returns true and one offending cycle (the steps left over once no
// further in-degree-zero node can be peeled off) if a cycle exists.
func hasCycle(steps []StepSpec) (bool, []string) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[n] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited == len(steps) {
		return false, nil
	}

	remaining := make([]string, 0, len(steps)-visited)
	for _, s := range steps {
		if indegree[s.Name] > 0 {
			remaining = append(remaining, s.Name)
		}
	}
	return true, remaining
}
