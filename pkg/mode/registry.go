package mode

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the catalogue of built-in and custom modes
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]Mode
	custom    map[string]Mode
	workflows map[string][]string
}

// NewRegistry creates a registry holding the built-in modes and workflows
func NewRegistry() *Registry {
	r := &Registry{
		builtins:  make(map[string]Mode),
		custom:    make(map[string]Mode),
		workflows: builtinWorkflows(),
	}
	for _, m := range builtinModes() {
		m.Builtin = true
		r.builtins[m.Name] = m
	}
	return r
}

// GetMode returns the named mode
func (r *Registry) GetMode(name string) (Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.builtins[name]; ok {
		return m.clone(), true
	}
	if m, ok := r.custom[name]; ok {
		return m.clone(), true
	}
	return Mode{}, false
}

// GetPermittedTools returns the sorted tools a mode allows
func (r *Registry) GetPermittedTools(name string) []string {
	m, ok := r.GetMode(name)
	if !ok {
		return nil
	}

	var out []string
	for tool := range m.Tools {
		if m.Allows(tool) {
			out = append(out, tool)
		}
	}
	sort.Strings(out)
	return out
}

// FilterTools keeps, in order, the available tools the mode allows
func (r *Registry) FilterTools(name string, available []string) []string {
	m, ok := r.GetMode(name)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(available))
	for _, tool := range available {
		if m.Allows(tool) {
			out = append(out, tool)
		}
	}
	return out
}

// Register adds or replaces a custom mode
func (r *Registry) Register(m Mode) error {
	if m.Type == "" {
		m.Type = TypeSubagent
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.builtins[m.Name]; ok {
		return fmt.Errorf("%w: %s", ErrBuiltinMode, m.Name)
	}
	m.Builtin = false
	r.custom[m.Name] = m.clone()
	return nil
}

// ReplaceCustom swaps the whole custom set in one step. Invalid entries are
// skipped and reported; the rest still land.
func (r *Registry) ReplaceCustom(modes []Mode, workflows map[string][]string) (int, []error) {
	var errs []error
	next := make(map[string]Mode, len(modes))

	for _, m := range modes {
		if m.Type == "" {
			m.Type = TypeSubagent
		}
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := r.builtins[m.Name]; ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrBuiltinMode, m.Name))
			continue
		}
		next[m.Name] = m.clone()
	}

	flows := builtinWorkflows()
	for name, steps := range workflows {
		if _, ok := flows[name]; ok {
			errs = append(errs, fmt.Errorf("cannot overwrite built-in workflow: %s", name))
			continue
		}
		if err := r.checkSteps(steps, next); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", name, err))
			continue
		}
		flows[name] = append([]string(nil), steps...)
	}

	r.mu.Lock()
	r.custom = next
	r.workflows = flows
	r.mu.Unlock()

	return len(next), errs
}

// RegisterWorkflow adds a named sequence of existing modes
func (r *Registry) RegisterWorkflow(name string, steps []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := builtinWorkflows()[name]; ok {
		return fmt.Errorf("cannot overwrite built-in workflow: %s", name)
	}
	if err := r.checkSteps(steps, r.custom); err != nil {
		return fmt.Errorf("workflow %s: %w", name, err)
	}
	r.workflows[name] = append([]string(nil), steps...)
	return nil
}

// Workflow returns the mode sequence of a workflow
func (r *Registry) Workflow(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps, ok := r.workflows[name]
	if !ok {
		return nil, false
	}
	return append([]string(nil), steps...), true
}

// Workflows returns every workflow by name
func (r *Registry) Workflows() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.workflows))
	for name, steps := range r.workflows {
		out[name] = append([]string(nil), steps...)
	}
	return out
}

// List returns built-ins then custom modes, each sorted by name
func (r *Registry) List() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Mode, 0, len(r.builtins)+len(r.custom))
	for _, set := range []map[string]Mode{r.builtins, r.custom} {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, set[name].clone())
		}
	}
	return out
}

func (r *Registry) checkSteps(steps []string, custom map[string]Mode) error {
	if len(steps) == 0 {
		return fmt.Errorf("no steps")
	}
	for _, step := range steps {
		_, builtin := r.builtins[step]
		_, extra := custom[step]
		if !builtin && !extra {
			return fmt.Errorf("%w: %s", ErrUnknownMode, step)
		}
	}
	return nil
}
