package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"skillforge/internal/logging"
)

// Registry holds all available skills and provides lookup functionality.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
}

// NewRegistry creates a new empty skill registry.
func NewRegistry() *Registry {
	return &Registry{
		skills: make(map[string]*Skill),
	}
}

// Register adds a skill to the registry.
// Returns an error if a skill with the same name already exists.
// Use this for statically-known skills wired up at boot.
func (r *Registry) Register(skill *Skill) error {
	if err := skill.Validate(); err != nil {
		return fmt.Errorf("invalid skill: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[skill.Name]; exists {
		return fmt.Errorf("%w: %s", ErrSkillAlreadyRegistered, skill.Name)
	}

	r.skills[skill.Name] = skill

	logging.DispatchDebug("Registered skill: %s (origin=%s)", skill.Name, skill.Origin)
	return nil
}

// Bind upserts a skill under its name, replacing any prior binding.
// The swap is a single map-entry replace under the lock: callers either
// see the old skill or the new one, never a partial state. The Forge
// uses this for last-load-wins registration; the replaced skill's module
// stays loaded but becomes unreachable from dispatch.
func (r *Registry) Bind(skill *Skill) (replaced bool, err error) {
	if err := skill.Validate(); err != nil {
		return false, fmt.Errorf("invalid skill: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced = r.skills[skill.Name]
	r.skills[skill.Name] = skill

	logging.Dispatch("Bound skill: %s (origin=%s, replaced=%v)", skill.Name, skill.Origin, replaced)
	return replaced, nil
}

// Unbind removes a skill by name. Returns true if it was present.
// Used by the artifact watcher when a backing artifact disappears.
func (r *Registry) Unbind(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.skills[name]
	if ok {
		delete(r.skills, name)
		logging.Dispatch("Unbound skill: %s", name)
	}
	return ok
}

// Get returns a skill by name, or nil if not found.
func (r *Registry) Get(name string) *Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skills[name]
}

// Has returns true if a skill with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok
}

// All returns all registered skills.
func (r *Registry) All() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Skill, 0, len(r.skills))
	for _, skill := range r.skills {
		result = append(result, skill)
	}
	return result
}

// Names returns all registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered skills.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Execute runs a skill by name with the given arguments.
// Returns ErrSkillNotFound if the skill doesn't exist.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*SkillResult, error) {
	skill := r.Get(name)
	if skill == nil {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}

	return r.ExecuteSkill(ctx, skill, args)
}

// ExecuteSkill runs a specific skill with the given arguments.
func (r *Registry) ExecuteSkill(ctx context.Context, skill *Skill, args map[string]any) (*SkillResult, error) {
	start := time.Now()

	// Validate required arguments
	if err := r.validateArgs(skill, args); err != nil {
		return &SkillResult{
			SkillName:  skill.Name,
			Error:      err,
			DurationMs: time.Since(start).Milliseconds(),
		}, err
	}

	logging.DispatchDebug("Executing skill: %s", skill.Name)
	result, err := skill.Execute(ctx, args)

	duration := time.Since(start)
	logging.DispatchDebug("Skill %s completed in %v (success=%v)", skill.Name, duration, err == nil)

	return &SkillResult{
		SkillName:  skill.Name,
		Result:     result,
		Error:      err,
		DurationMs: duration.Milliseconds(),
	}, err
}

// validateArgs checks that all required arguments are present.
func (r *Registry) validateArgs(skill *Skill, args map[string]any) error {
	for _, required := range skill.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}
