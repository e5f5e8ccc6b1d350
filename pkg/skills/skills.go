// Package skills holds the local skill catalog and the read-only toolset
// context agent nodes may attach. Skills execute inside the sandbox; this
// package only describes them and prepares their prompt material.
package skills

import (
	"sort"
	"sync"

	"github.com/vespid/vespid/pkg/models"
)

// Skill is one locally-executable capability the agent loop can invoke as
// the skill.<id> tool. Execution itself happens through the sandbox; the
// descriptor is what the model sees.
type Skill struct {
	ID          string
	Description string

	// Entrypoint names the sandbox program the skill runs. Opaque to the
	// core; the sandbox backend interprets it.
	Entrypoint string
}

// ToolID returns the tool identifier the model uses to invoke the skill.
func (s *Skill) ToolID() string { return "skill." + s.ID }

// Registry is the process-wide skill catalog.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Skill
}

// NewRegistry builds a registry from the given skills.
func NewRegistry(list ...*Skill) *Registry {
	r := &Registry{byID: make(map[string]*Skill, len(list))}
	for _, s := range list {
		r.Register(s)
	}
	return r
}

// Register adds a skill, replacing any previous skill with the same id.
func (r *Registry) Register(s *Skill) {
	if s == nil || s.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
}

// Get returns the skill with the given id, or a SKILL_NOT_FOUND coded error.
func (r *Registry) Get(id string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, models.NewCodedError(models.CodeSkillNotFound(id), nil)
	}
	return s, nil
}

// Descriptors returns the skills sorted by id, for prompt construction.
func (r *Registry) Descriptors() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
