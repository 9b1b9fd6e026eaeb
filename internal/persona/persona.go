// Package persona tracks which named behavioral profile the conversation
// engine should adopt when the adapter dispatches a forum event.
package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// ErrNotFound signals a switch to a persona the registry does not know.
var ErrNotFound = errors.New("persona not found")

// Persona is a named behavioral profile.
type Persona struct {
	Name   string
	Prompt string
}

// Registry looks up available personas. The adapter treats it as an external
// collaborator; List is a pass-through with no local caching.
type Registry interface {
	List(ctx context.Context) ([]Persona, error)
}

// Active is a snapshot of the persona selection. The zero value means unset.
type Active struct {
	Name string
	Set  bool
}

// State holds the active persona. Reads are lock-free snapshot reads of an
// atomically replaced value, so a dispatch observes either the value before
// or after a concurrent switch, never a partial one.
type State struct {
	registry Registry
	active   atomic.Value // Active
}

// NewState creates persona state backed by the given registry.
func NewState(registry Registry) *State {
	s := &State{registry: registry}
	s.active.Store(Active{})
	return s
}

// List returns the personas the registry currently offers.
func (s *State) List(ctx context.Context) ([]Persona, error) {
	if s.registry == nil {
		return nil, nil
	}
	return s.registry.List(ctx)
}

// Switch validates name against the registry and atomically replaces the
// active persona. On failure the previous selection is left unchanged.
func (s *State) Switch(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("persona name is required")
	}
	personas, err := s.List(ctx)
	if err != nil {
		return fmt.Errorf("list personas: %w", err)
	}
	for _, p := range personas {
		if strings.EqualFold(p.Name, name) {
			s.active.Store(Active{Name: p.Name, Set: true})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Unset atomically clears the active persona.
func (s *State) Unset() {
	s.active.Store(Active{})
}

// Current returns the present persona snapshot.
func (s *State) Current() Active {
	return s.active.Load().(Active)
}

// StaticRegistry serves a fixed persona list, typically built from config.
type StaticRegistry struct {
	personas []Persona
}

// NewStaticRegistry creates a registry over the given personas.
func NewStaticRegistry(personas []Persona) *StaticRegistry {
	return &StaticRegistry{personas: personas}
}

// List implements Registry.
func (r *StaticRegistry) List(_ context.Context) ([]Persona, error) {
	out := make([]Persona, len(r.personas))
	copy(out, r.personas)
	return out, nil
}
