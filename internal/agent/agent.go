// Package agent defines the capability set the shim needs from a pluggable agent
// and the static registry used to pick an implementation by class name.
//
// An Agent is built fresh for every dispatched message, so implementations may
// keep per-message state but must not rely on state surviving between messages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/tether/internal/protocol"
)

// ErrUnknownClass is returned when no factory is registered under a class name.
var ErrUnknownClass = errors.New("unknown agent class")

// FallbackClass is used when the configured class cannot be resolved.
const FallbackClass = "Base"

// Agent scores and processes messages.
type Agent interface {
	// CalculateInterest returns how relevant msg is to this agent.
	CalculateInterest(ctx context.Context, msg protocol.Message) (float64, error)
	// Threshold is the minimum score at which ProcessMessage is invoked.
	Threshold() float64
	// ProcessMessage handles msg. A nil result means there is nothing to report.
	ProcessMessage(ctx context.Context, msg protocol.Message) (any, error)
}

// Factory builds an Agent from the agent.settings config map.
type Factory func(settings map[string]any) (Agent, error)

// Registry maps class names to factories. It is populated at startup and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtins returns a registry holding the agents shipped with tether.
func Builtins() *Registry {
	r := NewRegistry()
	_ = r.Register("Base", NewBase)
	_ = r.Register("Test", NewTest)
	_ = r.Register("Keyword", NewKeyword)
	return r
}

// Register adds a factory under name. Names are case-sensitive.
func (r *Registry) Register(name string, f Factory) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("agent class name is empty")
	}
	if f == nil {
		return fmt.Errorf("agent class %q: nil factory", name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("agent class %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Lookup finds the factory for class. Both "Name" and "NameAgent" resolve to "Name".
func (r *Registry) Lookup(class string) (Factory, error) {
	_, f, err := r.find(class)
	return f, err
}

func (r *Registry) find(class string) (string, Factory, error) {
	class = strings.TrimSpace(class)
	if f, ok := r.factories[class]; ok {
		return class, f, nil
	}
	if trimmed, found := strings.CutSuffix(class, "Agent"); found {
		if f, ok := r.factories[trimmed]; ok {
			return trimmed, f, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
}

// Names returns the registered class names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	// Requested is the class name from config.
	Requested string
	// Class is the class actually used.
	Class string
	// FellBack is set when Requested was unknown and FallbackClass was used.
	FellBack bool
	// New builds a fresh Agent. Call it once per message.
	New func() (Agent, error)
}

// Resolve binds class and settings into a per-message constructor.
// Unknown classes fall back to FallbackClass. The constructor is probed once
// so bad settings fail at startup rather than on the first message.
func (r *Registry) Resolve(class string, settings map[string]any) (Resolution, error) {
	res := Resolution{Requested: class}

	name, f, err := r.find(class)
	if err != nil {
		name, f, err = r.find(FallbackClass)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve %q: %w", class, err)
		}
		res.FellBack = true
	}
	res.Class = name

	res.New = func() (Agent, error) { return f(settings) }
	if _, err := res.New(); err != nil {
		return Resolution{}, fmt.Errorf("agent class %q: %w", res.Class, err)
	}
	return res, nil
}
