package notifier

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Notifier from its provider-specific settings.
type Factory func(settings map[string]string) (Notifier, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a notifier factory available by name. Adapters call it
// from init(); registering the same name twice panics.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("notifier: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a Notifier by provider name.
func New(name string, settings map[string]string) (Notifier, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("notifier: unknown provider %q", name)
	}
	return factory(settings)
}

// Build creates one Notifier per entry in providers, keyed by provider name.
// Providers that report ErrNotConfigured are skipped.
func Build(providers map[string]map[string]string) ([]Notifier, error) {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Notifier, 0, len(names))
	for _, name := range names {
		n, err := New(name, providers[name])
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Available returns the sorted names of all registered notifiers.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
