package match

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a Matcher. Each scan gets its own instance.
type Factory func() (Matcher, error)

// DefaultName is the matcher used when none is configured.
const DefaultName = "ncc"

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		DefaultName: func() (Matcher, error) { return NewNCC(0), nil },
	}
)

// Register makes a matcher available under name. Registering a name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("match: Register called twice for " + name)
	}
	registry[name] = f
}

// New builds the matcher registered under name.
func New(name string) (Matcher, error) {
	if name == "" {
		name = DefaultName
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown matcher %q (available: %v)", name, Names())
	}
	return f()
}

// Names lists the registered matchers in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
