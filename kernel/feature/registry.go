package feature

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
)

// Installer applies one named feature to a booted resource. Applying an installer
// twice must leave the resource unchanged.
type Installer interface {
	Name() string
	Apply(ctx context.Context, hv agent.Hypervisor, spec *model.ResourceSpec) error
}

// Factory creates a new instance of an Installer
type Factory func() Installer

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a factory for a given feature name.
// e.g. Register("cluster-runtime", func() Installer { return Script("cluster-runtime", dockerScript) })
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("feature.Register called twice for " + name)
	}
	registry[name] = factory
}

// Get creates a new instance of the built-in installer by name.
func Get(name string) (Installer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("feature '%s' not found in registry", name)
	}
	return factory(), nil
}

// Builtins lists the registered feature names in order.
func Builtins() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog resolves feature names against the operator's configured scripts first and
// the built-in registry second.
type Catalog struct {
	scripts map[string]string
}

func NewCatalog(scripts map[string]string) *Catalog {
	return &Catalog{scripts: scripts}
}

func (c *Catalog) Has(name string) bool {
	_, err := c.Lookup(name)
	return err == nil
}

func (c *Catalog) Lookup(name string) (Installer, error) {
	if script, found := c.scripts[name]; found {
		return Script(name, script), nil
	}
	return Get(name)
}

// Names lists every resolvable feature.
func (c *Catalog) Names() []string {
	set := map[string]bool{}
	for _, name := range Builtins() {
		set[name] = true
	}
	for name := range c.scripts {
		set[name] = true
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
