package transport

import (
	"fmt"
	"sync"
)

// Factory constructs a Channel from its JSON configuration block, grounded
// in the teacher's channels.ChannelFactory registry pattern
// (pkg/channels/registry.go).
type Factory func(config map[string]any) (Channel, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a channel factory under name (e.g. "webchat"). Intended to
// be called from an init() in each concrete transport package.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds a channel of the named kind using its factory.
func New(name string, config map[string]any) (Channel, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: no channel factory registered for %q", name)
	}
	return factory(config)
}
