package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kafq/kafq/internal/domain"
)

// Registry maps handler names to statically known functions. Job payloads
// carry a string Func; enqueue-side closures are not portable, so the
// worker resolves names against this table at decode time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]domain.Handler)}
}

// Register binds name to fn. Re-registering a name replaces the previous
// binding; a nil fn is rejected.
func (r *Registry) Register(name string, fn domain.Handler) error {
	if name == "" {
		return fmt.Errorf("register handler: empty name")
	}
	if fn == nil {
		return fmt.Errorf("register handler %q: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
	return nil
}

// Resolve returns the handler bound to name, or false if none is registered.
func (r *Registry) Resolve(name string) (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
