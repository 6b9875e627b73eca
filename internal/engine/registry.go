package engine

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/italolelis/netxfer/internal/fault"
)

// Registry maps URL schemes to engine factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates scheme with f, replacing any previous factory.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[strings.ToLower(scheme)] = f
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.factories))
	for s := range r.factories {
		schemes = append(schemes, s)
	}

	sort.Strings(schemes)

	return schemes
}

// New returns an engine for the scheme of rawURL.
func (r *Registry) New(rawURL string) (Easy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fault.Transfer(fault.CodeURLMalformat, err).WithURL(rawURL)
	}

	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()

	if !ok {
		return nil, fault.Transfer(fault.CodeUnsupportedProtocol,
			fmt.Errorf("no engine for scheme %q", u.Scheme)).WithURL(rawURL)
	}

	return f(), nil
}
