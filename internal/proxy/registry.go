package proxy

import (
	"sort"
	"sync"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

// BackendRegistry holds the hot-swappable routing table and backend set
// described by config.GatewayDocument: router rules plus the named
// backends they reference. Replaced wholesale at startup (internal/app);
// read concurrently by every in-flight request.
type BackendRegistry struct {
	mu       sync.RWMutex
	backends map[string]domain.Backend
	router   domain.RouterConfig
}

func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{backends: make(map[string]domain.Backend)}
}

func (r *BackendRegistry) Replace(backends []domain.Backend, router domain.RouterConfig) {
	m := make(map[string]domain.Backend, len(backends))
	for _, b := range backends {
		m[b.Name] = b
	}
	r.mu.Lock()
	r.backends = m
	r.router = router
	r.mu.Unlock()
}

func (r *BackendRegistry) Get(name string) (domain.Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

func (r *BackendRegistry) RouterConfig() domain.RouterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.router
}

// Names returns every configured backend name, sorted, for /admin/backends.
func (r *BackendRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for n := range r.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// All returns every configured Backend, sorted by name.
func (r *BackendRegistry) All() []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
