package collector

import (
	"sort"
	"sync"

	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/swarm"
)

// Registry resolves host names to clients. Statically configured clients
// always win; Swarm-discovered proxies fill in the rest and change as the
// topology does.
type Registry struct {
	mu     sync.RWMutex
	static map[string]host.Client
	topo   *swarm.Topology // nil outside swarm mode
}

// NewRegistry builds a registry over the configured clients. topo may be
// nil when no manager is configured.
func NewRegistry(static []host.Client, topo *swarm.Topology) *Registry {
	m := make(map[string]host.Client, len(static))
	for _, c := range static {
		m[c.Name()] = c
	}
	return &Registry{static: m, topo: topo}
}

// Clients returns every known host client, sorted by name for stable
// iteration order in logs and tests.
func (r *Registry) Clients() []host.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]host.Client, 0, len(r.static))
	for _, c := range r.static {
		out = append(out, c)
	}
	if r.topo != nil {
		for _, p := range r.topo.Proxies() {
			if _, shadowed := r.static[p.Name()]; !shadowed {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Lookup finds a client by host name.
func (r *Registry) Lookup(name string) (host.Client, bool) {
	r.mu.RLock()
	if c, ok := r.static[name]; ok {
		r.mu.RUnlock()
		return c, true
	}
	topo := r.topo
	r.mu.RUnlock()

	if topo != nil {
		for _, p := range topo.Proxies() {
			if p.Name() == name {
				return p, true
			}
		}
	}
	return nil, false
}

// Topology returns the swarm watcher, or nil outside swarm mode.
func (r *Registry) Topology() *swarm.Topology { return r.topo }

// CloseAll closes the static clients. Proxies share the manager client and
// close nothing themselves.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.static {
		c.Close()
	}
}
