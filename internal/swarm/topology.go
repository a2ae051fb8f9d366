// Package swarm keeps a live view of the cluster topology as seen from a
// manager node, and maintains proxy host clients for worker nodes that have
// no direct or agent connection of their own.
package swarm

import (
	"context"
	"sync"
	"time"

	swarmtypes "github.com/moby/moby/api/types/swarm"
	"golang.org/x/sync/errgroup"

	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
)

// ManagerClient is what the topology needs from the manager's Docker
// client. *host.APIClient satisfies it.
type ManagerClient interface {
	host.ManagerAPI
	ListNodes(ctx context.Context) ([]swarmtypes.Node, error)
	LocalNodeID(ctx context.Context) (string, error)
}

// Snapshot is one consistent read of the cluster.
type Snapshot struct {
	Taken    time.Time
	Nodes    []swarmtypes.Node
	Tasks    []swarmtypes.Task
	Services []swarmtypes.Service

	// Containers maps node hostname to the containers synthesized from the
	// tasks scheduled there. Covers every node, including the manager.
	Containers map[string][]host.Container
}

// Topology refreshes the cluster view on an interval and reconciles the
// proxy set against it. Hosts named in the static configuration are never
// shadowed by a proxy, whatever the node list says.
type Topology struct {
	manager    ManagerClient
	configured map[string]bool // statically configured host names
	log        *logging.Logger

	mu       sync.RWMutex
	proxies  map[string]*host.NodeProxy // node ID -> proxy
	snapshot *Snapshot
	localID  string
}

// New builds a topology watcher. configuredHosts lists the host names the
// operator wired up explicitly.
func New(manager ManagerClient, configuredHosts []string, log *logging.Logger) *Topology {
	cfg := make(map[string]bool, len(configuredHosts))
	for _, h := range configuredHosts {
		cfg[h] = true
	}
	return &Topology{
		manager:    manager,
		configured: cfg,
		log:        log,
		proxies:    make(map[string]*host.NodeProxy),
	}
}

// Refresh pulls nodes, tasks, and services in parallel and reconciles the
// proxy set. Safe for concurrent readers of Snapshot and Proxies.
func (t *Topology) Refresh(ctx context.Context) error {
	var (
		nodes    []swarmtypes.Node
		tasks    []swarmtypes.Task
		services []swarmtypes.Service
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		nodes, err = t.manager.ListNodes(gctx)
		return err
	})
	g.Go(func() (err error) {
		tasks, err = t.manager.ListTasks(gctx)
		return err
	})
	g.Go(func() (err error) {
		services, err = t.manager.ListServices(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	localID, err := t.localNodeID(ctx)
	if err != nil {
		return err
	}

	snap := buildSnapshot(nodes, tasks, services, localID, t.configured)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot = snap
	t.reconcileProxiesLocked(nodes, localID)
	return nil
}

func (t *Topology) localNodeID(ctx context.Context) (string, error) {
	t.mu.RLock()
	id := t.localID
	t.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	id, err := t.manager.LocalNodeID(ctx)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.localID = id
	t.mu.Unlock()
	return id, nil
}

// reconcileProxiesLocked adds proxies for new ready nodes and drops proxies
// for nodes that left the cluster. The manager's own node and statically
// configured hosts never get a proxy.
func (t *Topology) reconcileProxiesLocked(nodes []swarmtypes.Node, localID string) {
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		name := n.Description.Hostname
		if n.ID == localID || t.configured[name] {
			continue
		}
		if n.Status.State != swarmtypes.NodeStateReady {
			continue
		}
		seen[n.ID] = true
		if _, ok := t.proxies[n.ID]; !ok {
			t.log.Info("swarm node discovered, proxying through manager", "node", name, "node_id", n.ID)
			t.proxies[n.ID] = host.NewNodeProxy(name, n.ID, t.manager)
		}
	}
	for id, p := range t.proxies {
		if !seen[id] {
			t.log.Info("swarm node gone, dropping proxy", "node", p.Name(), "node_id", id)
			delete(t.proxies, id)
		}
	}
}

// buildSnapshot synthesizes per-node container lists from the task set.
func buildSnapshot(nodes []swarmtypes.Node, tasks []swarmtypes.Task, services []swarmtypes.Service, localID string, _ map[string]bool) *Snapshot {
	byID := make(map[string]swarmtypes.Service, len(services))
	for _, s := range services {
		byID[s.ID] = s
	}
	hostnames := make(map[string]string, len(nodes))
	for _, n := range nodes {
		hostnames[n.ID] = n.Description.Hostname
	}

	containers := make(map[string][]host.Container)
	for _, task := range tasks {
		name := hostnames[task.NodeID]
		if name == "" {
			continue
		}
		if c, ok := host.TaskContainer(task, byID[task.ServiceID], name); ok {
			containers[name] = append(containers[name], c)
		}
	}

	return &Snapshot{
		Taken:      time.Now().UTC(),
		Nodes:      nodes,
		Tasks:      tasks,
		Services:   services,
		Containers: containers,
	}
}

// Snapshot returns the latest cluster view, or nil before the first
// successful refresh.
func (t *Topology) Snapshot() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot
}

// Proxies returns the current proxy clients.
func (t *Topology) Proxies() []*host.NodeProxy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*host.NodeProxy, 0, len(t.proxies))
	for _, p := range t.proxies {
		out = append(out, p)
	}
	return out
}

// Run refreshes on the given interval until the context ends. The first
// refresh happens immediately so the collector starts with a full view.
func (t *Topology) Run(ctx context.Context, interval time.Duration) {
	if err := t.Refresh(ctx); err != nil {
		t.log.Warn("initial swarm refresh failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil {
				t.log.Warn("swarm refresh failed", "error", err)
			}
		}
	}
}
