// Package collector runs the periodic harvesting loops: container
// inventory, per-container stats, host metrics, and incremental logs.
// Each host is collected concurrently; one unreachable host never stalls
// or fails the others.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
	"github.com/gvinsot/Docker-Spyglass/internal/metrics"
)

// inventoryTTL bounds how stale the cached container inventory may get
// before the next consumer refetches it.
const inventoryTTL = 30 * time.Second

// logCursorAdvance is added to the newest indexed timestamp to form the
// next fetch's since-bound. Docker's --since is inclusive at nanosecond
// resolution but we truncate to microseconds, so advancing by one
// millisecond guarantees no line is fetched twice.
const logCursorAdvance = time.Millisecond

type cursorKey struct {
	Host        string
	ContainerID string
}

// Sink is the slice of the index the collector writes to.
type Sink interface {
	IndexLogs(ctx context.Context, entries []host.LogEntry) error
	IndexContainerStats(ctx context.Context, c host.Container, st *host.Stats) error
	IndexHostMetrics(ctx context.Context, hostName string, m *host.Metrics) error
}

// Collector owns the cursors and inventory cache shared by the loops.
type Collector struct {
	reg  *Registry
	sink Sink
	log  *logging.Logger

	mu          sync.Mutex
	cursors     map[cursorKey]time.Time
	inventory   map[string][]host.Container
	inventoryAt time.Time
}

// New builds a collector over the registry and index.
func New(reg *Registry, sink Sink, log *logging.Logger) *Collector {
	return &Collector{
		reg:     reg,
		sink:    sink,
		log:     log,
		cursors: make(map[cursorKey]time.Time),
	}
}

// Inventory returns the per-host container lists, refreshing when the
// cache is older than the TTL. Hosts covered by the Swarm snapshot use the
// synthesized task view, which is one manager round-trip for the whole
// cluster instead of one list call per node.
func (c *Collector) Inventory(ctx context.Context) map[string][]host.Container {
	c.mu.Lock()
	if time.Since(c.inventoryAt) < inventoryTTL && c.inventory != nil {
		inv := c.inventory
		c.mu.Unlock()
		return inv
	}
	c.mu.Unlock()

	var swarmView map[string][]host.Container
	if topo := c.reg.Topology(); topo != nil {
		if snap := topo.Snapshot(); snap != nil {
			swarmView = snap.Containers
		}
	}

	type result struct {
		host       string
		containers []host.Container
		err        error
	}
	clients := c.reg.Clients()
	results := make(chan result, len(clients))
	for _, client := range clients {
		if fromSwarm, ok := swarmView[client.Name()]; ok {
			results <- result{host: client.Name(), containers: fromSwarm}
			continue
		}
		go func(cl host.Client) {
			containers, err := cl.ListContainers(ctx)
			results <- result{host: cl.Name(), containers: containers, err: err}
		}(client)
	}

	inv := make(map[string][]host.Container, len(clients))
	for range clients {
		r := <-results
		if r.err != nil {
			c.log.Warn("inventory failed", "host", r.host, "error", r.err)
			metrics.HostUp.WithLabelValues(r.host).Set(0)
			continue
		}
		metrics.HostUp.WithLabelValues(r.host).Set(1)
		metrics.ContainersObserved.WithLabelValues(r.host).Set(float64(len(r.containers)))
		inv[r.host] = r.containers
	}

	c.mu.Lock()
	c.inventory = inv
	c.inventoryAt = time.Now()
	c.mu.Unlock()
	return inv
}

// CollectLogs harvests new log lines from every running container and
// advances the cursors.
func (c *Collector) CollectLogs(ctx context.Context) {
	inv := c.Inventory(ctx)

	var wg sync.WaitGroup
	for _, client := range c.reg.Clients() {
		containers := inv[client.Name()]
		if len(containers) == 0 {
			continue
		}
		wg.Add(1)
		go func(cl host.Client, containers []host.Container) {
			defer wg.Done()
			start := time.Now()
			c.collectHostLogs(ctx, cl, containers)
			metrics.CollectionDuration.WithLabelValues("logs", cl.Name()).Observe(time.Since(start).Seconds())
		}(client, containers)
	}
	wg.Wait()
	metrics.CollectionCycles.WithLabelValues("logs", "ok").Inc()
}

func (c *Collector) collectHostLogs(ctx context.Context, client host.Client, containers []host.Container) {
	for _, cont := range containers {
		if cont.Status != "running" {
			continue
		}
		since := c.cursor(client.Name(), cont.ID)
		entries, err := client.ContainerLogs(ctx, host.LogsRequest{
			ContainerID:   cont.ID,
			ContainerName: cont.Name,
			Since:         since,
			StackProject:  cont.StackProject,
			StackService:  cont.StackService,
			TaskID:        cont.Labels[host.LabelSwarmTaskID],
		})
		if err != nil {
			if host.KindOf(err) != host.KindClosed {
				c.log.Warn("log fetch failed", "host", client.Name(), "container", cont.Name, "error", err)
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}
		if err := c.sink.IndexLogs(ctx, entries); err != nil {
			// Cursor stays put so the lines are retried next cycle; the
			// deterministic IDs absorb the overlap.
			c.log.Warn("log indexing failed", "host", client.Name(), "container", cont.Name, "error", err)
			continue
		}
		metrics.LogEntriesIndexed.WithLabelValues(client.Name()).Add(float64(len(entries)))

		newest := entries[0].Timestamp
		for _, e := range entries[1:] {
			if e.Timestamp.After(newest) {
				newest = e.Timestamp
			}
		}
		c.setCursor(client.Name(), cont.ID, newest.Add(logCursorAdvance))
	}
}

// CollectMetrics harvests host metrics and per-container stats.
func (c *Collector) CollectMetrics(ctx context.Context) {
	inv := c.Inventory(ctx)

	var wg sync.WaitGroup
	for _, client := range c.reg.Clients() {
		wg.Add(1)
		go func(cl host.Client) {
			defer wg.Done()
			start := time.Now()
			c.collectHostMetrics(ctx, cl, inv[cl.Name()])
			metrics.CollectionDuration.WithLabelValues("metrics", cl.Name()).Observe(time.Since(start).Seconds())
		}(client)
	}
	wg.Wait()
	metrics.CollectionCycles.WithLabelValues("metrics", "ok").Inc()
}

func (c *Collector) collectHostMetrics(ctx context.Context, client host.Client, containers []host.Container) {
	m, err := client.HostMetrics(ctx)
	switch {
	case err == nil:
		if err := c.sink.IndexHostMetrics(ctx, client.Name(), m); err != nil {
			c.log.Warn("host metrics indexing failed", "host", client.Name(), "error", err)
		}
	case host.IsUnavailable(err) || host.KindOf(err) == host.KindClosed:
		// Manager-routed nodes have no host metrics; nothing to write.
	default:
		c.log.Warn("host metrics failed", "host", client.Name(), "error", err)
	}

	for _, cont := range containers {
		if cont.Status != "running" {
			continue
		}
		st, err := client.ContainerStats(ctx, cont.ID, cont.Name)
		if err != nil {
			// Stats for manager-routed containers are unavailable; writing
			// zero-valued samples would poison the averages, so skip.
			if !host.IsUnavailable(err) && host.KindOf(err) != host.KindClosed {
				c.log.Warn("container stats failed", "host", client.Name(), "container", cont.Name, "error", err)
			}
			continue
		}
		if err := c.sink.IndexContainerStats(ctx, cont, st); err != nil {
			c.log.Warn("stats indexing failed", "host", client.Name(), "container", cont.Name, "error", err)
		}
	}
}

func (c *Collector) cursor(hostName, containerID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[cursorKey{hostName, containerID}]
}

func (c *Collector) setCursor(hostName, containerID string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[cursorKey{hostName, containerID}] = t
}

// RunLogs drives the log loop until ctx ends.
func (c *Collector) RunLogs(ctx context.Context, interval time.Duration) {
	c.runLoop(ctx, interval, c.CollectLogs)
}

// RunMetrics drives the stats and host metrics loop until ctx ends.
func (c *Collector) RunMetrics(ctx context.Context, interval time.Duration) {
	c.runLoop(ctx, interval, c.CollectMetrics)
}

func (c *Collector) runLoop(ctx context.Context, interval time.Duration, step func(context.Context)) {
	step(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step(ctx)
		}
	}
}
