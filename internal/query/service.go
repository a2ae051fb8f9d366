// Package query composes the read and control surface the web layer
// serves: container listings joined with their latest indexed stats,
// dashboard rollups, log search, and action dispatch with
// direct-or-agent-or-swarm routing.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/actions"
	"github.com/gvinsot/Docker-Spyglass/internal/collector"
	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/index"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
	"github.com/gvinsot/Docker-Spyglass/internal/metrics"
)

// standaloneGroup buckets containers that belong to no stack when grouping
// by stack.
const standaloneGroup = "_standalone"

// completionWait bounds how long a synchronous dispatch waits for an agent
// to report back. Separate from the action's own lifecycle timeout.
const completionWait = 30 * time.Second

// Indexer is the slice of the index store the service reads.
type Indexer interface {
	LatestStats(ctx context.Context) (map[string]index.StatsDoc, error)
	HostAverages(ctx context.Context, window time.Duration) ([]index.HostAverage, error)
	LogCounts(ctx context.Context, window time.Duration) (*index.LogCounts, error)
	SearchLogs(ctx context.Context, q index.LogQuery) (*index.SearchResult, error)
	TimeSeries(ctx context.Context, req index.SeriesRequest) ([]index.SeriesPoint, error)
	TimeSeriesByHost(ctx context.Context, req index.SeriesRequest) ([]index.HostSeries, error)
	LogSeries(ctx context.Context, req index.SeriesRequest) ([]index.LogSeriesPoint, error)
	CountSimilarLogs(ctx context.Context, message string, window time.Duration) (int64, error)
	LogMetadata(ctx context.Context) (*index.Metadata, error)
}

// SwarmOps is the manager-side service surface. Nil outside swarm mode.
type SwarmOps interface {
	ListStacksAndServices(ctx context.Context) ([]host.StackService, error)
	RemoveService(ctx context.Context, serviceID string) error
	ForceUpdateService(ctx context.Context, serviceID string) error
	UpdateServiceImage(ctx context.Context, serviceName, newTag string) error
	RemoveStack(ctx context.Context, stack string) (int, error)
	ServiceEnv(ctx context.Context, serviceName string) ([]string, error)
	ServiceLogs(ctx context.Context, serviceID string, tail int) ([]host.LogEntry, error)
}

// Service wires the pieces together.
type Service struct {
	reg            *collector.Registry
	col            *collector.Collector
	idx            Indexer
	queue          *actions.Queue
	swarm          SwarmOps // may be nil
	agentFreshness time.Duration
	log            *logging.Logger
}

// New builds the query service. swarmOps may be nil when no manager host
// is configured.
func New(reg *collector.Registry, col *collector.Collector, idx Indexer, queue *actions.Queue, swarmOps SwarmOps, agentFreshness time.Duration, log *logging.Logger) *Service {
	if agentFreshness <= 0 {
		agentFreshness = 30 * time.Second
	}
	return &Service{
		reg:            reg,
		col:            col,
		idx:            idx,
		queue:          queue,
		swarm:          swarmOps,
		agentFreshness: agentFreshness,
		log:            log,
	}
}

// ContainerView is a container with its freshest indexed sample attached.
type ContainerView struct {
	host.Container
	Stats *index.StatsDoc `json:"stats,omitempty"`
}

// Group is one bucket of the container listing.
type Group struct {
	Key        string          `json:"key"`
	Containers []ContainerView `json:"containers"`
}

// ListContainers joins the live inventory with the latest indexed stats
// and groups by "host" (default) or "stack". Containers the index has no
// fresh sample for appear without stats rather than being hidden.
func (s *Service) ListContainers(ctx context.Context, groupBy string) ([]Group, error) {
	inv := s.col.Inventory(ctx)
	latest, err := s.idx.LatestStats(ctx)
	if err != nil {
		// Listing still works when the index is down; the join just stays
		// empty.
		s.log.Warn("latest stats unavailable", "error", err)
		latest = nil
	}

	// The manager's stack listing is the authority on which stack a
	// service belongs to; labels and name prefixes are fallbacks.
	var stackOf map[string]string
	if groupBy == "stack" && s.swarm != nil {
		if list, err := s.swarm.ListStacksAndServices(ctx); err == nil {
			stackOf = make(map[string]string, len(list))
			for _, ss := range list {
				stackOf[ss.Service] = ss.Stack
			}
		} else {
			s.log.Debug("stack listing unavailable", "error", err)
		}
	}

	buckets := make(map[string][]ContainerView)
	for _, containers := range inv {
		for _, c := range containers {
			view := ContainerView{Container: c}
			if st, ok := latest[c.ID]; ok {
				stCopy := st
				view.Stats = &stCopy
			}
			key := c.Host
			if groupBy == "stack" {
				key = stackKey(c, stackOf)
			}
			buckets[key] = append(buckets[key], view)
		}
	}

	groups := make([]Group, 0, len(buckets))
	for key, views := range buckets {
		sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
		groups = append(groups, Group{Key: key, Containers: views})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key < groups[j].Key })
	return groups, nil
}

// stackKey resolves the stack bucket for one container: the manager's
// stack listing keyed by the service name parsed from the container name,
// then the swarm/compose labels, then standalone.
func stackKey(c host.Container, stackOf map[string]string) string {
	if len(stackOf) > 0 {
		svc, _, _ := strings.Cut(c.Name, ".")
		if stack, ok := stackOf[svc]; ok && stack != standaloneGroup {
			return stack
		}
	}
	if c.StackProject != "" {
		return c.StackProject
	}
	return standaloneGroup
}

// Dashboard is the summary block at the top of the UI. The embedded log
// counts cover the last 24 hours.
type Dashboard struct {
	TotalContainers int `json:"total_containers"`
	Running         int `json:"running"`
	Stopped         int `json:"stopped"`
	Hosts           int `json:"hosts"`
	index.LogCounts
	HostAverages []index.HostAverage `json:"host_averages"`
}

// Summary counts the live inventory and attaches the last day's log
// counts and the last hour's host averages from the index.
func (s *Service) Summary(ctx context.Context) (*Dashboard, error) {
	inv := s.col.Inventory(ctx)

	d := &Dashboard{Hosts: len(inv)}
	for _, containers := range inv {
		for _, c := range containers {
			d.TotalContainers++
			if c.Status == "running" {
				d.Running++
			} else {
				d.Stopped++
			}
		}
	}

	counts, err := s.idx.LogCounts(ctx, 24*time.Hour)
	if err != nil {
		s.log.Warn("log counts unavailable", "error", err)
	} else {
		d.LogCounts = *counts
	}

	avgs, err := s.idx.HostAverages(ctx, time.Hour)
	if err != nil {
		s.log.Warn("host averages unavailable", "error", err)
	} else {
		d.HostAverages = avgs
	}
	return d, nil
}

// SearchLogs passes through to the index.
func (s *Service) SearchLogs(ctx context.Context, q index.LogQuery) (*index.SearchResult, error) {
	return s.idx.SearchLogs(ctx, q)
}

// TimeSeries passes through to the index.
func (s *Service) TimeSeries(ctx context.Context, req index.SeriesRequest) ([]index.SeriesPoint, error) {
	return s.idx.TimeSeries(ctx, req)
}

// TimeSeriesByHost passes through to the index.
func (s *Service) TimeSeriesByHost(ctx context.Context, req index.SeriesRequest) ([]index.HostSeries, error) {
	return s.idx.TimeSeriesByHost(ctx, req)
}

// LogSeries passes through to the index.
func (s *Service) LogSeries(ctx context.Context, req index.SeriesRequest) ([]index.LogSeriesPoint, error) {
	return s.idx.LogSeries(ctx, req)
}

// SimilarLogCount counts recent entries resembling the message.
func (s *Service) SimilarLogCount(ctx context.Context, message string, window time.Duration) (int64, error) {
	if window <= 0 {
		window = time.Hour
	}
	return s.idx.CountSimilarLogs(ctx, message, window)
}

// LogMetadata passes through to the index.
func (s *Service) LogMetadata(ctx context.Context) (*index.Metadata, error) {
	return s.idx.LogMetadata(ctx)
}

// ActionOutcome is what a dispatched action resolved to.
type ActionOutcome struct {
	Action *actions.Action `json:"action,omitempty"` // set when queued for an agent
	Result string          `json:"result,omitempty"` // set when executed directly
}

// DispatchAction routes one container action. Direct execution wins when
// the server can reach the host itself; manager-routed hosts fall back to
// a live agent; with neither, the caller gets a categorized error.
func (s *Service) DispatchAction(ctx context.Context, hostName, containerID, kind string, wait bool) (*ActionOutcome, error) {
	if !actions.ValidKind(kind) {
		return nil, host.Ef(host.KindInput, "query.DispatchAction", "unknown action kind %q", kind)
	}

	client, found := s.reg.Lookup(hostName)
	if found {
		result, err := s.executeDirect(ctx, client, containerID, kind)
		if err == nil {
			metrics.ActionsDispatched.WithLabelValues(kind, "direct").Inc()
			return &ActionOutcome{Result: result}, nil
		}
		if !host.IsUnavailable(err) {
			metrics.ActionsDispatched.WithLabelValues(kind, "error").Inc()
			return nil, err
		}
		// Manager-routed host: fall through to the agent path.
	}

	if !s.queue.IsOnline(hostName, s.agentFreshness) {
		metrics.ActionsDispatched.WithLabelValues(kind, "unroutable").Inc()
		return nil, host.Ef(host.KindUnreachable, "query.DispatchAction",
			"host %s has no direct connection and no live agent", hostName)
	}

	a, err := s.queue.Create(hostName, containerID, kind, nil)
	if err != nil {
		return nil, host.E(host.KindInput, "query.DispatchAction", err)
	}
	if wait {
		a, err = s.queue.WaitFor(ctx, a.ID, completionWait)
		if err != nil {
			return nil, host.E(host.KindTransient, "query.DispatchAction", err)
		}
	}
	metrics.ActionsDispatched.WithLabelValues(kind, string(a.Status)).Inc()
	return &ActionOutcome{Action: a}, nil
}

func (s *Service) executeDirect(ctx context.Context, client host.Client, containerID, kind string) (string, error) {
	switch kind {
	case actions.KindGetEnv:
		env, err := client.Exec(ctx, containerID, []string{"printenv"})
		if err != nil {
			return "", err
		}
		return env, nil
	case actions.KindGetLogs:
		entries, err := client.ContainerLogs(ctx, host.LogsRequest{ContainerID: containerID, Tail: 500})
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.Message)
			b.WriteByte('\n')
		}
		return b.String(), nil
	default:
		return client.ExecuteAction(ctx, containerID, kind)
	}
}

// EnvResult is a container's environment, with its provenance.
type EnvResult struct {
	Source string   `json:"source"` // exec, service_spec, agent
	Env    []string `json:"env"`
}

// GetContainerEnv reads a container's environment. Direct exec first; for
// manager-routed containers the swarm service spec is the fallback, then a
// live agent; exhausting all three yields an unreachable error naming what
// was tried.
func (s *Service) GetContainerEnv(ctx context.Context, hostName, containerID string) (*EnvResult, error) {
	client, found := s.reg.Lookup(hostName)
	if found {
		out, err := client.Exec(ctx, containerID, []string{"printenv"})
		if err == nil {
			return &EnvResult{Source: "exec", Env: splitEnvOutput(out)}, nil
		}
		if !host.IsUnavailable(err) {
			return nil, err
		}
	}

	if s.swarm != nil {
		if svc := s.serviceNameFor(ctx, hostName, containerID); svc != "" {
			env, err := s.swarm.ServiceEnv(ctx, svc)
			if err == nil {
				return &EnvResult{Source: "service_spec", Env: env}, nil
			}
			s.log.Debug("service env fallback failed", "service", svc, "error", err)
		}
	}

	if s.queue.IsOnline(hostName, s.agentFreshness) {
		a, err := s.queue.Create(hostName, containerID, actions.KindGetEnv, nil)
		if err != nil {
			return nil, host.E(host.KindInput, "query.GetContainerEnv", err)
		}
		a, err = s.queue.WaitFor(ctx, a.ID, completionWait)
		if err != nil {
			return nil, host.E(host.KindTransient, "query.GetContainerEnv", err)
		}
		if a.Status == actions.StatusCompleted {
			return &EnvResult{Source: "agent", Env: splitEnvOutput(a.Result)}, nil
		}
		return nil, host.Ef(host.KindTransient, "query.GetContainerEnv", "agent action %s: %s", a.Status, a.Error)
	}

	return nil, host.Ef(host.KindUnreachable, "query.GetContainerEnv",
		"container %s on %s: exec unavailable, no service spec, no live agent", containerID, hostName)
}

// serviceNameFor finds the swarm service owning a container via the live
// inventory labels.
func (s *Service) serviceNameFor(ctx context.Context, hostName, containerID string) string {
	for _, c := range s.col.Inventory(ctx)[hostName] {
		if c.ID != host.ShortID(containerID) {
			continue
		}
		if c.Labels[host.LabelSwarmServiceID] == "" {
			return ""
		}
		// Synthesized names are {service}.{slot}.{task}.
		if base, _, ok := strings.Cut(c.Name, "."); ok {
			return base
		}
	}
	return ""
}

func splitEnvOutput(out string) []string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	env := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			env = append(env, l)
		}
	}
	return env
}

// Exec runs a command in a container on a directly reachable host.
func (s *Service) Exec(ctx context.Context, hostName, containerID string, argv []string) (string, error) {
	client, found := s.reg.Lookup(hostName)
	if !found {
		return "", host.Ef(host.KindInput, "query.Exec", "unknown host %q", hostName)
	}
	return client.Exec(ctx, containerID, argv)
}

// ContainerLogs fetches a live tail straight from the host, bypassing the
// index. Used by the per-container log view's refresh.
func (s *Service) ContainerLogs(ctx context.Context, hostName string, req host.LogsRequest) ([]host.LogEntry, error) {
	client, found := s.reg.Lookup(hostName)
	if !found {
		return nil, host.Ef(host.KindInput, "query.ContainerLogs", "unknown host %q", hostName)
	}
	return client.ContainerLogs(ctx, req)
}

// --- Swarm service operations, manager required ---

func (s *Service) swarmOps() (SwarmOps, error) {
	if s.swarm == nil {
		return nil, host.Ef(host.KindInput, "query.swarm", "no swarm manager configured")
	}
	return s.swarm, nil
}

// ListStacks lists stacks and their services.
func (s *Service) ListStacks(ctx context.Context) ([]host.StackService, error) {
	ops, err := s.swarmOps()
	if err != nil {
		return nil, err
	}
	return ops.ListStacksAndServices(ctx)
}

// ServiceLogs tails one service's logs through the manager.
func (s *Service) ServiceLogs(ctx context.Context, serviceID string, tail int) ([]host.LogEntry, error) {
	ops, err := s.swarmOps()
	if err != nil {
		return nil, err
	}
	return ops.ServiceLogs(ctx, serviceID, tail)
}

// RestartService forces a rolling restart of a service.
func (s *Service) RestartService(ctx context.Context, serviceID string) error {
	ops, err := s.swarmOps()
	if err != nil {
		return err
	}
	return ops.ForceUpdateService(ctx, serviceID)
}

// RemoveService deletes a service.
func (s *Service) RemoveService(ctx context.Context, serviceID string) error {
	ops, err := s.swarmOps()
	if err != nil {
		return err
	}
	return ops.RemoveService(ctx, serviceID)
}

// UpdateServiceImage rolls a service to a new image tag.
func (s *Service) UpdateServiceImage(ctx context.Context, serviceName, newTag string) error {
	ops, err := s.swarmOps()
	if err != nil {
		return err
	}
	if newTag == "" {
		return host.Ef(host.KindInput, "query.UpdateServiceImage", "empty tag")
	}
	return ops.UpdateServiceImage(ctx, serviceName, newTag)
}

// RemoveStack removes every service in a stack and reports how many went.
func (s *Service) RemoveStack(ctx context.Context, stack string) (int, error) {
	ops, err := s.swarmOps()
	if err != nil {
		return 0, err
	}
	return ops.RemoveStack(ctx, stack)
}

// Agents lists hosts with a live agent.
func (s *Service) Agents() []string {
	hosts := s.queue.AgentHosts(s.agentFreshness)
	sort.Strings(hosts)
	return hosts
}

