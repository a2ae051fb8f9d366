package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/moby/moby/api/types/swarm"
)

// ManagerAPI is the slice of the manager's Docker client that a node proxy
// needs. Narrow on purpose so topology tests can substitute a fake.
type ManagerAPI interface {
	ListTasks(ctx context.Context) ([]swarm.Task, error)
	ListServices(ctx context.Context) ([]swarm.Service, error)
	ContainerLogs(ctx context.Context, req LogsRequest) ([]LogEntry, error)
	ExecuteAction(ctx context.Context, id, action string) (string, error)
	Exec(ctx context.Context, id string, argv []string) (string, error)
}

// NodeProxy presents a Swarm worker node as a host by routing everything
// through the manager's API. Containers are synthesized from the node's
// tasks; logs go through the manager's task-logs endpoint, exec and
// lifecycle actions through the manager's container endpoints. Only
// per-container stats and host metrics cannot be routed this way; those
// report the unavailable category, which callers treat as "skip, don't
// alarm".
type NodeProxy struct {
	nodeName string
	nodeID   string
	manager  ManagerAPI
}

// NewNodeProxy wraps one worker node. The manager client is shared and not
// owned; Close on the proxy never touches it.
func NewNodeProxy(nodeName, nodeID string, manager ManagerAPI) *NodeProxy {
	return &NodeProxy{nodeName: nodeName, nodeID: nodeID, manager: manager}
}

func (p *NodeProxy) Name() string   { return p.nodeName }
func (p *NodeProxy) NodeID() string { return p.nodeID }

// ListContainers synthesizes container records from the tasks currently
// scheduled on this node.
func (p *NodeProxy) ListContainers(ctx context.Context) ([]Container, error) {
	tasks, err := p.manager.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	services, err := p.manager.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]swarm.Service, len(services))
	for _, s := range services {
		names[s.ID] = s
	}

	var containers []Container
	for _, t := range tasks {
		if t.NodeID != p.nodeID {
			continue
		}
		if c, ok := TaskContainer(t, names[t.ServiceID], p.nodeName); ok {
			containers = append(containers, c)
		}
	}
	return containers, nil
}

// TaskContainer converts one swarm task into a synthesized container
// record. Tasks that never got a container (pending, rejected before
// start) produce nothing.
func TaskContainer(t swarm.Task, svc swarm.Service, hostName string) (Container, bool) {
	if t.Status.ContainerStatus == nil || t.Status.ContainerStatus.ContainerID == "" {
		return Container{}, false
	}

	serviceName := svc.Spec.Annotations.Name
	if serviceName == "" {
		serviceName = t.ServiceID
	}
	name := fmt.Sprintf("%s.%d.%s", serviceName, t.Slot, t.ID)

	stack := svc.Spec.Annotations.Labels[LabelStackNamespace]
	stackService := serviceName
	if stack != "" {
		stackService = strings.TrimPrefix(serviceName, stack+"_")
	}

	image := ""
	if t.Spec.ContainerSpec != nil {
		image = t.Spec.ContainerSpec.Image
	}

	labels := map[string]string{
		LabelSwarmTaskID:    t.ID,
		LabelSwarmServiceID: t.ServiceID,
		LabelSwarmNodeID:    t.NodeID,
	}
	if stack != "" {
		labels[LabelStackNamespace] = stack
	}

	return Container{
		ID:           ShortID(t.Status.ContainerStatus.ContainerID),
		Name:         name,
		Image:        image,
		Status:       string(t.Status.State),
		CreatedAt:    t.Meta.CreatedAt.UTC(),
		Host:         hostName,
		StackProject: stack,
		StackService: stackService,
		Labels:       labels,
	}, true
}

// ContainerStats cannot cross the manager boundary; the stats endpoint only
// exists on the node that runs the container.
func (p *NodeProxy) ContainerStats(ctx context.Context, id, name string) (*Stats, error) {
	return nil, Ef(KindUnavailable, "proxy.ContainerStats", "node %s is manager-routed, stats need a direct or agent connection", p.nodeName)
}

// HostMetrics is likewise not routable through the manager.
func (p *NodeProxy) HostMetrics(ctx context.Context) (*Metrics, error) {
	return nil, Ef(KindUnavailable, "proxy.HostMetrics", "node %s is manager-routed", p.nodeName)
}

// ContainerLogs routes through the manager's task-logs endpoint. The task
// ID must be present on the request; the proxy fills it from its own task
// list when missing.
func (p *NodeProxy) ContainerLogs(ctx context.Context, req LogsRequest) ([]LogEntry, error) {
	if req.TaskID == "" {
		taskID, err := p.findTaskID(ctx, req.ContainerID)
		if err != nil {
			return nil, err
		}
		req.TaskID = taskID
	}
	entries, err := p.manager.ContainerLogs(ctx, req)
	if err != nil {
		return nil, err
	}
	// The manager stamps its own host name; rewrite to the owning node.
	for i := range entries {
		entries[i].Host = p.nodeName
	}
	return entries, nil
}

func (p *NodeProxy) findTaskID(ctx context.Context, containerID string) (string, error) {
	tasks, err := p.manager.ListTasks(ctx)
	if err != nil {
		return "", err
	}
	short := ShortID(containerID)
	for _, t := range tasks {
		if t.Status.ContainerStatus != nil && ShortID(t.Status.ContainerStatus.ContainerID) == short {
			return t.ID, nil
		}
	}
	return "", Ef(KindInput, "proxy.findTaskID", "no task owns container %s", short)
}

// ExecuteAction delegates the lifecycle action to the manager's client.
func (p *NodeProxy) ExecuteAction(ctx context.Context, id, action string) (string, error) {
	return p.manager.ExecuteAction(ctx, id, action)
}

// Exec delegates to the manager's client.
func (p *NodeProxy) Exec(ctx context.Context, id string, argv []string) (string, error) {
	return p.manager.Exec(ctx, id, argv)
}

// Close is a no-op: the manager client is shared with other proxies and
// with the manager's own host entry.
func (p *NodeProxy) Close() error { return nil }

var _ Client = (*NodeProxy)(nil)
