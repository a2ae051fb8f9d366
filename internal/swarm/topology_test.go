package swarm

import (
	"context"
	"testing"
	"time"

	swarmtypes "github.com/moby/moby/api/types/swarm"

	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
)

type fakeCluster struct {
	nodes    []swarmtypes.Node
	tasks    []swarmtypes.Task
	services []swarmtypes.Service
	localID  string
}

func (f *fakeCluster) ListNodes(ctx context.Context) ([]swarmtypes.Node, error) {
	return f.nodes, nil
}

func (f *fakeCluster) ListTasks(ctx context.Context) ([]swarmtypes.Task, error) {
	return f.tasks, nil
}

func (f *fakeCluster) ListServices(ctx context.Context) ([]swarmtypes.Service, error) {
	return f.services, nil
}

func (f *fakeCluster) LocalNodeID(ctx context.Context) (string, error) {
	return f.localID, nil
}

func (f *fakeCluster) ContainerLogs(ctx context.Context, req host.LogsRequest) ([]host.LogEntry, error) {
	return nil, nil
}

func (f *fakeCluster) ExecuteAction(ctx context.Context, id, action string) (string, error) {
	return "", nil
}

func (f *fakeCluster) Exec(ctx context.Context, id string, argv []string) (string, error) {
	return "", nil
}

func node(id, hostname string, ready bool) swarmtypes.Node {
	n := swarmtypes.Node{ID: id}
	n.Description.Hostname = hostname
	if ready {
		n.Status.State = swarmtypes.NodeStateReady
	} else {
		n.Status.State = swarmtypes.NodeStateDown
	}
	return n
}

func runningTask(id, serviceID, nodeID, containerID string, slot int) swarmtypes.Task {
	t := swarmtypes.Task{ID: id, ServiceID: serviceID, NodeID: nodeID, Slot: slot}
	t.Status.State = swarmtypes.TaskStateRunning
	t.Status.ContainerStatus = &swarmtypes.ContainerStatus{ContainerID: containerID}
	t.Meta.CreatedAt = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return t
}

func namedService(id, name string) swarmtypes.Service {
	s := swarmtypes.Service{ID: id}
	s.Spec.Annotations.Name = name
	return s
}

func testLogger() *logging.Logger { return logging.New(false, false) }

func TestRefreshCreatesProxiesForUnknownWorkers(t *testing.T) {
	cluster := &fakeCluster{
		localID: "mgr",
		nodes: []swarmtypes.Node{
			node("mgr", "manager-1", true),
			node("w1", "worker-1", true),
			node("w2", "worker-2", true),
		},
	}
	topo := New(cluster, []string{"manager-1", "worker-2"}, testLogger())

	if err := topo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	proxies := topo.Proxies()
	if len(proxies) != 1 {
		t.Fatalf("proxies = %d, want 1", len(proxies))
	}
	if proxies[0].Name() != "worker-1" {
		t.Fatalf("proxy name = %q, want worker-1", proxies[0].Name())
	}
}

func TestRefreshNeverProxiesConfiguredHosts(t *testing.T) {
	cluster := &fakeCluster{
		localID: "mgr",
		nodes: []swarmtypes.Node{
			node("mgr", "manager-1", true),
			node("w1", "worker-1", true),
		},
	}
	topo := New(cluster, []string{"manager-1", "worker-1"}, testLogger())

	if err := topo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(topo.Proxies()); got != 0 {
		t.Fatalf("proxies = %d, want 0", got)
	}
}

func TestRefreshDropsDepartedNodes(t *testing.T) {
	cluster := &fakeCluster{
		localID: "mgr",
		nodes: []swarmtypes.Node{
			node("mgr", "manager-1", true),
			node("w1", "worker-1", true),
		},
	}
	topo := New(cluster, []string{"manager-1"}, testLogger())
	if err := topo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(topo.Proxies()); got != 1 {
		t.Fatalf("proxies after join = %d, want 1", got)
	}

	cluster.nodes = cluster.nodes[:1]
	if err := topo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(topo.Proxies()); got != 0 {
		t.Fatalf("proxies after leave = %d, want 0", got)
	}
}

func TestRefreshSkipsNotReadyNodes(t *testing.T) {
	cluster := &fakeCluster{
		localID: "mgr",
		nodes: []swarmtypes.Node{
			node("mgr", "manager-1", true),
			node("w1", "worker-1", false),
		},
	}
	topo := New(cluster, []string{"manager-1"}, testLogger())
	if err := topo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(topo.Proxies()); got != 0 {
		t.Fatalf("proxies = %d, want 0", got)
	}
}

func TestSnapshotSynthesizesContainersPerNode(t *testing.T) {
	cluster := &fakeCluster{
		localID: "mgr",
		nodes: []swarmtypes.Node{
			node("mgr", "manager-1", true),
			node("w1", "worker-1", true),
		},
		services: []swarmtypes.Service{namedService("svc1", "api")},
		tasks: []swarmtypes.Task{
			runningTask("t1", "svc1", "mgr", "aaaaaaaaaaaaaaaa", 1),
			runningTask("t2", "svc1", "w1", "bbbbbbbbbbbbbbbb", 2),
		},
	}
	topo := New(cluster, []string{"manager-1"}, testLogger())
	if err := topo.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := topo.Snapshot()
	if snap == nil {
		t.Fatal("snapshot missing after refresh")
	}
	if got := len(snap.Containers["manager-1"]); got != 1 {
		t.Fatalf("manager containers = %d, want 1", got)
	}
	if got := len(snap.Containers["worker-1"]); got != 1 {
		t.Fatalf("worker containers = %d, want 1", got)
	}
	c := snap.Containers["worker-1"][0]
	if c.Name != "api.2.t2" {
		t.Fatalf("synthesized name = %q, want api.2.t2", c.Name)
	}
	if c.Host != "worker-1" {
		t.Fatalf("host = %q, want worker-1", c.Host)
	}
}
