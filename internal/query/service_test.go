package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/actions"
	"github.com/gvinsot/Docker-Spyglass/internal/collector"
	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/index"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
)

type stubHost struct {
	name       string
	containers []host.Container
	execOut    string
	execErr    error
	actionErr  error
	lastAction string
}

func (f *stubHost) Name() string { return f.name }

func (f *stubHost) ListContainers(ctx context.Context) ([]host.Container, error) {
	return f.containers, nil
}

func (f *stubHost) ContainerStats(ctx context.Context, id, name string) (*host.Stats, error) {
	return nil, host.Ef(host.KindUnavailable, "stub", "no stats")
}

func (f *stubHost) HostMetrics(ctx context.Context) (*host.Metrics, error) {
	return nil, host.Ef(host.KindUnavailable, "stub", "no metrics")
}

func (f *stubHost) ContainerLogs(ctx context.Context, req host.LogsRequest) ([]host.LogEntry, error) {
	return nil, nil
}

func (f *stubHost) ExecuteAction(ctx context.Context, id, action string) (string, error) {
	if f.actionErr != nil {
		return "", f.actionErr
	}
	f.lastAction = action + " " + id
	return f.lastAction, nil
}

func (f *stubHost) Exec(ctx context.Context, id string, argv []string) (string, error) {
	if f.execErr != nil {
		return "", f.execErr
	}
	return f.execOut, nil
}

func (f *stubHost) Close() error { return nil }

type stubIndexer struct {
	latest map[string]index.StatsDoc
	avgs   []index.HostAverage
	counts index.LogCounts
}

func (f *stubIndexer) LatestStats(ctx context.Context) (map[string]index.StatsDoc, error) {
	return f.latest, nil
}

func (f *stubIndexer) HostAverages(ctx context.Context, window time.Duration) ([]index.HostAverage, error) {
	return f.avgs, nil
}

func (f *stubIndexer) LogCounts(ctx context.Context, window time.Duration) (*index.LogCounts, error) {
	counts := f.counts
	return &counts, nil
}

func (f *stubIndexer) SearchLogs(ctx context.Context, q index.LogQuery) (*index.SearchResult, error) {
	return &index.SearchResult{}, nil
}

func (f *stubIndexer) TimeSeries(ctx context.Context, req index.SeriesRequest) ([]index.SeriesPoint, error) {
	return nil, nil
}

func (f *stubIndexer) TimeSeriesByHost(ctx context.Context, req index.SeriesRequest) ([]index.HostSeries, error) {
	return nil, nil
}

func (f *stubIndexer) LogSeries(ctx context.Context, req index.SeriesRequest) ([]index.LogSeriesPoint, error) {
	return nil, nil
}

func (f *stubIndexer) CountSimilarLogs(ctx context.Context, message string, window time.Duration) (int64, error) {
	return 0, nil
}

func (f *stubIndexer) LogMetadata(ctx context.Context) (*index.Metadata, error) {
	return &index.Metadata{}, nil
}

type stubSwarmOps struct {
	env    []string
	stacks []host.StackService
}

func (f *stubSwarmOps) ListStacksAndServices(ctx context.Context) ([]host.StackService, error) {
	return f.stacks, nil
}
func (f *stubSwarmOps) RemoveService(ctx context.Context, serviceID string) error      { return nil }
func (f *stubSwarmOps) ForceUpdateService(ctx context.Context, serviceID string) error { return nil }
func (f *stubSwarmOps) UpdateServiceImage(ctx context.Context, serviceName, newTag string) error {
	return nil
}
func (f *stubSwarmOps) RemoveStack(ctx context.Context, stack string) (int, error) { return 0, nil }
func (f *stubSwarmOps) ServiceEnv(ctx context.Context, serviceName string) ([]string, error) {
	return f.env, nil
}
func (f *stubSwarmOps) ServiceLogs(ctx context.Context, serviceID string, tail int) ([]host.LogEntry, error) {
	return nil, nil
}

func newService(t *testing.T, idx Indexer, swarmOps SwarmOps, hosts ...host.Client) (*Service, *actions.Queue) {
	t.Helper()
	log := logging.New(false, false)
	reg := collector.NewRegistry(hosts, nil)
	col := collector.New(reg, nopSink{}, log)
	queue := actions.NewQueue(200*time.Millisecond, log)
	return New(reg, col, idx, queue, swarmOps, time.Second, log), queue
}

type nopSink struct{}

func (nopSink) IndexLogs(ctx context.Context, entries []host.LogEntry) error { return nil }
func (nopSink) IndexContainerStats(ctx context.Context, c host.Container, st *host.Stats) error {
	return nil
}
func (nopSink) IndexHostMetrics(ctx context.Context, hostName string, m *host.Metrics) error {
	return nil
}

func TestListContainersGroupsByStack(t *testing.T) {
	h := &stubHost{
		name: "node-1",
		containers: []host.Container{
			{ID: "aaaaaaaaaaaa", Name: "shop-web", Host: "node-1", Status: "running", StackProject: "shop"},
			{ID: "bbbbbbbbbbbb", Name: "adhoc", Host: "node-1", Status: "running"},
		},
	}
	idx := &stubIndexer{latest: map[string]index.StatsDoc{
		"aaaaaaaaaaaa": {ContainerID: "aaaaaaaaaaaa", CPUPercent: 7.5},
	}}
	svc, _ := newService(t, idx, nil, h)

	groups, err := svc.ListContainers(context.Background(), "stack")
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	// Sorted: "_standalone" before "shop".
	if groups[0].Key != standaloneGroup || groups[1].Key != "shop" {
		t.Fatalf("group keys = %q/%q", groups[0].Key, groups[1].Key)
	}
	shop := groups[1].Containers[0]
	if shop.Stats == nil || shop.Stats.CPUPercent != 7.5 {
		t.Fatalf("stats join missing: %+v", shop.Stats)
	}
	if groups[0].Containers[0].Stats != nil {
		t.Fatal("container without fresh sample got stats attached")
	}
}

func TestSummaryCounts(t *testing.T) {
	h := &stubHost{
		name: "node-1",
		containers: []host.Container{
			{ID: "a", Name: "one", Host: "node-1", Status: "running"},
			{ID: "b", Name: "two", Host: "node-1", Status: "exited"},
		},
	}
	idx := &stubIndexer{
		avgs:   []index.HostAverage{{Host: "node-1", CPUPercent: 42}},
		counts: index.LogCounts{Errors: 7, Warnings: 2, HTTP4xx: 4, HTTP5xx: 1},
	}
	svc, _ := newService(t, idx, nil, h)

	d, err := svc.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if d.TotalContainers != 2 || d.Running != 1 || d.Stopped != 1 || d.Hosts != 1 {
		t.Fatalf("summary = %+v", d)
	}
	if len(d.HostAverages) != 1 || d.HostAverages[0].CPUPercent != 42 {
		t.Fatalf("averages = %+v", d.HostAverages)
	}
	if d.LogCounts != idx.counts {
		t.Fatalf("log counts = %+v, want %+v", d.LogCounts, idx.counts)
	}
}

func TestListContainersStackFromManagerListing(t *testing.T) {
	h := &stubHost{
		name: "worker-1",
		containers: []host.Container{
			// Swarm task containers carry no compose label; the manager's
			// stack listing is what ties them to their stack.
			{ID: "aaaaaaaaaaaa", Name: "shop_web.1.task1", Host: "worker-1", Status: "running"},
			{ID: "bbbbbbbbbbbb", Name: "adhoc", Host: "worker-1", Status: "running"},
		},
	}
	ops := &stubSwarmOps{stacks: []host.StackService{{Stack: "shop", Service: "shop_web"}}}
	svc, _ := newService(t, &stubIndexer{}, ops, h)

	groups, err := svc.ListContainers(context.Background(), "stack")
	if err != nil {
		t.Fatalf("ListContainers: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Key != standaloneGroup || groups[1].Key != "shop" {
		t.Fatalf("group keys = %q/%q", groups[0].Key, groups[1].Key)
	}
	if groups[1].Containers[0].Name != "shop_web.1.task1" {
		t.Fatalf("shop group holds %q", groups[1].Containers[0].Name)
	}
}

func TestDispatchActionDirect(t *testing.T) {
	h := &stubHost{name: "node-1"}
	svc, _ := newService(t, &stubIndexer{}, nil, h)

	out, err := svc.DispatchAction(context.Background(), "node-1", "abc", actions.KindRestart, false)
	if err != nil {
		t.Fatalf("DispatchAction: %v", err)
	}
	if out.Action != nil {
		t.Fatal("direct dispatch should not queue an action")
	}
	if h.lastAction != "restart abc" {
		t.Fatalf("executed = %q", h.lastAction)
	}
}

func TestDispatchActionUnknownHostNoAgent(t *testing.T) {
	svc, _ := newService(t, &stubIndexer{}, nil)
	_, err := svc.DispatchAction(context.Background(), "ghost", "abc", actions.KindStop, false)
	if err == nil {
		t.Fatal("dispatch to unroutable host succeeded")
	}
	if host.KindOf(err) != host.KindUnreachable {
		t.Fatalf("error kind = %v, want unreachable", host.KindOf(err))
	}
}

func TestDispatchActionFallsBackToAgent(t *testing.T) {
	h := &stubHost{
		name:      "worker-1",
		actionErr: host.Ef(host.KindUnavailable, "proxy", "manager-routed"),
	}
	svc, queue := newService(t, &stubIndexer{}, nil, h)
	queue.Heartbeat("worker-1")

	out, err := svc.DispatchAction(context.Background(), "worker-1", "abc", actions.KindRestart, false)
	if err != nil {
		t.Fatalf("DispatchAction: %v", err)
	}
	if out.Action == nil || out.Action.Status != actions.StatusPending {
		t.Fatalf("outcome = %+v, want queued pending action", out)
	}

	claimed := queue.Poll("worker-1")
	if len(claimed) != 1 || claimed[0].Kind != actions.KindRestart {
		t.Fatalf("agent claimed = %+v", claimed)
	}
}

func TestDispatchActionRejectsUnknownKind(t *testing.T) {
	svc, _ := newService(t, &stubIndexer{}, nil)
	_, err := svc.DispatchAction(context.Background(), "node-1", "abc", "detonate", false)
	if err == nil {
		t.Fatal("unknown kind accepted")
	}
	if host.KindOf(err) != host.KindInput {
		t.Fatalf("error kind = %v, want input", host.KindOf(err))
	}
}

func TestGetContainerEnvDirect(t *testing.T) {
	h := &stubHost{name: "node-1", execOut: "PATH=/usr/bin\nHOME=/root\n"}
	svc, _ := newService(t, &stubIndexer{}, nil, h)

	res, err := svc.GetContainerEnv(context.Background(), "node-1", "abc")
	if err != nil {
		t.Fatalf("GetContainerEnv: %v", err)
	}
	if res.Source != "exec" {
		t.Fatalf("source = %q, want exec", res.Source)
	}
	if len(res.Env) != 2 || res.Env[0] != "PATH=/usr/bin" {
		t.Fatalf("env = %v", res.Env)
	}
}

func TestGetContainerEnvServiceSpecFallback(t *testing.T) {
	h := &stubHost{
		name:    "worker-1",
		execErr: host.Ef(host.KindUnavailable, "proxy.Exec", "manager-routed"),
		containers: []host.Container{{
			ID:     "aaaaaaaaaaaa",
			Name:   "shop_web.1.task1",
			Host:   "worker-1",
			Status: "running",
			Labels: map[string]string{host.LabelSwarmServiceID: "svc1"},
		}},
	}
	ops := &stubSwarmOps{env: []string{"MODE=prod"}}
	svc, _ := newService(t, &stubIndexer{}, ops, h)

	res, err := svc.GetContainerEnv(context.Background(), "worker-1", "aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("GetContainerEnv: %v", err)
	}
	if res.Source != "service_spec" {
		t.Fatalf("source = %q, want service_spec", res.Source)
	}
	if len(res.Env) != 1 || res.Env[0] != "MODE=prod" {
		t.Fatalf("env = %v", res.Env)
	}
}

func TestGetContainerEnvExhaustedIsUnreachable(t *testing.T) {
	h := &stubHost{
		name:    "worker-1",
		execErr: host.Ef(host.KindUnavailable, "proxy.Exec", "manager-routed"),
	}
	svc, _ := newService(t, &stubIndexer{}, nil, h)

	_, err := svc.GetContainerEnv(context.Background(), "worker-1", "abc")
	if err == nil {
		t.Fatal("env lookup with no route succeeded")
	}
	if host.KindOf(err) != host.KindUnreachable {
		t.Fatalf("error kind = %v, want unreachable", host.KindOf(err))
	}
	if !strings.Contains(err.Error(), "no live agent") {
		t.Fatalf("error %q should name what was tried", err)
	}
}
