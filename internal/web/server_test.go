package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/actions"
	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/index"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
	"github.com/gvinsot/Docker-Spyglass/internal/query"
)

type fakeQuery struct {
	dashboard   *query.Dashboard
	dispatchErr error
	outcome     *query.ActionOutcome
}

func (f *fakeQuery) Summary(ctx context.Context) (*query.Dashboard, error) {
	return f.dashboard, nil
}

func (f *fakeQuery) ListContainers(ctx context.Context, groupBy string) ([]query.Group, error) {
	return []query.Group{{Key: "node-1"}}, nil
}

func (f *fakeQuery) SearchLogs(ctx context.Context, q index.LogQuery) (*index.SearchResult, error) {
	return &index.SearchResult{
		Entries: []host.LogEntry{{Message: "hello"}},
		Total:   1,
		Levels:  map[string]int64{"ERROR": 1},
	}, nil
}

func (f *fakeQuery) LogMetadata(ctx context.Context) (*index.Metadata, error) {
	return &index.Metadata{Hosts: []string{"node-1"}}, nil
}

func (f *fakeQuery) SimilarLogCount(ctx context.Context, message string, window time.Duration) (int64, error) {
	return 3, nil
}

func (f *fakeQuery) TimeSeries(ctx context.Context, req index.SeriesRequest) ([]index.SeriesPoint, error) {
	return nil, nil
}

func (f *fakeQuery) TimeSeriesByHost(ctx context.Context, req index.SeriesRequest) ([]index.HostSeries, error) {
	return []index.HostSeries{{Host: "node-1"}}, nil
}

func (f *fakeQuery) LogSeries(ctx context.Context, req index.SeriesRequest) ([]index.LogSeriesPoint, error) {
	return nil, nil
}

func (f *fakeQuery) DispatchAction(ctx context.Context, hostName, containerID, kind string, wait bool) (*query.ActionOutcome, error) {
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	return f.outcome, nil
}

func (f *fakeQuery) GetContainerEnv(ctx context.Context, hostName, containerID string) (*query.EnvResult, error) {
	return &query.EnvResult{Source: "exec", Env: []string{"A=1"}}, nil
}

func (f *fakeQuery) Exec(ctx context.Context, hostName, containerID string, argv []string) (string, error) {
	return "output", nil
}

func (f *fakeQuery) ContainerLogs(ctx context.Context, hostName string, req host.LogsRequest) ([]host.LogEntry, error) {
	return nil, nil
}

func (f *fakeQuery) ListStacks(ctx context.Context) ([]host.StackService, error) {
	return nil, nil
}

func (f *fakeQuery) ServiceLogs(ctx context.Context, serviceID string, tail int) ([]host.LogEntry, error) {
	return nil, nil
}

func (f *fakeQuery) RestartService(ctx context.Context, serviceID string) error { return nil }
func (f *fakeQuery) RemoveService(ctx context.Context, serviceID string) error  { return nil }
func (f *fakeQuery) UpdateServiceImage(ctx context.Context, serviceName, newTag string) error {
	return nil
}
func (f *fakeQuery) RemoveStack(ctx context.Context, stack string) (int, error) { return 2, nil }
func (f *fakeQuery) Agents() []string                                           { return []string{"node-1"} }

func newTestServer(t *testing.T, q QueryAPI) (*Server, *actions.Queue) {
	t.Helper()
	queue := actions.NewQueue(time.Minute, logging.New(false, false))
	return NewServer(Dependencies{
		Query: q,
		Queue: queue,
		Log:   logging.New(false, false),
	}), queue
}

func TestDashboardRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{dashboard: &query.Dashboard{
		TotalContainers: 4,
		Running:         3,
		LogCounts:       index.LogCounts{Errors: 5, Warnings: 3, HTTP4xx: 2, HTTP5xx: 1},
	}})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// The log counts serialize flat, next to the container counts.
	var d struct {
		TotalContainers int   `json:"total_containers"`
		Running         int   `json:"running"`
		Errors          int64 `json:"errors"`
		Warnings        int64 `json:"warnings"`
		HTTP4xx         int64 `json:"http_4xx"`
		HTTP5xx         int64 `json:"http_5xx"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.TotalContainers != 4 || d.Running != 3 {
		t.Fatalf("dashboard = %+v", d)
	}
	if d.Errors != 5 || d.Warnings != 3 || d.HTTP4xx != 2 || d.HTTP5xx != 1 {
		t.Fatalf("log counts = %+v", d)
	}
}

func TestLogSearchReturnsFacets(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/logs/search?host=node-1&host=node-2&level=ERROR", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res index.SearchResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Levels["ERROR"] != 1 {
		t.Fatalf("levels facet = %v", res.Levels)
	}
}

func TestSeriesByHostRoute(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/series/hosts?interval=5m", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Hosts []index.HostSeries `json:"hosts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Hosts) != 1 || body.Hosts[0].Host != "node-1" {
		t.Fatalf("hosts = %+v", body.Hosts)
	}
}

func TestLogSeriesRouteRejectsBadTime(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/series/logs?from=lately", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestContainersRejectsBadGroupBy(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/containers?group_by=color", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestActionErrorMapsToBadGateway(t *testing.T) {
	q := &fakeQuery{dispatchErr: host.Ef(host.KindUnreachable, "test", "no route")}
	srv, _ := newTestServer(t, q)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/containers/node-1/abc/actions", strings.NewReader(`{"kind":"restart"}`))
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestAgentProtocolRoundTrip(t *testing.T) {
	srv, queue := newTestServer(t, &fakeQuery{})
	a, err := queue.Create("node-1", "abc123def456", actions.KindRestart, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Agent polls and claims the action.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/agent/actions?host=node-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", rec.Code)
	}
	var poll struct {
		Actions []actions.Action `json:"actions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&poll); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if len(poll.Actions) != 1 || poll.Actions[0].ID != a.ID {
		t.Fatalf("poll = %+v", poll.Actions)
	}
	if poll.Actions[0].Status != actions.StatusInProgress {
		t.Fatalf("claimed status = %s", poll.Actions[0].Status)
	}

	// Second poll delivers nothing.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/agent/actions?host=node-1", nil))
	json.NewDecoder(rec.Body).Decode(&poll)
	if len(poll.Actions) != 0 {
		t.Fatalf("second poll = %d actions, want 0", len(poll.Actions))
	}

	// Agent reports the result.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/agent/actions/"+a.ID+"/result",
		strings.NewReader(`{"result":"restart ok"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d", rec.Code)
	}

	// Status endpoint shows completion.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/actions/"+a.ID, nil))
	var got actions.Action
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.Status != actions.StatusCompleted || got.Result != "restart ok" {
		t.Fatalf("final action = %+v", got)
	}

	// Reporting twice conflicts.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/agent/actions/"+a.ID+"/result",
		strings.NewReader(`{"result":"again"}`)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate result status = %d, want 409", rec.Code)
	}
}

func TestAgentPollRequiresHost(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/agent/actions", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHeartbeatRegistersAgent(t *testing.T) {
	srv, queue := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/agent/heartbeat",
		strings.NewReader(`{"host":"node-9"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !queue.IsOnline("node-9", time.Second) {
		t.Fatal("heartbeat did not register the agent")
	}
}

func TestLogSearchRejectsBadTime(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/logs/search?from=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &fakeQuery{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
