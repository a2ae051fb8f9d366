package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/client"
)

// Swarm label keys carried on synthesized containers so the routing layer
// can later address tasks directly.
const (
	LabelStackNamespace = "com.docker.stack.namespace"
	LabelSwarmTaskID    = "com.docker.swarm.task.id"
	LabelSwarmServiceID = "com.docker.swarm.service.id"
	LabelSwarmNodeID    = "com.docker.swarm.node.id"
	LabelComposeProject = "com.docker.compose.project"
	LabelComposeService = "com.docker.compose.service"
)

// hostStatsSampleLimit bounds how many running containers feed the
// degraded API-mode host metrics aggregate.
const hostStatsSampleLimit = 10

// APIClient reaches one Docker daemon over the Engine API. It implements
// Client and, when the daemon is a Swarm manager, the swarm operations used
// by the topology and query layers.
type APIClient struct {
	name     string
	api      *client.Client
	local    bool // local mode: host metrics come from /proc via gopsutil
	gpuProbe bool

	// Auto-discovery manager state. localNodeID anchors the task filter in
	// ListContainers so the manager's own inventory never double-counts
	// workers that the proxy clients also enumerate.
	autoDiscover bool
	localNodeID  string

	mu      sync.Mutex
	closing bool
}

// APIOptions configures NewAPIClient beyond the endpoint.
type APIOptions struct {
	Local        bool
	GPUProbe     bool
	AutoDiscover bool
}

// NewAPIClient creates a host client for the given socket path or tcp://
// endpoint.
func NewAPIClient(name, endpoint string, opts APIOptions) (*APIClient, error) {
	var copts []client.Opt
	switch {
	case strings.HasPrefix(endpoint, "tcp://"), strings.HasPrefix(endpoint, "tcps://"):
		copts = append(copts, client.WithHost(endpoint))
	default:
		sock := endpoint
		copts = append(copts,
			client.WithHost("unix://"+sock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", sock, 30*time.Second)
					},
				},
			}),
		)
	}

	api, err := client.New(copts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client for %s: %w", name, err)
	}
	return &APIClient{
		name:         name,
		api:          api,
		local:        opts.Local,
		gpuProbe:     opts.GPUProbe,
		autoDiscover: opts.AutoDiscover,
	}, nil
}

func (c *APIClient) Name() string { return c.name }

// checkOpen short-circuits requests that arrive while the client is
// shutting down, so in-flight collector cycles answer with a 503 category
// instead of logging connection errors.
func (c *APIClient) checkOpen(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return E(KindClosed, op, nil)
	}
	return nil
}

// Close releases the Docker client. Idempotent.
func (c *APIClient) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()
	return c.api.Close()
}

// Ping checks that the daemon is reachable.
func (c *APIClient) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	if err != nil {
		return E(KindUnreachable, "api.Ping", err)
	}
	return nil
}

// LocalNodeID returns this daemon's own Swarm node ID from /info. Node
// identity comes from the ID rather than the hostname to survive skew
// between configured names and kernel hostnames.
func (c *APIClient) LocalNodeID(ctx context.Context) (string, error) {
	result, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return "", E(KindTransient, "api.Info", err)
	}
	return result.Info.Swarm.NodeID, nil
}

// ListContainers returns the union of all containers on the host. On an
// auto-discovery manager the list is filtered to containers whose
// controlling task is scheduled on the local node.
func (c *APIClient) ListContainers(ctx context.Context) ([]Container, error) {
	const op = "api.ListContainers"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, E(KindTransient, op, err)
	}

	var localTasks map[string]bool
	if c.autoDiscover {
		localTasks, err = c.localTaskContainers(ctx)
		if err != nil {
			return nil, err
		}
	}

	containers := make([]Container, 0, len(result.Items))
	for _, s := range result.Items {
		cont := summaryToContainer(c.name, s)
		if localTasks != nil {
			if _, isTask := s.Labels[LabelSwarmTaskID]; isTask && !localTasks[cont.ID] {
				continue
			}
		}
		containers = append(containers, cont)
	}
	return containers, nil
}

// localTaskContainers builds the set of short container IDs whose tasks are
// scheduled on this manager's own node.
func (c *APIClient) localTaskContainers(ctx context.Context) (map[string]bool, error) {
	nodeID, err := c.cachedNodeID(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := c.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool)
	for _, t := range tasks {
		if t.NodeID != nodeID || t.Status.ContainerStatus == nil {
			continue
		}
		local[ShortID(t.Status.ContainerStatus.ContainerID)] = true
	}
	return local, nil
}

func (c *APIClient) cachedNodeID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.localNodeID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := c.LocalNodeID(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.localNodeID = id
	c.mu.Unlock()
	return id, nil
}

func summaryToContainer(hostName string, s container.Summary) Container {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	ports := make(map[string]string)
	for _, p := range s.Ports {
		key := fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
		if p.PublicPort > 0 {
			ports[key] = fmt.Sprintf("%s:%d", p.IP, p.PublicPort)
		} else {
			ports[key] = ""
		}
	}
	project := s.Labels[LabelComposeProject]
	service := s.Labels[LabelComposeService]
	if ns := s.Labels[LabelStackNamespace]; ns != "" {
		project = ns
		if service == "" {
			// Swarm task containers are named {stack}_{service}.{slot}.{task}.
			if base, _, ok := strings.Cut(name, "."); ok {
				service = strings.TrimPrefix(base, ns+"_")
			}
		}
	}
	return Container{
		ID:           ShortID(s.ID),
		Name:         name,
		Image:        s.Image,
		Status:       string(s.State),
		CreatedAt:    time.Unix(s.Created, 0).UTC(),
		Host:         hostName,
		StackProject: project,
		StackService: service,
		Ports:        ports,
		Labels:       s.Labels,
	}
}

// ContainerStats takes a one-shot sample and normalizes it.
func (c *APIClient) ContainerStats(ctx context.Context, id, name string) (*Stats, error) {
	const op = "api.ContainerStats"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	result, err := c.api.ContainerStats(ctx, id, client.ContainerStatsOptions{
		Stream:                false,
		IncludePreviousSample: true,
	})
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	defer result.Body.Close()

	var resp container.StatsResponse
	if err := json.NewDecoder(result.Body).Decode(&resp); err != nil {
		return nil, E(KindTransient, op, fmt.Errorf("decode stats for %s: %w", name, err))
	}
	return StatsFromResponse(&resp, 0), nil
}

// HostMetrics samples host-level resources. Local mode reads the machine
// directly; plain API mode has no /proc access, so CPU and memory-used are
// aggregated from the first few running containers' stats and MemTotal
// comes from the daemon's info endpoint.
func (c *APIClient) HostMetrics(ctx context.Context) (*Metrics, error) {
	const op = "api.HostMetrics"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}
	if c.local {
		return localMetrics(ctx, c.gpuProbe)
	}

	info, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return nil, E(KindTransient, op, err)
	}

	containers, err := c.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		Timestamp:   time.Now().UTC(),
		MemTotalMiB: float64(info.Info.MemTotal) / mib,
	}
	sampled := 0
	for _, cont := range containers {
		if cont.Status != "running" || sampled >= hostStatsSampleLimit {
			continue
		}
		st, err := c.ContainerStats(ctx, cont.ID, cont.Name)
		if err != nil {
			continue
		}
		m.CPUPercent += st.CPUPercent
		m.MemUsedMiB += st.MemUsageMiB
		sampled++
	}
	if info.Info.NCPU > 0 {
		// Container CPU is per-core aggregate; scale down to a host percent.
		m.CPUPercent /= float64(info.Info.NCPU)
		if m.CPUPercent > 100 {
			m.CPUPercent = 100
		}
	}
	if m.MemTotalMiB > 0 {
		m.MemPercent = m.MemUsedMiB / m.MemTotalMiB * 100
	}
	return m, nil
}

// ContainerLogs fetches and parses logs per the LogsRequest contract.
func (c *APIClient) ContainerLogs(ctx context.Context, req LogsRequest) ([]LogEntry, error) {
	const op = "api.ContainerLogs"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	tail := req.Tail
	if req.Since.IsZero() && tail == 0 {
		tail = 500
	}

	meta := LogMeta{
		Host:          c.name,
		ContainerID:   ShortID(req.ContainerID),
		ContainerName: req.ContainerName,
		StackProject:  req.StackProject,
		StackService:  req.StackService,
	}

	if req.TaskID != "" {
		data, err := c.readTaskLogs(ctx, req.TaskID, req.Since, tail)
		if err == nil {
			return ParseLogStream(data, meta), nil
		}
		// Task endpoint can lag task churn; fall through to the container.
	}

	opts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if !req.Since.IsZero() {
		opts.Since = req.Since.UTC().Format(time.RFC3339Nano)
	} else if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}

	reader, err := c.api.ContainerLogs(ctx, req.ContainerID, opts)
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	return ParseLogStream(data, meta), nil
}

func (c *APIClient) readTaskLogs(ctx context.Context, taskID string, since time.Time, tail int) ([]byte, error) {
	opts := client.TaskLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = since.UTC().Format(time.RFC3339Nano)
	} else if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := c.api.TaskLogs(ctx, taskID, opts)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// ExecuteAction runs a container lifecycle action. Unknown actions are an
// input error; daemon rejections carry the daemon's message.
func (c *APIClient) ExecuteAction(ctx context.Context, id, action string) (string, error) {
	const op = "api.ExecuteAction"
	if err := c.checkOpen(op); err != nil {
		return "", err
	}

	var err error
	switch action {
	case ActionStart:
		_, err = c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	case ActionStop:
		_, err = c.api.ContainerStop(ctx, id, client.ContainerStopOptions{})
	case ActionRestart:
		_, err = c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{})
	case ActionPause:
		_, err = c.api.ContainerPause(ctx, id, client.ContainerPauseOptions{})
	case ActionUnpause:
		_, err = c.api.ContainerUnpause(ctx, id, client.ContainerUnpauseOptions{})
	case ActionRemove:
		_, err = c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{Force: true})
	default:
		return "", Ef(KindInput, op, "unknown action %q", action)
	}
	if err != nil {
		return "", E(KindTransient, op, err)
	}
	return fmt.Sprintf("%s %s ok", action, ShortID(id)), nil
}

// Exec runs argv inside a container with attached stdout+stderr, non-TTY,
// and returns the combined output parsed from the multiplexed stream.
func (c *APIClient) Exec(ctx context.Context, id string, argv []string) (string, error) {
	const op = "api.Exec"
	if err := c.checkOpen(op); err != nil {
		return "", err
	}
	if len(argv) == 0 {
		return "", Ef(KindInput, op, "empty command")
	}

	execResp, err := c.api.ExecCreate(ctx, id, client.ExecCreateOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", E(KindTransient, op, fmt.Errorf("exec create: %w", err))
	}

	attachResp, err := c.api.ExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return "", E(KindTransient, op, fmt.Errorf("exec attach: %w", err))
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return "", E(KindTransient, op, fmt.Errorf("exec read: %w", err))
	}
	if stderr.Len() > 0 {
		stdout.WriteString(stderr.String())
	}
	return stdout.String(), nil
}

// --- Swarm operations, valid only against a manager ---

func (c *APIClient) ListNodes(ctx context.Context) ([]swarm.Node, error) {
	result, err := c.api.NodeList(ctx, client.NodeListOptions{})
	if err != nil {
		return nil, E(KindTransient, "api.ListNodes", err)
	}
	return result.Items, nil
}

func (c *APIClient) ListTasks(ctx context.Context) ([]swarm.Task, error) {
	result, err := c.api.TaskList(ctx, client.TaskListOptions{})
	if err != nil {
		return nil, E(KindTransient, "api.ListTasks", err)
	}
	return result.Items, nil
}

func (c *APIClient) ListServices(ctx context.Context) ([]swarm.Service, error) {
	result, err := c.api.ServiceList(ctx, client.ServiceListOptions{})
	if err != nil {
		return nil, E(KindTransient, "api.ListServices", err)
	}
	return result.Items, nil
}

// ServiceLogs returns the tail of a service's logs as plain text.
func (c *APIClient) ServiceLogs(ctx context.Context, serviceID string, tail int) ([]LogEntry, error) {
	const op = "api.ServiceLogs"
	if tail <= 0 {
		tail = 500
	}
	reader, err := c.api.ServiceLogs(ctx, serviceID, client.ServiceLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	return ParseLogStream(data, LogMeta{Host: c.name, ContainerName: serviceID}), nil
}

// RemoveService deletes one swarm service.
func (c *APIClient) RemoveService(ctx context.Context, serviceID string) error {
	_, err := c.api.ServiceRemove(ctx, serviceID, client.ServiceRemoveOptions{})
	if err != nil {
		return E(KindTransient, "api.RemoveService", err)
	}
	return nil
}

// ForceUpdateService bumps the task template's ForceUpdate counter so the
// scheduler restarts all tasks without a spec change.
func (c *APIClient) ForceUpdateService(ctx context.Context, serviceID string) error {
	const op = "api.ForceUpdateService"
	result, err := c.api.ServiceInspect(ctx, serviceID, client.ServiceInspectOptions{})
	if err != nil {
		return E(KindTransient, op, err)
	}
	svc := result.Service
	spec := svc.Spec
	spec.TaskTemplate.ForceUpdate++
	if _, err := c.api.ServiceUpdate(ctx, svc.ID, client.ServiceUpdateOptions{
		Version: svc.Meta.Version,
		Spec:    spec,
	}); err != nil {
		return E(KindTransient, op, err)
	}
	return nil
}

// UpdateServiceImage replaces the image tag of a service, preserving the
// registry and path, stripping any @sha256 digest, and bumping ForceUpdate
// so a rolling restart is guaranteed even when the tag name is unchanged.
func (c *APIClient) UpdateServiceImage(ctx context.Context, serviceName, newTag string) error {
	const op = "api.UpdateServiceImage"
	svc, err := c.findService(ctx, serviceName)
	if err != nil {
		return err
	}
	spec := svc.Spec
	if spec.TaskTemplate.ContainerSpec == nil {
		return Ef(KindInput, op, "service %s has no container spec", serviceName)
	}
	image := spec.TaskTemplate.ContainerSpec.Image
	if image == "" {
		image = spec.Annotations.Name
	}
	spec.TaskTemplate.ContainerSpec.Image = RewriteImageTag(image, newTag)
	spec.TaskTemplate.ForceUpdate++
	if _, err := c.api.ServiceUpdate(ctx, svc.ID, client.ServiceUpdateOptions{
		Version: svc.Meta.Version,
		Spec:    spec,
	}); err != nil {
		return E(KindTransient, op, err)
	}
	return nil
}

func (c *APIClient) findService(ctx context.Context, name string) (swarm.Service, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return swarm.Service{}, err
	}
	for _, s := range services {
		if s.Spec.Annotations.Name == name || s.ID == name {
			return s, nil
		}
	}
	return swarm.Service{}, Ef(KindInput, "api.findService", "service %q not found", name)
}

// RemoveStack removes every service whose stack namespace label matches.
func (c *APIClient) RemoveStack(ctx context.Context, stack string) (int, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range services {
		if s.Spec.Annotations.Labels[LabelStackNamespace] != stack {
			continue
		}
		if err := c.RemoveService(ctx, s.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, Ef(KindInput, "api.RemoveStack", "stack %q not found", stack)
	}
	return removed, nil
}

// ListStacksAndServices groups swarm services by their stack namespace.
// Services without the label land under "_standalone".
func (c *APIClient) ListStacksAndServices(ctx context.Context) ([]StackService, error) {
	services, err := c.ListServices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StackService, 0, len(services))
	for _, s := range services {
		stack := s.Spec.Annotations.Labels[LabelStackNamespace]
		if stack == "" {
			stack = "_standalone"
		}
		image := ""
		if s.Spec.TaskTemplate.ContainerSpec != nil {
			image = s.Spec.TaskTemplate.ContainerSpec.Image
		}
		out = append(out, StackService{
			Stack:   stack,
			Service: s.Spec.Annotations.Name,
			Image:   image,
		})
	}
	return out, nil
}

// ServiceEnv returns the Env array from a service's container spec. This is
// the fallback used when a worker container cannot be reached for exec.
func (c *APIClient) ServiceEnv(ctx context.Context, serviceName string) ([]string, error) {
	svc, err := c.findService(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if svc.Spec.TaskTemplate.ContainerSpec == nil {
		return nil, nil
	}
	return svc.Spec.TaskTemplate.ContainerSpec.Env, nil
}

// RewriteImageTag swaps the tag of an image reference, stripping any
// @sha256 digest and leaving registry host and repository path untouched.
func RewriteImageTag(image, newTag string) string {
	if at := strings.Index(image, "@"); at >= 0 {
		image = image[:at]
	}
	// The last colon is the tag separator unless it belongs to a registry
	// port (a slash follows it).
	if idx := strings.LastIndex(image, ":"); idx >= 0 && !strings.Contains(image[idx:], "/") {
		image = image[:idx]
	}
	return image + ":" + newTag
}

var _ Client = (*APIClient)(nil)
