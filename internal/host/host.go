// Package host provides a uniform capability surface over the three ways
// Spyglass reaches a Docker daemon: the Engine API (unix socket or TCP),
// the docker CLI over SSH, and a Swarm manager acting as a proxy for its
// worker nodes. All three implement the Client interface so the collector
// and query layers never care how a host is wired up.
package host

import (
	"context"
	"time"
)

// Container is the normalized per-poll container record. It is materialized
// on every inventory refresh and never persisted.
type Container struct {
	ID           string            `json:"id"` // 12-char short ID
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Status       string            `json:"status"` // running, paused, exited, restarting, dead, created, removing
	CreatedAt    time.Time         `json:"created_at"`
	Host         string            `json:"host"`
	StackProject string            `json:"stack_project,omitempty"`
	StackService string            `json:"stack_service,omitempty"`
	Ports        map[string]string `json:"ports,omitempty"` // "80/tcp" -> "0.0.0.0:8080"
	Labels       map[string]string `json:"labels,omitempty"`
}

// Stats is one resource sample for a container.
type Stats struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"` // per-core aggregate, up to 100 x cores
	MemUsageMiB     float64   `json:"memory_usage_mb"`
	MemLimitMiB     float64   `json:"memory_limit_mb"`
	MemPercent      float64   `json:"memory_percent"`
	NetRxBytes      uint64    `json:"network_rx_bytes"`
	NetTxBytes      uint64    `json:"network_tx_bytes"`
	BlockReadBytes  uint64    `json:"block_read_bytes"`
	BlockWriteBytes uint64    `json:"block_write_bytes"`
}

// GPUMetrics is the optional GPU triple on a host sample.
type GPUMetrics struct {
	UtilPercent  float64 `json:"gpu_percent"`
	VRAMUsedMiB  float64 `json:"vram_used_mb"`
	VRAMTotalMiB float64 `json:"vram_total_mb"`
}

// Metrics is one host-level resource sample.
type Metrics struct {
	Timestamp   time.Time   `json:"timestamp"`
	CPUPercent  float64     `json:"cpu_percent"`
	MemTotalMiB float64     `json:"memory_total_mb"`
	MemUsedMiB  float64     `json:"memory_used_mb"`
	MemPercent  float64     `json:"memory_percent"`
	DiskTotalGB float64     `json:"disk_total_gb"`
	DiskUsedGB  float64     `json:"disk_used_gb"`
	DiskPercent float64     `json:"disk_percent"`
	GPU         *GPUMetrics `json:"gpu,omitempty"`
}

// LogEntry is one parsed log line, ready for indexing.
type LogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Host          string         `json:"host"`
	ContainerID   string         `json:"container_id"`
	ContainerName string         `json:"container_name"`
	StackProject  string         `json:"compose_project,omitempty"`
	StackService  string         `json:"compose_service,omitempty"`
	Stream        string         `json:"stream"` // stdout or stderr
	Message       string         `json:"message"`
	Level         string         `json:"level,omitempty"`
	HTTPStatus    int            `json:"http_status,omitempty"`
	Fields        map[string]any `json:"parsed_fields,omitempty"`
}

// LogsRequest selects which logs to fetch for one container.
// When Since is zero and Tail is 0, implementations default to Tail=500.
// When Since is set, Tail is ignored.
type LogsRequest struct {
	ContainerID   string
	ContainerName string
	Since         time.Time
	Tail          int

	// Indexing metadata carried onto every produced entry.
	StackProject string
	StackService string

	// TaskID routes the fetch through /tasks/{id}/logs on a manager.
	// On failure the implementation falls back to the container endpoint.
	TaskID string
}

// Lifecycle actions accepted by ExecuteAction.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
	ActionPause   = "pause"
	ActionUnpause = "unpause"
	ActionRemove  = "remove"
)

// Client is the capability interface every host backend implements.
// All operations may fail with a categorized *Error (see errors.go).
type Client interface {
	// Name returns the operator-assigned host name.
	Name() string

	// ListContainers returns every container on the host regardless of state.
	ListContainers(ctx context.Context) ([]Container, error)

	// ContainerStats takes a one-shot, non-streaming sample.
	ContainerStats(ctx context.Context, id, name string) (*Stats, error)

	// HostMetrics samples host-level CPU, memory, and disk.
	HostMetrics(ctx context.Context) (*Metrics, error)

	// ContainerLogs fetches and parses logs per the LogsRequest contract.
	ContainerLogs(ctx context.Context, req LogsRequest) ([]LogEntry, error)

	// ExecuteAction runs a lifecycle action and returns the daemon's message.
	ExecuteAction(ctx context.Context, id, action string) (string, error)

	// Exec runs argv inside the container and returns combined output.
	Exec(ctx context.Context, id string, argv []string) (string, error)

	// Close releases the connection. Close is idempotent.
	Close() error
}

// StackService pairs a swarm service with the stack it belongs to.
type StackService struct {
	Stack    string `json:"stack"`
	Service  string `json:"service"`
	Image    string `json:"image"`
	Replicas string `json:"replicas,omitempty"`
}

// ShortID truncates a container ID to the canonical 12 characters.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
