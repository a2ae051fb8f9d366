// Package index persists logs, container stats, and host metrics in
// Elasticsearch and answers the aggregation queries the dashboard needs.
// Document IDs are deterministic so re-ingesting an overlapping window
// deduplicates instead of double-counting.
package index

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"

	"github.com/gvinsot/Docker-Spyglass/internal/logging"
)

// Store wraps the Elasticsearch client with the index naming scheme.
type Store struct {
	es     *elasticsearch.Client
	prefix string
	log    *logging.Logger
}

// Options configures the connection.
type Options struct {
	URL      string
	Username string
	Password string
	Prefix   string // index name prefix, e.g. "spyglass"
}

// New connects to Elasticsearch. The connection is lazy; call WaitReady to
// block until the cluster answers.
func New(opts Options, log *logging.Logger) (*Store, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{opts.URL},
		Username:  opts.Username,
		Password:  opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "spyglass"
	}
	return &Store{es: es, prefix: prefix, log: log}, nil
}

func (s *Store) LogsIndex() string    { return s.prefix + "-logs" }
func (s *Store) StatsIndex() string   { return s.prefix + "-metrics" }
func (s *Store) MetricsIndex() string { return s.prefix + "-host-metrics" }

// WaitReady polls the cluster until it responds or attempts run out.
// Elasticsearch routinely takes tens of seconds to come up after a stack
// deploy, so the default is 30 attempts two seconds apart.
func (s *Store) WaitReady(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 30
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
		if err != nil {
			lastErr = err
			continue
		}
		drain(res.Body)
		if !res.IsError() {
			return nil
		}
		lastErr = fmt.Errorf("ping status %s", res.Status())
	}
	return fmt.Errorf("elasticsearch not ready after %d attempts: %w", attempts, lastErr)
}

// indexSettings is shared by all three indices: single shard, no replicas
// (this is a single-node observability store, not a search cluster), and a
// relaxed refresh so bulk ingestion stays cheap.
const indexSettings = `{
  "number_of_shards": 1,
  "number_of_replicas": 0,
  "refresh_interval": "5s"
}`

const logsMappings = `{
  "properties": {
    "timestamp":       {"type": "date"},
    "host":            {"type": "keyword"},
    "container_id":    {"type": "keyword"},
    "container_name":  {"type": "keyword"},
    "compose_project": {"type": "keyword"},
    "compose_service": {"type": "keyword"},
    "stream":          {"type": "keyword"},
    "level":           {"type": "keyword"},
    "http_status":     {"type": "integer"},
    "message":         {"type": "text"},
    "parsed_fields":   {"type": "object", "enabled": false}
  }
}`

const statsMappings = `{
  "properties": {
    "timestamp":          {"type": "date"},
    "host":               {"type": "keyword"},
    "container_id":       {"type": "keyword"},
    "container_name":     {"type": "keyword"},
    "compose_project":    {"type": "keyword"},
    "compose_service":    {"type": "keyword"},
    "status":             {"type": "keyword"},
    "cpu_percent":        {"type": "float"},
    "memory_usage_mb":    {"type": "float"},
    "memory_limit_mb":    {"type": "float"},
    "memory_percent":     {"type": "float"},
    "network_rx_bytes":   {"type": "long"},
    "network_tx_bytes":   {"type": "long"},
    "block_read_bytes":   {"type": "long"},
    "block_write_bytes":  {"type": "long"}
  }
}`

const metricsMappings = `{
  "properties": {
    "timestamp":        {"type": "date"},
    "host":             {"type": "keyword"},
    "cpu_percent":      {"type": "float"},
    "memory_total_mb":  {"type": "float"},
    "memory_used_mb":   {"type": "float"},
    "memory_percent":   {"type": "float"},
    "disk_total_gb":    {"type": "float"},
    "disk_used_gb":     {"type": "float"},
    "disk_percent":     {"type": "float"},
    "gpu_percent":      {"type": "float"},
    "vram_used_mb":     {"type": "float"},
    "vram_total_mb":    {"type": "float"}
  }
}`

// EnsureIndices creates the three indices if they do not exist yet.
// Existing indices are left untouched so mapping evolution stays a manual,
// reindex-based operation.
func (s *Store) EnsureIndices(ctx context.Context) error {
	specs := []struct{ name, mappings string }{
		{s.LogsIndex(), logsMappings},
		{s.StatsIndex(), statsMappings},
		{s.MetricsIndex(), metricsMappings},
	}
	for _, spec := range specs {
		exists, err := s.indexExists(ctx, spec.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		body := fmt.Sprintf(`{"settings": %s, "mappings": %s}`, indexSettings, spec.mappings)
		res, err := s.es.Indices.Create(spec.name,
			s.es.Indices.Create.WithContext(ctx),
			s.es.Indices.Create.WithBody(strings.NewReader(body)),
		)
		if err != nil {
			return fmt.Errorf("create index %s: %w", spec.name, err)
		}
		msg := drainString(res.Body)
		if res.IsError() {
			// Racing creators are fine; anything else is not.
			if !strings.Contains(msg, "resource_already_exists_exception") {
				return fmt.Errorf("create index %s: %s: %s", spec.name, res.Status(), msg)
			}
		}
		s.log.Info("created index", "index", spec.name)
	}
	return nil
}

func (s *Store) indexExists(ctx context.Context, name string) (bool, error) {
	res, err := s.es.Indices.Exists([]string{name}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", name, err)
	}
	drain(res.Body)
	return res.StatusCode == 200, nil
}

// DocID builds a deterministic md5 document ID from its parts.
func DocID(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// LogID derives the ID for one log entry: host, container, timestamp, and
// the first 100 characters of the message. Identical lines at distinct
// microseconds stay distinct; the same line fetched twice collapses.
func LogID(hostName, containerID string, ts time.Time, message string) string {
	if len(message) > 100 {
		message = message[:100]
	}
	return DocID(hostName, containerID, ts.UTC().Format(time.RFC3339Nano), message)
}

// StatsID derives the ID for one container stats sample.
func StatsID(hostName, containerID string, ts time.Time) string {
	return DocID(hostName, containerID, ts.UTC().Format(time.RFC3339Nano))
}

// MetricsID derives the ID for one host metrics sample.
func MetricsID(hostName string, ts time.Time) string {
	return DocID(hostName, ts.UTC().Format(time.RFC3339Nano))
}

func drain(body io.ReadCloser) {
	if body != nil {
		io.Copy(io.Discard, body)
		body.Close()
	}
}

func drainString(body io.ReadCloser) string {
	if body == nil {
		return ""
	}
	defer body.Close()
	var buf bytes.Buffer
	io.Copy(&buf, body)
	return buf.String()
}
