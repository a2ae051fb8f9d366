package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/host"
)

// IndexLogs bulk-writes log entries. Individual item failures are logged
// and counted but never fail the batch; one malformed line must not block a
// collection cycle.
func (s *Store) IndexLogs(ctx context.Context, entries []host.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range entries {
		id := LogID(e.Host, e.ContainerID, e.Timestamp, e.Message)
		meta := fmt.Sprintf(`{"index":{"_index":%q,"_id":%q}}`, s.LogsIndex(), id)
		buf.WriteString(meta)
		buf.WriteByte('\n')
		doc, err := json.Marshal(e)
		if err != nil {
			s.log.Warn("skip unmarshalable log entry", "container", e.ContainerName, "error", err)
			continue
		}
		buf.Write(doc)
		buf.WriteByte('\n')
	}

	res, err := s.es.Bulk(bytes.NewReader(buf.Bytes()), s.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk index logs: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk index logs: %s: %s", res.Status(), drainString(res.Body))
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if bulkResp.Errors {
		failed := 0
		var sample string
		for _, item := range bulkResp.Items {
			for _, r := range item {
				if r.Error != nil {
					failed++
					if sample == "" {
						sample = r.Error.Reason
					}
				}
			}
		}
		s.log.Warn("some log documents rejected", "failed", failed, "total", len(entries), "reason", sample)
	}
	return nil
}

// StatsDoc is the indexed shape of one container sample, flattening the
// container identity into the document.
type StatsDoc struct {
	Timestamp       time.Time `json:"timestamp"`
	Host            string    `json:"host"`
	ContainerID     string    `json:"container_id"`
	ContainerName   string    `json:"container_name"`
	StackProject    string    `json:"compose_project,omitempty"`
	StackService    string    `json:"compose_service,omitempty"`
	Status          string    `json:"status"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemUsageMiB     float64   `json:"memory_usage_mb"`
	MemLimitMiB     float64   `json:"memory_limit_mb"`
	MemPercent      float64   `json:"memory_percent"`
	NetRxBytes      uint64    `json:"network_rx_bytes"`
	NetTxBytes      uint64    `json:"network_tx_bytes"`
	BlockReadBytes  uint64    `json:"block_read_bytes"`
	BlockWriteBytes uint64    `json:"block_write_bytes"`
}

// IndexContainerStats upserts one container stats sample.
func (s *Store) IndexContainerStats(ctx context.Context, c host.Container, st *host.Stats) error {
	doc := StatsDoc{
		Timestamp:       st.Timestamp,
		Host:            c.Host,
		ContainerID:     c.ID,
		ContainerName:   c.Name,
		StackProject:    c.StackProject,
		StackService:    c.StackService,
		Status:          c.Status,
		CPUPercent:      st.CPUPercent,
		MemUsageMiB:     st.MemUsageMiB,
		MemLimitMiB:     st.MemLimitMiB,
		MemPercent:      st.MemPercent,
		NetRxBytes:      st.NetRxBytes,
		NetTxBytes:      st.NetTxBytes,
		BlockReadBytes:  st.BlockReadBytes,
		BlockWriteBytes: st.BlockWriteBytes,
	}
	return s.indexDoc(ctx, s.StatsIndex(), StatsID(c.Host, c.ID, st.Timestamp), doc)
}

// metricsDoc flattens the optional GPU block into top-level fields so the
// date_histogram aggregations stay one level deep.
type metricsDoc struct {
	Timestamp    time.Time `json:"timestamp"`
	Host         string    `json:"host"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemTotalMiB  float64   `json:"memory_total_mb"`
	MemUsedMiB   float64   `json:"memory_used_mb"`
	MemPercent   float64   `json:"memory_percent"`
	DiskTotalGB  float64   `json:"disk_total_gb"`
	DiskUsedGB   float64   `json:"disk_used_gb"`
	DiskPercent  float64   `json:"disk_percent"`
	GPUPercent   *float64  `json:"gpu_percent,omitempty"`
	VRAMUsedMiB  *float64  `json:"vram_used_mb,omitempty"`
	VRAMTotalMiB *float64  `json:"vram_total_mb,omitempty"`
}

// IndexHostMetrics upserts one host-level sample.
func (s *Store) IndexHostMetrics(ctx context.Context, hostName string, m *host.Metrics) error {
	doc := metricsDoc{
		Timestamp:   m.Timestamp,
		Host:        hostName,
		CPUPercent:  m.CPUPercent,
		MemTotalMiB: m.MemTotalMiB,
		MemUsedMiB:  m.MemUsedMiB,
		MemPercent:  m.MemPercent,
		DiskTotalGB: m.DiskTotalGB,
		DiskUsedGB:  m.DiskUsedGB,
		DiskPercent: m.DiskPercent,
	}
	if m.GPU != nil {
		doc.GPUPercent = &m.GPU.UtilPercent
		doc.VRAMUsedMiB = &m.GPU.VRAMUsedMiB
		doc.VRAMTotalMiB = &m.GPU.VRAMTotalMiB
	}
	return s.indexDoc(ctx, s.MetricsIndex(), MetricsID(hostName, m.Timestamp), doc)
}

func (s *Store) indexDoc(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal doc for %s: %w", index, err)
	}
	res, err := s.es.Index(index, bytes.NewReader(body),
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("index doc in %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index doc in %s: %s: %s", index, res.Status(), drainString(res.Body))
	}
	drain(res.Body)
	return nil
}

// DeleteOlderThan removes documents past the retention horizon from all
// three indices. Returns the total number of deleted documents.
func (s *Store) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age).Format(time.RFC3339)
	body := fmt.Sprintf(`{"query":{"range":{"timestamp":{"lt":%q}}}}`, cutoff)

	var total int64
	for _, index := range []string{s.LogsIndex(), s.StatsIndex(), s.MetricsIndex()} {
		res, err := s.es.DeleteByQuery([]string{index}, strings.NewReader(body),
			s.es.DeleteByQuery.WithContext(ctx),
			s.es.DeleteByQuery.WithConflicts("proceed"),
		)
		if err != nil {
			return total, fmt.Errorf("delete by query %s: %w", index, err)
		}
		var out struct {
			Deleted int64 `json:"deleted"`
		}
		err = json.NewDecoder(res.Body).Decode(&out)
		res.Body.Close()
		if err != nil {
			return total, fmt.Errorf("decode delete response %s: %w", index, err)
		}
		total += out.Deleted
	}
	return total, nil
}
