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

// search marshals body, runs it against index, and decodes the response
// into out.
func (s *Store) search(ctx context.Context, index string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal query for %s: %w", index, err)
	}
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(index),
		s.es.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("search %s: %s: %s", index, res.Status(), drainString(res.Body))
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search response from %s: %w", index, err)
	}
	return nil
}

func rangeFilter(from, to time.Time) map[string]any {
	r := map[string]any{}
	if !from.IsZero() {
		r["gte"] = from.UTC().Format(time.RFC3339Nano)
	}
	if !to.IsZero() {
		r["lte"] = to.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{"range": map[string]any{"timestamp": r}}
}

// HostAverage is the per-host rollup shown on the dashboard.
type HostAverage struct {
	Host        string   `json:"host"`
	CPUPercent  float64  `json:"cpu_percent"`
	MemPercent  float64  `json:"memory_percent"`
	DiskPercent float64  `json:"disk_percent"`
	GPUPercent  *float64 `json:"gpu_percent,omitempty"`
}

// HostAverages aggregates host metrics over the window, one bucket per
// host. Averages come from the host-metrics documents directly; summing
// container samples would double-count shared cores.
func (s *Store) HostAverages(ctx context.Context, window time.Duration) ([]HostAverage, error) {
	body := map[string]any{
		"size":  0,
		"query": rangeFilter(time.Now().UTC().Add(-window), time.Time{}),
		"aggs": map[string]any{
			"hosts": map[string]any{
				"terms": map[string]any{"field": "host", "size": 100},
				"aggs": map[string]any{
					"cpu":  map[string]any{"avg": map[string]any{"field": "cpu_percent"}},
					"mem":  map[string]any{"avg": map[string]any{"field": "memory_percent"}},
					"disk": map[string]any{"avg": map[string]any{"field": "disk_percent"}},
					"gpu":  map[string]any{"avg": map[string]any{"field": "gpu_percent"}},
				},
			},
		},
	}

	var resp struct {
		Aggregations struct {
			Hosts struct {
				Buckets []struct {
					Key  string   `json:"key"`
					CPU  avgValue `json:"cpu"`
					Mem  avgValue `json:"mem"`
					Disk avgValue `json:"disk"`
					GPU  avgValue `json:"gpu"`
				} `json:"buckets"`
			} `json:"hosts"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, s.MetricsIndex(), body, &resp); err != nil {
		return nil, err
	}

	out := make([]HostAverage, 0, len(resp.Aggregations.Hosts.Buckets))
	for _, b := range resp.Aggregations.Hosts.Buckets {
		avg := HostAverage{
			Host:        b.Key,
			CPUPercent:  b.CPU.or(0),
			MemPercent:  b.Mem.or(0),
			DiskPercent: b.Disk.or(0),
		}
		if b.GPU.Value != nil {
			avg.GPUPercent = b.GPU.Value
		}
		out = append(out, avg)
	}
	return out, nil
}

type avgValue struct {
	Value *float64 `json:"value"`
}

func (a avgValue) or(def float64) float64 {
	if a.Value == nil {
		return def
	}
	return *a.Value
}

// LogCounts tallies the problem signals in a slice of the logs index.
type LogCounts struct {
	Errors   int64 `json:"errors"`
	Warnings int64 `json:"warnings"`
	HTTP4xx  int64 `json:"http_4xx"`
	HTTP5xx  int64 `json:"http_5xx"`
}

// errorLevels are the levels counted as errors on the dashboard.
var errorLevels = []string{"ERROR", "FATAL", "CRITICAL"}

func logCountAggs() map[string]any {
	return map[string]any{
		"errors":   map[string]any{"filter": map[string]any{"terms": map[string]any{"level": errorLevels}}},
		"warnings": map[string]any{"filter": map[string]any{"term": map[string]any{"level": "WARN"}}},
		"http_4xx": map[string]any{"filter": map[string]any{"range": map[string]any{"http_status": map[string]any{"gte": 400, "lt": 500}}}},
		"http_5xx": map[string]any{"filter": map[string]any{"range": map[string]any{"http_status": map[string]any{"gte": 500, "lt": 600}}}},
	}
}

type countBucket struct {
	DocCount int64 `json:"doc_count"`
}

type logCountBuckets struct {
	Errors   countBucket `json:"errors"`
	Warnings countBucket `json:"warnings"`
	HTTP4xx  countBucket `json:"http_4xx"`
	HTTP5xx  countBucket `json:"http_5xx"`
}

func (b logCountBuckets) counts() LogCounts {
	return LogCounts{
		Errors:   b.Errors.DocCount,
		Warnings: b.Warnings.DocCount,
		HTTP4xx:  b.HTTP4xx.DocCount,
		HTTP5xx:  b.HTTP5xx.DocCount,
	}
}

// LogCounts counts errors, warnings, and HTTP 4xx/5xx lines over the
// window. The dashboard shows the last 24 hours.
func (s *Store) LogCounts(ctx context.Context, window time.Duration) (*LogCounts, error) {
	body := map[string]any{
		"size":  0,
		"query": rangeFilter(time.Now().UTC().Add(-window), time.Time{}),
		"aggs":  logCountAggs(),
	}
	var resp struct {
		Aggregations logCountBuckets `json:"aggregations"`
	}
	if err := s.search(ctx, s.LogsIndex(), body, &resp); err != nil {
		return nil, err
	}
	counts := resp.Aggregations.counts()
	return &counts, nil
}

// latestStatsWindow bounds the freshness of a "latest" sample. A container
// with no sample in five minutes has no current stats worth showing.
const latestStatsWindow = 5 * time.Minute

// LatestStats returns the most recent sample per container, keyed by
// container ID, within the freshness window.
func (s *Store) LatestStats(ctx context.Context) (map[string]StatsDoc, error) {
	body := map[string]any{
		"size":  0,
		"query": rangeFilter(time.Now().UTC().Add(-latestStatsWindow), time.Time{}),
		"aggs": map[string]any{
			"containers": map[string]any{
				"terms": map[string]any{"field": "container_id", "size": 10000},
				"aggs": map[string]any{
					"latest": map[string]any{
						"top_hits": map[string]any{
							"size": 1,
							"sort": []map[string]any{{"timestamp": map[string]any{"order": "desc"}}},
						},
					},
				},
			},
		},
	}

	var resp struct {
		Aggregations struct {
			Containers struct {
				Buckets []struct {
					Key    string `json:"key"`
					Latest struct {
						Hits struct {
							Hits []struct {
								Source StatsDoc `json:"_source"`
							} `json:"hits"`
						} `json:"hits"`
					} `json:"latest"`
				} `json:"buckets"`
			} `json:"containers"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, s.StatsIndex(), body, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]StatsDoc, len(resp.Aggregations.Containers.Buckets))
	for _, b := range resp.Aggregations.Containers.Buckets {
		if len(b.Latest.Hits.Hits) > 0 {
			out[b.Key] = b.Latest.Hits.Hits[0].Source
		}
	}
	return out, nil
}

// SeriesRequest selects one time series. Exactly one of ContainerID or
// Host should be set; ContainerID wins when both are.
type SeriesRequest struct {
	Host        string
	ContainerID string
	From        time.Time
	To          time.Time
	Interval    string // date_histogram fixed_interval, e.g. "1m"
}

// SeriesPoint is one bucket of a time series. VRAMPercent is derived from
// the used/total averages, since averaging a ratio of averages directly in
// the histogram would weight buckets wrongly.
type SeriesPoint struct {
	Time        time.Time `json:"time"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemUsedMiB  float64   `json:"memory_used_mb"`
	MemPercent  float64   `json:"memory_percent"`
	DiskPercent float64   `json:"disk_percent,omitempty"`
	GPUPercent  float64   `json:"gpu_percent,omitempty"`
	VRAMPercent float64   `json:"vram_percent,omitempty"`
}

// fillSeriesDefaults applies the one-minute, last-hour window defaults.
func fillSeriesDefaults(req *SeriesRequest) {
	if req.Interval == "" {
		req.Interval = "1m"
	}
	if req.To.IsZero() {
		req.To = time.Now().UTC()
	}
	if req.From.IsZero() {
		req.From = req.To.Add(-1 * time.Hour)
	}
}

func resourceAggs(memField string) map[string]any {
	return map[string]any{
		"cpu":        map[string]any{"avg": map[string]any{"field": "cpu_percent"}},
		"mem":        map[string]any{"avg": map[string]any{"field": memField}},
		"mem_pct":    map[string]any{"avg": map[string]any{"field": "memory_percent"}},
		"disk":       map[string]any{"avg": map[string]any{"field": "disk_percent"}},
		"gpu":        map[string]any{"avg": map[string]any{"field": "gpu_percent"}},
		"vram_used":  map[string]any{"avg": map[string]any{"field": "vram_used_mb"}},
		"vram_total": map[string]any{"avg": map[string]any{"field": "vram_total_mb"}},
	}
}

func dateHistogram(interval string, subAggs map[string]any) map[string]any {
	return map[string]any{
		"date_histogram": map[string]any{
			"field":          "timestamp",
			"fixed_interval": interval,
			"min_doc_count":  1,
		},
		"aggs": subAggs,
	}
}

type seriesBucket struct {
	Key       int64    `json:"key"` // epoch millis
	CPU       avgValue `json:"cpu"`
	Mem       avgValue `json:"mem"`
	MemPct    avgValue `json:"mem_pct"`
	Disk      avgValue `json:"disk"`
	GPU       avgValue `json:"gpu"`
	VRAMUsed  avgValue `json:"vram_used"`
	VRAMTotal avgValue `json:"vram_total"`
}

func (b seriesBucket) point() SeriesPoint {
	p := SeriesPoint{
		Time:        time.UnixMilli(b.Key).UTC(),
		CPUPercent:  b.CPU.or(0),
		MemUsedMiB:  b.Mem.or(0),
		MemPercent:  b.MemPct.or(0),
		DiskPercent: b.Disk.or(0),
		GPUPercent:  b.GPU.or(0),
	}
	if total := b.VRAMTotal.or(0); total > 0 {
		p.VRAMPercent = b.VRAMUsed.or(0) / total * 100
	}
	return p
}

// TimeSeries builds a resource-usage histogram for a container or a host.
func (s *Store) TimeSeries(ctx context.Context, req SeriesRequest) ([]SeriesPoint, error) {
	fillSeriesDefaults(&req)

	index := s.MetricsIndex()
	memField := "memory_used_mb"
	filters := []map[string]any{rangeFilter(req.From, req.To)}
	if req.ContainerID != "" {
		index = s.StatsIndex()
		memField = "memory_usage_mb"
		filters = append(filters, map[string]any{"term": map[string]any{"container_id": req.ContainerID}})
	} else if req.Host != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"host": req.Host}})
	}

	body := map[string]any{
		"size":  0,
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"aggs": map[string]any{
			"series": dateHistogram(req.Interval, resourceAggs(memField)),
		},
	}

	var resp struct {
		Aggregations struct {
			Series struct {
				Buckets []seriesBucket `json:"buckets"`
			} `json:"series"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, index, body, &resp); err != nil {
		return nil, err
	}

	points := make([]SeriesPoint, 0, len(resp.Aggregations.Series.Buckets))
	for _, b := range resp.Aggregations.Series.Buckets {
		points = append(points, b.point())
	}
	return points, nil
}

// HostSeries is one host's slice of the by-host resource series.
type HostSeries struct {
	Host   string        `json:"host"`
	Points []SeriesPoint `json:"points"`
}

// TimeSeriesByHost splits the host-metrics histogram per host, capped at
// fifty hosts.
func (s *Store) TimeSeriesByHost(ctx context.Context, req SeriesRequest) ([]HostSeries, error) {
	fillSeriesDefaults(&req)

	body := map[string]any{
		"size":  0,
		"query": map[string]any{"bool": map[string]any{"filter": []map[string]any{rangeFilter(req.From, req.To)}}},
		"aggs": map[string]any{
			"hosts": map[string]any{
				"terms": map[string]any{"field": "host", "size": 50},
				"aggs": map[string]any{
					"series": dateHistogram(req.Interval, resourceAggs("memory_used_mb")),
				},
			},
		},
	}

	var resp struct {
		Aggregations struct {
			Hosts struct {
				Buckets []struct {
					Key    string `json:"key"`
					Series struct {
						Buckets []seriesBucket `json:"buckets"`
					} `json:"series"`
				} `json:"buckets"`
			} `json:"hosts"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, s.MetricsIndex(), body, &resp); err != nil {
		return nil, err
	}

	out := make([]HostSeries, 0, len(resp.Aggregations.Hosts.Buckets))
	for _, hb := range resp.Aggregations.Hosts.Buckets {
		hs := HostSeries{Host: hb.Key, Points: make([]SeriesPoint, 0, len(hb.Series.Buckets))}
		for _, b := range hb.Series.Buckets {
			hs.Points = append(hs.Points, b.point())
		}
		out = append(out, hs)
	}
	return out, nil
}

// LogSeriesPoint is one bucket of the problem-rate histogram.
type LogSeriesPoint struct {
	Time time.Time `json:"time"`
	LogCounts
}

// LogSeries builds an error and HTTP-status histogram over the logs,
// optionally narrowed to one host or container.
func (s *Store) LogSeries(ctx context.Context, req SeriesRequest) ([]LogSeriesPoint, error) {
	fillSeriesDefaults(&req)

	filters := []map[string]any{rangeFilter(req.From, req.To)}
	if req.Host != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"host": req.Host}})
	}
	if req.ContainerID != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"container_id": req.ContainerID}})
	}

	body := map[string]any{
		"size":  0,
		"query": map[string]any{"bool": map[string]any{"filter": filters}},
		"aggs": map[string]any{
			"series": dateHistogram(req.Interval, logCountAggs()),
		},
	}

	var resp struct {
		Aggregations struct {
			Series struct {
				Buckets []struct {
					Key int64 `json:"key"`
					logCountBuckets
				} `json:"buckets"`
			} `json:"series"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, s.LogsIndex(), body, &resp); err != nil {
		return nil, err
	}

	points := make([]LogSeriesPoint, 0, len(resp.Aggregations.Series.Buckets))
	for _, b := range resp.Aggregations.Series.Buckets {
		points = append(points, LogSeriesPoint{
			Time:      time.UnixMilli(b.Key).UTC(),
			LogCounts: b.counts(),
		})
	}
	return points, nil
}

// similarStopWords are tokens too common to discriminate between log lines.
var similarStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "of": true,
	"in": true, "on": true, "for": true, "and": true, "or": true,
	"is": true, "at": true, "with": true, "from": true,
}

// NormalizeMessage reduces a log line to its discriminating tokens:
// lower-cased, numbers and long hex identifiers dropped, stop words and
// anything under three characters removed, capped at six tokens.
func NormalizeMessage(msg string) []string {
	fields := strings.FieldsFunc(strings.ToLower(msg), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' && r != '-'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || similarStopWords[f] || looksLikeIdentifier(f) {
			continue
		}
		tokens = append(tokens, f)
		if len(tokens) == 6 {
			break
		}
	}
	return tokens
}

// looksLikeIdentifier drops pure numbers and hex-ish blobs (request IDs,
// container IDs, hashes) that would make every line unique.
func looksLikeIdentifier(tok string) bool {
	digits, hexish := 0, 0
	for _, r := range tok {
		switch {
		case r >= '0' && r <= '9':
			digits++
			hexish++
		case r >= 'a' && r <= 'f':
			hexish++
		}
	}
	if digits == len(tok) {
		return true
	}
	return len(tok) >= 8 && hexish == len(tok) && digits > 0
}

// CountSimilarLogs counts how many recent entries resemble the given
// message: at least half of its normalized tokens (and no fewer than two)
// must match.
func (s *Store) CountSimilarLogs(ctx context.Context, message string, window time.Duration) (int64, error) {
	tokens := NormalizeMessage(message)
	if len(tokens) < 2 {
		return 0, nil
	}
	should := make([]map[string]any, 0, len(tokens))
	for _, tok := range tokens {
		should = append(should, map[string]any{"match": map[string]any{"message": tok}})
	}
	minShould := len(tokens) / 2
	if minShould < 2 {
		minShould = 2
	}

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"filter":               []map[string]any{rangeFilter(time.Now().UTC().Add(-window), time.Time{})},
				"should":               should,
				"minimum_should_match": minShould,
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	res, err := s.es.Count(
		s.es.Count.WithContext(ctx),
		s.es.Count.WithIndex(s.LogsIndex()),
		s.es.Count.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return 0, fmt.Errorf("count similar logs: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("count similar logs: %s: %s", res.Status(), drainString(res.Body))
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Metadata lists the distinct filter values the log search UI offers.
type Metadata struct {
	Hosts      []string `json:"hosts"`
	Projects   []string `json:"projects"`
	Containers []string `json:"containers"`
	Levels     []string `json:"levels"`
}

// LogMetadata aggregates distinct hosts, projects, container names, and
// levels seen in the last day of logs.
func (s *Store) LogMetadata(ctx context.Context) (*Metadata, error) {
	terms := func(field string) map[string]any {
		return map[string]any{"terms": map[string]any{"field": field, "size": 500}}
	}
	body := map[string]any{
		"size":  0,
		"query": rangeFilter(time.Now().UTC().Add(-24*time.Hour), time.Time{}),
		"aggs": map[string]any{
			"hosts":      terms("host"),
			"projects":   terms("compose_project"),
			"containers": terms("container_name"),
			"levels":     terms("level"),
		},
	}

	type bucketList struct {
		Buckets []struct {
			Key string `json:"key"`
		} `json:"buckets"`
	}
	var resp struct {
		Aggregations struct {
			Hosts      bucketList `json:"hosts"`
			Projects   bucketList `json:"projects"`
			Containers bucketList `json:"containers"`
			Levels     bucketList `json:"levels"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, s.LogsIndex(), body, &resp); err != nil {
		return nil, err
	}

	keys := func(b bucketList) []string {
		out := make([]string, 0, len(b.Buckets))
		for _, k := range b.Buckets {
			out = append(out, k.Key)
		}
		return out
	}
	return &Metadata{
		Hosts:      keys(resp.Aggregations.Hosts),
		Projects:   keys(resp.Aggregations.Projects),
		Containers: keys(resp.Aggregations.Containers),
		Levels:     keys(resp.Aggregations.Levels),
	}, nil
}

// LogQuery selects log entries for the search endpoint. The list filters
// are ORed within a field and ANDed across fields.
type LogQuery struct {
	Query         string // query_string syntax over the message field
	Hosts         []string
	ContainerIDs  []string
	StackProjects []string
	Levels        []string
	HTTPStatusMin int
	HTTPStatusMax int
	From, To      time.Time
	Offset        int
	Limit         int
}

// maxSearchSize caps one page of search results.
const maxSearchSize = 10000

// SearchResult is a page of matching entries plus the facet counts the
// search UI renders next to the hit list.
type SearchResult struct {
	Entries    []host.LogEntry  `json:"entries"`
	Total      int64            `json:"total"`
	Levels     map[string]int64 `json:"levels"`
	Hosts      map[string]int64 `json:"hosts"`
	Containers map[string]int64 `json:"containers"`
}

// SearchLogs runs a filtered full-text search, newest first, with levels,
// hosts, and containers facets alongside the page.
func (s *Store) SearchLogs(ctx context.Context, q LogQuery) (*SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > maxSearchSize {
		limit = maxSearchSize
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var filters []map[string]any
	if !q.From.IsZero() || !q.To.IsZero() {
		filters = append(filters, rangeFilter(q.From, q.To))
	}
	for field, values := range map[string][]string{
		"host":            q.Hosts,
		"container_id":    q.ContainerIDs,
		"compose_project": q.StackProjects,
		"level":           q.Levels,
	} {
		if len(values) > 0 {
			filters = append(filters, map[string]any{"terms": map[string]any{field: values}})
		}
	}
	if q.HTTPStatusMin > 0 || q.HTTPStatusMax > 0 {
		r := map[string]any{}
		if q.HTTPStatusMin > 0 {
			r["gte"] = q.HTTPStatusMin
		}
		if q.HTTPStatusMax > 0 {
			r["lte"] = q.HTTPStatusMax
		}
		filters = append(filters, map[string]any{"range": map[string]any{"http_status": r}})
	}

	boolQuery := map[string]any{"filter": filters}
	if q.Query != "" {
		boolQuery["must"] = []map[string]any{{
			"query_string": map[string]any{
				"query":            q.Query,
				"default_field":    "message",
				"default_operator": "AND",
			},
		}}
	}

	facet := func(field string) map[string]any {
		return map[string]any{"terms": map[string]any{"field": field, "size": 50}}
	}
	body := map[string]any{
		"from":  offset,
		"size":  limit,
		"query": map[string]any{"bool": boolQuery},
		"sort":  []map[string]any{{"timestamp": map[string]any{"order": "desc"}}},
		"aggs": map[string]any{
			"levels":     facet("level"),
			"hosts":      facet("host"),
			"containers": facet("container_name"),
		},
	}

	type facetBuckets struct {
		Buckets []struct {
			Key      string `json:"key"`
			DocCount int64  `json:"doc_count"`
		} `json:"buckets"`
	}
	var resp struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source host.LogEntry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
		Aggregations struct {
			Levels     facetBuckets `json:"levels"`
			Hosts      facetBuckets `json:"hosts"`
			Containers facetBuckets `json:"containers"`
		} `json:"aggregations"`
	}
	if err := s.search(ctx, s.LogsIndex(), body, &resp); err != nil {
		return nil, err
	}

	counts := func(f facetBuckets) map[string]int64 {
		out := make(map[string]int64, len(f.Buckets))
		for _, b := range f.Buckets {
			out[b.Key] = b.DocCount
		}
		return out
	}
	result := &SearchResult{
		Entries:    make([]host.LogEntry, 0, len(resp.Hits.Hits)),
		Total:      resp.Hits.Total.Value,
		Levels:     counts(resp.Aggregations.Levels),
		Hosts:      counts(resp.Aggregations.Hosts),
		Containers: counts(resp.Aggregations.Containers),
	}
	for _, h := range resp.Hits.Hits {
		result.Entries = append(result.Entries, h.Source)
	}
	return result, nil
}
