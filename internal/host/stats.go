package host

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
)

func nowUTC() time.Time { return time.Now().UTC() }

const (
	mib = 1024 * 1024
	pib = float64(1) * 1024 * 1024 * 1024 * 1024 * 1024
)

// CPUPercent computes a per-core-aggregate CPU percentage from usage deltas.
// When system CPU time is available the usual Docker formula applies:
// delta_total / delta_system * cpus * 100. Without it (one-shot samples on
// some daemons report SystemUsage = 0) the total-nanoseconds delta is scaled
// against a one-second-per-core interval. Either path is capped at
// 100 * cpus.
func CPUPercent(deltaTotal, deltaSystem uint64, cpus int) float64 {
	if cpus <= 0 {
		cpus = 1
	}
	ceiling := 100.0 * float64(cpus)

	var pct float64
	if deltaSystem > 0 {
		pct = float64(deltaTotal) / float64(deltaSystem) * float64(cpus) * 100.0
	} else {
		pct = float64(deltaTotal) / 1e9 * 100.0 / float64(cpus)
	}
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 {
		return 0
	}
	if pct > ceiling {
		return ceiling
	}
	return pct
}

// MemoryMiB normalizes a usage/limit pair to MiB with the unlimited-limit
// sanity rule: a limit above 1 PiB means "no limit", in which case the
// limit is synthesized as twice the usage (or 1024 MiB when usage is zero)
// so percentage math stays meaningful.
func MemoryMiB(usage, limit uint64) (usedMiB, limitMiB, percent float64) {
	usedMiB = float64(usage) / mib
	limitMiB = float64(limit) / mib
	if float64(limit) > pib || limit == 0 {
		if usedMiB > 0 {
			limitMiB = usedMiB * 2
		} else {
			limitMiB = 1024
		}
	}
	if limitMiB > 0 {
		percent = usedMiB / limitMiB * 100.0
	}
	return usedMiB, limitMiB, percent
}

// StatsFromResponse converts a one-shot Docker stats sample into a Stats
// record using the normalization rules above.
func StatsFromResponse(resp *container.StatsResponse, cpus int) *Stats {
	deltaTotal := resp.CPUStats.CPUUsage.TotalUsage - resp.PreCPUStats.CPUUsage.TotalUsage
	var deltaSystem uint64
	if resp.CPUStats.SystemUsage > resp.PreCPUStats.SystemUsage {
		deltaSystem = resp.CPUStats.SystemUsage - resp.PreCPUStats.SystemUsage
	}
	if resp.CPUStats.CPUUsage.TotalUsage < resp.PreCPUStats.CPUUsage.TotalUsage {
		// Counter reset, likely a container restart between samples.
		deltaTotal = resp.CPUStats.CPUUsage.TotalUsage
	}
	if n := int(resp.CPUStats.OnlineCPUs); n > 0 {
		cpus = n
	} else if n := len(resp.CPUStats.CPUUsage.PercpuUsage); n > 0 {
		cpus = n
	}

	used, limit, pct := MemoryMiB(resp.MemoryStats.Usage, resp.MemoryStats.Limit)

	var rx, tx uint64
	for _, nw := range resp.Networks {
		rx += nw.RxBytes
		tx += nw.TxBytes
	}

	var read, write uint64
	for _, entry := range resp.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			read += entry.Value
		case "write":
			write += entry.Value
		}
	}

	ts := resp.Read
	if ts.IsZero() {
		ts = nowUTC()
	}
	return &Stats{
		Timestamp:       ts.UTC(),
		CPUPercent:      CPUPercent(deltaTotal, deltaSystem, cpus),
		MemUsageMiB:     used,
		MemLimitMiB:     limit,
		MemPercent:      pct,
		NetRxBytes:      rx,
		NetTxBytes:      tx,
		BlockReadBytes:  read,
		BlockWriteBytes: write,
	}
}

// ParseSize converts a human-readable size string ("100MB", "1.5GiB",
// "1073741824") to MiB. Decimal and binary unit suffixes are both read as
// binary multiples, matching what docker stats prints.
func ParseSize(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	cut := len(s)
	for i, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			cut = i
			break
		}
	}
	numPart := s[:cut]
	unitPart := strings.TrimSpace(s[cut:])

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}

	unit := strings.ToUpper(unitPart)
	unit = strings.Replace(unit, "IB", "B", 1) // MiB -> MB, GiB -> GB
	switch unit {
	case "", "B":
		return n / mib, nil
	case "K", "KB":
		return n / 1024, nil
	case "M", "MB":
		return n, nil
	case "G", "GB":
		return n * 1024, nil
	case "T", "TB":
		return n * 1024 * 1024, nil
	}
	return 0, fmt.Errorf("parse size %q: unknown unit %q", s, unitPart)
}
