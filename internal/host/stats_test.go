package host

import (
	"math"
	"testing"

	"github.com/moby/moby/api/types/container"
)

func TestCPUPercent(t *testing.T) {
	tests := []struct {
		name        string
		deltaTotal  uint64
		deltaSystem uint64
		cpus        int
		want        float64
	}{
		{"quarter of one core across four", 1e9, 10e9, 4, 40.0},
		{"fallback full second two cores", 2e9, 0, 2, 100.0},
		{"fallback half second one core", 5e8, 0, 1, 50.0},
		{"zero deltas", 0, 0, 4, 0},
		{"capped at core ceiling", 100e9, 1e9, 2, 200.0},
		{"zero cpus treated as one", 1e9, 2e9, 0, 50.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CPUPercent(tt.deltaTotal, tt.deltaSystem, tt.cpus)
			if math.Abs(got-tt.want) > 0.001 {
				t.Fatalf("CPUPercent(%d, %d, %d) = %v, want %v", tt.deltaTotal, tt.deltaSystem, tt.cpus, got, tt.want)
			}
		})
	}
}

func TestMemoryMiB(t *testing.T) {
	used, limit, pct := MemoryMiB(512*mib, 1024*mib)
	if used != 512 || limit != 1024 {
		t.Fatalf("MemoryMiB = %v/%v, want 512/1024", used, limit)
	}
	if math.Abs(pct-50.0) > 0.001 {
		t.Fatalf("percent = %v, want 50", pct)
	}
}

func TestMemoryMiBUnlimitedLimit(t *testing.T) {
	// Limits above 1 PiB mean "no cgroup limit set".
	used, limit, pct := MemoryMiB(100*mib, uint64(1)<<53)
	if used != 100 {
		t.Fatalf("used = %v, want 100", used)
	}
	if limit != 200 {
		t.Fatalf("synthesized limit = %v, want 200", limit)
	}
	if math.Abs(pct-50.0) > 0.001 {
		t.Fatalf("percent = %v, want 50", pct)
	}
}

func TestMemoryMiBZeroUsageUnlimited(t *testing.T) {
	_, limit, _ := MemoryMiB(0, 0)
	if limit != 1024 {
		t.Fatalf("synthesized limit = %v, want 1024", limit)
	}
}

func TestStatsFromResponseCounterReset(t *testing.T) {
	resp := &container.StatsResponse{}
	resp.PreCPUStats.CPUUsage.TotalUsage = 50e9
	resp.CPUStats.CPUUsage.TotalUsage = 1e9 // restarted between samples
	resp.CPUStats.OnlineCPUs = 1

	st := StatsFromResponse(resp, 4)
	if st.CPUPercent != 100.0 {
		t.Fatalf("CPUPercent after reset = %v, want 100", st.CPUPercent)
	}
}

func TestStatsFromResponseSumsNetworksAndBlkio(t *testing.T) {
	resp := &container.StatsResponse{}
	resp.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 100, TxBytes: 10},
		"eth1": {RxBytes: 200, TxBytes: 20},
	}
	resp.BlkioStats.IoServiceBytesRecursive = []container.BlkioStatEntry{
		{Op: "Read", Value: 1000},
		{Op: "read", Value: 500},
		{Op: "Write", Value: 300},
	}

	st := StatsFromResponse(resp, 1)
	if st.NetRxBytes != 300 || st.NetTxBytes != 30 {
		t.Fatalf("net = %d/%d, want 300/30", st.NetRxBytes, st.NetTxBytes)
	}
	if st.BlockReadBytes != 1500 || st.BlockWriteBytes != 300 {
		t.Fatalf("blkio = %d/%d, want 1500/300", st.BlockReadBytes, st.BlockWriteBytes)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"100MB", 100},
		{"100 MiB", 100},
		{"1.5GB", 1536},
		{"1073741824", 1024},
		{"2GiB", 2048},
		{"512KB", 0.5},
		{"0B", 0},
		{"3T", 3 * 1024 * 1024},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil {
			t.Fatalf("ParseSize(%q) error: %v", tt.in, err)
		}
		if math.Abs(got-tt.want) > 0.001 {
			t.Fatalf("ParseSize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "12XB"} {
		if _, err := ParseSize(in); err == nil {
			t.Fatalf("ParseSize(%q) succeeded, want error", in)
		}
	}
}
