package host

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const gib = 1024 * 1024 * 1024

// localMetrics samples the machine Spyglass itself runs on. Used by hosts
// configured in local mode, where /proc is actually ours.
func localMetrics(ctx context.Context, gpuProbe bool) (*Metrics, error) {
	const op = "local.HostMetrics"

	m := &Metrics{Timestamp: time.Now().UTC()}

	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	if len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	m.MemTotalMiB = float64(vm.Total) / mib
	m.MemUsedMiB = float64(vm.Used) / mib
	m.MemPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, E(KindTransient, op, err)
	}
	m.DiskTotalGB = float64(du.Total) / gib
	m.DiskUsedGB = float64(du.Used) / gib
	m.DiskPercent = du.UsedPercent

	if gpuProbe {
		// GPU absence is not an error; the field just stays nil.
		if gpu, err := ProbeGPU(ctx); err == nil {
			m.GPU = gpu
		}
	}
	return m, nil
}
