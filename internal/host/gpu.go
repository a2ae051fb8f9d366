package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// gpuProbeTimeout bounds each vendor tool invocation so a hung smi binary
// cannot stall the metrics loop.
const gpuProbeTimeout = 5 * time.Second

// ProbeGPU tries rocm-smi (AMD) first, then nvidia-smi. Hosts without a
// GPU, or without the vendor tools installed, return an error the caller
// is expected to swallow.
func ProbeGPU(ctx context.Context) (*GPUMetrics, error) {
	if gpu, err := probeROCm(ctx); err == nil {
		return gpu, nil
	}
	return probeNvidia(ctx)
}

// probeROCm parses `rocm-smi --showuse --showmemuse --showmeminfo vram --json`.
// The JSON is a map of card names to string-valued fields.
func probeROCm(ctx context.Context) (*GPUMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, gpuProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "rocm-smi",
		"--showuse", "--showmemuse", "--showmeminfo", "vram", "--json").Output()
	if err != nil {
		return nil, fmt.Errorf("rocm-smi: %w", err)
	}

	var cards map[string]map[string]string
	if err := json.Unmarshal(out, &cards); err != nil {
		return nil, fmt.Errorf("rocm-smi output: %w", err)
	}

	gpu := &GPUMetrics{}
	found := false
	for _, fields := range cards {
		if v, ok := fields["GPU use (%)"]; ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				gpu.UtilPercent += f
				found = true
			}
		}
		if v, ok := fields["VRAM Total Memory (B)"]; ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				gpu.VRAMTotalMiB += f / mib
			}
		}
		if v, ok := fields["VRAM Total Used Memory (B)"]; ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				gpu.VRAMUsedMiB += f / mib
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("rocm-smi: no usable cards")
	}
	return gpu, nil
}

// probeNvidia parses nvidia-smi's CSV query output, summing across cards.
func probeNvidia(ctx context.Context) (*GPUMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, gpuProbeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}

	gpu := &GPUMetrics{}
	found := false
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			continue
		}
		util, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		used, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		total, err3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		gpu.UtilPercent += util
		gpu.VRAMUsedMiB += used // nvidia-smi reports MiB
		gpu.VRAMTotalMiB += total
		found = true
	}
	if !found {
		return nil, fmt.Errorf("nvidia-smi: no usable cards")
	}
	return gpu, nil
}
