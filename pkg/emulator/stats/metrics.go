package stats

import (
	"context"
	"fmt"
	"time"

	cpu "github.com/shirou/gopsutil/v4/cpu"
	mem "github.com/shirou/gopsutil/v4/mem"
	process "github.com/shirou/gopsutil/v4/process"
)

// HostMetrics is the load of the machine running the emulator.
type HostMetrics struct {
	CPUPercentPerCPU []float64 `json:"cpuPercentPerCpu"`
	UsedRAMPercent   float64   `json:"usedRamPercent"`
}

func ReadHostMetrics(ctx context.Context) (*HostMetrics, error) {
	cpuPercentages, err := cpu.PercentWithContext(ctx, 10*time.Millisecond, true)
	if err != nil {
		return nil, fmt.Errorf("reading cpu usage: %w", err)
	}
	virtualMem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory usage: %w", err)
	}
	return &HostMetrics{CPUPercentPerCPU: cpuPercentages, UsedRAMPercent: virtualMem.UsedPercent}, nil
}

// ProcessMetrics is the resource usage of one worker process.
type ProcessMetrics struct {
	Pid        int     `json:"pid"`
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	NumThreads int32   `json:"numThreads"`
}

func ReadProcessMetrics(ctx context.Context, pid int) (*ProcessMetrics, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	cpuPercent, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process %d cpu: %w", pid, err)
	}
	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process %d memory: %w", pid, err)
	}
	threads, err := p.NumThreadsWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process %d threads: %w", pid, err)
	}
	return &ProcessMetrics{Pid: pid, CPUPercent: cpuPercent, RSSBytes: memInfo.RSS, NumThreads: threads}, nil
}
