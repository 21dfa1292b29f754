package sysinfo

import (
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

// Snapshot is the resource usage reported by stats and heartbeats
type Snapshot struct {
	ProcessRSSMB    float64 `json:"process_rss_mb"`
	GoHeapMB        float64 `json:"go_heap_mb"`
	Goroutines      int     `json:"goroutines"`
	HostMemoryUsed  float64 `json:"host_memory_used_percent"`
	HostMemoryTotal uint64  `json:"host_memory_total"`
}

var (
	procOnce sync.Once
	proc     *process.Process
)

func self() *process.Process {
	procOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			proc = p
		}
	})
	return proc
}

// ProcessMemoryMB returns the resident set size of this process. When the
// process table cannot be read it falls back to memory obtained from the OS
// by the Go runtime.
func ProcessMemoryMB() float64 {
	if p := self(); p != nil {
		if info, err := p.MemoryInfo(); err == nil && info != nil {
			return float64(info.RSS) / bytesPerMB
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / bytesPerMB
}

// Collect gathers a full snapshot. Host figures stay zero when unavailable.
func Collect() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := Snapshot{
		ProcessRSSMB: ProcessMemoryMB(),
		GoHeapMB:     float64(ms.HeapAlloc) / bytesPerMB,
		Goroutines:   runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.HostMemoryUsed = vm.UsedPercent
		snap.HostMemoryTotal = vm.Total
	}

	return snap
}
