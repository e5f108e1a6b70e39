package workeragent

import (
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/llmnet/controlplane/internal/clustermodel"
)

// BasicSampler is a minimal, dependency-free MetricsSource. Real CPU/GPU
// sampling and request-latency instrumentation are external collaborators
// (owned by whatever runs the composition); this sampler only reports what
// the Go runtime and the host filesystem expose directly, enough to drive
// the heartbeat protocol end to end without a production metrics agent.
type BasicSampler struct {
	diskPath       string
	requestCount   atomic.Uint64
	activeRequests atomic.Int32
	totalLatencyMs atomic.Uint64
	latencySamples atomic.Uint64
}

func NewBasicSampler(diskPath string) *BasicSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &BasicSampler{diskPath: diskPath}
}

// RecordRequest lets a hosted pipeline report a completed request's latency,
// so heartbeats carry real request/latency deltas instead of zeros.
func (b *BasicSampler) RecordRequest(latency time.Duration) {
	b.requestCount.Add(1)
	b.totalLatencyMs.Add(uint64(latency.Milliseconds()))
	b.latencySamples.Add(1)
}

func (b *BasicSampler) RequestStarted()  { b.activeRequests.Add(1) }
func (b *BasicSampler) RequestFinished() { b.activeRequests.Add(-1) }

// Collect satisfies heartbeat.MetricsSource.
func (b *BasicSampler) Collect() clustermodel.NodeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var memPercent, diskPercent float64
	if v, err := sysTotalMemoryBytes(); err == nil && v > 0 {
		memPercent = 100 * float64(mem.Sys) / float64(v)
	}
	if used, total, err := diskUsage(b.diskPath); err == nil && total > 0 {
		diskPercent = 100 * float64(used) / float64(total)
	}

	requests := b.requestCount.Swap(0)
	samples := b.latencySamples.Swap(0)
	totalLatency := b.totalLatencyMs.Swap(0)
	var avgLatency float64
	if samples > 0 {
		avgLatency = float64(totalLatency) / float64(samples)
	}

	return clustermodel.NodeMetrics{
		CPUUsagePercent:    0,
		MemoryUsagePercent: memPercent,
		DiskUsagePercent:   diskPercent,
		RequestCount:       requests,
		AvgLatencyMs:       avgLatency,
		ActiveRequests:     uint32(b.activeRequests.Load()),
		CollectedAt:        time.Now().UTC(),
	}
}

func diskUsage(path string) (used, total uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total = stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total - free, total, nil
}

func sysTotalMemoryBytes() (uint64, error) {
	var info syscall.Sysinfo_t
	if err := syscall.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
