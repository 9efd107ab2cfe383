package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse view of the process, attached to handler stats
// and served by the ops API.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	HeapBytes   uint64  `json:"heap_bytes"`
	HeapObjects uint64  `json:"heap_objects"`
	Goroutines  uint64  `json:"goroutines"`
	GCCycles    uint64  `json:"gc_cycles"`
}

const (
	sampleCPU        = "/sched/cpu:seconds"
	sampleHeapBytes  = "/memory/classes/heap/objects:bytes"
	sampleHeapObject = "/gc/heap/objects:objects"
	sampleGoroutines = "/sched/goroutines:goroutines"
	sampleGCCycles   = "/gc/cycles/total:gc-cycles"
)

// resourceTracker reads runtime/metrics, which unlike ReadMemStats does not
// stop the world, so it can run after every handler invocation.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: sampleCPU},
			{Name: sampleHeapBytes},
			{Name: sampleHeapObject},
			{Name: sampleGoroutines},
			{Name: sampleGCCycles},
		},
		numCPU: float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()

	var usage ResourceUsage
	for _, sample := range r.samples {
		switch sample.Value.Kind() {
		case metrics.KindFloat64:
			if sample.Name != sampleCPU {
				continue
			}
			cpuSeconds := sample.Value.Float64()
			if !r.lastSample.IsZero() {
				wall := now.Sub(r.lastSample).Seconds()
				if wall > 0 && r.numCPU > 0 {
					usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
				}
			}
			r.lastCPUSeconds = cpuSeconds
		case metrics.KindUint64:
			v := sample.Value.Uint64()
			switch sample.Name {
			case sampleHeapBytes:
				usage.HeapBytes = v
			case sampleHeapObject:
				usage.HeapObjects = v
			case sampleGoroutines:
				usage.Goroutines = v
			case sampleGCCycles:
				usage.GCCycles = v
			}
		}
	}
	r.lastSample = now
	return usage
}
