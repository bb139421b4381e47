// Package monitor samples process resource usage alongside a training run.
package monitor

import (
	"runtime"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Sample is one point of the resource time series recorded during a run.
type Sample struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAllocMB  float64   `json:"heap_alloc_mb"`
	HeapSysMB    float64   `json:"heap_sys_mb"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
}

// Monitor runs a sampling goroutine concurrently with the training loop. It
// is started once and stopped exactly once; Stop drains the goroutine before
// returning the collected series.
type Monitor struct {
	interval time.Duration

	mu      sync.Mutex
	samples []Sample

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a monitor sampling at the given interval.
func New(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine. Calling Start more than once is an
// error in the caller; the controller starts it exactly once per run.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.record()
		for {
			select {
			case <-ticker.C:
				m.record()
			case <-m.stop:
				return
			}
		}
	}()
	klog.V(2).Infof("resource monitor started, interval %s", m.interval)
}

func (m *Monitor) record() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{
		Timestamp:    time.Now(),
		HeapAllocMB:  float64(ms.HeapAlloc) / (1024 * 1024),
		HeapSysMB:    float64(ms.HeapSys) / (1024 * 1024),
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

// Stop halts sampling, waits for the goroutine to exit, and returns the
// collected samples. Safe to call multiple times; only the first call stops.
func (m *Monitor) Stop() []Sample {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}
