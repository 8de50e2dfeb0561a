package dashboard

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"chartfeed/logger"
)

// resourceSnapshot is one host and process sample.
type resourceSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryPct  float64   `json:"memory_percent"`
	DiskPct    float64   `json:"disk_percent"`
	HeapMB     float64   `json:"heap_mb"`
	Goroutines int       `json:"goroutines"`
}

type sampleFunc func(ctx context.Context) (resourceSnapshot, error)

// hostSample reads cpu, memory and disk usage of the host holding the
// parquet cache directory, plus Go runtime figures.
func hostSample(diskPath string) sampleFunc {
	return func(ctx context.Context) (resourceSnapshot, error) {
		var snap resourceSnapshot
		cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return snap, err
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return snap, err
		}
		du, err := disk.UsageWithContext(ctx, diskPath)
		if err != nil {
			return snap, err
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		if len(cpuPct) > 0 {
			snap.CPUPercent = cpuPct[0]
		}
		snap.MemoryPct = vm.UsedPercent
		snap.DiskPct = du.UsedPercent
		snap.HeapMB = float64(ms.HeapAlloc) / 1024 / 1024
		snap.Goroutines = runtime.NumGoroutine()
		return snap, nil
	}
}

// resourceSampler records a sample every interval into a bounded history.
type resourceSampler struct {
	history  *ring[resourceSnapshot]
	interval time.Duration
	sample   sampleFunc
	log      *logger.Log

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newResourceSampler(limit int, interval time.Duration, sample sampleFunc, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{
		history:  newRing[resourceSnapshot](limit),
		interval: interval,
		sample:   sample,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *resourceSampler) collect(ctx context.Context) {
	snap, err := s.sample(ctx)
	if err != nil {
		s.log.WithComponent("resource_sampler").WithError(err).Debug("resource sample failed")
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	s.history.add(snap)
}

func (s *resourceSampler) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	return s.history.snapshot(nil)
}
