package channel

import (
	"context"
	"sync"
	"time"

	"chartfeed/internal/metrics"
	"chartfeed/logger"
	"chartfeed/models"
)

type SnapshotStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Snapshots carries throttled market snapshots to consumers. Sends never
// block; a full buffer drops the snapshot and counts it.
type Snapshots struct {
	C chan models.MarketUpdate

	mu     sync.RWMutex
	stats  SnapshotStats
	latest *models.MarketUpdate
	closed bool
	log    *logger.Log
}

func NewSnapshots(bufferSize int) *Snapshots {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	s := &Snapshots{
		C:   make(chan models.MarketUpdate, bufferSize),
		log: log,
	}

	log.WithComponent("snapshot_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("snapshot channel initialized")

	return s
}

// Send offers update to consumers. The latest snapshot is recorded even when
// the buffer is full so readers of Latest never lag behind.
func (s *Snapshots) Send(ctx context.Context, update models.MarketUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.latest = &update

	select {
	case s.C <- update:
		s.stats.Sent++
		return true
	case <-ctx.Done():
		return false
	default:
		s.stats.Dropped++
		metrics.EmitDropMetric(s.log, metrics.DropMetricSnapshot, "throttle", "buffer_full")
		return false
	}
}

// Emit adapts Send to the throttle's emitter signature.
func (s *Snapshots) Emit(update models.MarketUpdate) {
	s.Send(context.Background(), update)
}

func (s *Snapshots) Latest() (models.MarketUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return models.MarketUpdate{}, false
	}
	return *s.latest, true
}

func (s *Snapshots) Stats() SnapshotStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Snapshots) Len() int { return len(s.C) }

func (s *Snapshots) Cap() int { return cap(s.C) }

// StartMetricsReporting publishes buffer occupancy until ctx is done.
func (s *Snapshots) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	metrics.StartChannelSizeMetrics(ctx, map[string]metrics.Buffer{"snapshots": s}, interval)
}

func (s *Snapshots) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
	s.log.WithComponent("snapshot_channel").Info("snapshot channel closed")
}
