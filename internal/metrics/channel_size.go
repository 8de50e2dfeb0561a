package metrics

import (
	"context"
	"time"

	"chartfeed/logger"
)

// Buffer is anything with a bounded occupancy, typically a channel wrapper.
type Buffer interface {
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits occupancy metrics for the named buffers every
// interval until ctx is cancelled. When interval <= 0 a one-second cadence is
// used.
func StartChannelSizeMetrics(ctx context.Context, buffers map[string]Buffer, interval time.Duration) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, buf := range buffers {
					if buf == nil {
						continue
					}
					EmitMetric(log, component, name+"_buffer_length", buf.Len(), "gauge", logger.Fields{
						"buffer":   name,
						"capacity": buf.Cap(),
					})
				}
			}
		}
	}()
}
