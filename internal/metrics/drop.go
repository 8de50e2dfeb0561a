package metrics

import "chartfeed/logger"

// DropMetric identifies the metric name emitted when buffered messages are dropped.
type DropMetric string

const (
	// DropMetricSnapshot records throttled snapshots dropped before reaching a consumer.
	DropMetricSnapshot DropMetric = "snapshot_messages_dropped"
	// DropMetricPushInbound records push frames that could not be decoded.
	DropMetricPushInbound DropMetric = "push_frames_dropped"
	// DropMetricPublish records snapshots the Kafka publisher had no room for.
	DropMetricPublish DropMetric = "publish_messages_dropped"
)

// EmitDropMetric emits a single dropped-message event and bumps the matching
// Prometheus counter. Empty stage and reason values are omitted.
func EmitDropMetric(log *logger.Log, metric DropMetric, stage, reason string) {
	fields := logger.Fields{}
	if stage != "" {
		fields["stage"] = stage
	}
	if reason != "" {
		fields["reason"] = reason
	}
	if metric == DropMetricSnapshot {
		IncSnapshotDrop()
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
