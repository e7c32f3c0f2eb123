package metrics

import "orderflow/logger"

// DropMetric names the metric emitted when a pipeline stage drops a message.
type DropMetric string

const (
	// DropMetricRaw records websocket frames dropped before decoding.
	DropMetricRaw DropMetric = "raw_messages_dropped"
	// DropMetricEvent records decoded events dropped on shutdown.
	DropMetricEvent DropMetric = "events_dropped"
	// DropMetricSink records finalized bars a sink could not queue.
	DropMetricSink DropMetric = "bar_closes_dropped"
)

// EmitDropMetric counts one dropped message for the given stage. Empty
// metadata is left out of the metric fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, symbol, stream, stage string) {
	incrementDropped(string(metric))

	fields := logger.Fields{"exchange": "binance"}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stream != "" {
		fields["stream"] = stream
	}
	if stage != "" {
		fields["stage"] = stage
	}
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
