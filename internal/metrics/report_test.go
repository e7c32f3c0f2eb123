package metrics

import (
	"testing"

	"orderflow/internal/channel"
	"orderflow/logger"
)

func TestReportersEmitThroughHandlers(t *testing.T) {
	resetMetricHandlers()
	capturePublishes(t)

	names := map[string]int{}
	RegisterMetricHandler(func(m Metric) { names[m.Component+"/"+m.Name]++ })

	log := logger.GetLogger()
	ReportWriter(log, "kafka_writer", WriterStats{BarsReceived: 3, BatchesWritten: 3})
	ReportNormalizer(log, NormalizerStats{Symbol: "ETHUSDT", Decoded: 9, Malformed: 1})
	ReportChannelSizes(log, []*channel.Channels{channel.NewChannels("ETHUSDT", 4, 4), nil})
	EmitDropMetric(log, DropMetricRaw, "ETHUSDT", "depth", "reader")

	for _, want := range []string{
		"kafka_writer/bars_received",
		"kafka_writer/error_rate",
		"normalizer/malformed_rate",
		"channel_buffers/raw_buffer_length",
		"channel_buffers/event_buffer_length",
		"channel_drops/raw_messages_dropped",
	} {
		if names[want] != 1 {
			t.Errorf("%s emitted %d times, want 1", want, names[want])
		}
	}
}
