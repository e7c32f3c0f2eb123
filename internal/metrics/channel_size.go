package metrics

import (
	"context"
	"time"

	"orderflow/internal/channel"
	"orderflow/internal/scheduler"
	"orderflow/logger"
)

// ReportChannelSizes emits buffer occupancy for each instrument's channels.
func ReportChannelSizes(log *logger.Log, bundles []*channel.Channels) {
	for _, c := range bundles {
		if c == nil {
			continue
		}
		EmitMetric(log, "channel_buffers", "raw_buffer_length", len(c.Raw), "gauge", logger.Fields{
			"symbol":   c.Symbol,
			"capacity": cap(c.Raw),
		})
		EmitMetric(log, "channel_buffers", "event_buffer_length", len(c.Events), "gauge", logger.Fields{
			"symbol":   c.Symbol,
			"capacity": cap(c.Events),
		})
	}
}

// ChannelSizeTask adapts ReportChannelSizes to the scheduler.
func ChannelSizeTask(log *logger.Log, bundles []*channel.Channels) scheduler.Task {
	return func(context.Context) { ReportChannelSizes(log, bundles) }
}

// DefaultChannelSizeInterval is used when the configured interval is unset.
const DefaultChannelSizeInterval = 10 * time.Second
