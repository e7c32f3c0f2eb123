package metrics

import "orderflow/logger"

// WriterStats holds counters shared by the bar sinks.
type WriterStats struct {
	BarsReceived   int64 `json:"bars_received"`
	BarsDropped    int64 `json:"bars_dropped"`
	BatchesWritten int64 `json:"batches_written"`
	BytesWritten   int64 `json:"bytes_written"`
	ErrorsCount    int64 `json:"errors_count"`
	QueueLen       int   `json:"queue_len"`
	QueueCap       int   `json:"queue_cap"`
}

// ReportWriter emits writer metrics under component.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	EmitMetric(log, component, "bars_received", stats.BarsReceived, "counter", nil)
	EmitMetric(log, component, "bars_dropped", stats.BarsDropped, "counter", nil)
	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", nil)
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})

	entry := log.WithComponent(component).WithFields(logger.Fields{
		"bars_received":   stats.BarsReceived,
		"bars_dropped":    stats.BarsDropped,
		"batches_written": stats.BatchesWritten,
		"bytes_written":   stats.BytesWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
		"queue_len":       stats.QueueLen,
		"queue_cap":       stats.QueueCap,
	})
	if stats.ErrorsCount > 0 || stats.BarsDropped > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
