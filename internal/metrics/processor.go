package metrics

import "orderflow/logger"

// NormalizerStats are the decode counters of one instrument's normalizer.
type NormalizerStats struct {
	Symbol    string `json:"symbol"`
	Decoded   int64  `json:"decoded"`
	Malformed int64  `json:"malformed"`
	Skipped   int64  `json:"skipped"`
	RawLen    int    `json:"raw_len"`
	RawCap    int    `json:"raw_cap"`
	EventsLen int    `json:"events_len"`
	EventsCap int    `json:"events_cap"`
}

// ReportNormalizer emits normalizer metrics.
func ReportNormalizer(log *logger.Log, stats NormalizerStats) {
	if log == nil {
		log = logger.GetLogger()
	}
	malformedRate := float64(0)
	if total := stats.Decoded + stats.Malformed; total > 0 {
		malformedRate = float64(stats.Malformed) / float64(total)
	}

	fields := logger.Fields{"symbol": stats.Symbol}
	EmitMetric(log, "normalizer", "messages_decoded", stats.Decoded, "counter", fields)
	EmitMetric(log, "normalizer", "messages_malformed", stats.Malformed, "counter", fields)
	EmitMetric(log, "normalizer", "malformed_rate", malformedRate, "gauge", fields)

	log.WithComponent("normalizer").WithFields(logger.Fields{
		"symbol":         stats.Symbol,
		"decoded":        stats.Decoded,
		"malformed":      stats.Malformed,
		"skipped":        stats.Skipped,
		"malformed_rate": malformedRate,
		"raw_len":        stats.RawLen,
		"raw_cap":        stats.RawCap,
		"events_len":     stats.EventsLen,
		"events_cap":     stats.EventsCap,
	}).Info("normalizer metrics")
}
