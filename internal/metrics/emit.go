package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"orderflow/logger"
)

var (
	// cloudWatchPublishInterval throttles CloudWatch puts per component and
	// metric name; handlers still see every emission.
	cloudWatchPublishInterval = 10 * time.Second

	timeNow          = time.Now
	publishMetricFn  = logger.PublishMetric
	lastPublishMu    sync.Mutex
	lastPublishTimes = make(map[string]time.Time)
)

// EmitMetric logs the metric, dispatches it to registered handlers and
// publishes numeric values to CloudWatch when it is configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	m, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}
	v, ok := toFloat64(m.Value)
	if !ok {
		return
	}
	if !shouldPublish(m.Component+"/"+m.Name, m.Timestamp) {
		return
	}

	unit := "count"
	if u, ok := m.Fields["unit"].(string); ok {
		unit = strings.ToLower(u)
	}
	dims := map[string]string{"component": m.Component}
	for k, raw := range m.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := raw.(string); ok && s != "" {
			dims[k] = s
		}
	}
	publishMetricFn(context.Background(), m.Name, v, unit, dims)
}

func shouldPublish(key string, at time.Time) bool {
	lastPublishMu.Lock()
	defer lastPublishMu.Unlock()
	if last, ok := lastPublishTimes[key]; ok && at.Sub(last) < cloudWatchPublishInterval {
		return false
	}
	lastPublishTimes[key] = at
	return true
}

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublishTimes = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
