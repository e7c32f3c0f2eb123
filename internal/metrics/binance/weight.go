// Package binancemetrics tracks request weight the exchange charges this
// process, read from REST response headers and counted for websocket traffic.
package binancemetrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"orderflow/internal/metrics"
	"orderflow/logger"
)

var weightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ReportUsedWeight emits the first parseable used-weight header of resp.
func ReportUsedWeight(log *logger.Log, resp *http.Response, component, endpoint, ip string) (float64, bool) {
	if log == nil || resp == nil {
		return 0, false
	}
	for _, h := range weightHeaders {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		fields := logger.Fields{"window": h.window}
		if endpoint != "" {
			fields["endpoint"] = endpoint
		}
		if ip != "" {
			fields["ip"] = ip
		}
		metrics.EmitMetric(log, component, "used_weight", used, "gauge", fields)
		return used, true
	}
	return 0, false
}

// DepthSnapshotWeight is the request weight of a depth snapshot of limit
// levels on USD-M futures.
func DepthSnapshotWeight(limit int) int {
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

// IsRateLimited reports whether an HTTP status or exchange message signals
// throttling (429) or an IP ban (418).
func IsRateLimited(status int, msg string) (rateLimit, ipBan bool) {
	lower := strings.ToLower(msg)
	rateLimit = status == http.StatusTooManyRequests ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "rate limit")
	ipBan = status == http.StatusTeapot || (strings.Contains(lower, "ip") && strings.Contains(lower, "ban"))
	return rateLimit, ipBan
}

// WeightTransport reports used weight for every response passing through it.
type WeightTransport struct {
	Base      http.RoundTripper
	Log       *logger.Log
	Component string
	IP        string
}

func (t *WeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}

	endpoint := req.URL.Path
	ReportUsedWeight(t.Log, resp, t.Component, endpoint, t.IP)
	if rl, ban := IsRateLimited(resp.StatusCode, ""); rl || ban {
		name := "rate_limit_exceeded"
		if ban {
			name = "ip_ban"
		}
		metrics.EmitMetric(t.Log, t.Component, name, int64(1), "counter", logger.Fields{"endpoint": endpoint, "ip": t.IP})
		t.Log.WithComponent(t.Component).WithFields(logger.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"ip":       t.IP,
		}).Warn("exchange throttled request")
	}
	return resp, nil
}

// WSWeightTracker counts websocket connection attempts and outgoing frames
// in the current one-second window.
type WSWeightTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	window   time.Time
	msgs     int
	attempts int
}

func NewWSWeightTracker() *WSWeightTracker {
	return &WSWeightTracker{now: time.Now, window: time.Now()}
}

// RegisterOutgoing records n outgoing frames (pongs, subscriptions).
func (t *WSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

func (t *WSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

func (t *WSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

// ReportWSWeight emits the tracker's counters.
func ReportWSWeight(log *logger.Log, t *WSWeightTracker, symbol string) {
	msgs, attempts := t.Stats()
	fields := logger.Fields{"symbol": symbol}
	metrics.EmitMetric(log, "binance_stream", "outgoing_messages", int64(msgs), "gauge", fields)
	metrics.EmitMetric(log, "binance_stream", "connection_attempts", int64(attempts), "counter", fields)
}
