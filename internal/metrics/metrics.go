// Registers:
//
//	#orderflow_depth_updates_total{symbol,outcome}
//	#orderflow_resyncs_total{symbol,reason}
//	#orderflow_book_ready{symbol}
//	#orderflow_trades_total{symbol,classification}
//	#orderflow_rejected_trades_total{symbol,reason}
//	#orderflow_bars_closed_total{symbol}
//	#orderflow_malformed_messages_total{stream}
//	#orderflow_dropped_messages_total{stage}
//	#go_* and process_* system metrics
//
// Handler exposes them; the dashboard mounts it on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	depthUpdates   *prometheus.CounterVec
	resyncs        *prometheus.CounterVec
	bookReady      *prometheus.GaugeVec
	trades         *prometheus.CounterVec
	rejectedTrades *prometheus.CounterVec
	barsClosed     *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		depthUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_depth_updates_total",
			Help: "Depth diffs by book outcome",
		}, []string{"symbol", "outcome"})
		resyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_resyncs_total",
			Help: "Order book resynchronisations started",
		}, []string{"symbol", "reason"})
		bookReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orderflow_book_ready",
			Help: "1 while the local book mirrors the exchange",
		}, []string{"symbol"})
		trades = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_trades_total",
			Help: "Classified trades",
		}, []string{"symbol", "classification"})
		rejectedTrades = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_rejected_trades_total",
			Help: "Trades not attributed to a bar",
		}, []string{"symbol", "reason"})
		barsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_bars_closed_total",
			Help: "Finalized footprint bars",
		}, []string{"symbol"})
		malformed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_malformed_messages_total",
			Help: "Inbound messages that failed to decode",
		}, []string{"stream"})
		dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orderflow_dropped_messages_total",
			Help: "Messages dropped on a full channel",
		}, []string{"stage"})

		registry.MustRegister(
			depthUpdates, resyncs, bookReady, trades, rejectedTrades, barsClosed, malformed, dropped,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveDepth(symbol, outcome string) {
	if depthUpdates != nil {
		depthUpdates.WithLabelValues(symbol, outcome).Inc()
	}
}

func IncrementResync(symbol, reason string) {
	if resyncs != nil {
		resyncs.WithLabelValues(symbol, reason).Inc()
	}
}

func SetBookReady(symbol string, ready bool) {
	if bookReady == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	bookReady.WithLabelValues(symbol).Set(v)
}

func ObserveTrade(symbol, classification string) {
	if trades != nil {
		trades.WithLabelValues(symbol, classification).Inc()
	}
}

func IncrementRejectedTrade(symbol, reason string) {
	if rejectedTrades != nil {
		rejectedTrades.WithLabelValues(symbol, reason).Inc()
	}
}

func IncrementBarClosed(symbol string) {
	if barsClosed != nil {
		barsClosed.WithLabelValues(symbol).Inc()
	}
}

// IncrementMalformed counts a message the decoder rejected.
func IncrementMalformed(stream string) {
	if malformed != nil {
		malformed.WithLabelValues(stream).Inc()
	}
}

func incrementDropped(stage string) {
	if dropped != nil {
		dropped.WithLabelValues(stage).Inc()
	}
}
