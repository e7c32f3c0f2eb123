package binance

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/metrics"
	binancemetrics "orderflow/internal/metrics/binance"
	"orderflow/logger"
	"orderflow/models"
)

const (
	exchangeName     = "binance"
	streamReadTimout = time.Minute
	controlTimeout   = time.Second
)

// StreamReader follows the depth, aggTrade and kline websocket streams of one
// instrument and forwards every frame, undecoded, to the raw channel.
type StreamReader struct {
	config   *config.Config
	inst     config.InstrumentConfig
	channels *channel.Channels
	dialer   *websocket.Dialer
	weights  *binancemetrics.WSWeightTracker
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	frames   atomic.Int64
}

// NewStreamReader binds outbound connections to inst.LocalIP when set.
func NewStreamReader(cfg *config.Config, inst config.InstrumentConfig, ch *channel.Channels) *StreamReader {
	log := logger.GetLogger()

	netDialer := &net.Dialer{KeepAlive: 30 * time.Second}
	if inst.LocalIP != "" {
		if ip := net.ParseIP(inst.LocalIP); ip != nil {
			netDialer.LocalAddr = &net.TCPAddr{IP: ip}
		} else {
			log.WithComponent("binance_stream").WithFields(logger.Fields{"local_ip": inst.LocalIP}).Warn("ignoring unparsable local ip")
		}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   netDialer.DialContext,
		HandshakeTimeout: cfg.Reader.Timeout,
	}

	return &StreamReader{
		config:   cfg,
		inst:     inst,
		channels: ch,
		dialer:   dialer,
		weights:  binancemetrics.NewWSWeightTracker(),
		wg:       &sync.WaitGroup{},
		log:      log,
	}
}

// Streams returns the stream names subscribed for the instrument.
func (r *StreamReader) Streams() map[models.Stream]string {
	symbol := strings.ToLower(r.inst.Symbol)
	depth := symbol + "@depth"
	if speed := r.config.Source.Binance.DepthSpeed; speed != "" {
		depth += "@" + speed
	}
	return map[models.Stream]string{
		models.StreamDepth: depth,
		models.StreamTrade: symbol + "@aggTrade",
		models.StreamKline: symbol + "@kline_" + r.inst.Interval,
	}
}

// Start opens one connection per stream.
func (r *StreamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_stream").WithSymbol(r.inst.Symbol)
	streams := r.Streams()
	for kind, name := range streams {
		r.wg.Add(1)
		go r.streamWorker(kind, name)
	}
	log.WithFields(logger.Fields{"streams": len(streams)}).Info("binance stream reader started")
	return nil
}

// Stop waits for every stream worker. The caller cancels the context passed
// to Start first.
func (r *StreamReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_stream").WithSymbol(r.inst.Symbol).Info("stopping stream reader")
	r.wg.Wait()
	r.log.WithComponent("binance_stream").WithSymbol(r.inst.Symbol).Info("stream reader stopped")
}

// Frames returns the number of frames read across all streams.
func (r *StreamReader) Frames() int64 { return r.frames.Load() }

// ReportWeight emits the websocket weight counters.
func (r *StreamReader) ReportWeight() {
	binancemetrics.ReportWSWeight(r.log, r.weights, r.inst.Symbol)
}

func (r *StreamReader) streamURL(name string) string {
	return strings.TrimRight(r.config.Source.Binance.WsURL, "/") + "/" + name
}

func (r *StreamReader) streamWorker(kind models.Stream, name string) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_stream").WithFields(logger.Fields{
		"symbol": r.inst.Symbol,
		"stream": name,
	})

	min := r.config.Source.Binance.ReconnectDelay
	if min <= 0 {
		min = time.Second
	}
	max := r.config.Reader.Retry.MaxDelay
	if max < min {
		max = min * 30
	}
	b := &backoff.Backoff{Min: min, Max: max, Factor: 2, Jitter: true}

	url := r.streamURL(name)
	for {
		if r.ctx.Err() != nil {
			return
		}

		r.weights.RegisterConnectionAttempt()
		conn, _, err := r.dialer.DialContext(r.ctx, url, nil)
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("failed to connect to binance websocket")
			if waitForReconnect(r.ctx, delay) {
				return
			}
			continue
		}

		log.Info("websocket connected")
		read, err := r.readLoop(conn, kind, log)
		if read > 0 {
			b.Reset()
		}
		if r.ctx.Err() != nil {
			log.Info("stream worker stopped due to context cancellation")
			return
		}

		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{
			"frames":   read,
			"retry_in": delay.String(),
		}).Warn("websocket read loop ended")
		if waitForReconnect(r.ctx, delay) {
			return
		}
	}
}

// readLoop pumps frames until the connection fails or the context ends. It
// always closes conn.
func (r *StreamReader) readLoop(conn *websocket.Conn, kind models.Stream, log *logger.Entry) (int64, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(controlTimeout))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	conn.SetPingHandler(func(data string) error {
		r.weights.RegisterOutgoing(1)
		conn.SetReadDeadline(time.Now().Add(streamReadTimout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	var read int64
	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return read, err
		}
		read++
		r.frames.Add(1)
		r.forward(kind, payload, log)
	}
}

func (r *StreamReader) forward(kind models.Stream, payload []byte, log *logger.Entry) {
	msg := models.RawMessage{
		Exchange:   exchangeName,
		Symbol:     r.inst.Symbol,
		Stream:     kind,
		Provenance: models.ProvenanceLive,
		Data:       payload,
		Timestamp:  time.Now().UTC(),
	}

	logger.RecordChannelMessage("ws_"+string(kind), len(payload))
	if r.channels.SendRaw(r.ctx, msg) {
		if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			logger.LogDataFlowEntry(log, "binance_ws", "raw_channel", len(payload), "bytes")
		}
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	metrics.EmitDropMetric(r.log, metrics.DropMetricRaw, r.inst.Symbol, string(kind), "raw_channel")
	log.Warn("raw channel full, dropping message")
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
