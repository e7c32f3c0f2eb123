package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"orderflow/config"
	binancemetrics "orderflow/internal/metrics/binance"
	"orderflow/logger"
	"orderflow/models"
)

// Request weight budget per IP on USD-M futures.
const (
	weightPerMinute = 2400
	weightBurst     = 100
)

// RestClient is the futures REST API bound to one local IP. Every call goes
// through a request-weight limiter and a circuit breaker.
type RestClient struct {
	client     *futures.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	depthLimit int
	localIP    string
	log        *logger.Log
}

// NewRestClient builds the HTTP transport from the connection pool settings
// and binds it to localIP when set.
func NewRestClient(cfg *config.Config, localIP string) *RestClient {
	log := logger.GetLogger()
	pool := cfg.Source.Binance.ConnectionPool

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}

	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}

	var rt http.RoundTripper = transport
	if cfg.Metrics.UsedWeight {
		rt = &binancemetrics.WeightTransport{Base: transport, Log: log, Component: "binance_rest", IP: localIP}
	}

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: rt,
		Timeout:   cfg.Reader.Timeout,
	}
	if cfg.Source.Binance.RestURL != "" {
		client.SetApiEndpoint(cfg.Source.Binance.RestURL)
	}

	cb := cfg.Reader.CircuitBreaker
	threshold := uint32(cb.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	name := "binance_rest"
	if localIP != "" {
		name += "_" + localIP
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cb.HalfOpenMaxRequests),
		Timeout:     cb.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("binance_rest").WithFields(logger.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})

	depthLimit := cfg.Source.Binance.DepthLimit
	if depthLimit <= 0 {
		depthLimit = 1000
	}

	log.WithComponent("binance_rest").WithFields(logger.Fields{
		"max_idle_conns":     pool.MaxIdleConns,
		"max_conns_per_host": pool.MaxConnsPerHost,
		"timeout":            cfg.Reader.Timeout,
		"local_ip":           localIP,
	}).Info("binance rest client initialized")

	return &RestClient{
		client:     client,
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(float64(weightPerMinute)/60), weightBurst),
		depthLimit: depthLimit,
		localIP:    localIP,
		log:        log,
	}
}

func (c *RestClient) call(ctx context.Context, weight int, fn func() (interface{}, error)) (interface{}, error) {
	if err := c.limiter.WaitN(ctx, weight); err != nil {
		return nil, err
	}
	out, err := c.breaker.Execute(fn)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("binance api error %d: %s", apiErr.Code, apiErr.Message)
		}
		return nil, err
	}
	return out, nil
}

// FetchSnapshot loads the depth snapshot of symbol.
func (c *RestClient) FetchSnapshot(ctx context.Context, symbol string) (models.DepthSnapshot, error) {
	log := c.log.WithComponent("binance_rest").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "fetch_snapshot",
	})

	start := time.Now()
	out, err := c.call(ctx, binancemetrics.DepthSnapshotWeight(c.depthLimit), func() (interface{}, error) {
		return c.client.NewDepthService().Symbol(symbol).Limit(c.depthLimit).Do(ctx)
	})
	if err != nil {
		return models.DepthSnapshot{}, fmt.Errorf("fetch depth %s: %w", symbol, err)
	}
	logger.LogPerformanceEntry(log, "binance_rest", "depth_snapshot", time.Since(start), logger.Fields{"symbol": symbol})

	resp := out.(*futures.DepthResponse)
	snap := models.DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: resp.LastUpdateID,
		Bids:         make([]models.PriceLevel, 0, len(resp.Bids)),
		Asks:         make([]models.PriceLevel, 0, len(resp.Asks)),
	}
	for _, b := range resp.Bids {
		lvl, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("depth %s bid: %w", symbol, err)
		}
		snap.Bids = append(snap.Bids, lvl)
	}
	for _, a := range resp.Asks {
		lvl, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return models.DepthSnapshot{}, fmt.Errorf("depth %s ask: %w", symbol, err)
		}
		snap.Asks = append(snap.Asks, lvl)
	}

	log.WithFields(logger.Fields{
		"last_update_id": snap.LastUpdateID,
		"bids":           len(snap.Bids),
		"asks":           len(snap.Asks),
	}).Debug("depth snapshot fetched")
	return snap, nil
}

// FetchKlines loads up to limit klines of interval starting at startMs. A
// zero startMs returns the most recent klines.
func (c *RestClient) FetchKlines(ctx context.Context, symbol, interval string, startMs int64, limit int) ([]models.KlineUpdate, error) {
	if limit <= 0 || limit > 1500 {
		limit = 1500
	}
	out, err := c.call(ctx, klinesWeight(limit), func() (interface{}, error) {
		svc := c.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
		if startMs > 0 {
			svc = svc.StartTime(startMs)
		}
		return svc.Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", symbol, interval, err)
	}

	raw := out.([]*futures.Kline)
	now := time.Now().UnixMilli()
	klines := make([]models.KlineUpdate, 0, len(raw))
	for _, k := range raw {
		ku, err := convertKline(symbol, interval, k)
		if err != nil {
			return nil, fmt.Errorf("kline %s %d: %w", symbol, k.OpenTime, err)
		}
		ku.IsClosed = k.CloseTime < now
		klines = append(klines, ku)
	}
	return klines, nil
}

// FetchKline returns the kline that opened at startMs.
func (c *RestClient) FetchKline(ctx context.Context, symbol, interval string, startMs int64) (models.KlineUpdate, error) {
	klines, err := c.FetchKlines(ctx, symbol, interval, startMs, 1)
	if err != nil {
		return models.KlineUpdate{}, err
	}
	for _, k := range klines {
		if k.PeriodStart == startMs {
			return k, nil
		}
	}
	return models.KlineUpdate{}, fmt.Errorf("kline %s %d not returned", symbol, startMs)
}

// RecentClosedKlines returns up to n of the latest closed klines.
func (c *RestClient) RecentClosedKlines(ctx context.Context, symbol, interval string, n int) ([]models.KlineUpdate, error) {
	klines, err := c.FetchKlines(ctx, symbol, interval, 0, n+1)
	if err != nil {
		return nil, err
	}
	closed := klines[:0]
	for _, k := range klines {
		if k.IsClosed {
			closed = append(closed, k)
		}
	}
	if len(closed) > n {
		closed = closed[len(closed)-n:]
	}
	return closed, nil
}

// Snapshots returns a per-symbol snapshot fetcher for the sequencer.
func (c *RestClient) Snapshots(symbol string) *SnapshotSource {
	return &SnapshotSource{client: c, symbol: symbol}
}

// BreakerState reports the circuit breaker state.
func (c *RestClient) BreakerState() gobreaker.State { return c.breaker.State() }

// SnapshotSource fetches snapshots of a single symbol.
type SnapshotSource struct {
	client *RestClient
	symbol string
}

func (s *SnapshotSource) FetchSnapshot(ctx context.Context) (models.DepthSnapshot, error) {
	return s.client.FetchSnapshot(ctx, s.symbol)
}

func klinesWeight(limit int) int {
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

func convertKline(symbol, interval string, k *futures.Kline) (models.KlineUpdate, error) {
	out := models.KlineUpdate{
		Symbol:      symbol,
		Interval:    interval,
		PeriodStart: k.OpenTime,
		PeriodEnd:   k.CloseTime,
		TradeCount:  k.TradeNum,
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", k.Open, &out.Open},
		{"high", k.High, &out.High},
		{"low", k.Low, &out.Low},
		{"close", k.Close, &out.Close},
		{"volume", k.Volume, &out.Volume},
		{"taker_buy_volume", k.TakerBuyBaseAssetVolume, &out.TakerBuyVolume},
	} {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return models.KlineUpdate{}, fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	return out, nil
}

func parseLevel(price, qty string) (models.PriceLevel, error) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return models.PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return models.PriceLevel{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	return models.PriceLevel{Price: p, Quantity: q}, nil
}
