package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/internal/sequencer"
	"orderflow/logger"
	"orderflow/models"
)

const queryTimeout = 2 * time.Second

// Instrument is the read side of one instrument's sequencer.
type Instrument interface {
	Symbol() string
	TopLevels(ctx context.Context, n int) (models.BookLevels, error)
	LiveMetrics(ctx context.Context) (models.ProfileMetrics, error)
	CurrentBar(ctx context.Context) (models.FinalizedBar, bool, error)
	RecentTrades(ctx context.Context, window time.Duration) ([]models.ClassifiedTrade, error)
	Bars(ctx context.Context) ([]models.FinalizedBar, error)
	Status(ctx context.Context) (sequencer.Status, error)
}

// Server hosts the monitoring dashboard: pipeline metrics, logs, host
// resources and per-instrument order flow views.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	metricStore       *metricStore
	logStore          *logStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
	hub               *Hub

	mu          sync.RWMutex
	instruments map[string]Instrument
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log)

	server := &Server{
		cfg:               cfg,
		log:               log,
		metricStore:       metricStore,
		logStore:          logStore,
		metricHandler:     handlerID,
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
		resourceSampler:   sampler,
		hub:               NewHub(log),
		instruments:       make(map[string]Instrument),
	}

	if server.refreshIntervalMs <= 0 {
		server.refreshIntervalMs = int((5 * time.Second) / time.Millisecond)
	}

	return server, nil
}

// AddWorkload adds w's buffers and workers to the resource samples.
func (s *Server) AddWorkload(w Workload) {
	if s == nil {
		return
	}
	s.resourceSampler.track(w)
}

// AddInstrument exposes inst under /api/instruments/<symbol>.
func (s *Server) AddInstrument(inst Instrument) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.instruments[strings.ToUpper(inst.Symbol())] = inst
	s.mu.Unlock()
}

// Hub is the bar close sink feeding websocket clients. Nil when the
// dashboard is disabled.
func (s *Server) Hub() *Hub {
	if s == nil {
		return nil
	}
	return s.hub
}

func (s *Server) instrument(symbol string) (Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[strings.ToUpper(symbol)]
	return inst, ok
}

func (s *Server) symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instruments))
	for symbol := range s.instruments {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Run starts the dashboard HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"instruments":         s.symbols(),
			"refresh_interval_ms": s.refreshIntervalMs,
			"ws_clients":          s.hub.Clients(),
		})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", func(c *gin.Context) { s.hub.ServeWS(c.Writer, c.Request) })

	router.GET("/api/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"series": s.metricStore.query(c.Query("symbol"), c.Query("family"))})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		level, err := levelQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(c.Query("symbol"), level)})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	router.GET("/api/instruments", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"instruments": s.symbols()})
	})

	api := router.Group("/api/instruments/:symbol")
	api.GET("/metrics", s.withSymbol(func(symbol string, c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"symbol": symbol,
			"latest": s.metricStore.latest(symbol),
			"series": s.metricStore.query(symbol, c.Query("family")),
		})
	}))
	api.GET("/logs", s.withSymbol(func(symbol string, c *gin.Context) {
		level, err := levelQuery(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "logs": s.logStore.query(symbol, level)})
	}))
	api.GET("/load", s.withSymbol(func(symbol string, c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "load": s.resourceSampler.history(symbol)})
	}))
	api.GET("/status", s.withInstrument(func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error) {
		return inst.Status(ctx)
	}))
	api.GET("/book", s.withInstrument(func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error) {
		return inst.TopLevels(ctx, intQuery(c, "depth", 20))
	}))
	api.GET("/profile", s.withInstrument(func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error) {
		return inst.LiveMetrics(ctx)
	}))
	api.GET("/bar", s.withInstrument(func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error) {
		bar, ok, err := inst.CurrentBar(ctx)
		if err != nil || !ok {
			return nil, err
		}
		return bar, nil
	}))
	api.GET("/bars", s.withInstrument(func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error) {
		bars, err := inst.Bars(ctx)
		if err != nil {
			return nil, err
		}
		if limit := intQuery(c, "limit", 0); limit > 0 && len(bars) > limit {
			bars = bars[len(bars)-limit:]
		}
		return bars, nil
	}))
	api.GET("/trades", s.withInstrument(func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error) {
		window := time.Minute
		if raw := c.Query("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				return nil, errBadWindow
			}
			window = d
		}
		return inst.RecentTrades(ctx, window)
	}))

	return router, nil
}

var errBadWindow = errors.New("window must be a positive duration")

// withSymbol serves views that do not query the sequencer. The symbol must
// still be a registered instrument or workload.
func (s *Server) withSymbol(fn func(symbol string, c *gin.Context)) gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := strings.ToUpper(c.Param("symbol"))
		if !s.known(symbol) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
			return
		}
		fn(symbol, c)
	}
}

func (s *Server) known(symbol string) bool {
	if _, ok := s.instrument(symbol); ok {
		return true
	}
	return s.resourceSampler.tracks(symbol)
}

// levelQuery reads the minimum log level, defaulting to trace.
func levelQuery(c *gin.Context) (logrus.Level, error) {
	raw := c.Query("level")
	if raw == "" {
		return logrus.TraceLevel, nil
	}
	return logrus.ParseLevel(raw)
}

type instrumentQuery func(ctx context.Context, inst Instrument, c *gin.Context) (interface{}, error)

func (s *Server) withInstrument(fn instrumentQuery) gin.HandlerFunc {
	return func(c *gin.Context) {
		inst, ok := s.instrument(c.Param("symbol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
		defer cancel()

		out, err := fn(ctx, inst, c)
		switch {
		case errors.Is(err, errBadWindow):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, sequencer.ErrStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case err != nil:
			s.log.WithComponent("dashboard").WithError(err).WithFields(logger.Fields{
				"path": c.FullPath(),
			}).Warn("instrument query failed")
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		case out == nil:
			c.JSON(http.StatusNoContent, nil)
		default:
			c.JSON(http.StatusOK, out)
		}
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
