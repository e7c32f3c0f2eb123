package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/dashboard"
	"orderflow/internal/metrics"
	"orderflow/internal/pipeline"
	"orderflow/internal/scheduler"
	"orderflow/internal/sequencer"
	"orderflow/logger"
	"orderflow/reader/binance"
	"orderflow/writer"
)

const reportInterval = 30 * time.Second

type barWriter interface {
	sequencer.Sink
	Start(ctx context.Context) error
	Stop()
	Report()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults by APP_ENV)")
	instrumentsPath := flag.String("instruments", "", "Optional instruments file replacing the configured list")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *instrumentsPath != "" {
		set, err := config.LoadInstruments(*instrumentsPath)
		if err == nil {
			err = cfg.MergeInstruments(set)
		}
		if err != nil {
			log.WithError(err).Error("Failed to load instruments")
			os.Exit(1)
		}
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"instruments": len(cfg.Instruments),
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	level := cfg.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if strings.ToLower(level) == "report" {
		logger.InitCloudWatch(cfg.Storage.S3.Region, "", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, reportInterval)
	}
	metrics.Init()

	dash, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	writers := buildWriters(ctx, cfg, log)
	sinks := make([]sequencer.Sink, 0, len(writers)+1)
	for _, w := range writers {
		sinks = append(sinks, w)
	}
	if hub := dash.Hub(); hub != nil {
		sinks = append(sinks, hub)
	}

	clock := scheduler.SystemClock()
	rest := make(map[string]*binance.RestClient)
	instruments := make([]*pipeline.Instrument, 0, len(cfg.Instruments))
	bundles := make([]*channel.Channels, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		client, ok := rest[inst.LocalIP]
		if !ok {
			client = binance.NewRestClient(cfg, inst.LocalIP)
			rest[inst.LocalIP] = client
		}
		p, err := pipeline.NewInstrument(cfg, inst, client, clock, log, sinks...)
		if err != nil {
			log.WithError(err).WithSymbol(inst.Symbol).Error("failed to build instrument pipeline")
			os.Exit(1)
		}
		p.Warmup(ctx)
		dash.AddInstrument(p.Sequencer())
		dash.AddWorkload(p)
		instruments = append(instruments, p)
		bundles = append(bundles, p.Channels())
	}

	sched := scheduler.New(clock, log)
	for _, p := range instruments {
		sched.Every("status_"+p.Symbol(), cfg.Status.Interval, p.StatusTask())
		sched.Every("report_"+p.Symbol(), reportInterval, p.ReportTask())
	}
	if cfg.Metrics.ChannelSize {
		sched.Every("channel_sizes", reportInterval, metrics.ChannelSizeTask(log, bundles))
	}
	sched.Every("writer_report", reportInterval, func(context.Context) {
		for _, w := range writers {
			w.Report()
		}
	})

	var wg sync.WaitGroup

	for _, w := range writers {
		if err := w.Start(ctx); err != nil {
			log.WithError(err).Warn("bar writer failed to start")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range instruments {
		if err := p.Start(gctx, g); err != nil {
			log.WithError(err).WithSymbol(p.Symbol()).Error("failed to start instrument")
			cancel()
			break
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil {
			log.WithError(err).Warn("scheduler stopped")
		}
	}()

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithComponent("dashboard").WithFields(logger.Fields{"address": dash.Address()}).Info("dashboard listening")
			if err := dash.Run(ctx, cfg.App.Name); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard server stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-gctx.Done():
		log.Warn("pipeline stopped unexpectedly")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for _, p := range instruments {
			log.WithSymbol(p.Symbol()).Info("stopping instrument")
			p.Stop()
		}
		if err := g.Wait(); err != nil {
			log.WithError(err).Warn("sequencer exited with error")
		}
		for _, w := range writers {
			w.Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("orderflow stopped")
}

// buildWriters creates the enabled bar sinks. A sink that cannot be created
// is logged and skipped.
func buildWriters(ctx context.Context, cfg *config.Config, log *logger.Log) []barWriter {
	var out []barWriter

	if cfg.Storage.S3.Enabled {
		w, err := writer.NewBarArchiveWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 bar archive")
		} else {
			out = append(out, w)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping bar archive")
	}

	if cfg.Kafka.Enabled {
		w, err := writer.NewKafkaWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
		} else {
			out = append(out, w)
		}
	}

	if cfg.Redis.Enabled {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		w, err := writer.NewRedisPublisher(pctx, cfg)
		cancel()
		if err != nil {
			log.WithError(err).Error("failed to create redis publisher")
		} else {
			out = append(out, w)
		}
	}
	return out
}
