// Command replay rebuilds footprint bars from recorded stream files. Closed
// bars are logged and, when configured, published to the same sinks as the
// live service.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/internal/pipeline"
	"orderflow/internal/recorder"
	"orderflow/internal/sequencer"
	"orderflow/logger"
	"orderflow/models"
	"orderflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults by APP_ENV)")
	symbol := flag.String("symbol", "", "Instrument to replay")
	dir := flag.String("dir", "", "Recording directory (defaults to recorder.dir)")
	publish := flag.Bool("publish", false, "Publish replayed bars to the configured kafka and redis sinks")
	verbose := flag.Bool("v", false, "Log every replayed bar")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stdout", cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	inst, ok := cfg.Instrument(strings.ToUpper(*symbol))
	if !ok {
		log.WithSymbol(*symbol).Error("instrument not configured")
		os.Exit(2)
	}
	if *dir == "" {
		*dir = cfg.Recorder.Dir
	}
	files, err := recorder.Files(*dir, inst.Symbol)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"dir": *dir}).Error("no recordings found")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sinks []sequencer.Sink
	if *verbose {
		sinks = append(sinks, sequencer.SinkFunc(func(_ context.Context, bc models.BarClose) error {
			b := bc.Bar
			log.WithComponent("replay").WithFields(logger.Fields{
				"symbol": bc.Symbol,
				"start":  b.StartTime,
				"open":   b.OHLC.Open,
				"high":   b.OHLC.High,
				"low":    b.OHLC.Low,
				"close":  b.OHLC.Close,
				"buy":    b.TotalBuyVolume,
				"sell":   b.TotalSellVolume,
				"delta":  b.TotalDelta,
				"poc":    b.POC.Price,
			}).Info("bar closed")
			return nil
		}))
	}

	var stops []func()
	if *publish {
		if cfg.Kafka.Enabled {
			if w, err := writer.NewKafkaWriter(cfg); err != nil {
				log.WithError(err).Warn("kafka writer unavailable")
			} else if err := w.Start(ctx); err == nil {
				sinks = append(sinks, w)
				stops = append(stops, w.Stop)
			}
		}
		if cfg.Redis.Enabled {
			if w, err := writer.NewRedisPublisher(ctx, cfg); err != nil {
				log.WithError(err).Warn("redis publisher unavailable")
			} else if err := w.Start(ctx); err == nil {
				sinks = append(sinks, w)
				stops = append(stops, w.Stop)
			}
		}
	}

	result, err := pipeline.Replay(ctx, cfg, inst, files, log, sinks...)
	for _, s := range stops {
		s()
	}
	if err != nil && ctx.Err() == nil {
		log.WithError(err).Error("replay failed")
		os.Exit(1)
	}

	fields := logger.Fields{
		"symbol":   result.Symbol,
		"files":    len(files),
		"messages": result.Messages,
		"bars":     result.Bars,
		"elapsed":  result.Elapsed.String(),
	}
	if result.Last != nil {
		fields["last_bar_start"] = result.Last.Bar.StartTime
		fields["last_close"] = result.Last.Bar.OHLC.Close
	}
	log.WithComponent("replay").WithFields(fields).Info("replay summary")
}
