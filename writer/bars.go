package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/logger"
	"orderflow/models"
)

// BarRecord is one footprint level of a finalized bar; bar-wide columns
// repeat on every level. A bar without levels is written as a single row
// with zero level columns.
type BarRecord struct {
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	BarStart      int64   `parquet:"name=bar_start, type=INT64"`
	BarEnd        int64   `parquet:"name=bar_end, type=INT64"`
	Open          float64 `parquet:"name=open, type=DOUBLE"`
	High          float64 `parquet:"name=high, type=DOUBLE"`
	Low           float64 `parquet:"name=low, type=DOUBLE"`
	Close         float64 `parquet:"name=close, type=DOUBLE"`
	Volume        float64 `parquet:"name=volume, type=DOUBLE"`
	TradeCount    int64   `parquet:"name=trade_count, type=INT64"`
	TotalBuy      float64 `parquet:"name=total_buy_volume, type=DOUBLE"`
	TotalSell     float64 `parquet:"name=total_sell_volume, type=DOUBLE"`
	TotalDelta    float64 `parquet:"name=total_delta, type=DOUBLE"`
	POCPrice      float64 `parquet:"name=poc_price, type=DOUBLE"`
	POCVolume     float64 `parquet:"name=poc_volume, type=DOUBLE"`
	VWAP          float64 `parquet:"name=vwap, type=DOUBLE"`
	ValueAreaLow  float64 `parquet:"name=value_area_low, type=DOUBLE"`
	ValueAreaHigh float64 `parquet:"name=value_area_high, type=DOUBLE"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	BuyQty        float64 `parquet:"name=buy_qty, type=DOUBLE"`
	SellQty       float64 `parquet:"name=sell_qty, type=DOUBLE"`
	Delta         float64 `parquet:"name=delta, type=DOUBLE"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error)            { return int64(mfw.buffer.Len()), nil }
func (mfw *memoryFileWriter) Read(b []byte) (int, error)                { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error)               { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                              { return nil }
func (mfw *memoryFileWriter) Bytes() []byte                             { return mfw.buffer.Bytes() }

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BarArchiveWriter batches finalized bars per symbol and uploads each batch
// as a parquet object.
type BarArchiveWriter struct {
	cfg     appconfig.S3Config
	version string
	client  objectPutter
	queue   *barQueue
	buffer  map[string][]models.BarClose
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewBarArchiveWriter loads AWS credentials the way the rest of the stack
// does and fails when none are available.
func NewBarArchiveWriter(cfg *appconfig.Config) (*BarArchiveWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()
	s3cfg := cfg.Storage.S3

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("bar_archive").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	w := newBarArchiveWriter(s3cfg, cfg.App.Version, client, log)
	log.WithComponent("bar_archive").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("bar archive writer initialized")
	return w, nil
}

func newBarArchiveWriter(cfg appconfig.S3Config, version string, client objectPutter, log *logger.Log) *BarArchiveWriter {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Writer.FlushInterval <= 0 {
		cfg.Writer.FlushInterval = time.Minute
	}
	return &BarArchiveWriter{
		cfg:     cfg,
		version: version,
		client:  client,
		queue:   newBarQueue("bar_archive", cfg.Writer.QueueSize, log),
		buffer:  make(map[string][]models.BarClose),
		wg:      &sync.WaitGroup{},
		log:     log,
	}
}

// HandleBarClose queues the bar without blocking. Historical bars carry no
// footprint and are not archived.
func (w *BarArchiveWriter) HandleBarClose(ctx context.Context, bc models.BarClose) error {
	if bc.Bar.Historical {
		return nil
	}
	return w.queue.offer(bc)
}

func (w *BarArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("bar archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.log.WithComponent("bar_archive").WithFields(logger.Fields{
		"batch_size":     w.cfg.Writer.BatchSize,
		"flush_interval": w.cfg.Writer.FlushInterval.String(),
	}).Info("bar archive writer started")
	return nil
}

// Stop waits for the final flush; cancel the Start context first.
func (w *BarArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("bar_archive").Info("stopping bar archive writer")
	w.wg.Wait()
	w.log.WithComponent("bar_archive").Info("bar archive writer stopped")
}

func (w *BarArchiveWriter) Stats() metrics.WriterStats { return w.queue.stats() }

// Report emits the writer counters.
func (w *BarArchiveWriter) Report() { w.queue.report() }

func (w *BarArchiveWriter) worker() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Writer.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			w.flushBuffers("shutdown")
			return
		case bc := <-w.queue.ch:
			w.add(bc)
		case <-ticker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *BarArchiveWriter) drain() {
	for {
		select {
		case bc := <-w.queue.ch:
			w.add(bc)
		default:
			return
		}
	}
}

func (w *BarArchiveWriter) add(bc models.BarClose) {
	w.buffer[bc.Symbol] = append(w.buffer[bc.Symbol], bc)
	if w.cfg.Writer.BatchSize > 0 && len(w.buffer[bc.Symbol]) >= w.cfg.Writer.BatchSize {
		w.flush(bc.Symbol, "batch_size")
	}
}

func (w *BarArchiveWriter) flushBuffers(reason string) {
	symbols := make([]string, 0, len(w.buffer))
	for symbol, bars := range w.buffer {
		if len(bars) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		w.flush(symbol, reason)
	}
}

func (w *BarArchiveWriter) flush(symbol, reason string) {
	bars := w.buffer[symbol]
	delete(w.buffer, symbol)
	if len(bars) == 0 {
		return
	}

	batchID := uuid.New().String()
	key := w.generateS3Key(symbol, bars[0].Bar.StartTime, batchID)
	log := w.log.WithComponent("bar_archive").WithFields(logger.Fields{
		"batch_id": batchID,
		"symbol":   symbol,
		"bars":     len(bars),
		"reason":   reason,
		"s3_key":   key,
	})

	data, err := w.createParquetFile(bars)
	if err != nil {
		w.queue.failed()
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		w.queue.failed()
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.cfg.Bucket}).
			Error("failed to upload to S3")
		return
	}
	w.queue.written(len(data))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("bar batch uploaded")
}

func (w *BarArchiveWriter) generateS3Key(symbol string, firstStart int64, batchID string) string {
	ts := time.UnixMilli(firstStart).UTC()
	return path.Join(
		w.cfg.Prefix,
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", ts.Month()),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("%s_bars_%s_%s.parquet", strings.ToLower(symbol), ts.Format("20060102150405"), batchID[:8]),
	)
}

// barRecords flattens a bar close into one row per footprint level.
func barRecords(bc models.BarClose) []BarRecord {
	b := bc.Bar
	base := BarRecord{
		Symbol:        b.Symbol,
		BarStart:      b.StartTime,
		BarEnd:        b.EndTime,
		Open:          b.OHLC.Open,
		High:          b.OHLC.High,
		Low:           b.OHLC.Low,
		Close:         b.OHLC.Close,
		Volume:        b.OHLC.Volume,
		TradeCount:    b.OHLC.TradeCount,
		TotalBuy:      b.TotalBuyVolume,
		TotalSell:     b.TotalSellVolume,
		TotalDelta:    b.TotalDelta,
		POCPrice:      b.POC.Price,
		POCVolume:     b.POC.Volume,
		VWAP:          bc.Profile.VWAP,
		ValueAreaLow:  bc.Profile.ValueAreaLow,
		ValueAreaHigh: bc.Profile.ValueAreaHigh,
	}
	if len(b.Footprint) == 0 {
		return []BarRecord{base}
	}
	out := make([]BarRecord, 0, len(b.Footprint))
	for _, lvl := range b.Footprint {
		r := base
		r.Price = lvl.Price
		r.BuyQty = lvl.BuyQty
		r.SellQty = lvl.SellQty
		r.Delta = lvl.Delta
		out = append(out, r)
	}
	return out
}

func (w *BarArchiveWriter) createParquetFile(bars []models.BarClose) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := pqwriter.NewParquetWriter(fw, new(BarRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.cfg.Writer.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	rows := 0
	for _, bc := range bars {
		for _, record := range barRecords(bc) {
			if err := pw.Write(record); err != nil {
				pw.WriteStop()
				return nil, fmt.Errorf("failed to write parquet record: %w", err)
			}
			rows++
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()
	w.log.WithComponent("bar_archive").WithFields(logger.Fields{
		"rows":        rows,
		"file_size":   len(data),
		"compression": w.cfg.Writer.Compression,
	}).Debug("parquet file created")
	return data, nil
}

func (w *BarArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.cfg.Writer.Compression,
			"orderflow-version": w.version,
		},
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 30*time.Second)
	defer cancel()
	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.cfg.Bucket, err)
	}
	return nil
}
