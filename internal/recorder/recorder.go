// Package recorder persists the processed stream as tagged JSON lines and
// plays recorded files back into a pipeline.
package recorder

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/logger"
	"orderflow/models"
)

const (
	fileExt = ".jsonl"

	defaultQueueSize = 4096
)

// Stats counts recorder activity.
type Stats struct {
	Trades  int64 `json:"trades"`
	Klines  int64 `json:"klines"`
	Depth   int64 `json:"depth"`
	Bytes   int64 `json:"bytes"`
	Errors  int64 `json:"errors"`
	Dropped int64 `json:"dropped"`
}

// Recorder appends one symbol's records to a rotating file. Record calls
// only enqueue; a single writer goroutine owns the file.
type Recorder struct {
	symbol string
	out    *lumberjack.Logger
	mu     sync.Mutex
	now    func() time.Time
	log    *logger.Entry
	rawLog *logger.Log

	queue     chan models.Record
	done      chan struct{}
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	trades  atomic.Int64
	klines  atomic.Int64
	depth   atomic.Int64
	bytes   atomic.Int64
	errs    atomic.Int64
	dropped atomic.Int64
}

// FileName returns the active recording path for symbol under dir.
func FileName(dir, symbol string) string {
	return filepath.Join(dir, strings.ToLower(symbol)+fileExt)
}

// New opens the recorder and starts its writer. Close must be called to
// flush queued records.
func New(cfg config.RecorderConfig, symbol string, log *logger.Log) (*Recorder, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("recorder dir is required")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	r := &Recorder{
		symbol: symbol,
		out: &lumberjack.Logger{
			Filename:   FileName(cfg.Dir, symbol),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		},
		now:    time.Now,
		log:    log.WithComponent("recorder").WithSymbol(symbol),
		rawLog: log,
		queue:  make(chan models.Record, size),
		done:   make(chan struct{}),
	}
	go r.run()
	r.log.WithFields(logger.Fields{"file": r.out.Filename, "queue_size": size}).Info("recorder initialized")
	return r, nil
}

func (r *Recorder) RecordTrade(t models.Trade) {
	r.enqueue(models.Record{Kind: models.RecordTrade, Trade: &t})
}

func (r *Recorder) RecordKline(k models.KlineUpdate) {
	r.enqueue(models.Record{Kind: models.RecordKline, Kline: &k})
}

// RecordDepth stores the top of the book after an applied diff.
func (r *Recorder) RecordDepth(symbol string, eventTime int64, levels models.BookLevels) {
	r.enqueue(models.Record{
		Kind:   models.RecordDepth,
		Symbol: symbol,
		Depth:  &models.RecordedDepth{EventTime: eventTime, Bids: levels.Bids, Asks: levels.Asks},
	})
}

// enqueue stamps rec and hands it to the writer. A full queue or a closed
// recorder drops the record.
func (r *Recorder) enqueue(rec models.Record) {
	if rec.Symbol == "" {
		rec.Symbol = r.symbol
	}
	rec.RecordedAt = r.now().UnixMilli()

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("recorder queue full, dropping records")
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		if !r.write(rec) {
			continue
		}
		switch rec.Kind {
		case models.RecordTrade:
			r.trades.Add(1)
		case models.RecordKline:
			r.klines.Add(1)
		case models.RecordDepth:
			r.depth.Add(1)
		}
	}
}

func (r *Recorder) write(rec models.Record) bool {
	line, err := json.Marshal(rec)
	if err != nil {
		r.errs.Add(1)
		r.log.WithError(err).Warn("failed to encode record")
		return false
	}
	line = append(line, '\n')

	r.mu.Lock()
	n, err := r.out.Write(line)
	r.mu.Unlock()
	if err != nil {
		r.errs.Add(1)
		r.log.WithError(err).Error("failed to write record")
		return false
	}
	r.bytes.Add(int64(n))
	return true
}

// Rotate starts a new file, keeping the current one as a backup.
func (r *Recorder) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Rotate()
}

// Close writes out every queued record and closes the file. Records
// submitted afterwards are dropped.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		close(r.queue)
		r.closeMu.Unlock()

		<-r.done
		r.mu.Lock()
		r.closeErr = r.out.Close()
		r.mu.Unlock()
	})
	return r.closeErr
}

// Queued is the number of records waiting for the writer.
func (r *Recorder) Queued() int { return len(r.queue) }

func (r *Recorder) Stats() Stats {
	return Stats{
		Trades:  r.trades.Load(),
		Klines:  r.klines.Load(),
		Depth:   r.depth.Load(),
		Bytes:   r.bytes.Load(),
		Errors:  r.errs.Load(),
		Dropped: r.dropped.Load(),
	}
}

// Report emits the recorder counters.
func (r *Recorder) Report() {
	s := r.Stats()
	fields := logger.Fields{"symbol": r.symbol}
	metrics.EmitMetric(r.rawLog, "recorder", "records_trade", s.Trades, "counter", fields)
	metrics.EmitMetric(r.rawLog, "recorder", "records_kline", s.Klines, "counter", fields)
	metrics.EmitMetric(r.rawLog, "recorder", "records_depth", s.Depth, "counter", fields)
	metrics.EmitMetric(r.rawLog, "recorder", "bytes_written", s.Bytes, "counter", fields)
	metrics.EmitMetric(r.rawLog, "recorder", "errors", s.Errors, "counter", fields)
	metrics.EmitMetric(r.rawLog, "recorder", "dropped", s.Dropped, "counter", fields)
}
