// Package writer holds the finalized bar sinks: an S3 parquet archive, a
// Kafka publisher and a Redis publisher. Every sink queues bar closes without
// blocking the sequencer and drains them on its own goroutine.
package writer

import (
	"errors"
	"sync/atomic"

	"orderflow/internal/metrics"
	"orderflow/logger"
	"orderflow/models"
)

const defaultQueueSize = 256

// ErrQueueFull is returned when a bar close cannot be queued.
var ErrQueueFull = errors.New("writer queue full")

type barQueue struct {
	component string
	ch        chan models.BarClose
	log       *logger.Log

	received atomic.Int64
	dropped  atomic.Int64
	batches  atomic.Int64
	bytes    atomic.Int64
	errs     atomic.Int64
}

func newBarQueue(component string, size int, log *logger.Log) *barQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &barQueue{
		component: component,
		ch:        make(chan models.BarClose, size),
		log:       log,
	}
}

func (q *barQueue) offer(bc models.BarClose) error {
	select {
	case q.ch <- bc:
		q.received.Add(1)
		return nil
	default:
		q.dropped.Add(1)
		metrics.EmitDropMetric(q.log, metrics.DropMetricSink, bc.Symbol, "", q.component)
		return ErrQueueFull
	}
}

func (q *barQueue) written(n int) {
	q.batches.Add(1)
	q.bytes.Add(int64(n))
}

func (q *barQueue) failed() { q.errs.Add(1) }

func (q *barQueue) stats() metrics.WriterStats {
	return metrics.WriterStats{
		BarsReceived:   q.received.Load(),
		BarsDropped:    q.dropped.Load(),
		BatchesWritten: q.batches.Load(),
		BytesWritten:   q.bytes.Load(),
		ErrorsCount:    q.errs.Load(),
		QueueLen:       len(q.ch),
		QueueCap:       cap(q.ch),
	}
}

func (q *barQueue) report() {
	metrics.ReportWriter(q.log, q.component, q.stats())
}
