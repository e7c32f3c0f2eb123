package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/logger"
	"orderflow/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes finalized bars as JSON, keyed by symbol so every bar
// of an instrument lands on the same partition.
type KafkaWriter struct {
	writer  messageWriter
	topic   string
	queue   *barQueue
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewKafkaWriter(cfg *appconfig.Config) (*KafkaWriter, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.Kafka.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	kw := newKafkaWriter(w, cfg.Kafka.Topic, cfg.Kafka.QueueSize, logger.GetLogger())
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Kafka.Brokers,
		"topic":   cfg.Kafka.Topic,
	}).Info("kafka writer initialized")
	return kw, nil
}

func newKafkaWriter(w messageWriter, topic string, queueSize int, log *logger.Log) *KafkaWriter {
	if log == nil {
		log = logger.GetLogger()
	}
	return &KafkaWriter{
		writer: w,
		topic:  topic,
		queue:  newBarQueue("kafka_writer", queueSize, log),
		wg:     &sync.WaitGroup{},
		log:    log,
	}
}

func (kw *KafkaWriter) HandleBarClose(ctx context.Context, bc models.BarClose) error {
	return kw.queue.offer(bc)
}

func (kw *KafkaWriter) Start(ctx context.Context) error {
	kw.mu.Lock()
	if kw.running {
		kw.mu.Unlock()
		return fmt.Errorf("kafka writer already running")
	}
	kw.running = true
	kw.ctx = ctx
	kw.mu.Unlock()

	kw.log.WithComponent("kafka_writer").Debug("starting kafka writer")

	kw.wg.Add(1)
	go kw.run()

	return nil
}

func (kw *KafkaWriter) run() {
	defer kw.wg.Done()

	for {
		select {
		case <-kw.ctx.Done():
			return
		case bc := <-kw.queue.ch:
			kw.publish(bc)
		}
	}
}

func (kw *KafkaWriter) publish(bc models.BarClose) {
	log := kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"symbol":    bc.Symbol,
		"bar_start": bc.Bar.StartTime,
	})

	data, err := json.Marshal(bc)
	if err != nil {
		kw.queue.failed()
		log.WithError(err).Warn("failed to marshal bar")
		return
	}

	msg := kafka.Message{
		Key:   []byte(bc.Symbol),
		Value: data,
		Time:  time.UnixMilli(bc.Bar.EndTime),
		Headers: []kafka.Header{
			{Key: "historical", Value: []byte(fmt.Sprintf("%t", bc.Bar.Historical))},
		},
	}
	if err := kw.writer.WriteMessages(kw.ctx, msg); err != nil {
		if kw.ctx.Err() != nil {
			return
		}
		kw.queue.failed()
		log.WithError(err).Warn("failed to write kafka message")
		return
	}
	kw.queue.written(len(data))
	log.Debug("bar published to kafka")
}

// Stop waits for the publisher and closes the underlying writer.
func (kw *KafkaWriter) Stop() {
	kw.mu.Lock()
	kw.running = false
	kw.mu.Unlock()
	kw.wg.Wait()
	if err := kw.writer.Close(); err != nil {
		kw.log.WithComponent("kafka_writer").WithError(err).Warn("failed to close kafka writer")
	}
	kw.log.WithComponent("kafka_writer").Info("kafka writer stopped")
}

func (kw *KafkaWriter) Stats() metrics.WriterStats { return kw.queue.stats() }

func (kw *KafkaWriter) Report() { kw.queue.report() }
