package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "orderflow/config"
	"orderflow/internal/metrics"
	"orderflow/logger"
	"orderflow/models"
)

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisPublisher caches the last finalized bar per symbol and announces
// every close on a pub/sub channel.
type RedisPublisher struct {
	client    redisClient
	channel   string
	keyPrefix string
	ttl       time.Duration
	queue     *barQueue
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, cfg *appconfig.Config) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	p := newRedisPublisher(rdb, cfg.Redis, logger.GetLogger())
	p.log.WithComponent("redis_publisher").WithFields(logger.Fields{
		"addr":    cfg.Redis.Addr,
		"channel": cfg.Redis.Channel,
	}).Info("redis publisher initialized")
	return p, nil
}

func newRedisPublisher(client redisClient, cfg appconfig.RedisConfig, log *logger.Log) *RedisPublisher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &RedisPublisher{
		client:    client,
		channel:   cfg.Channel,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		queue:     newBarQueue("redis_publisher", cfg.QueueSize, log),
		wg:        &sync.WaitGroup{},
		log:       log,
	}
}

func (p *RedisPublisher) HandleBarClose(ctx context.Context, bc models.BarClose) error {
	return p.queue.offer(bc)
}

func (p *RedisPublisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("redis publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case bc := <-p.queue.ch:
			p.publish(bc)
		}
	}
}

// LastBarKey is where the latest bar of symbol is cached.
func (p *RedisPublisher) LastBarKey(symbol string) string {
	return p.keyPrefix + symbol
}

func (p *RedisPublisher) publish(bc models.BarClose) {
	log := p.log.WithComponent("redis_publisher").WithFields(logger.Fields{
		"symbol":    bc.Symbol,
		"bar_start": bc.Bar.StartTime,
	})

	data, err := json.Marshal(bc)
	if err != nil {
		p.queue.failed()
		log.WithError(err).Warn("failed to marshal bar")
		return
	}

	if !bc.Bar.Historical {
		if err := p.client.Set(p.ctx, p.LastBarKey(bc.Symbol), data, p.ttl).Err(); err != nil {
			if p.ctx.Err() == nil {
				p.queue.failed()
				log.WithError(err).Warn("failed to cache last bar")
			}
			return
		}
	}
	if p.channel != "" {
		if err := p.client.Publish(p.ctx, p.channel, data).Err(); err != nil {
			if p.ctx.Err() == nil {
				p.queue.failed()
				log.WithError(err).Warn("failed to publish bar")
			}
			return
		}
	}
	p.queue.written(len(data))
}

// Stop waits for the publisher and closes the client.
func (p *RedisPublisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()
	if err := p.client.Close(); err != nil {
		p.log.WithComponent("redis_publisher").WithError(err).Warn("failed to close redis client")
	}
	p.log.WithComponent("redis_publisher").Info("redis publisher stopped")
}

func (p *RedisPublisher) Stats() metrics.WriterStats { return p.queue.stats() }

func (p *RedisPublisher) Report() { p.queue.report() }
