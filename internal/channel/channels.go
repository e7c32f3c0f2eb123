// Package channel holds the buffered hand-off points of one instrument's
// pipeline: stream readers -> Raw -> normalizer -> Events -> sequencer.
package channel

import (
	"context"
	"sync"
	"time"

	"orderflow/logger"
	"orderflow/models"
)

type ChannelStats struct {
	RawSent       int64 `json:"raw_sent"`
	RawDropped    int64 `json:"raw_dropped"`
	EventsSent    int64 `json:"events_sent"`
	EventsDropped int64 `json:"events_dropped"`
}

type Channels struct {
	Symbol string
	Raw    chan models.RawMessage
	Events chan models.Event

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Entry
}

func NewChannels(symbol string, rawBufferSize, eventBufferSize int) *Channels {
	log := logger.GetLogger().WithComponent("channels").WithSymbol(symbol)
	c := &Channels{
		Symbol: symbol,
		Raw:    make(chan models.RawMessage, rawBufferSize),
		Events: make(chan models.Event, eventBufferSize),
		log:    log,
	}
	log.WithFields(logger.Fields{
		"raw_buffer_size":   rawBufferSize,
		"event_buffer_size": eventBufferSize,
	}).Info("channels initialized")
	return c
}

// CloseRaw is called once every reader has stopped.
func (c *Channels) CloseRaw() {
	close(c.Raw)
}

// CloseEvents is called by the normalizer when Raw is drained.
func (c *Channels) CloseEvents() {
	c.closeOnce.Do(func() {
		close(c.Events)
		c.log.Info("event channel closed")
	})
}

// RawSendGrace bounds how long SendRaw waits on a full buffer for trade and
// kline frames before dropping them.
const RawSendGrace = 50 * time.Millisecond

// SendRaw drops a depth diff at once when the buffer is full; the gap is
// caught by the book and repaired by a resync. Trade and kline frames have
// no such repair, so they wait up to RawSendGrace for room first.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawMessage) bool {
	select {
	case c.Raw <- msg:
		c.countRaw(true)
		return true
	case <-ctx.Done():
		return false
	default:
	}

	if msg.Stream == models.StreamDepth {
		c.countRaw(false)
		return false
	}

	timer := time.NewTimer(RawSendGrace)
	defer timer.Stop()
	select {
	case c.Raw <- msg:
		c.countRaw(true)
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		c.countRaw(false)
		return false
	}
}

func (c *Channels) countRaw(sent bool) {
	c.statsMutex.Lock()
	if sent {
		c.stats.RawSent++
	} else {
		c.stats.RawDropped++
	}
	c.statsMutex.Unlock()
}

// SendEvent blocks until the sequencer takes the event so that per-stream
// order survives back-pressure.
func (c *Channels) SendEvent(ctx context.Context, ev models.Event) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.EventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
