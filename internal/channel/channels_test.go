package channel

import (
	"context"
	"testing"
	"time"

	"orderflow/models"
)

func TestSendRawDropsWhenFull(t *testing.T) {
	c := NewChannels("ETHUSDT", 1, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawMessage{Stream: models.StreamDepth}) {
		t.Fatalf("first send should fit")
	}
	if c.SendRaw(ctx, models.RawMessage{Stream: models.StreamDepth}) {
		t.Fatalf("second send should be dropped")
	}
	st := c.GetStats()
	if st.RawSent != 1 || st.RawDropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendRawWaitsForRoomOnTradeStream(t *testing.T) {
	c := NewChannels("ETHUSDT", 1, 1)
	ctx := context.Background()

	if !c.SendRaw(ctx, models.RawMessage{Stream: models.StreamDepth}) {
		t.Fatalf("first send should fit")
	}
	go func() {
		time.Sleep(RawSendGrace / 5)
		<-c.Raw
	}()
	if !c.SendRaw(ctx, models.RawMessage{Stream: models.StreamTrade}) {
		t.Fatalf("trade frame dropped although room was freed within the grace period")
	}

	started := time.Now()
	if c.SendRaw(ctx, models.RawMessage{Stream: models.StreamKline}) {
		t.Fatalf("kline frame should be dropped when no room is freed")
	}
	if waited := time.Since(started); waited < RawSendGrace {
		t.Fatalf("kline frame dropped after %v, want at least %v", waited, RawSendGrace)
	}
	if st := c.GetStats(); st.RawSent != 2 || st.RawDropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendEventBlocksUntilCancelled(t *testing.T) {
	c := NewChannels("ETHUSDT", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())

	if !c.SendEvent(ctx, models.Event{Kind: models.EventTrade}) {
		t.Fatalf("first event should fit")
	}
	done := make(chan bool, 1)
	go func() { done <- c.SendEvent(ctx, models.Event{Kind: models.EventKline}) }()

	select {
	case <-done:
		t.Fatalf("send on a full channel returned early")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	if ok := <-done; ok {
		t.Fatalf("cancelled send reported success")
	}
	if st := c.GetStats(); st.EventsSent != 1 || st.EventsDropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestCloseEventsIsIdempotent(t *testing.T) {
	c := NewChannels("ETHUSDT", 1, 1)
	c.CloseRaw()
	c.CloseEvents()
	c.CloseEvents()
	if _, ok := <-c.Events; ok {
		t.Fatalf("events channel still open")
	}
}
