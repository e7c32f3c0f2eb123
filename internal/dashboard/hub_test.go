package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"orderflow/logger"
	"orderflow/models"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) hubMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg hubMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsBarCloses(t *testing.T) {
	hub := NewHub(logger.Logger())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	all := dialHub(t, srv, "")
	eth := dialHub(t, srv, "?symbol=ethusdt")
	waitClients(t, hub, 2)

	ctx := context.Background()
	hub.HandleBarClose(ctx, models.BarClose{Symbol: "BTCUSDT", Bar: models.FinalizedBar{StartTime: 60_000}})
	hub.HandleBarClose(ctx, models.BarClose{Symbol: "ETHUSDT", Bar: models.FinalizedBar{StartTime: 120_000}})

	if msg := readFrame(t, all); msg.Symbol != "BTCUSDT" || msg.Type != "bar_close" {
		t.Fatalf("first frame = %+v", msg)
	}
	if msg := readFrame(t, all); msg.Symbol != "ETHUSDT" {
		t.Fatalf("second frame = %+v", msg)
	}
	if msg := readFrame(t, eth); msg.Symbol != "ETHUSDT" {
		t.Fatalf("filtered client got %+v", msg)
	}
}

func TestHubReplaysRecentToNewClients(t *testing.T) {
	hub := NewHub(logger.Logger())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	hub.HandleBarClose(context.Background(), models.BarClose{Symbol: "BTCUSDT"})

	conn := dialHub(t, srv, "?symbol=BTCUSDT")
	if msg := readFrame(t, conn); msg.Symbol != "BTCUSDT" {
		t.Fatalf("replayed frame = %+v", msg)
	}
}
