package processor

import (
	"errors"
	"testing"
	"time"

	"orderflow/models"
)

func live(stream models.Stream, data string) models.RawMessage {
	return models.RawMessage{
		Exchange:   "binance",
		Symbol:     "ETHUSDT",
		Stream:     stream,
		Provenance: models.ProvenanceLive,
		Data:       []byte(data),
		Timestamp:  time.UnixMilli(1_700_000_000_000),
	}
}

func TestLiveDepth(t *testing.T) {
	raw := live(models.StreamDepth, `{"e":"depthUpdate","E":1700000000100,"T":1700000000099,"s":"ETHUSDT","U":157,"u":160,"pu":149,"b":[["2000.10","1.5"],["2000.00","0"]],"a":[["2000.20","3"]]}`)
	ev, err := LiveDecoder{}.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != models.EventDepthDiff || ev.Provenance != models.ProvenanceLive {
		t.Fatalf("event = %+v", ev)
	}
	d := ev.Depth
	if d.FirstUpdateID != 157 || d.LastUpdateID != 160 || d.PrevLastUpdateID != 149 || d.EventTime != 1700000000100 {
		t.Fatalf("ids = %+v", d)
	}
	if len(d.Bids) != 2 || d.Bids[1] != (models.PriceLevel{Price: 2000, Quantity: 0}) || d.Asks[0].Quantity != 3 {
		t.Fatalf("levels = %+v / %+v", d.Bids, d.Asks)
	}
}

func TestLiveAggTrade(t *testing.T) {
	raw := live(models.StreamTrade, `{"e":"aggTrade","E":1700000000200,"s":"ETHUSDT","a":5933014,"p":"2000.15","q":"0.75","f":100,"l":105,"T":1700000000150,"m":true}`)
	ev, err := LiveDecoder{}.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	tr := ev.Trade
	if ev.Kind != models.EventTrade || tr.TradeID != 5933014 || tr.Price != 2000.15 || tr.Quantity != 0.75 || tr.Time != 1700000000150 || !tr.IsBuyerMaker {
		t.Fatalf("trade = %+v", tr)
	}
	if tr.Side() != models.SideSell {
		t.Fatalf("side = %s", tr.Side())
	}
}

func TestLiveKline(t *testing.T) {
	raw := live(models.StreamKline, `{"e":"kline","E":1700000900000,"s":"ETHUSDT","k":{"t":1700000100000,"T":1700000999999,"s":"ETHUSDT","i":"15m","f":1,"L":90,"o":"2000","c":"2010.5","h":"2015","l":"1995","v":"120.5","n":90,"x":true,"q":"241000","V":"70.25","Q":"140000","B":"0"}}`)
	ev, err := LiveDecoder{}.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	k := ev.Kline
	if ev.Kind != models.EventKline || k.PeriodStart != 1700000100000 || k.PeriodEnd != 1700000999999 || !k.IsClosed {
		t.Fatalf("kline = %+v", k)
	}
	// "V" and "Q" must not fold into "v" and "q".
	if k.Volume != 120.5 || k.TakerBuyVolume != 70.25 || k.Close != 2010.5 || k.TradeCount != 90 || k.Interval != "15m" {
		t.Fatalf("kline values = %+v", k)
	}
}

func TestLiveMalformed(t *testing.T) {
	cases := []models.RawMessage{
		live(models.StreamDepth, `{not json`),
		live(models.StreamDepth, `{"U":10,"u":9,"b":[],"a":[]}`),
		live(models.StreamDepth, `{"U":1,"u":2,"b":[["x","1"]],"a":[]}`),
		live(models.StreamDepth, `{"U":1,"u":2,"b":[["1"]],"a":[]}`),
		live(models.StreamTrade, `{"a":1,"p":"abc","q":"1","T":5}`),
		live(models.StreamTrade, `{"a":1,"p":"10","q":"0","T":5}`),
		live(models.StreamKline, `{"k":{"t":1,"o":"1","h":"1","l":"1","c":"nan?","v":"1","V":"1"}}`),
		live("bookTicker", `{}`),
	}
	for i, raw := range cases {
		if _, err := (LiveDecoder{}).Decode(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("case %d: expected ErrMalformed, got %v", i, err)
		}
	}
}

func TestRecordedDecoder(t *testing.T) {
	raw := models.RawMessage{Symbol: "ETHUSDT", Stream: models.StreamDepth, Provenance: models.ProvenanceRecorded}

	raw.Data = []byte(`{"kind":"depth","symbol":"ETHUSDT","recorded_at":1700000000000,"depth":{"event_time":1,"bids":[{"price":100,"quantity":2}],"asks":[{"price":101,"quantity":1}]}}`)
	ev, err := RecordedDecoder{}.Decode(raw)
	if err != nil {
		t.Fatalf("Decode depth: %v", err)
	}
	if ev.Kind != models.EventBookLevels || ev.Provenance != models.ProvenanceRecorded || ev.Book.Bids[0].Price != 100 {
		t.Fatalf("depth event = %+v", ev)
	}

	raw.Data = []byte(`{"kind":"trade","symbol":"ETHUSDT","trade":{"trade_id":7,"price":100.5,"quantity":2,"time":1700000000001,"is_buyer_maker":false}}`)
	ev, err = RecordedDecoder{}.Decode(raw)
	if err != nil || ev.Kind != models.EventTrade || ev.Trade.TradeID != 7 {
		t.Fatalf("trade event = %+v, %v", ev, err)
	}

	raw.Data = []byte(`{"kind":"kline","symbol":"ETHUSDT","kline":{"period_start":1700000100000,"is_closed":true}}`)
	ev, err = RecordedDecoder{}.Decode(raw)
	if err != nil || ev.Kind != models.EventKline || !ev.Kline.IsClosed {
		t.Fatalf("kline event = %+v, %v", ev, err)
	}

	for _, bad := range []string{`{"kind":"quote"}`, `{"kind":"trade"}`, `{"kind":"depth"}`, `[]`} {
		raw.Data = []byte(bad)
		if _, err := (RecordedDecoder{}).Decode(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", bad, err)
		}
	}
}

func TestDecoderFor(t *testing.T) {
	if d, err := DecoderFor(models.ProvenanceLive); err != nil || d == nil {
		t.Fatalf("live decoder: %v", err)
	}
	if _, err := DecoderFor("carrier-pigeon"); err == nil {
		t.Fatalf("expected error for unknown provenance")
	}
}
