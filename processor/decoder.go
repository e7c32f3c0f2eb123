// Package processor turns raw payloads into canonical events. Each
// provenance has its own decoder; neither inspects which optional fields a
// payload happens to carry.
package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"orderflow/models"
)

// ErrMalformed wraps every decode failure.
var ErrMalformed = errors.New("malformed message")

// Decoder converts one raw message into an event.
type Decoder interface {
	Decode(raw models.RawMessage) (models.Event, error)
}

func malformed(stream models.Stream, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, stream, fmt.Sprintf(format, args...))
}

// LiveDecoder decodes exchange websocket frames, dispatching on the stream
// the frame was read from.
type LiveDecoder struct{}

func (LiveDecoder) Decode(raw models.RawMessage) (models.Event, error) {
	ev := models.Event{
		Provenance: models.ProvenanceLive,
		Symbol:     raw.Symbol,
		ReceivedAt: raw.Timestamp,
	}
	switch raw.Stream {
	case models.StreamDepth:
		d, err := decodeDepth(raw.Data)
		if err != nil {
			return ev, err
		}
		ev.Kind, ev.Depth = models.EventDepthDiff, &d
	case models.StreamTrade:
		t, err := decodeAggTrade(raw.Data)
		if err != nil {
			return ev, err
		}
		ev.Kind, ev.Trade = models.EventTrade, &t
	case models.StreamKline:
		k, err := decodeKline(raw.Data)
		if err != nil {
			return ev, err
		}
		ev.Kind, ev.Kline = models.EventKline, &k
	default:
		return ev, malformed(raw.Stream, "unknown stream")
	}
	if ev.Symbol == "" {
		ev.Symbol = eventSymbol(ev)
	}
	return ev, nil
}

func eventSymbol(ev models.Event) string {
	switch {
	case ev.Depth != nil:
		return ev.Depth.Symbol
	case ev.Trade != nil:
		return ev.Trade.Symbol
	case ev.Kline != nil:
		return ev.Kline.Symbol
	}
	return ""
}

func decodeDepth(data []byte) (models.DepthDiff, error) {
	var evt models.BinanceDepthEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return models.DepthDiff{}, malformed(models.StreamDepth, "%v", err)
	}
	if evt.FirstUpdateID <= 0 || evt.LastUpdateID < evt.FirstUpdateID {
		return models.DepthDiff{}, malformed(models.StreamDepth, "bad update range %d-%d", evt.FirstUpdateID, evt.LastUpdateID)
	}
	bids, err := ParseLevels(evt.Bids)
	if err != nil {
		return models.DepthDiff{}, malformed(models.StreamDepth, "bids: %v", err)
	}
	asks, err := ParseLevels(evt.Asks)
	if err != nil {
		return models.DepthDiff{}, malformed(models.StreamDepth, "asks: %v", err)
	}
	return models.DepthDiff{
		Symbol:           evt.Symbol,
		EventTime:        evt.Time,
		FirstUpdateID:    evt.FirstUpdateID,
		LastUpdateID:     evt.LastUpdateID,
		PrevLastUpdateID: evt.PrevLastUpdateID,
		Bids:             bids,
		Asks:             asks,
	}, nil
}

func decodeAggTrade(data []byte) (models.Trade, error) {
	var evt models.BinanceAggTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return models.Trade{}, malformed(models.StreamTrade, "%v", err)
	}
	price, err := strconv.ParseFloat(evt.Price, 64)
	if err != nil || price <= 0 {
		return models.Trade{}, malformed(models.StreamTrade, "price %q", evt.Price)
	}
	qty, err := strconv.ParseFloat(evt.Quantity, 64)
	if err != nil || qty <= 0 {
		return models.Trade{}, malformed(models.StreamTrade, "quantity %q", evt.Quantity)
	}
	if evt.TradeTime <= 0 {
		return models.Trade{}, malformed(models.StreamTrade, "missing trade time")
	}
	return models.Trade{
		Symbol:       evt.Symbol,
		TradeID:      evt.AggTradeID,
		Price:        price,
		Quantity:     qty,
		Time:         evt.TradeTime,
		IsBuyerMaker: evt.IsBuyerMaker,
	}, nil
}

func decodeKline(data []byte) (models.KlineUpdate, error) {
	var evt models.BinanceKlineEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return models.KlineUpdate{}, malformed(models.StreamKline, "%v", err)
	}
	k := evt.Kline
	if k.StartTime <= 0 {
		return models.KlineUpdate{}, malformed(models.StreamKline, "missing start time")
	}

	var (
		out  = models.KlineUpdate{Symbol: evt.Symbol, Interval: k.Interval, PeriodStart: k.StartTime, PeriodEnd: k.CloseTime, TradeCount: k.TradeCount, IsClosed: k.IsClosed}
		errs []error
	)
	for _, f := range []struct {
		name string
		raw  string
		dst  *float64
	}{
		{"open", k.Open, &out.Open},
		{"high", k.High, &out.High},
		{"low", k.Low, &out.Low},
		{"close", k.Close, &out.Close},
		{"volume", k.Volume, &out.Volume},
		{"taker_buy_volume", k.TakerBuyVolume, &out.TakerBuyVolume},
	} {
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q", f.name, f.raw))
			continue
		}
		*f.dst = v
	}
	if len(errs) > 0 {
		return models.KlineUpdate{}, malformed(models.StreamKline, "%v", errors.Join(errs...))
	}
	if out.Symbol == "" {
		out.Symbol = k.Symbol
	}
	return out, nil
}

// ParseLevels converts exchange [price, qty] string pairs. Zero quantities
// are kept; they delete levels.
func ParseLevels(raw [][]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d has %d fields", i, len(pair))
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("level %d price %q", i, pair[0])
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil || qty < 0 {
			return nil, fmt.Errorf("level %d quantity %q", i, pair[1])
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

// RecordedDecoder decodes recorder JSON lines, dispatching on the line's
// kind tag.
type RecordedDecoder struct{}

func (RecordedDecoder) Decode(raw models.RawMessage) (models.Event, error) {
	var rec models.Record
	if err := json.Unmarshal(raw.Data, &rec); err != nil {
		return models.Event{}, malformed(raw.Stream, "%v", err)
	}
	ev := models.Event{
		Provenance: models.ProvenanceRecorded,
		Symbol:     rec.Symbol,
		ReceivedAt: time.UnixMilli(rec.RecordedAt),
	}
	if ev.Symbol == "" {
		ev.Symbol = raw.Symbol
	}

	switch rec.Kind {
	case models.RecordTrade:
		if rec.Trade == nil || rec.Trade.Quantity <= 0 || rec.Trade.Price <= 0 {
			return ev, malformed(models.StreamTrade, "recorded trade without price or quantity")
		}
		ev.Kind, ev.Trade = models.EventTrade, rec.Trade
	case models.RecordKline:
		if rec.Kline == nil || rec.Kline.PeriodStart <= 0 {
			return ev, malformed(models.StreamKline, "recorded kline without start")
		}
		ev.Kind, ev.Kline = models.EventKline, rec.Kline
	case models.RecordDepth:
		if rec.Depth == nil {
			return ev, malformed(models.StreamDepth, "recorded depth without levels")
		}
		ev.Kind = models.EventBookLevels
		ev.Book = &models.BookLevels{Bids: rec.Depth.Bids, Asks: rec.Depth.Asks}
	default:
		return ev, malformed(raw.Stream, "unknown record kind %q", rec.Kind)
	}
	return ev, nil
}

// DecoderFor returns the decoder for a provenance.
func DecoderFor(p models.Provenance) (Decoder, error) {
	switch p {
	case models.ProvenanceLive:
		return LiveDecoder{}, nil
	case models.ProvenanceRecorded:
		return RecordedDecoder{}, nil
	default:
		return nil, fmt.Errorf("no decoder for provenance %q", p)
	}
}
