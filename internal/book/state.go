package book

import (
	"github.com/tidwall/btree"

	"orderflow/models"
)

const btreeDegree = 64

// State is the local mirror of the exchange book. Both sides are ordered
// maps keyed by price; reads walk them from the inside out.
type State struct {
	bids         *btree.Map[float64, float64]
	asks         *btree.Map[float64, float64]
	lastUpdateID int64
	ready        bool
}

func newState() *State {
	return &State{
		bids: btree.NewMap[float64, float64](btreeDegree),
		asks: btree.NewMap[float64, float64](btreeDegree),
	}
}

// reset discards every level and marks the book unready.
func (s *State) reset() {
	s.bids = btree.NewMap[float64, float64](btreeDegree)
	s.asks = btree.NewMap[float64, float64](btreeDegree)
	s.lastUpdateID = 0
	s.ready = false
}

func applyLevels(side *btree.Map[float64, float64], levels []models.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Quantity <= 0 {
			side.Delete(lvl.Price)
			continue
		}
		side.Set(lvl.Price, lvl.Quantity)
	}
}

func (s *State) bestBid() (float64, bool) {
	var (
		price float64
		found bool
	)
	s.bids.Reverse(func(p, _ float64) bool {
		price, found = p, true
		return false
	})
	return price, found
}

func (s *State) bestAsk() (float64, bool) {
	var (
		price float64
		found bool
	)
	s.asks.Scan(func(p, _ float64) bool {
		price, found = p, true
		return false
	})
	return price, found
}

// crossed reports bestBid >= bestAsk with both sides populated.
func (s *State) crossed() bool {
	bid, okBid := s.bestBid()
	ask, okAsk := s.bestAsk()
	return okBid && okAsk && bid >= ask
}

func (s *State) top(n int) models.BookLevels {
	if n <= 0 {
		return models.BookLevels{Bids: []models.PriceLevel{}, Asks: []models.PriceLevel{}}
	}
	out := models.BookLevels{
		Bids: make([]models.PriceLevel, 0, min(n, s.bids.Len())),
		Asks: make([]models.PriceLevel, 0, min(n, s.asks.Len())),
	}
	s.bids.Reverse(func(p, q float64) bool {
		out.Bids = append(out.Bids, models.PriceLevel{Price: p, Quantity: q})
		return len(out.Bids) < n
	})
	s.asks.Scan(func(p, q float64) bool {
		out.Asks = append(out.Asks, models.PriceLevel{Price: p, Quantity: q})
		return len(out.Asks) < n
	})
	return out
}
