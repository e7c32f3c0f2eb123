// Package book keeps a local L2 order book consistent with the exchange by
// reconciling REST snapshots with streamed depth diffs.
package book

import (
	"context"
	"fmt"
	"sort"

	"orderflow/logger"
	"orderflow/models"
)

// DefaultPendingLimit bounds the diffs held while the book is unready.
const DefaultPendingLimit = 1000

// Outcome reports what ApplyDiff did with a diff.
type Outcome int

const (
	Applied Outcome = iota
	Buffered
	Stale
	ResyncRequired
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Stale:
		return "stale"
	case ResyncRequired:
		return "resync_required"
	default:
		return "unknown"
	}
}

// SnapshotFetcher loads a full depth snapshot.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context) (models.DepthSnapshot, error)
}

// Config tunes the manager.
type Config struct {
	// PendingLimit caps diffs buffered while unready. Zero means DefaultPendingLimit.
	PendingLimit int
	// ValidatePrevID accepts a diff as contiguous when its previous final
	// update id equals the book's last id, even if ids skip. USD-M futures
	// streams number updates this way.
	ValidatePrevID bool
}

// Counters are cumulative manager statistics.
type Counters struct {
	Applied   int64 `json:"applied"`
	Stale     int64 `json:"stale"`
	Buffered  int64 `json:"buffered"`
	Gaps      int64 `json:"gaps"`
	Crossed   int64 `json:"crossed"`
	Overflows int64 `json:"overflows"`
	Snapshots int64 `json:"snapshots"`
	Replayed  int64 `json:"replayed"`
	Discarded int64 `json:"discarded"`
}

// Manager owns a State. It is not safe for concurrent use; the sequencer
// serialises every call.
type Manager struct {
	cfg              Config
	state            *State
	pending          []models.DepthDiff
	overflowSignaled bool
	counters         Counters
	log              *logger.Entry
}

// NewManager returns an empty, unready manager.
func NewManager(cfg Config, log *logger.Log) *Manager {
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		cfg:   cfg,
		state: newState(),
		log:   log.WithComponent("order_book"),
	}
}

// Initialize fetches a snapshot and applies it.
func (m *Manager) Initialize(ctx context.Context, fetcher SnapshotFetcher) error {
	snap, err := fetcher.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotFetch, err)
	}
	_, err = m.ApplySnapshot(snap)
	return err
}

// ApplySnapshot replaces the book wholesale, marks it ready and replays the
// buffered diffs in ascending first id. Diffs entirely older than the
// snapshot are discarded. A gap during replay leaves the book unready and
// returns ErrSequenceGap so the caller fetches a newer snapshot.
func (m *Manager) ApplySnapshot(snap models.DepthSnapshot) (int, error) {
	m.state.reset()
	applyLevels(m.state.bids, snap.Bids)
	applyLevels(m.state.asks, snap.Asks)
	m.state.lastUpdateID = snap.LastUpdateID
	m.counters.Snapshots++

	if m.state.crossed() {
		m.counters.Crossed++
		bid, _ := m.state.bestBid()
		ask, _ := m.state.bestAsk()
		m.state.reset()
		return 0, fmt.Errorf("%w: snapshot %d has bid %v >= ask %v", ErrCrossedBook, snap.LastUpdateID, bid, ask)
	}

	m.state.ready = true
	m.overflowSignaled = false

	pending := m.pending
	m.pending = nil
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].FirstUpdateID < pending[j].FirstUpdateID
	})

	replayed := 0
	for i, d := range pending {
		if d.LastUpdateID <= snap.LastUpdateID {
			m.counters.Discarded++
			continue
		}
		outcome, err := m.apply(d)
		switch outcome {
		case Applied:
			replayed++
		case ResyncRequired:
			m.pending = append(m.pending, pending[i+1:]...)
			m.counters.Replayed += int64(replayed)
			return replayed, err
		}
	}
	m.counters.Replayed += int64(replayed)

	m.log.WithFields(logger.Fields{
		"last_update_id": snap.LastUpdateID,
		"bids":           m.state.bids.Len(),
		"asks":           m.state.asks.Len(),
		"buffered":       len(pending),
		"replayed":       replayed,
	}).Debug("snapshot applied")
	return replayed, nil
}

// ApplyDiff applies one diff, buffering it while the book is unready.
// ResyncRequired means the caller must fetch a new snapshot.
func (m *Manager) ApplyDiff(d models.DepthDiff) (Outcome, error) {
	if !m.state.ready {
		return m.buffer(d)
	}
	return m.apply(d)
}

func (m *Manager) apply(d models.DepthDiff) (Outcome, error) {
	last := m.state.lastUpdateID
	if d.LastUpdateID <= last {
		m.counters.Stale++
		return Stale, fmt.Errorf("%w: diff %d-%d, book at %d", ErrStaleUpdate, d.FirstUpdateID, d.LastUpdateID, last)
	}
	if d.FirstUpdateID > last+1 && !m.continuesByPrevID(d, last) {
		m.counters.Gaps++
		m.invalidate(&d)
		return ResyncRequired, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, last+1, d.FirstUpdateID)
	}

	applyLevels(m.state.bids, d.Bids)
	applyLevels(m.state.asks, d.Asks)
	m.state.lastUpdateID = d.LastUpdateID

	if m.state.crossed() {
		m.counters.Crossed++
		bid, _ := m.state.bestBid()
		ask, _ := m.state.bestAsk()
		m.invalidate(nil)
		return ResyncRequired, fmt.Errorf("%w: bid %v >= ask %v after update %d", ErrCrossedBook, bid, ask, d.LastUpdateID)
	}

	m.counters.Applied++
	return Applied, nil
}

func (m *Manager) continuesByPrevID(d models.DepthDiff, last int64) bool {
	return m.cfg.ValidatePrevID && d.PrevLastUpdateID > 0 && d.PrevLastUpdateID == last
}

// invalidate discards the book. keep, when set, is newer than anything the
// book held and seeds the pending buffer for the next snapshot.
func (m *Manager) invalidate(keep *models.DepthDiff) {
	m.state.reset()
	m.pending = m.pending[:0]
	if keep != nil {
		m.pending = append(m.pending, *keep)
	}
	m.overflowSignaled = false
}

func (m *Manager) buffer(d models.DepthDiff) (Outcome, error) {
	m.pending = append(m.pending, d)
	m.counters.Buffered++
	if len(m.pending) <= m.cfg.PendingLimit {
		return Buffered, nil
	}

	drop := len(m.pending) - m.cfg.PendingLimit
	m.pending = append(m.pending[:0:0], m.pending[drop:]...)
	if m.overflowSignaled {
		return Buffered, nil
	}
	m.overflowSignaled = true
	m.counters.Overflows++
	return ResyncRequired, fmt.Errorf("%w: limit %d", ErrPendingOverflow, m.cfg.PendingLimit)
}

// ApplyLevels replaces the book with a recorded top-of-book. Recorded depth
// carries no sequence ids, so no continuity checks apply.
func (m *Manager) ApplyLevels(levels models.BookLevels) error {
	m.state.reset()
	m.pending = nil
	applyLevels(m.state.bids, levels.Bids)
	applyLevels(m.state.asks, levels.Asks)
	if m.state.crossed() {
		m.counters.Crossed++
		m.state.reset()
		return fmt.Errorf("%w: recorded levels", ErrCrossedBook)
	}
	m.state.ready = true
	return nil
}

// Ready reports whether the book mirrors the exchange.
func (m *Manager) Ready() bool { return m.state.ready }

// LastUpdateID returns the id of the last applied update.
func (m *Manager) LastUpdateID() int64 { return m.state.lastUpdateID }

// PendingLen returns the number of buffered diffs.
func (m *Manager) PendingLen() int { return len(m.pending) }

// TopLevels returns copies of the best n levels per side.
func (m *Manager) TopLevels(n int) models.BookLevels {
	if !m.state.ready {
		return models.BookLevels{Bids: []models.PriceLevel{}, Asks: []models.PriceLevel{}}
	}
	return m.state.top(n)
}

// BestBidAsk returns the inside quote; empty while unready.
func (m *Manager) BestBidAsk() models.BestBidAsk {
	var q models.BestBidAsk
	if !m.state.ready {
		return q
	}
	q.Bid, q.HasBid = m.state.bestBid()
	q.Ask, q.HasAsk = m.state.bestAsk()
	return q
}

// Stats summarises the book.
func (m *Manager) Stats() models.BookStats {
	q := m.BestBidAsk()
	return models.BookStats{
		BidLevels:    m.state.bids.Len(),
		AskLevels:    m.state.asks.Len(),
		LastUpdateID: m.state.lastUpdateID,
		Ready:        m.state.ready,
		Bid:          q.Bid,
		Ask:          q.Ask,
		Spread:       q.Spread(),
		Pending:      len(m.pending),
	}
}

// Counters returns cumulative statistics.
func (m *Manager) Counters() Counters { return m.counters }
