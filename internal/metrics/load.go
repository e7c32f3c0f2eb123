package metrics

// InstrumentLoad is a point-in-time view of one instrument's buffers and
// workers. Reading it never waits on the sequencer.
type InstrumentLoad struct {
	Symbol            string `json:"symbol"`
	RawLen            int    `json:"raw_len"`
	RawCap            int    `json:"raw_cap"`
	RawDropped        int64  `json:"raw_dropped"`
	EventsLen         int    `json:"events_len"`
	EventsCap         int    `json:"events_cap"`
	RecorderQueued    int    `json:"recorder_queued"`
	RecorderDropped   int64  `json:"recorder_dropped"`
	NormalizerRunning bool   `json:"normalizer_running"`
	SequencerRunning  bool   `json:"sequencer_running"`
}

// Backlog is the fullest buffer's fill ratio in [0, 1].
func (l InstrumentLoad) Backlog() float64 {
	ratio := func(n, c int) float64 {
		if c <= 0 {
			return 0
		}
		return float64(n) / float64(c)
	}
	raw, events := ratio(l.RawLen, l.RawCap), ratio(l.EventsLen, l.EventsCap)
	if raw > events {
		return raw
	}
	return events
}
