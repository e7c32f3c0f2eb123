package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"orderflow/internal/metrics"
	"orderflow/logger"
)

const defaultHistory = 200

// seriesKey identifies one metric family of one instrument. Metrics emitted
// without a symbol field land under the empty symbol.
type seriesKey struct {
	Symbol string
	Family string
}

func familyOf(m metrics.Metric) string {
	return m.Component + "." + m.Name
}

func symbolOf(fields map[string]interface{}) string {
	s, _ := fields[logger.SymbolKey].(string)
	return strings.ToUpper(s)
}

type point struct {
	Timestamp time.Time   `json:"timestamp"`
	Value     interface{} `json:"value"`
}

type series struct {
	Symbol string  `json:"symbol,omitempty"`
	Family string  `json:"family"`
	Type   string  `json:"type"`
	Points []point `json:"points"`
}

// metricStore keeps the last limit points of every (symbol, family) series,
// so a chatty global metric cannot push an instrument's history out.
type metricStore struct {
	mu     sync.RWMutex
	series map[seriesKey]*series
	limit  int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &metricStore{series: make(map[seriesKey]*series), limit: limit}
}

func (s *metricStore) handle(m metrics.Metric) {
	key := seriesKey{Symbol: symbolOf(m.Fields), Family: familyOf(m)}

	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[key]
	if !ok {
		sr = &series{Symbol: key.Symbol, Family: key.Family}
		s.series[key] = sr
	}
	sr.Type = m.Type
	sr.Points = append(sr.Points, point{Timestamp: m.Timestamp, Value: m.Value})
	if over := len(sr.Points) - s.limit; over > 0 {
		sr.Points = append([]point(nil), sr.Points[over:]...)
	}
}

// query returns copies of the series matching symbol and family, ordered by
// symbol then family. An empty filter matches everything; the global symbol
// is selected with "-".
func (s *metricStore) query(symbol, family string) []series {
	symbol = strings.ToUpper(symbol)

	s.mu.RLock()
	out := make([]series, 0, len(s.series))
	for key, sr := range s.series {
		switch {
		case symbol == "-" && key.Symbol != "":
			continue
		case symbol != "" && symbol != "-" && key.Symbol != symbol:
			continue
		case family != "" && key.Family != family:
			continue
		}
		cp := *sr
		cp.Points = append([]point(nil), sr.Points...)
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Family < out[j].Family
	})
	return out
}

// latest maps each family of symbol to its newest value.
func (s *metricStore) latest(symbol string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, sr := range s.query(symbol, "") {
		if n := len(sr.Points); n > 0 {
			out[sr.Family] = sr.Points[n-1].Value
		}
	}
	return out
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`

	level logrus.Level
}

// logStore is a logrus hook holding the most recent lines for the UI.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = defaultHistory
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}
	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Symbol:    symbolOf(entry.Data),
		level:     entry.Level,
	}
	rec.Component, _ = entry.Data["component"].(string)
	rec.Fields = flattenFields(entry.Data)

	s.mu.Lock()
	s.items = append(s.items, rec)
	if over := len(s.items) - s.limit; over > 0 {
		s.items = append([]logRecord(nil), s.items[over:]...)
	}
	s.mu.Unlock()
	return nil
}

// flattenFields drops the keys promoted onto logRecord and renders errors
// and Stringers so the result encodes cleanly.
func flattenFields(data logrus.Fields) map[string]interface{} {
	var out map[string]interface{}
	for k, v := range data {
		if k == "component" || k == logger.SymbolKey {
			continue
		}
		if out == nil {
			out = make(map[string]interface{}, len(data))
		}
		switch val := v.(type) {
		case error:
			out[k] = val.Error()
		case fmt.Stringer:
			out[k] = val.String()
		default:
			out[k] = val
		}
	}
	return out
}

// query returns lines for symbol (all when empty) at or above minLevel,
// oldest first.
func (s *logStore) query(symbol string, minLevel logrus.Level) []logRecord {
	symbol = strings.ToUpper(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]logRecord, 0, len(s.items))
	for _, rec := range s.items {
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		if rec.level > minLevel {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
