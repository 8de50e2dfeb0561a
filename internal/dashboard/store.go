package dashboard

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"chartfeed/internal/metrics"
)

// ring keeps the most recent items up to limit. It is safe for concurrent
// use.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// snapshot returns the retained items, oldest first, that keep returns true
// for. A nil keep retains everything.
func (r *ring[T]) snapshot(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, item := range r.items {
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	return out
}

type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.add(metric)
}

// filtered returns metrics whose component and name match the non-empty
// arguments.
func (s *metricStore) filtered(component, name string) []metrics.Metric {
	return s.snapshot(func(m metrics.Metric) bool {
		return (component == "" || m.Component == component) && (name == "" || m.Name == name)
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Series    string                 `json:"series,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent entries for /api/logs.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
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

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	for k, v := range entry.Data {
		switch k {
		case "component":
			record.Component, _ = v.(string)
			continue
		case "series":
			record.Series = fmt.Sprint(v)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.add(record)
	return nil
}

// filtered keeps records at or above minLevel ("" keeps all) and of the
// given component ("" keeps all).
func (s *logStore) filtered(minLevel, component string) ([]logRecord, error) {
	threshold := logrus.TraceLevel
	if minLevel != "" {
		lvl, err := logrus.ParseLevel(strings.TrimSpace(minLevel))
		if err != nil {
			return nil, err
		}
		threshold = lvl
	}
	return s.snapshot(func(r logRecord) bool {
		lvl, err := logrus.ParseLevel(r.Level)
		if err != nil {
			return false
		}
		// logrus orders levels from panic (0) to trace (6)
		return lvl <= threshold && (component == "" || r.Component == component)
	}), nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
