package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// INTERVALS /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Interval is the bar granularity of a series.
type Interval string

const (
	Interval5m   Interval = "5m"
	Interval15m  Interval = "15m"
	Interval30m  Interval = "30m"
	Interval60m  Interval = "60m"
	Interval120m Interval = "120m"
	Interval1d   Interval = "1d"
	Interval1w   Interval = "1w"
	Interval1M   Interval = "1M"
)

// Intervals lists every supported interval from finest to coarsest.
var Intervals = []Interval{
	Interval5m, Interval15m, Interval30m, Interval60m, Interval120m,
	Interval1d, Interval1w, Interval1M,
}

var intervalDurations = map[Interval]time.Duration{
	Interval5m:   5 * time.Minute,
	Interval15m:  15 * time.Minute,
	Interval30m:  30 * time.Minute,
	Interval60m:  time.Hour,
	Interval120m: 2 * time.Hour,
	Interval1d:   24 * time.Hour,
	Interval1w:   7 * 24 * time.Hour,
	Interval1M:   30 * 24 * time.Hour,
}

// ParseInterval validates s against the supported intervals. "1h" and "2h"
// are accepted as aliases of 60m and 120m.
func ParseInterval(s string) (Interval, error) {
	switch strings.TrimSpace(s) {
	case "1h":
		return Interval60m, nil
	case "2h":
		return Interval120m, nil
	}
	iv := Interval(strings.TrimSpace(s))
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Duration returns the nominal length of one bar. Months are approximated
// as 30 days; use Truncate for calendar-exact bucketing.
func (iv Interval) Duration() time.Duration {
	return intervalDurations[iv]
}

// IsDaily reports whether bars of this interval carry calendar-day times.
func (iv Interval) IsDaily() bool {
	switch iv {
	case Interval1d, Interval1w, Interval1M:
		return true
	}
	return false
}

// Truncate returns the start of the bar bucket containing t, in UTC.
// Weeks start on Monday.
func (iv Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch iv {
	case Interval1d:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Interval1w:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Interval1M:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	if d := iv.Duration(); d > 0 {
		return t.Truncate(d)
	}
	return t
}

// Next returns the start of the bucket following the one containing t.
func (iv Interval) Next(t time.Time) time.Time {
	start := iv.Truncate(t)
	switch iv {
	case Interval1d:
		return start.AddDate(0, 0, 1)
	case Interval1w:
		return start.AddDate(0, 0, 7)
	case Interval1M:
		return start.AddDate(0, 1, 0)
	}
	return start.Add(iv.Duration())
}

// FormatTime renders ts the way the bar API does: a calendar day for daily
// and longer intervals, epoch seconds otherwise.
func (iv Interval) FormatTime(ts Timestamp) string {
	if iv.IsDaily() {
		return ts.Day()
	}
	return strconv.FormatInt(int64(ts), 10)
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// BARS /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

const dayLayout = "2006-01-02"

// Timestamp is a bar time in unix seconds. It decodes from either an epoch
// number or a calendar-day string ("2006-01-02", interpreted as UTC midnight).
type Timestamp int64

// Time converts the timestamp to a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts), 0).UTC()
}

// Day formats the timestamp as a calendar day.
func (ts Timestamp) Day() string {
	return ts.Time().Format(dayLayout)
}

// TimestampOf converts t to a Timestamp.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("empty bar time")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return ts.parseString(s)
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid bar time %s: %w", data, err)
	}
	*ts = Timestamp(int64(f))
	return nil
}

func (ts *Timestamp) parseString(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*ts = Timestamp(n)
		return nil
	}
	if t, err := time.ParseInLocation(dayLayout, s, time.UTC); err == nil {
		*ts = TimestampOf(t)
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		*ts = TimestampOf(t)
		return nil
	}
	return fmt.Errorf("invalid bar time %q", s)
}

// Bar is one OHLC sample.
type Bar struct {
	Time  Timestamp `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// SERIES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// SeriesKey identifies one cached bar sequence.
type SeriesKey struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
}

func (k SeriesKey) String() string {
	return k.Symbol + ":" + string(k.Interval)
}

// Validate checks that the key names a symbol and a supported interval.
func (k SeriesKey) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("series key: symbol is required")
	}
	if _, err := ParseInterval(string(k.Interval)); err != nil {
		return fmt.Errorf("series key: %w", err)
	}
	return nil
}

// ParseSeriesKey parses the "SYMBOL:interval" form produced by String.
func ParseSeriesKey(s string) (SeriesKey, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return SeriesKey{}, fmt.Errorf("invalid series key %q", s)
	}
	iv, err := ParseInterval(s[idx+1:])
	if err != nil {
		return SeriesKey{}, err
	}
	return SeriesKey{Symbol: s[:idx], Interval: iv}, nil
}

// CacheEntry is a cached, time-ordered bar sequence. Bars are sorted
// ascending by Time with no duplicate times.
type CacheEntry struct {
	Key           SeriesKey `json:"key"`
	Bars          []Bar     `json:"bars"`
	LastWrittenAt time.Time `json:"last_written_at"`
}

// First returns the earliest bar time; ok is false for an empty entry.
func (e *CacheEntry) First() (Timestamp, bool) {
	if e == nil || len(e.Bars) == 0 {
		return 0, false
	}
	return e.Bars[0].Time, true
}

// Last returns the latest bar time; ok is false for an empty entry.
func (e *CacheEntry) Last() (Timestamp, bool) {
	if e == nil || len(e.Bars) == 0 {
		return 0, false
	}
	return e.Bars[len(e.Bars)-1].Time, true
}

// LoadedRange is the logical index window of a chart session plus the
// sticky history boundary flags.
type LoadedRange struct {
	FromIndex    int  `json:"from_index"`
	ToIndex      int  `json:"to_index"`
	ReachedStart bool `json:"reached_start"`
	ReachedEnd   bool `json:"reached_end"`
}
