package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"chartfeed/internal/metrics"
	"chartfeed/models"
)

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 0; i < 5; i++ {
		r.add(i)
	}
	got := r.snapshot(nil)
	if len(got) != 3 || got[0] != 2 || got[2] != 4 {
		t.Fatalf("unexpected ring contents %v", got)
	}
	odd := r.snapshot(func(v int) bool { return v%2 == 1 })
	if len(odd) != 1 || odd[0] != 3 {
		t.Fatalf("unexpected filtered contents %v", odd)
	}
}

func TestMetricStoreFilters(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Timestamp: time.Unix(1, 0), Component: "throttle", Name: "channel_size", Value: 1})
	store.handle(metrics.Metric{Timestamp: time.Unix(2, 0), Component: "push", Name: "push_frames_dropped", Value: 1})
	store.handle(metrics.Metric{Timestamp: time.Unix(3, 0), Component: "throttle", Name: "snapshot_messages_dropped", Value: 2})

	cases := []struct {
		component, name string
		want            int
	}{
		{"", "", 3},
		{"throttle", "", 2},
		{"throttle", "snapshot_messages_dropped", 1},
		{"loader", "", 0},
	}
	for _, tc := range cases {
		if got := store.filtered(tc.component, tc.name); len(got) != tc.want {
			t.Fatalf("filtered(%q, %q) returned %d metrics, want %d", tc.component, tc.name, len(got), tc.want)
		}
	}
}

func fire(t *testing.T, store *logStore, level logrus.Level, msg string, data logrus.Fields) {
	t.Helper()
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = level
	entry.Message = msg
	entry.Data = data
	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire returned error: %v", err)
	}
}

func TestLogStoreCapturesComponentAndSeries(t *testing.T) {
	store := newLogStore(3)
	key := models.SeriesKey{Symbol: "AAPL", Interval: models.Interval5m}
	fire(t, store, logrus.WarnLevel, "load failed", logrus.Fields{
		"component": "loader",
		"series":    key,
		"direction": "historical",
	})

	got := store.snapshot(nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Component != "loader" || got[0].Series != "AAPL:5m" || got[0].Fields["direction"] != "historical" {
		t.Fatalf("unexpected record %#v", got[0])
	}
	if _, ok := got[0].Fields["component"]; ok {
		t.Fatalf("component must not be repeated in fields")
	}
}

func TestLogStoreLevelFilterAndClose(t *testing.T) {
	store := newLogStore(10)
	fire(t, store, logrus.DebugLevel, "tick", logrus.Fields{"component": "push"})
	fire(t, store, logrus.InfoLevel, "connected", logrus.Fields{"component": "push"})
	fire(t, store, logrus.ErrorLevel, "boom", logrus.Fields{"component": "cache"})

	warn, err := store.filtered("warn", "")
	if err != nil || len(warn) != 1 || warn[0].Message != "boom" {
		t.Fatalf("warn filter returned %v, %v", warn, err)
	}
	push, _ := store.filtered("", "push")
	if len(push) != 2 {
		t.Fatalf("component filter returned %d records", len(push))
	}
	if _, err := store.filtered("loud", ""); err == nil {
		t.Fatalf("expected error for unknown level")
	}

	store.close()
	fire(t, store, logrus.ErrorLevel, "ignored", nil)
	if all, _ := store.filtered("", ""); len(all) != 3 {
		t.Fatalf("store accepted entries after close")
	}
}
