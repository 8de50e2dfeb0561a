package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chartfeed/config"
	"chartfeed/internal/cache"
	"chartfeed/internal/session"
	"chartfeed/logger"
	"chartfeed/models"
	"chartfeed/reader/rest"
)

// 2023-11-14 21:50 UTC, on a 5m boundary
const base = models.Timestamp(1_699_998_600)

type pageFetcher struct{}

func (pageFetcher) FetchBars(_ context.Context, _ models.SeriesKey, q rest.Query) ([]models.Bar, error) {
	if q.Before != 0 || q.After != 0 {
		return nil, nil
	}
	bars := make([]models.Bar, 5)
	for i := range bars {
		ts := base - models.Timestamp((5-i)*300)
		bars[i] = models.Bar{Time: ts, Open: 10, High: 11, Low: 9, Close: 10}
	}
	return bars, nil
}

func newTestBackend(t *testing.T) *session.Session {
	t.Helper()
	cfg := config.Default()
	cfg.Push.Enabled = false
	c, err := cache.New(4, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	s, err := session.New(&cfg, c, pageFetcher{})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func newTestRouter(t *testing.T) (http.Handler, *session.Session) {
	t.Helper()
	backend := newTestBackend(t)
	srv, err := NewServer(config.DashboardConfig{Enabled: true}, logger.GetLogger(), backend, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)
	router, err := srv.buildRouter("chartfeed")
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return router, backend
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type chartResponse struct {
	ID   string `json:"id"`
	View struct {
		Key   models.SeriesKey   `json:"key"`
		Bars  []models.Bar       `json:"bars"`
		Range models.LoadedRange `json:"range"`
		Error string             `json:"error"`
	} `json:"view"`
}

func TestChartLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/charts", `{"symbol":"aapl","interval":"5m"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open chart status %d: %s", rec.Code, rec.Body.String())
	}
	var opened chartResponse
	decode(t, rec, &opened)
	if opened.ID == "" || opened.View.Key.Symbol != "AAPL" || len(opened.View.Bars) != 5 {
		t.Fatalf("unexpected open response %+v", opened)
	}

	rec = do(t, router, http.MethodGet, "/api/charts/"+opened.ID+"?bars=false", "")
	var fetched chartResponse
	decode(t, rec, &fetched)
	if rec.Code != http.StatusOK || fetched.View.Bars != nil || fetched.View.Range.ToIndex != 4 {
		t.Fatalf("unexpected chart view %d %+v", rec.Code, fetched)
	}

	rec = do(t, router, http.MethodPost, "/api/charts/"+opened.ID+"/range", `{"from":0,"to":4}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("range status %d", rec.Code)
	}
	if rec = do(t, router, http.MethodPost, "/api/charts/"+opened.ID+"/range", `{"from":0}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete range status %d", rec.Code)
	}

	rec = do(t, router, http.MethodPut, "/api/charts/"+opened.ID+"/series", `{"symbol":"MSFT","interval":"1h"}`)
	var switched chartResponse
	decode(t, rec, &switched)
	if rec.Code != http.StatusOK || switched.View.Key != (models.SeriesKey{Symbol: "MSFT", Interval: models.Interval60m}) {
		t.Fatalf("unexpected switch response %d %+v", rec.Code, switched)
	}

	rec = do(t, router, http.MethodGet, "/api/charts", "")
	var list struct {
		Charts []session.ChartInfo `json:"charts"`
	}
	decode(t, rec, &list)
	if len(list.Charts) != 1 || list.Charts[0].ID != opened.ID {
		t.Fatalf("unexpected chart list %+v", list)
	}

	if rec = do(t, router, http.MethodDelete, "/api/charts/"+opened.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	if rec = do(t, router, http.MethodDelete, "/api/charts/"+opened.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status %d", rec.Code)
	}
}

func TestChartRequestValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad interval", http.MethodPost, "/api/charts", `{"symbol":"AAPL","interval":"7m"}`, http.StatusBadRequest},
		{"empty symbol", http.MethodPost, "/api/charts", `{"symbol":" ","interval":"5m"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/charts", `{`, http.StatusBadRequest},
		{"unknown chart", http.MethodGet, "/api/charts/nope", "", http.StatusNotFound},
		{"unknown chart range", http.MethodPost, "/api/charts/nope/range", `{"from":1,"to":2}`, http.StatusNotFound},
		{"unknown chart switch", http.MethodPut, "/api/charts/nope/series", `{"symbol":"AAPL","interval":"5m"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, router, tc.method, tc.path, tc.body); rec.Code != tc.want {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestThrottleAndVisibilityEndpoints(t *testing.T) {
	router, backend := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/throttle", `{"preset":"slow"}`)
	if rec.Code != http.StatusOK || backend.Throttle().Preset != "slow" {
		t.Fatalf("preset not applied: %d %s", rec.Code, rec.Body.String())
	}
	if rec = do(t, router, http.MethodPost, "/api/throttle", `{"preset":"turbo"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown preset status %d", rec.Code)
	}

	rec = do(t, router, http.MethodPost, "/api/visibility", `{"visible":false}`)
	if rec.Code != http.StatusOK || backend.Throttle().Effective != "lazy" {
		t.Fatalf("hidden view not downgraded: %s", rec.Body.String())
	}
	if rec = do(t, router, http.MethodPost, "/api/visibility", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing visible status %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/api/throttle", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"slow"`) {
		t.Fatalf("unexpected throttle state %s", rec.Body.String())
	}
}

func TestMarketAndStatusEndpoints(t *testing.T) {
	router, backend := newTestRouter(t)

	if rec := do(t, router, http.MethodGet, "/api/market", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("market before any snapshot: %d", rec.Code)
	}

	backend.HandleMarketUpdate(models.MarketUpdate{
		Quotes:    []models.Quote{{Symbol: "AAPL", CurrentPrice: 190.1}},
		Timestamp: float64(base),
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := backend.Latest(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never surfaced")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := do(t, router, http.MethodGet, "/api/market?symbol=aapl", "")
	var q models.Quote
	decode(t, rec, &q)
	if rec.Code != http.StatusOK || q.CurrentPrice != 190.1 {
		t.Fatalf("unexpected quote %d %+v", rec.Code, q)
	}
	if rec = do(t, router, http.MethodGet, "/api/market?symbol=TSLA", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing symbol status %d", rec.Code)
	}

	rec = do(t, router, http.MethodGet, "/api/connection", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"disconnected"`) {
		t.Fatalf("unexpected connection status %s", rec.Body.String())
	}

	rec = do(t, router, http.MethodGet, "/api/status", "")
	var st struct {
		Running  bool `json:"running"`
		Throttle struct {
			Emitted uint64 `json:"emitted"`
		} `json:"throttle"`
	}
	decode(t, rec, &st)
	if !st.Running || st.Throttle.Emitted != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	if rec = do(t, router, http.MethodGet, "/", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"chartfeed"`) {
		t.Fatalf("unexpected index %s", rec.Body.String())
	}
}

func TestCacheClearAndMonitoringEndpoints(t *testing.T) {
	router, backend := newTestRouter(t)

	do(t, router, http.MethodPost, "/api/charts", `{"symbol":"AAPL","interval":"5m"}`)
	if backend.Status().Cache.Entries != 1 {
		t.Fatalf("chart load did not populate the cache")
	}
	if rec := do(t, router, http.MethodPost, "/api/cache/clear", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear status %d", rec.Code)
	}
	if backend.Status().Cache.Entries != 0 {
		t.Fatalf("cache not cleared")
	}

	logger.GetLogger().WithComponent("dashboard_test").Warn("visible in log history")
	rec := do(t, router, http.MethodGet, "/api/logs?level=warn&component=dashboard_test", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "visible in log history") {
		t.Fatalf("log not captured: %s", rec.Body.String())
	}
	if rec = do(t, router, http.MethodGet, "/api/logs?level=loud", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad level status %d", rec.Code)
	}

	for _, path := range []string{"/api/metrics", "/api/resources"} {
		if rec := do(t, router, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s status %d", path, rec.Code)
		}
	}
	rec = do(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "chartfeed_loader_fetches_total") {
		t.Fatalf("prometheus exposition missing loader metrics")
	}
}
