package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	appconfig "chartfeed/config"
	"chartfeed/internal/cache"
	"chartfeed/logger"
	"chartfeed/models"
)

// Query selects a page of bars. Before and After are exclusive bounds; zero
// means unbounded. With neither set the newest Limit bars are returned.
type Query struct {
	Limit  int
	Before models.Timestamp
	After  models.Timestamp
}

// Fetcher is the snapshot-fetch collaborator used by the loader.
type Fetcher interface {
	FetchBars(ctx context.Context, key models.SeriesKey, q Query) ([]models.Bar, error)
}

// New builds the fetcher selected by cfg.Source.
func New(cfg appconfig.FetcherConfig) (Fetcher, error) {
	switch cfg.Source {
	case "", "http":
		return NewHTTPFetcher(cfg)
	case "binance":
		return NewBinanceFetcher(cfg), nil
	default:
		return nil, fmt.Errorf("unknown fetcher source '%s'", cfg.Source)
	}
}

// HTTPFetcher reads bars from the bar API:
//
//	GET {base}/api/bars?symbol=&interval=&limit=[&end=][&start=]
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewHTTPFetcher(cfg appconfig.FetcherConfig) (*HTTPFetcher, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("fetcher base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid fetcher base url: %w", err)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &HTTPFetcher{
		baseURL: base,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}, nil
}

func (f *HTTPFetcher) endpoint(key models.SeriesKey, q Query) string {
	params := url.Values{}
	params.Set("symbol", key.Symbol)
	params.Set("interval", string(key.Interval))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before > 0 {
		params.Set("end", key.Interval.FormatTime(q.Before))
	}
	if q.After > 0 {
		params.Set("start", key.Interval.FormatTime(q.After))
	}
	return f.baseURL + "/api/bars?" + params.Encode()
}

func (f *HTTPFetcher) FetchBars(ctx context.Context, key models.SeriesKey, q Query) ([]models.Bar, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint(key, q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bars for %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bars response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bars for %s: unexpected status %s", key, resp.Status)
	}

	bars, err := decodeBars(body)
	if err != nil {
		return nil, fmt.Errorf("decode bars for %s: %w", key, err)
	}
	bars = clip(bars, q)

	logger.LogPerformanceEntry(f.log.WithComponent("fetcher").WithSeries(key), "fetcher", "fetch_bars", time.Since(start), logger.Fields{
		"bars":  len(bars),
		"limit": q.Limit,
	})
	return bars, nil
}

// decodeBars accepts {"bars":[...]} or a bare array.
func decodeBars(body []byte) ([]models.Bar, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var bars []models.Bar
		if err := json.Unmarshal(body, &bars); err != nil {
			return nil, err
		}
		return bars, nil
	}
	var wrapped struct {
		Bars []models.Bar `json:"bars"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Bars, nil
}

// clip sorts and dedupes, drops bars outside the exclusive bounds and keeps
// at most Limit bars aligned to the requested edge.
func clip(bars []models.Bar, q Query) []models.Bar {
	bars = cache.MergeBars(nil, bars)
	out := bars[:0]
	for _, b := range bars {
		if q.Before > 0 && b.Time >= q.Before {
			continue
		}
		if q.After > 0 && b.Time <= q.After {
			continue
		}
		out = append(out, b)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		if q.After > 0 && q.Before == 0 {
			out = out[:q.Limit]
		} else {
			out = out[len(out)-q.Limit:]
		}
	}
	return out
}
