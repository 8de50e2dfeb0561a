package rest

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "chartfeed/config"
	"chartfeed/logger"
	"chartfeed/models"
)

var binanceIntervals = map[models.Interval]string{
	models.Interval5m:   "5m",
	models.Interval15m:  "15m",
	models.Interval30m:  "30m",
	models.Interval60m:  "1h",
	models.Interval120m: "2h",
	models.Interval1d:   "1d",
	models.Interval1w:   "1w",
	models.Interval1M:   "1M",
}

// klineService is the slice of the binance client the fetcher needs.
type klineService interface {
	Klines(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]*binance.Kline, error)
}

type binanceKlines struct {
	client *binance.Client
}

func (b binanceKlines) Klines(ctx context.Context, symbol, interval string, limit int, startMs, endMs int64) ([]*binance.Kline, error) {
	svc := b.client.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	if startMs > 0 {
		svc = svc.StartTime(startMs)
	}
	if endMs > 0 {
		svc = svc.EndTime(endMs)
	}
	return svc.Do(ctx)
}

// BinanceFetcher serves bars from Binance spot klines.
type BinanceFetcher struct {
	klines  klineService
	limiter *rate.Limiter
	log     *logger.Log
}

func NewBinanceFetcher(cfg appconfig.FetcherConfig) *BinanceFetcher {
	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConns,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
		Timeout: cfg.Timeout,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return newBinanceFetcher(binanceKlines{client: client}, rate.NewLimiter(rate.Limit(rps), burst))
}

func newBinanceFetcher(k klineService, limiter *rate.Limiter) *BinanceFetcher {
	return &BinanceFetcher{klines: k, limiter: limiter, log: logger.GetLogger()}
}

func (f *BinanceFetcher) FetchBars(ctx context.Context, key models.SeriesKey, q Query) ([]models.Bar, error) {
	interval, ok := binanceIntervals[key.Interval]
	if !ok {
		return nil, fmt.Errorf("interval %q not supported by binance", key.Interval)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var startMs, endMs int64
	if q.After > 0 {
		startMs = int64(q.After)*1000 + 1
	}
	if q.Before > 0 {
		endMs = int64(q.Before)*1000 - 1
	}

	start := time.Now()
	klines, err := f.klines.Klines(ctx, strings.ToUpper(key.Symbol), interval, q.Limit, startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("binance klines for %s: %w", key, err)
	}

	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := klineToBar(k)
		if err != nil {
			f.log.WithComponent("fetcher").WithSeries(key).WithError(err).Warn("skipping malformed kline")
			continue
		}
		bars = append(bars, bar)
	}
	bars = clip(bars, q)

	logger.LogPerformanceEntry(f.log.WithComponent("fetcher").WithSeries(key), "fetcher", "binance_klines", time.Since(start), logger.Fields{
		"bars": len(bars),
	})
	return bars, nil
}

func klineToBar(k *binance.Kline) (models.Bar, error) {
	if k == nil {
		return models.Bar{}, fmt.Errorf("nil kline")
	}
	var vals [4]float64
	for i, s := range []string{k.Open, k.High, k.Low, k.Close} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Bar{}, fmt.Errorf("parse kline price %q: %w", s, err)
		}
		vals[i] = v
	}
	return models.Bar{
		Time:  models.Timestamp(k.OpenTime / 1000),
		Open:  vals[0],
		High:  vals[1],
		Low:   vals[2],
		Close: vals[3],
	}, nil
}
