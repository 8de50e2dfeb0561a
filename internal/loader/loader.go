package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	appconfig "chartfeed/config"
	"chartfeed/internal/cache"
	"chartfeed/internal/metrics"
	"chartfeed/logger"
	"chartfeed/models"
	"chartfeed/reader/rest"
)

const (
	DefaultLoadBuffer = 50
	DefaultLoadLimit  = 200
	DefaultDebounce   = 200 * time.Millisecond
	defaultTimeout    = 15 * time.Second
)

// ErrNoSeries is returned by operations that need an active series.
var ErrNoSeries = errors.New("loader: no active series")

type Config struct {
	LoadBuffer int
	LoadLimit  int
	Debounce   time.Duration
	Timeout    time.Duration
}

func ConfigFrom(cfg appconfig.LoaderConfig) Config {
	return Config{
		LoadBuffer: cfg.LoadBuffer,
		LoadLimit:  cfg.LoadLimit,
		Debounce:   cfg.Debounce,
		Timeout:    cfg.Timeout,
	}
}

func (c *Config) applyDefaults() {
	if c.LoadBuffer <= 0 {
		c.LoadBuffer = DefaultLoadBuffer
	}
	if c.LoadLimit <= 0 {
		c.LoadLimit = DefaultLoadLimit
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// VisibleRange is the logical index window a chart currently shows.
type VisibleRange struct {
	From float64 `json:"from"`
	To   float64 `json:"to"`
}

// View is a copy of the loader state for rendering.
type View struct {
	Key     models.SeriesKey   `json:"key"`
	Bars    []models.Bar       `json:"bars"`
	Range   models.LoadedRange `json:"range"`
	Visible *VisibleRange      `json:"visible,omitempty"`
	Error   string             `json:"error,omitempty"`
	Guard   GuardState         `json:"guard"`
}

// Loader keeps one chart's visible range inside its loaded window. Visible
// range reports are debounced; each settled report may start a historical
// load, a latest load, or neither. Loads for a series are serialised through
// the shared Guard, and the last reported range is evaluated again once a
// load finishes so a waiting direction gets its turn.
type Loader struct {
	cfg      Config
	cache    *cache.Cache
	fetcher  rest.Fetcher
	guard    *Guard
	clock    clock.Clock
	debounce *Debouncer
	log      *logger.Log

	mu      sync.Mutex
	key     models.SeriesKey
	epoch   uint64
	bars    []models.Bar
	rng     models.LoadedRange
	visible *VisibleRange
	errMsg  string
	stopped bool

	wg sync.WaitGroup
}

type Option func(*Loader)

func WithClock(c clock.Clock) Option {
	return func(l *Loader) { l.clock = c }
}

func New(cfg Config, c *cache.Cache, f rest.Fetcher, g *Guard, opts ...Option) *Loader {
	cfg.applyDefaults()
	if g == nil {
		g = NewGuard()
	}
	l := &Loader{
		cfg:     cfg,
		cache:   c,
		fetcher: f,
		guard:   g,
		clock:   clock.New(),
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.debounce = NewDebouncer(l.clock, cfg.Debounce)
	return l
}

func (l *Loader) entry(key models.SeriesKey) *logger.Entry {
	return l.log.WithComponent("loader").WithSeries(key)
}

// SetSeries switches the loader to key. The loaded range and both boundary
// flags are reset, and the initial page is served from the cache tail or
// fetched. The previous series' cache entry is left alone.
func (l *Loader) SetSeries(ctx context.Context, key models.SeriesKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	l.debounce.Cancel()

	l.mu.Lock()
	l.epoch++
	epoch := l.epoch
	l.key = key
	l.bars = nil
	l.rng = models.LoadedRange{}
	l.visible = nil
	l.errMsg = ""
	l.mu.Unlock()

	bars := l.cache.Tail(ctx, key, l.cfg.LoadLimit)
	source := "cache"
	if len(bars) == 0 {
		source = "fetch"
		if !l.guard.TryAcquire(key, LoadingLatest) {
			// another chart is loading this series; the first visible
			// range report picks it up from the cache
			l.entry(key).Debug("initial load already in flight")
		} else {
			fetched, err := l.fetch(ctx, key, rest.Query{Limit: l.cfg.LoadLimit})
			metrics.IncLoaderFetch(Idle.direction(), err)
			l.guard.Release(key)
			if err != nil {
				l.mu.Lock()
				if epoch == l.epoch {
					l.errMsg = err.Error()
				}
				l.mu.Unlock()
				l.entry(key).WithError(err).Warn("initial load failed")
				return err
			}
			if len(fetched) > 0 {
				bars = l.cache.Merge(ctx, key, fetched).Bars
				if len(bars) > l.cfg.LoadLimit {
					bars = bars[len(bars)-l.cfg.LoadLimit:]
				}
			}
		}
	}

	l.mu.Lock()
	if epoch == l.epoch {
		l.bars = append([]models.Bar(nil), bars...)
		l.resetRangeLocked()
	}
	l.mu.Unlock()

	l.entry(key).WithFields(logger.Fields{
		"bars":   len(bars),
		"source": source,
	}).Info("series loaded")
	return nil
}

// resetRangeLocked recomputes the index window from the loaded bars; flags
// are kept.
func (l *Loader) resetRangeLocked() {
	l.rng.FromIndex = 0
	l.rng.ToIndex = 0
	if n := len(l.bars); n > 0 {
		l.rng.ToIndex = n - 1
	}
}

// ReportVisibleRange records the chart's visible logical range. Only the last
// report of a burst is acted upon, once the debounce window has passed.
func (l *Loader) ReportVisibleRange(from, to float64) {
	if from > to {
		from, to = to, from
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.visible = &VisibleRange{From: from, To: to}
	l.mu.Unlock()

	l.debounce.Trigger(l.evaluate)
}

// evaluate applies the edge rule to the last reported range.
func (l *Loader) evaluate() {
	l.mu.Lock()
	if l.stopped || l.visible == nil || l.key.Symbol == "" {
		l.mu.Unlock()
		return
	}
	key, epoch := l.key, l.epoch
	vis, rng := *l.visible, l.rng
	empty := len(l.bars) == 0
	var first, last models.Timestamp
	if !empty {
		first, last = l.bars[0].Time, l.bars[len(l.bars)-1].Time
	}
	l.mu.Unlock()

	buffer := float64(l.cfg.LoadBuffer)
	if empty {
		// nothing loaded yet: the newest page is the only sensible load
		l.start(key, epoch, LoadingLatest, 0)
		return
	}
	if !rng.ReachedStart && vis.From-float64(rng.FromIndex) < buffer {
		l.start(key, epoch, LoadingHistorical, first)
	}
	if !rng.ReachedEnd && float64(rng.ToIndex)-vis.To < buffer {
		l.start(key, epoch, LoadingLatest, last)
	}
}

func (l *Loader) start(key models.SeriesKey, epoch uint64, dir GuardState, edge models.Timestamp) {
	if !l.guard.TryAcquire(key, dir) {
		l.entry(key).WithFields(logger.Fields{
			"direction": dir.direction(),
			"in_flight": l.guard.State(key).String(),
		}).Debug("load skipped: already in flight")
		return
	}
	l.wg.Add(1)
	go l.load(key, epoch, dir, edge)
}

func (l *Loader) load(key models.SeriesKey, epoch uint64, dir GuardState, edge models.Timestamp) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
	defer cancel()

	bars, fromCache, err := l.page(ctx, key, dir, edge)
	if !fromCache {
		metrics.IncLoaderFetch(dir.direction(), err)
	}
	if err != nil {
		l.guard.Release(key)
		l.mu.Lock()
		if epoch == l.epoch {
			l.errMsg = err.Error()
		}
		l.mu.Unlock()
		l.entry(key).WithError(err).WithFields(logger.Fields{"direction": dir.direction()}).Warn("load failed")
		return
	}

	if !fromCache && len(bars) > 0 {
		l.cache.Merge(context.Background(), key, bars)
	}

	l.mu.Lock()
	if epoch != l.epoch {
		l.mu.Unlock()
		l.guard.Release(key)
		l.entry(key).WithFields(logger.Fields{"bars": len(bars)}).Debug("late result kept in cache only")
		return
	}
	before := len(l.bars)
	l.bars = cache.MergeBars(l.bars, bars)
	added := len(l.bars) - before
	l.errMsg = ""
	exhausted := !fromCache && len(bars) < l.cfg.LoadLimit
	switch dir {
	case LoadingHistorical:
		if exhausted {
			l.rng.ReachedStart = true
		}
		if l.visible != nil {
			// prepended bars shift every logical index
			l.visible.From += float64(added)
			l.visible.To += float64(added)
		}
	case LoadingLatest:
		if exhausted && edge != 0 {
			l.rng.ReachedEnd = true
		}
	}
	l.resetRangeLocked()
	rng := l.rng
	l.mu.Unlock()
	l.guard.Release(key)

	logger.LogDataFlowEntry(l.entry(key), "fetcher", "loader", len(bars), dir.direction())
	l.entry(key).WithFields(logger.Fields{
		"direction":     dir.direction(),
		"added":         added,
		"from_cache":    fromCache,
		"reached_start": rng.ReachedStart,
		"reached_end":   rng.ReachedEnd,
	}).Debug("load applied")

	if added > 0 {
		l.evaluate()
	}
}

// page returns the next page for dir. A historical page comes from the
// cache when it holds a full page; otherwise it is fetched.
func (l *Loader) page(ctx context.Context, key models.SeriesKey, dir GuardState, edge models.Timestamp) ([]models.Bar, bool, error) {
	limit := l.cfg.LoadLimit
	switch dir {
	case LoadingHistorical:
		if cached := l.cache.Older(ctx, key, edge, limit); len(cached) >= limit {
			return cached, true, nil
		}
		bars, err := l.fetch(ctx, key, rest.Query{Limit: limit, Before: edge})
		return bars, false, err
	default:
		if edge != 0 {
			if cached := l.cache.Newer(ctx, key, edge, limit); len(cached) >= limit {
				return cached, true, nil
			}
		}
		bars, err := l.fetch(ctx, key, rest.Query{Limit: limit, After: edge})
		return bars, false, err
	}
}

func (l *Loader) fetch(ctx context.Context, key models.SeriesKey, q rest.Query) ([]models.Bar, error) {
	if l.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}
	bars, err := l.fetcher.FetchBars(ctx, key, q)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return bars, nil
}

// UpdateTail merges a live bar into the view and the cache. Bars older than
// the loaded window are ignored.
func (l *Loader) UpdateTail(ctx context.Context, bar models.Bar) error {
	l.mu.Lock()
	key := l.key
	if key.Symbol == "" {
		l.mu.Unlock()
		return ErrNoSeries
	}
	if len(l.bars) > 0 && bar.Time < l.bars[0].Time {
		l.mu.Unlock()
		return nil
	}
	l.bars = cache.MergeBars(l.bars, []models.Bar{bar})
	l.resetRangeLocked()
	l.mu.Unlock()

	l.cache.Merge(ctx, key, []models.Bar{bar})
	return nil
}

// ApplyPrice folds a live price observed at `at` into the bar bucket it
// belongs to, starting a new bar when the bucket changes. A price that lands
// past the bucket after the last loaded bar is not applied while newer bars
// may still exist at the source; a latest load from the stale edge is
// started instead and later prices extend the tail once it has caught up.
func (l *Loader) ApplyPrice(ctx context.Context, price float64, at time.Time) error {
	l.mu.Lock()
	key, epoch := l.key, l.epoch
	reachedEnd, stopped := l.rng.ReachedEnd, l.stopped
	var last *models.Bar
	if n := len(l.bars); n > 0 {
		b := l.bars[n-1]
		last = &b
	}
	l.mu.Unlock()
	if key.Symbol == "" {
		return ErrNoSeries
	}

	ts := models.TimestampOf(key.Interval.Truncate(at))
	bar := models.Bar{Time: ts, Open: price, High: price, Low: price, Close: price}
	if last != nil {
		if ts < last.Time {
			return nil
		}
		next := models.TimestampOf(key.Interval.Next(last.Time.Time()))
		if ts > next && !reachedEnd {
			if !stopped {
				l.entry(key).WithFields(logger.Fields{
					"last_bar": last.Time,
					"price_at": ts,
				}).Debug("live price past the loaded tail, catching up")
				l.start(key, epoch, LoadingLatest, last.Time)
			}
			return nil
		}
		if ts == last.Time {
			bar = *last
			bar.Close = price
			if price > bar.High {
				bar.High = price
			}
			if price < bar.Low {
				bar.Low = price
			}
		}
	}
	return l.UpdateTail(ctx, bar)
}

func (l *Loader) Key() models.SeriesKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

func (l *Loader) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := View{
		Key:   l.key,
		Bars:  append([]models.Bar(nil), l.bars...),
		Range: l.rng,
		Error: l.errMsg,
		Guard: l.guard.State(l.key),
	}
	if l.visible != nil {
		vis := *l.visible
		v.Visible = &vis
	}
	return v
}

// Stop drops any pending debounced report. In-flight loads run to completion.
func (l *Loader) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	l.debounce.Cancel()
}

// Wait blocks until every in-flight load has finished.
func (l *Loader) Wait() {
	l.wg.Wait()
}
