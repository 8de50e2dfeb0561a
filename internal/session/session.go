package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	appconfig "chartfeed/config"
	"chartfeed/internal/cache"
	"chartfeed/internal/channel"
	"chartfeed/internal/loader"
	"chartfeed/logger"
	"chartfeed/models"
	"chartfeed/processor"
	"chartfeed/reader/push"
	"chartfeed/reader/rest"
)

// ErrChartNotFound is returned for an unknown chart id.
var ErrChartNotFound = errors.New("chart not found")

// Chart is one open chart: a loader bound to an id.
type Chart struct {
	ID        string
	CreatedAt time.Time
	*loader.Loader
}

type ChartInfo struct {
	ID        string             `json:"id"`
	Key       models.SeriesKey   `json:"key"`
	Bars      int                `json:"bars"`
	Range     models.LoadedRange `json:"range"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

type Status struct {
	Running    bool                         `json:"running"`
	Connection push.Status                  `json:"connection"`
	Throttle   processor.ThrottleState      `json:"throttle"`
	Snapshots  channel.SnapshotStats        `json:"snapshots"`
	Cache      CacheStatus                  `json:"cache"`
	Loading    map[string]loader.GuardState `json:"loading"`
	Charts     int                          `json:"charts"`
}

type CacheStatus struct {
	Entries int      `json:"entries"`
	Keys    []string `json:"keys"`
}

// Session owns the live pipeline (push connection, throttle, snapshot
// channel) and the chart loaders sharing one bar cache and one load guard.
type Session struct {
	pushEnabled bool
	manager     *push.Manager
	throttle    *processor.Throttle
	snapshots   *channel.Snapshots
	cache       *cache.Cache
	guard       *loader.Guard
	fetcher     rest.Fetcher
	observers   []func(models.MarketUpdate)
	loaderCfg   loader.Config
	clock       clock.Clock
	log         *logger.Log

	mu      sync.RWMutex
	charts  map[string]*Chart
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*options)

type options struct {
	clock       clock.Clock
	pushOptions []push.Option
	observers   []func(models.MarketUpdate)
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithPushOptions(opts ...push.Option) Option {
	return func(o *options) { o.pushOptions = append(o.pushOptions, opts...) }
}

// WithObserver adds a callback receiving every snapshot the throttle lets
// through, after the charts have been updated.
func WithObserver(fn func(models.MarketUpdate)) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}

func New(cfg *appconfig.Config, c *cache.Cache, f rest.Fetcher, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	if c == nil {
		return nil, fmt.Errorf("session: cache is required")
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	preset, err := processor.ParsePreset(cfg.Throttle.Preset)
	if err != nil {
		return nil, err
	}

	s := &Session{
		pushEnabled: cfg.Push.Enabled,
		snapshots:   channel.NewSnapshots(cfg.Channels.SnapshotBuffer),
		cache:       c,
		guard:       loader.NewGuard(),
		fetcher:     f,
		observers:   o.observers,
		loaderCfg:   loader.ConfigFrom(cfg.Loader),
		clock:       o.clock,
		log:         logger.GetLogger(),
		charts:      make(map[string]*Chart),
	}
	s.throttle = processor.NewThrottle(s.snapshots.Emit,
		processor.WithClock(o.clock),
		processor.WithPreset(preset),
		processor.WithAutoDowngrade(cfg.Throttle.AutoDowngrade),
	)
	pushOpts := append([]push.Option{push.WithClock(o.clock)}, o.pushOptions...)
	s.manager = push.NewManager(push.ConfigFrom(cfg.Push), s.HandleMarketUpdate, pushOpts...)
	return s, nil
}

// Start connects the push stream and starts routing snapshots to charts. A
// failed first handshake is logged; the manager keeps retrying.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.snapshots.StartMetricsReporting(runCtx, 10*time.Second)

	s.wg.Add(1)
	go s.consume(runCtx)

	if s.pushEnabled {
		if err := s.manager.Connect(runCtx); err != nil {
			s.log.WithComponent("session").WithError(err).Warn("push connect failed; retrying in background")
		}
	}

	s.log.WithComponent("session").WithFields(logger.Fields{
		"push_enabled": s.pushEnabled,
		"preset":       s.throttle.Preset(),
	}).Info("session started")
	return nil
}

// Stop closes the push connection, the throttle and every chart. In-flight
// loads finish before Stop returns.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	charts := make([]*Chart, 0, len(s.charts))
	for _, c := range s.charts {
		charts = append(charts, c)
	}
	s.mu.Unlock()

	s.manager.Disconnect()
	s.throttle.Stop()
	if cancel != nil {
		cancel()
	}
	s.snapshots.Close()
	s.wg.Wait()

	for _, c := range charts {
		c.Stop()
		c.Wait()
	}
	s.log.WithComponent("session").Info("session stopped")
}

// HandleMarketUpdate is the push sink: every decoded update goes through the
// throttle.
func (s *Session) HandleMarketUpdate(update models.MarketUpdate) {
	s.throttle.Submit(update)
}

func (s *Session) consume(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-s.snapshots.C:
			if !ok {
				return
			}
			s.route(ctx, update)
			for _, fn := range s.observers {
				fn(update)
			}
		}
	}
}

// route folds each chart's quote into its live tail.
func (s *Session) route(ctx context.Context, update models.MarketUpdate) {
	at := update.Time()

	s.mu.RLock()
	charts := make([]*Chart, 0, len(s.charts))
	for _, c := range s.charts {
		charts = append(charts, c)
	}
	s.mu.RUnlock()

	for _, c := range charts {
		q, ok := update.Quote(c.Key().Symbol)
		if !ok || q.CurrentPrice <= 0 {
			continue
		}
		if err := c.ApplyPrice(ctx, q.CurrentPrice, at); err != nil {
			s.log.WithComponent("session").WithFields(logger.Fields{"chart": c.ID}).WithError(err).Debug("tail update skipped")
		}
	}
}

// OpenChart creates a chart on key and loads its initial page. A failed
// initial load leaves the chart open with the error in its view.
func (s *Session) OpenChart(ctx context.Context, key models.SeriesKey) (*Chart, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	c := &Chart{
		ID:        uuid.NewString(),
		CreatedAt: s.clock.Now(),
		Loader:    loader.New(s.loaderCfg, s.cache, s.fetcher, s.guard, loader.WithClock(s.clock)),
	}
	if err := c.SetSeries(ctx, key); err != nil {
		s.log.WithComponent("session").WithSeries(key).WithError(err).Warn("initial chart load failed")
	}

	s.mu.Lock()
	s.charts[c.ID] = c
	s.mu.Unlock()

	s.log.WithComponent("session").WithSeries(key).WithFields(logger.Fields{"chart": c.ID}).Info("chart opened")
	return c, nil
}

func (s *Session) Chart(id string) (*Chart, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charts[id]
	return c, ok
}

// SwitchSeries points an open chart at a new series.
func (s *Session) SwitchSeries(ctx context.Context, id string, key models.SeriesKey) error {
	c, ok := s.Chart(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChartNotFound, id)
	}
	return c.SetSeries(ctx, key)
}

func (s *Session) CloseChart(id string) bool {
	s.mu.Lock()
	c, ok := s.charts[id]
	delete(s.charts, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.Stop()
	s.log.WithComponent("session").WithFields(logger.Fields{"chart": id}).Info("chart closed")
	return true
}

// Charts lists open charts, oldest first.
func (s *Session) Charts() []ChartInfo {
	s.mu.RLock()
	charts := make([]*Chart, 0, len(s.charts))
	for _, c := range s.charts {
		charts = append(charts, c)
	}
	s.mu.RUnlock()

	out := make([]ChartInfo, 0, len(charts))
	for _, c := range charts {
		v := c.View()
		out = append(out, ChartInfo{
			ID:        c.ID,
			Key:       v.Key,
			Bars:      len(v.Bars),
			Range:     v.Range,
			Error:     v.Error,
			CreatedAt: c.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Session) SetPreset(p processor.Preset) error {
	return s.throttle.SetPreset(p)
}

func (s *Session) SetVisible(visible bool) {
	s.throttle.SetVisible(visible)
}

// Latest is the most recent snapshot let through by the throttle.
func (s *Session) Latest() (models.MarketUpdate, bool) {
	return s.snapshots.Latest()
}

func (s *Session) Connection() push.Status {
	return s.manager.Status()
}

func (s *Session) Throttle() processor.ThrottleState {
	return s.throttle.State()
}

// ClearCache empties both cache tiers. Open charts keep their loaded bars.
func (s *Session) ClearCache(ctx context.Context) error {
	return s.cache.ClearAll(ctx)
}

func (s *Session) Status() Status {
	s.mu.RLock()
	running, n := s.running, len(s.charts)
	s.mu.RUnlock()

	keys := s.cache.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return Status{
		Running:    running,
		Connection: s.manager.Status(),
		Throttle:   s.throttle.State(),
		Snapshots:  s.snapshots.Stats(),
		Cache:      CacheStatus{Entries: len(keys), Keys: names},
		Loading:    s.guard.InFlight(),
		Charts:     n,
	}
}
