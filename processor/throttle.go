package processor

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"chartfeed/internal/metrics"
	"chartfeed/logger"
	"chartfeed/models"
)

// Preset names a throttle interval.
type Preset string

const (
	PresetRealtime Preset = "realtime"
	PresetNormal   Preset = "normal"
	PresetSlow     Preset = "slow"
	PresetLazy     Preset = "lazy"
)

var presetIntervals = map[Preset]time.Duration{
	PresetRealtime: time.Second,
	PresetNormal:   3 * time.Second,
	PresetSlow:     10 * time.Second,
	PresetLazy:     60 * time.Second,
}

// ParsePreset validates a preset name.
func ParsePreset(s string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := presetIntervals[p]; !ok {
		return "", fmt.Errorf("unknown throttle preset '%s'", s)
	}
	return p, nil
}

// Interval is the minimum spacing between two emissions under p.
func (p Preset) Interval() time.Duration {
	return presetIntervals[p]
}

// Emitter receives every snapshot the throttle lets through.
type Emitter func(models.MarketUpdate)

// ThrottleState is a point-in-time view of the controller.
type ThrottleState struct {
	Preset     Preset        `json:"preset"`
	Effective  Preset        `json:"effective"`
	Interval   time.Duration `json:"interval"`
	Visible    bool          `json:"visible"`
	LastEmitAt time.Time     `json:"last_emit_at"`
	Pending    bool          `json:"pending"`
	Emitted    uint64        `json:"emitted"`
	Coalesced  uint64        `json:"coalesced"`
}

type pendingUpdate struct {
	update models.MarketUpdate
	seq    uint64
}

// Throttle coalesces pushed market snapshots so consumers see at most one per
// interval, always the newest one. When the consumer is hidden and
// auto-downgrade is on, the lazy interval applies regardless of the preset.
type Throttle struct {
	mu            sync.Mutex
	clock         clock.Clock
	emit          Emitter
	preset        Preset
	visible       bool
	autoDowngrade bool
	stopped       bool

	lastEmit time.Time
	pending  *pendingUpdate
	timer    *clock.Timer
	timerGen uint64
	seq      uint64

	emitted   uint64
	coalesced uint64

	// emitMu serialises delivery; lastDelivered drops anything older than
	// what already went out.
	emitMu        sync.Mutex
	lastDelivered uint64

	log *logger.Log
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

func WithClock(c clock.Clock) ThrottleOption {
	return func(t *Throttle) { t.clock = c }
}

func WithPreset(p Preset) ThrottleOption {
	return func(t *Throttle) { t.preset = p }
}

func WithAutoDowngrade(enabled bool) ThrottleOption {
	return func(t *Throttle) { t.autoDowngrade = enabled }
}

// NewThrottle starts visible, on the normal preset, with auto-downgrade on.
func NewThrottle(emit Emitter, opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		clock:         clock.New(),
		emit:          emit,
		preset:        PresetNormal,
		visible:       true,
		autoDowngrade: true,
		log:           logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if _, ok := presetIntervals[t.preset]; !ok {
		t.preset = PresetNormal
	}
	return t
}

func (t *Throttle) effectiveLocked() Preset {
	if !t.visible && t.autoDowngrade {
		return PresetLazy
	}
	return t.preset
}

// Submit offers a new snapshot. It is emitted right away when nothing was
// emitted yet or the interval has elapsed; otherwise it replaces any pending
// snapshot and a single flush timer covers the remaining wait.
func (t *Throttle) Submit(update models.MarketUpdate) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.seq++
	seq := t.seq
	now := t.clock.Now()
	interval := t.effectiveLocked().Interval()

	if t.lastEmit.IsZero() || now.Sub(t.lastEmit) >= interval {
		t.disarmLocked()
		t.pending = nil
		t.lastEmit = now
		t.emitted++
		t.mu.Unlock()
		t.deliver(update, seq)
		return
	}

	if t.pending != nil {
		t.coalesced++
		metrics.IncThrottleCoalesced()
	}
	t.pending = &pendingUpdate{update: update, seq: seq}
	if t.timer == nil {
		t.timerGen++
		gen := t.timerGen
		wait := interval - now.Sub(t.lastEmit)
		t.timer = t.clock.AfterFunc(wait, func() { t.flush(gen) })
	}
	t.mu.Unlock()
}

func (t *Throttle) flush(gen uint64) {
	t.mu.Lock()
	if gen != t.timerGen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	if t.stopped || t.pending == nil {
		t.mu.Unlock()
		return
	}
	// the interval may have grown since the timer was armed
	now := t.clock.Now()
	if elapsed, interval := now.Sub(t.lastEmit), t.effectiveLocked().Interval(); elapsed < interval {
		t.timerGen++
		gen := t.timerGen
		t.timer = t.clock.AfterFunc(interval-elapsed, func() { t.flush(gen) })
		t.mu.Unlock()
		return
	}
	p := t.pending
	t.pending = nil
	t.lastEmit = now
	t.emitted++
	t.mu.Unlock()

	t.deliver(p.update, p.seq)
}

func (t *Throttle) deliver(update models.MarketUpdate, seq uint64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if seq <= t.lastDelivered {
		return
	}
	t.lastDelivered = seq

	metrics.IncThrottleEmit()
	logger.RecordFlow("throttle_emits", len(update.Quotes))
	if t.emit != nil {
		t.emit(update)
	}
}

// disarmLocked cancels the flush timer; a callback that already fired is
// neutralised by the generation bump.
func (t *Throttle) disarmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerGen++
}

// SetPreset changes the caller-selected preset. The new interval applies
// from the next Submit on.
func (t *Throttle) SetPreset(p Preset) error {
	if _, ok := presetIntervals[p]; !ok {
		return fmt.Errorf("unknown throttle preset '%s'", p)
	}
	t.mu.Lock()
	t.preset = p
	effective := t.effectiveLocked()
	t.mu.Unlock()

	t.log.WithComponent("throttle").WithFields(logger.Fields{
		"preset":    p,
		"effective": effective,
	}).Info("throttle preset changed")
	return nil
}

// SetVisible records consumer visibility. It never forces an emission; a
// pending snapshot still waits out the interval in effect when it flushes.
func (t *Throttle) SetVisible(visible bool) {
	t.mu.Lock()
	changed := t.visible != visible
	t.visible = visible
	effective := t.effectiveLocked()
	t.mu.Unlock()

	if changed {
		t.log.WithComponent("throttle").WithFields(logger.Fields{
			"visible":   visible,
			"effective": effective,
		}).Debug("visibility changed")
	}
}

// Preset returns the caller-selected preset.
func (t *Throttle) Preset() Preset {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.preset
}

func (t *Throttle) State() ThrottleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	effective := t.effectiveLocked()
	return ThrottleState{
		Preset:     t.preset,
		Effective:  effective,
		Interval:   effective.Interval(),
		Visible:    t.visible,
		LastEmitAt: t.lastEmit,
		Pending:    t.pending != nil,
		Emitted:    t.emitted,
		Coalesced:  t.coalesced,
	}
}

// Stop disarms the flush timer and drops any pending snapshot. Later Submits
// are ignored.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.disarmLocked()
	t.pending = nil
}
