package loader

import (
	"sync"

	"chartfeed/models"
)

// GuardState is the load state of one series.
type GuardState int

const (
	Idle GuardState = iota
	LoadingHistorical
	LoadingLatest
)

func (s GuardState) String() string {
	switch s {
	case LoadingHistorical:
		return "loading_historical"
	case LoadingLatest:
		return "loading_latest"
	default:
		return "idle"
	}
}

func (s GuardState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// direction is the metric label for a load.
func (s GuardState) direction() string {
	switch s {
	case LoadingHistorical:
		return "historical"
	case LoadingLatest:
		return "latest"
	default:
		return "initial"
	}
}

// Guard allows at most one in-flight load per series. It is shared by every
// loader of a session so two charts on the same series do not double-fetch.
type Guard struct {
	mu     sync.Mutex
	states map[models.SeriesKey]GuardState
}

func NewGuard() *Guard {
	return &Guard{states: make(map[models.SeriesKey]GuardState)}
}

// TryAcquire moves key from Idle to state. It fails if a load is already in
// flight for key, whatever its direction.
func (g *Guard) TryAcquire(key models.SeriesKey, state GuardState) bool {
	if state == Idle {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states[key] != Idle {
		return false
	}
	g.states[key] = state
	return true
}

func (g *Guard) Release(key models.SeriesKey) {
	g.mu.Lock()
	delete(g.states, key)
	g.mu.Unlock()
}

func (g *Guard) State(key models.SeriesKey) GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[key]
}

// InFlight lists every series with a load in flight.
func (g *Guard) InFlight() map[string]GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]GuardState, len(g.states))
	for k, s := range g.states {
		out[k.String()] = s
	}
	return out
}
