package position

import (
	"context"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/geo"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

const (
	DefaultDataTimeout    = 5 * time.Second
	DefaultErrorThreshold = 5
)

type TrackerOptions struct {
	// A fix older than this is reported as NoFix
	DataTimeout time.Duration
	// Consecutive source errors before the tracker enters the error state
	ErrorThreshold int
}

// Tracker holds exactly the latest sample of its source
type Tracker struct {
	src  Source
	opts TrackerOptions
	now  func() time.Time

	mu        sync.RWMutex
	fix       Fix
	seen      bool
	lastValid time.Time
	errCount  int
	onState   func(State)
	lastState State
}

func NewTracker(src Source, opts TrackerOptions) *Tracker {
	if opts.DataTimeout <= 0 {
		opts.DataTimeout = DefaultDataTimeout
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = DefaultErrorThreshold
	}

	return &Tracker{
		src:  src,
		opts: opts,
		now:  time.Now,
	}
}

// OnStateChange registers a callback that is invoked from the tracker worker
// whenever the observed state changes. Must be called before Run.
func (t *Tracker) OnStateChange(fn func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// Run consumes the source until the stream ends or ctx is cancelled
func (t *Tracker) Run(ctx context.Context) error {
	samples, err := t.src.Samples(ctx)
	if err != nil {
		t.mu.Lock()
		t.errCount = t.opts.ErrorThreshold
		t.mu.Unlock()
		t.notify()
		return err
	}

	log.Info("position tracker started", zap.String("source", t.src.String()))

	// Re-evaluate staleness even if the source goes silent
	ticker := time.NewTicker(t.opts.DataTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				log.Info("position source ended", zap.String("source", t.src.String()))
				return nil
			}
			t.update(s)
		case <-ticker.C:
		}

		t.notify()
	}
}

func (t *Tracker) update(s Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.Err != nil {
		t.errCount++
		if t.errCount == t.opts.ErrorThreshold {
			log.Error("position source error threshold reached", zap.Int("errors", t.errCount), zap.Error(s.Err))
		} else {
			log.Warn("position source read error", zap.Int("errors", t.errCount), zap.Error(s.Err))
		}
		return
	}

	t.errCount = 0
	t.seen = true

	if s.Fix == nil || !s.Fix.Valid {
		// NoFix drops the current fix but never blocks the pipeline
		t.fix = Fix{}
		return
	}

	t.fix = *s.Fix
	t.lastValid = t.now()
}

func (t *Tracker) notify() {
	t.mu.Lock()
	state := t.stateLocked()
	fn := t.onState
	changed := state != t.lastState
	t.lastState = state
	t.mu.Unlock()

	if changed {
		log.Info("position tracker state changed", zap.Stringer("state", state))
		if fn != nil {
			fn(state)
		}
	}
}

func (t *Tracker) fresh() bool {
	return t.fix.Valid && t.now().Sub(t.lastValid) <= t.opts.DataTimeout
}

func (t *Tracker) stateLocked() State {
	switch {
	case t.errCount >= t.opts.ErrorThreshold:
		return StateError
	case !t.seen:
		return StateInitializing
	case t.fresh():
		return StateRunning
	default:
		return StateWaiting
	}
}

// State returns the current tracker state
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked()
}

// Current returns the latest valid fix, false if there is none or it went stale
func (t *Tracker) Current() (Fix, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.fresh() {
		return Fix{}, false
	}
	return t.fix, true
}

// Project converts the current fix into the UTM zone given by epsg.
// An epsg of 0 selects the zone containing the fix.
func (t *Tracker) Project(epsg int) (Projected, bool) {
	fix, ok := t.Current()
	if !ok {
		return Projected{}, false
	}

	if epsg == 0 {
		epsg = geo.ZoneEPSG(fix.Latitude, fix.Longitude)
	}

	p, err := geo.Project(fix.Latitude, fix.Longitude, epsg)
	if err != nil {
		log.Warn("projection failed", zap.Int("epsg", epsg), zap.Error(err))
		return Projected{}, false
	}

	return Projected{UTM: p, Altitude: fix.Altitude, Heading: fix.Heading}, true
}
