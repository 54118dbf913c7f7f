// Package controller sequences the drone subsystems: it acquires the
// hardware, resolves mode and configuration, keeps the detector running and
// its records flowing to storage and the ground station, and shuts down in
// an order that never loses flushed data.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/estimator"
	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/link"
	"github.com/LeoCommon/rtt-drone/internal/metrics"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/internal/recorder"
	"github.com/LeoCommon/rtt-drone/internal/session"
	"github.com/LeoCommon/rtt-drone/internal/storage"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/system/sensors"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultResolveAttempts  = 3
	DefaultResolveBackoff   = 2 * time.Second
	DefaultDetectorRestarts = 3
	DefaultRestartBackoff   = 2 * time.Second
	DefaultFlushInterval    = 5 * time.Second
	DefaultPositionInterval = 2 * time.Second
	DefaultStatusInterval   = 5 * time.Second

	maxBackoff     = time.Minute
	outboundBuffer = 128
)

type Tracker interface {
	Run(ctx context.Context) error
	State() position.State
	Project(epsg int) (position.Projected, bool)
}

// Link is the ground station session, see link.Session
type Link interface {
	Start(ctx context.Context) error
	Status() link.Status
	StatusChanges() <-chan link.Status
	Inbound() <-chan link.Message
	Send(ctx context.Context, msg link.Message) error
	Push(ctx context.Context, msg link.Message) error
	Close() error
}

type Detector interface {
	Apply(ctx context.Context, cfg detector.Config) error
	Stop() error
	Events() <-chan detector.Event
	State() detector.State
	Close() error
}

type Recorder interface {
	Record(rec detector.Record) error
	Flush() error
	Rotate(run detector.RunID, dir string) error
	RecordEstimate(est estimator.Estimate) error
	SetInfo(info recorder.Info)
	Close() error
}

type Resolver interface {
	Resolve(ctx context.Context, timeout time.Duration) (session.Mode, detector.Config, error)
	FromMessage(msg link.Message) (detector.Config, error)
}

// Storage answers where output lives
type Storage interface {
	VolumeOf(path string) (string, bool)
	LocalOutputRoot() string
}

type StorageWatcher interface {
	Run(ctx context.Context) error
	Events() <-chan storage.Event
}

// Subsystems are the acquired hardware handles. Link, Storage, Watcher and
// Estimator are optional.
type Subsystems struct {
	Tracker   Tracker
	Link      Link
	Detector  Detector
	Recorder  Recorder
	Resolver  Resolver
	Storage   Storage
	Watcher   StorageWatcher
	Estimator estimator.Estimator
}

// Hardware acquires the subsystems once and releases them at shutdown
type Hardware interface {
	Acquire(ctx context.Context) (*Subsystems, error)
	Release() error
}

// Profile holds the controller tunables of the hardware profile
type Profile struct {
	Station string
	// Projection of recorded positions, 0 selects the UTM zone of the fix
	EPSG int

	LinkTimeout     time.Duration
	PromoteLateLink bool

	ResolveAttempts int
	ResolveBackoff  time.Duration
	// Consecutive detector faults tolerated, 0 escalates the first fault
	DetectorRestarts int
	RestartBackoff   time.Duration

	FlushInterval    time.Duration
	PositionInterval time.Duration

	// StatusLogInterval between the periodic status lines in the log
	StatusLogInterval time.Duration
}

func (p *Profile) setDefaults() {
	if p.ResolveAttempts <= 0 {
		p.ResolveAttempts = DefaultResolveAttempts
	}
	if p.ResolveBackoff <= 0 {
		p.ResolveBackoff = DefaultResolveBackoff
	}
	if p.DetectorRestarts < 0 {
		p.DetectorRestarts = DefaultDetectorRestarts
	}
	if p.RestartBackoff <= 0 {
		p.RestartBackoff = DefaultRestartBackoff
	}
	if p.FlushInterval <= 0 {
		p.FlushInterval = DefaultFlushInterval
	}
	if p.PositionInterval <= 0 {
		p.PositionInterval = DefaultPositionInterval
	}
	if p.StatusLogInterval <= 0 {
		p.StatusLogInterval = DefaultStatusInterval
	}
}

type Options struct {
	Profile  Profile
	Hardware Hardware

	// Optional
	Metrics      *metrics.Collector
	Temperatures func() map[string][]sensors.SensorEntry
	// OnTransition is called on the controller goroutine after every state change
	OnTransition func(from, to string)
}

// Result of a controller lifetime
type Result struct {
	Fatal bool
	Err   error
	Final string
}

type outbound struct {
	msg  link.Message
	push bool
}

type Controller struct {
	opts Options
	fsm  *fsm.FSM

	subs *Subsystems
	sess *session.Session

	outbound chan outbound
	flushReq chan struct{}

	// consecutive detector faults since the last detection
	faults       int
	restartTimer *time.Timer
	restartC     <-chan time.Time
	posTicker    *time.Ticker
	fatal        error

	snapMu   sync.Mutex
	snapshot *session.Session
}

func New(opts Options) (*Controller, error) {
	if opts.Hardware == nil {
		return nil, fmt.Errorf("controller requires hardware")
	}
	opts.Profile.setDefaults()

	c := &Controller{
		opts:     opts,
		outbound: make(chan outbound, outboundBuffer),
		flushReq: make(chan struct{}, 1),
	}
	c.fsm = c.newFSM()
	return c, nil
}

// State is safe to call from any goroutine
func (c *Controller) State() string {
	return c.fsm.Current()
}

// Snapshot returns a copy of the session as of the last handled event
func (c *Controller) Snapshot() (session.Session, bool) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	if c.snapshot == nil {
		return session.Session{}, false
	}
	return c.snapshot.Snapshot(), true
}

func (c *Controller) publish() {
	if c.sess == nil {
		return
	}
	snap := c.sess.Snapshot()

	c.snapMu.Lock()
	c.snapshot = &snap
	c.snapMu.Unlock()
}

// RequestFlush asks the running controller to flush the recorder
func (c *Controller) RequestFlush() {
	select {
	case c.flushReq <- struct{}{}:
	default:
	}
}

// Run drives the controller from INIT to STOPPED. Cancelling ctx shuts down orderly.
func (c *Controller) Run(ctx context.Context) Result {
	subs, err := c.opts.Hardware.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, &faults.HardwareInitError{}) {
			err = faults.NewHardwareInitError("hardware", err)
		}
		log.Error("hardware acquisition failed", zap.Error(err))

		c.fire(EventShutdown)
		if rerr := c.opts.Hardware.Release(); rerr != nil {
			log.Warn("releasing hardware failed", zap.Error(rerr))
		}
		c.fire(EventFinish)
		return Result{Fatal: true, Err: err, Final: c.State()}
	}

	c.subs = subs
	c.fire(EventAcquire)

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	g, gctx := errgroup.WithContext(workCtx)
	c.startWorkers(gctx, g)

	err = c.resolve(gctx)
	if err == nil {
		err = c.run(gctx)
	}

	fatal := err != nil && !errors.Is(err, context.Canceled)
	if fatal {
		log.Error("controller failed", zap.Error(err))
	} else {
		err = nil
	}

	c.fire(EventShutdown)
	c.shutdown(cancelWork, g)
	c.fire(EventFinish)

	return Result{Fatal: fatal, Err: err, Final: c.State()}
}

func (c *Controller) startWorkers(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		if err := c.subs.Tracker.Run(ctx); err != nil {
			log.Error("position tracker stopped", zap.Error(err))
		}
		return nil
	})

	if c.subs.Link != nil {
		if err := c.subs.Link.Start(ctx); err != nil {
			log.Error("link session could not be started", zap.Error(err))
		}
		g.Go(func() error {
			c.sendLoop(ctx)
			return nil
		})
	}

	if c.subs.Watcher != nil {
		g.Go(func() error {
			if err := c.subs.Watcher.Run(ctx); err != nil {
				log.Warn("storage watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
}

// resolve runs the resolver with a bounded retry budget
func (c *Controller) resolve(ctx context.Context) error {
	p := c.opts.Profile
	backoff := p.ResolveBackoff

	for attempt := 1; ; attempt++ {
		mode, cfg, err := c.subs.Resolver.Resolve(ctx, p.LinkTimeout)
		if err == nil {
			c.sess = session.New(mode, cfg)
			if c.subs.Link != nil {
				c.sess.LinkStatus = c.subs.Link.Status()
			}
			log.Info("configuration resolved", zap.Stringer("mode", mode), zap.Int("run", cfg.RunNum), zap.String("output", cfg.OutputDir))

			c.subs.Recorder.SetInfo(c.info())
			c.publish()
			c.fire(EventResolved)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= p.ResolveAttempts {
			return fmt.Errorf("no configuration after %d attempts: %w", attempt, err)
		}

		log.Warn("configuration resolution failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// shutdown stops the detector, flushes and closes the recorder, closes the
// link and releases the hardware, in that order
func (c *Controller) shutdown(cancelWork context.CancelFunc, g *errgroup.Group) {
	c.cancelRestart()
	if c.posTicker != nil {
		c.posTicker.Stop()
	}

	if err := c.subs.Detector.Stop(); err != nil {
		log.Warn("stopping detector failed", zap.Error(err))
	}

	if c.subs.Estimator != nil {
		for _, est := range c.subs.Estimator.Estimates() {
			log.Info("final location estimate", estimateFields(est)...)
		}
	}

	if err := c.subs.Recorder.Flush(); err != nil {
		log.Error("final recorder flush failed", zap.Error(err))
	}
	if err := c.subs.Recorder.Close(); err != nil {
		log.Error("closing recorder failed", zap.Error(err))
	}

	if c.subs.Link != nil {
		if err := c.subs.Link.Close(); err != nil {
			log.Warn("closing link failed", zap.Error(err))
		}
	}

	cancelWork()
	if err := g.Wait(); err != nil {
		log.Warn("worker ended with error", zap.Error(err))
	}

	if err := c.subs.Detector.Close(); err != nil {
		log.Warn("closing detector failed", zap.Error(err))
	}

	if err := c.opts.Hardware.Release(); err != nil {
		log.Warn("releasing hardware failed", zap.Error(err))
	}

	c.publish()
	log.Info("controller shut down")
}

func (c *Controller) info() recorder.Info {
	info := recorder.Info{
		Station: c.opts.Profile.Station,
		EPSG:    c.opts.Profile.EPSG,
	}
	if c.sess != nil {
		info.Mode = c.sess.Mode.String()
		info.Config = c.sess.Config
	}
	return info
}
