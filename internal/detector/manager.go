package detector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/misc"
	"go.uber.org/zap"
)

const (
	DefaultEventBuffer = 64
	DefaultPingBuffer  = 64

	// Upper bound for run directory suffixes before giving up
	maxRunSuffix = 999
)

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type EventKind int

const (
	// EventStarted opens a run, Root is its output directory
	EventStarted EventKind = iota
	EventDetection
	// EventFault carries a DetectorFault, the manager is STOPPED afterwards
	EventFault
	// EventStopped is emitted when a session ended without being superseded or stopped
	EventStopped
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventDetection:
		return "detection"
	case EventFault:
		return "fault"
	case EventStopped:
		return "stopped"
	default:
		return fmt.Sprintf("%d", int(k))
	}
}

type Event struct {
	Kind   EventKind
	Run    RunID
	Root   string
	Record Record
	Err    error
}

// Positioner stamps detections with the current position
type Positioner interface {
	Project(epsg int) (position.Projected, bool)
}

type ManagerOptions struct {
	Factory Factory
	Limits  Limits
	// Optional, detections are recorded without position if nil
	Position Positioner
	// Projection for detection positions, 0 selects the zone of the fix
	EPSG int

	EventBuffer int
	PingBuffer  int
}

type run struct {
	id      RunID
	cfg     Config
	dir     string
	session Session

	// discard is set once the run is superseded, nothing it produces is emitted afterwards
	discard  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	pumped   chan struct{}
}

func (r *run) abandon() {
	r.discard.Store(true)
	r.quitOnce.Do(func() {
		close(r.quit)
	})
}

// Manager owns the detector session lifecycle. All output is delivered in
// order on a single channel, see Events.
type Manager struct {
	opts   ManagerOptions
	events chan Event

	// applyMu serializes Apply, Stop and Close
	applyMu sync.Mutex

	mu     sync.Mutex
	state  State
	run    *run
	closed bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("detector manager requires a session factory")
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.PingBuffer <= 0 {
		opts.PingBuffer = DefaultPingBuffer
	}

	return &Manager{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
	}, nil
}

// Events is closed by Close. Detections of a run are only delivered between
// its EventStarted and the EventStarted of the next run.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the config of the current or last run
func (m *Manager) Config() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run == nil {
		return Config{}, false
	}
	return m.run.cfg.Clone(), true
}

// Limits of the attached hardware, used for validation
func (m *Manager) Limits() Limits {
	return m.opts.Limits
}

// Apply validates cfg and (re)starts the session with it. Applying the config
// of a starting or running session again is a no-op.
func (m *Manager) Apply(ctx context.Context, cfg Config) error {
	if err := Validate(cfg, m.opts.Limits); err != nil {
		return err
	}

	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return misc.NewClosedError("detector manager")
	}
	if r := m.run; r != nil && (m.state == StateStarting || m.state == StateRunning) && r.cfg.Equal(cfg) {
		m.mu.Unlock()
		log.Debug("identical detector config applied, keeping the session", zap.Stringer("run", r.id))
		return nil
	}
	m.mu.Unlock()

	m.stopRun()
	return m.startRun(ctx, cfg.Clone())
}

// Stop terminates the running session, its pending detections are discarded
func (m *Manager) Stop() error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.stopRun()
	return nil
}

// Close stops the session and closes the event channel
func (m *Manager) Close() error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stopRun()
	close(m.events)
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// stopRun abandons the current run and waits until its pump has exited.
// Must be called with applyMu held.
func (m *Manager) stopRun() {
	m.mu.Lock()
	r := m.run
	if r == nil {
		m.mu.Unlock()
		return
	}
	if m.state != StateStopped {
		m.state = StateStopping
	}
	m.mu.Unlock()

	log.Info("stopping detector session", zap.Stringer("run", r.id))

	r.abandon()
	r.session.Stop()
	<-r.pumped

	m.mu.Lock()
	m.state = StateStopped
	m.mu.Unlock()
}

func (m *Manager) startRun(ctx context.Context, cfg Config) error {
	m.setState(StateStarting)

	id, dir, err := ReserveRunDir(cfg.OutputDir, cfg.RunNum)
	if err != nil {
		m.setState(StateStopped)
		return faults.NewDetectorFault(RunID{Num: cfg.RunNum}.String(), err)
	}

	r := &run{
		id:      id,
		cfg:     cfg,
		dir:     dir,
		session: m.opts.Factory(cfg),
		quit:    make(chan struct{}),
		pumped:  make(chan struct{}),
	}

	pings := make(chan Ping, m.opts.PingBuffer)
	done, err := r.session.Start(ctx, cfg, dir, pings)
	if err != nil {
		m.setState(StateStopped)
		log.Error("detector session failed to start", zap.Stringer("run", id), zap.Error(err))
		return faults.NewDetectorFault(id.String(), err)
	}

	m.mu.Lock()
	m.run = r
	m.mu.Unlock()

	log.Info("detector session started", zap.Stringer("run", id), zap.String("dir", dir))
	go m.pump(r, pings, done)

	return nil
}

// emit delivers ev unless the run was abandoned
func (m *Manager) emit(r *run, ev Event) bool {
	if r.discard.Load() {
		return false
	}

	select {
	case m.events <- ev:
		return true
	case <-r.quit:
		return false
	}
}

func (m *Manager) deliver(r *run, p Ping) {
	rec := Record{
		Run:       r.id,
		Time:      p.Time,
		Frequency: p.Frequency,
		Amplitude: p.Amplitude,
		SNR:       p.SNR,
	}

	if m.opts.Position != nil {
		if pos, ok := m.opts.Position.Project(m.opts.EPSG); ok {
			rec.Position = &pos
		}
	}

	m.emit(r, Event{Kind: EventDetection, Run: r.id, Record: rec})
}

func (m *Manager) pump(r *run, pings <-chan Ping, done <-chan error) {
	defer close(r.pumped)

	m.emit(r, Event{Kind: EventStarted, Run: r.id, Root: r.dir})

	m.mu.Lock()
	if m.run == r && m.state == StateStarting {
		m.state = StateRunning
	}
	m.mu.Unlock()

	for {
		select {
		case p := <-pings:
			m.deliver(r, p)
		case err := <-done:
			// The session does not send after reporting, flush what is buffered
			for drained := false; !drained; {
				select {
				case p := <-pings:
					m.deliver(r, p)
				default:
					drained = true
				}
			}

			m.finish(r, err)
			return
		}
	}
}

func (m *Manager) finish(r *run, err error) {
	m.mu.Lock()
	if m.run == r && m.state != StateStopping {
		m.state = StateStopped
	}
	m.mu.Unlock()

	if r.discard.Load() {
		return
	}

	if err != nil {
		log.Warn("detector session faulted", zap.Stringer("run", r.id), zap.Error(err))
		m.emit(r, Event{Kind: EventFault, Run: r.id, Err: faults.NewDetectorFault(r.id.String(), err)})
		return
	}

	m.emit(r, Event{Kind: EventStopped, Run: r.id})
}

// ReserveRunDir creates the output directory of a run. An existing directory
// is never reused, the run id gets a suffix instead.
func ReserveRunDir(root string, num int) (RunID, string, error) {
	var id RunID
	dir, err := reserveDir(root, func(suffix int) string {
		id = RunID{Num: num, Suffix: suffix}
		return id.DirName()
	})
	if err != nil {
		return RunID{}, "", err
	}

	if id.Suffix > 0 {
		log.Warn("run number already used in output root, suffixing", zap.Int("run_num", num), zap.Stringer("run", id))
	}
	return id, dir, nil
}

// ReserveMoveDir creates a directory below root for the remaining output of
// an active run. The run keeps its id, on collision the directory name gets
// a ".N" suffix.
func ReserveMoveDir(root string, run RunID) (string, error) {
	dir, err := reserveDir(root, func(suffix int) string {
		if suffix == 0 {
			return run.DirName()
		}
		return fmt.Sprintf("%s.%d", run.DirName(), suffix)
	})
	if err != nil {
		return "", err
	}

	if filepath.Base(dir) != run.DirName() {
		log.Warn("run directory already used in output root, suffixing", zap.Stringer("run", run), zap.String("dir", dir))
	}
	return dir, nil
}

func reserveDir(root string, name func(suffix int) string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no output root configured")
	}

	if err := os.MkdirAll(root, 0750); err != nil {
		return "", fmt.Errorf("could not create output root: %w", err)
	}

	for suffix := 0; suffix <= maxRunSuffix; suffix++ {
		dir := filepath.Join(root, name(suffix))

		err := os.Mkdir(dir, 0750)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}

	return "", fmt.Errorf("no free directory for %s in %s", name(0), root)
}
