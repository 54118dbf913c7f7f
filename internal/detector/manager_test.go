package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/pkg/geo"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeSession forwards whatever the test pushes and ends on Stop or Fail
type fakeSession struct {
	cfg    Config
	pings  chan<- Ping
	result chan error

	mu      sync.Mutex
	stopped bool
	ended   bool
}

func (f *fakeSession) Start(_ context.Context, cfg Config, _ string, pings chan<- Ping) (<-chan error, error) {
	f.cfg = cfg
	f.pings = pings
	f.result = make(chan error, 1)
	return f.result, nil
}

func (f *fakeSession) end(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.result <- err
	close(f.result)
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.end(nil)
}

func (f *fakeSession) Fail(err error) {
	f.end(err)
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	startErr error
}

func (ff *fakeFactory) New(Config) Session {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	s := &fakeSession{}
	ff.sessions = append(ff.sessions, s)
	if ff.startErr != nil {
		return &failingSession{err: ff.startErr}
	}
	return s
}

func (ff *fakeFactory) Last() *fakeSession {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.sessions[len(ff.sessions)-1]
}

func (ff *fakeFactory) Count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.sessions)
}

type failingSession struct {
	err error
}

func (f *failingSession) Start(context.Context, Config, string, chan<- Ping) (<-chan error, error) {
	return nil, f.err
}

func (f *failingSession) Stop() {}

type staticPosition struct {
	p  position.Projected
	ok bool
}

func (s staticPosition) Project(int) (position.Projected, bool) {
	return s.p, s.ok
}

func setupManager(t *testing.T, pos Positioner) (*Manager, *fakeFactory, Config, func()) {
	t.Helper()
	log.Init(true)

	ff := &fakeFactory{}
	m, err := NewManager(ManagerOptions{Factory: ff.New, Limits: usrpLimits, Position: pos})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.OutputDir = t.TempDir()

	return m, ff, cfg, func() {
		require.NoError(t, m.Close())
		// The channel has to be closed after Close
		for range m.Events() {
		}
		goleak.VerifyNone(t)
	}
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for a detector event")
	}
	return Event{}
}

func TestManagerRunsAndStampsDetections(t *testing.T) {
	pos := staticPosition{p: position.Projected{UTM: geo.UTM{Easting: 484902.6, Northing: 3620000, Zone: "11N", EPSG: 32611}, Altitude: 20}, ok: true}
	m, ff, cfg, teardown := setupManager(t, pos)
	defer teardown()

	assert.Equal(t, StateStopped, m.State())
	require.NoError(t, m.Apply(context.Background(), cfg))

	ev := nextEvent(t, m)
	require.Equal(t, EventStarted, ev.Kind)
	assert.Equal(t, RunID{Num: 1}, ev.Run)
	assert.DirExists(t, ev.Root)
	assert.Eventually(t, func() bool { return m.State() == StateRunning }, time.Second, time.Millisecond)

	now := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	ff.Last().pings <- Ping{Time: now, Frequency: 173043000, Amplitude: 1.5, SNR: 30}

	ev = nextEvent(t, m)
	require.Equal(t, EventDetection, ev.Kind)
	assert.Equal(t, RunID{Num: 1}, ev.Record.Run)
	assert.Equal(t, now, ev.Record.Time)
	assert.Equal(t, int64(173043000), ev.Record.Frequency)
	require.NotNil(t, ev.Record.Position)
	assert.Equal(t, "11N", ev.Record.Position.Zone)
}

func TestManagerDetectionWithoutFix(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, staticPosition{})
	defer teardown()

	require.NoError(t, m.Apply(context.Background(), cfg))
	require.Equal(t, EventStarted, nextEvent(t, m).Kind)

	ff.Last().pings <- Ping{Frequency: 173043000}
	ev := nextEvent(t, m)
	require.Equal(t, EventDetection, ev.Kind)
	assert.Nil(t, ev.Record.Position)
}

func TestManagerApplyIdenticalConfigIsNoop(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, nil)
	defer teardown()

	require.NoError(t, m.Apply(context.Background(), cfg))
	require.Equal(t, EventStarted, nextEvent(t, m).Kind)

	require.NoError(t, m.Apply(context.Background(), cfg.Clone()))
	assert.Equal(t, 1, ff.Count())
	assert.False(t, ff.Last().stopped)
}

func TestManagerRestartNeverMixesRuns(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, nil)
	defer teardown()

	require.NoError(t, m.Apply(context.Background(), cfg))
	require.Equal(t, EventStarted, nextEvent(t, m).Kind)
	first := ff.Last()

	// Fill the ping buffer of the first run without consuming any events
	for i := 0; i < 10; i++ {
		first.pings <- Ping{Frequency: 173043000}
	}

	next := cfg.Clone()
	next.RunNum = 2
	require.NoError(t, m.Apply(context.Background(), next))
	assert.True(t, first.stopped)

	second := ff.Last()
	second.pings <- Ping{Frequency: 173043000}

	// Everything of run 1 precedes the start of run 2, nothing of run 1 follows it
	started := false
	for !started {
		ev := nextEvent(t, m)
		if ev.Kind == EventStarted {
			assert.Equal(t, RunID{Num: 2}, ev.Run)
			started = true
			continue
		}
		assert.Equal(t, RunID{Num: 1}, ev.Run)
	}

	ev := nextEvent(t, m)
	require.Equal(t, EventDetection, ev.Kind)
	assert.Equal(t, RunID{Num: 2}, ev.Record.Run)
}

func TestManagerFaultStopsAndRestartWorks(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, nil)
	defer teardown()

	require.NoError(t, m.Apply(context.Background(), cfg))
	require.Equal(t, EventStarted, nextEvent(t, m).Kind)

	ff.Last().Fail(errors.New("usb transfer error"))
	ev := nextEvent(t, m)
	require.Equal(t, EventFault, ev.Kind)
	assert.ErrorIs(t, ev.Err, &faults.DetectorFault{})
	assert.Equal(t, StateStopped, m.State())

	// The same config restarts a faulted session, under a fresh run directory
	require.NoError(t, m.Apply(context.Background(), cfg))
	ev = nextEvent(t, m)
	require.Equal(t, EventStarted, ev.Kind)
	assert.Equal(t, RunID{Num: 1, Suffix: 1}, ev.Run)
	assert.Equal(t, 2, ff.Count())
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, nil)
	defer teardown()

	cfg.Gain = 100
	err := m.Apply(context.Background(), cfg)
	assert.ErrorIs(t, err, &faults.ConfigurationError{})
	assert.Equal(t, 0, ff.Count())
	assert.Equal(t, StateStopped, m.State())
}

func TestManagerStartFailure(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, nil)
	defer teardown()

	ff.startErr = errors.New("executable not found")
	err := m.Apply(context.Background(), cfg)
	assert.ErrorIs(t, err, &faults.DetectorFault{})
	assert.Equal(t, StateStopped, m.State())
}

func TestManagerStopDiscards(t *testing.T) {
	m, ff, cfg, teardown := setupManager(t, nil)
	defer teardown()

	require.NoError(t, m.Apply(context.Background(), cfg))
	require.Equal(t, EventStarted, nextEvent(t, m).Kind)

	require.NoError(t, m.Stop())
	assert.True(t, ff.Last().stopped)
	assert.Equal(t, StateStopped, m.State())

	// A stop on request produces neither a fault nor a stopped event
	select {
	case ev := <-m.Events():
		assert.Failf(t, "unexpected event", "%v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerApplyAfterClose(t *testing.T) {
	m, _, cfg, teardown := setupManager(t, nil)
	defer teardown()

	require.NoError(t, m.Close())
	assert.Error(t, m.Apply(context.Background(), cfg))
}
