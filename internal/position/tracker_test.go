package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// chanSource is a Source backed by a channel the test writes to
type chanSource struct {
	ch chan Sample
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan Sample)}
}

func (c *chanSource) Samples(context.Context) (<-chan Sample, error) { return c.ch, nil }
func (c *chanSource) Close() error                                 { return nil }
func (c *chanSource) String() string                               { return "chan" }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func setupTracker(t *testing.T, opts TrackerOptions) (*Tracker, *chanSource, *fakeClock, func()) {
	log.Init(true)

	src := newChanSource()
	clock := &fakeClock{now: time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(src, opts)
	tracker.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tracker.Run(ctx)
	}()

	return tracker, src, clock, func() {
		close(src.ch)
		require.NoError(t, <-done)
		cancel()
	}
}

func validFix(lat, lon float64) *Fix {
	return &Fix{Latitude: lat, Longitude: lon, Altitude: 20, Heading: 90, Quality: 1, Valid: true}
}

func TestTrackerHoldsLatestFix(t *testing.T) {
	defer goleak.VerifyNone(t)
	tracker, src, _, teardown := setupTracker(t, TrackerOptions{})
	defer teardown()

	assert.Equal(t, StateInitializing, tracker.State())
	_, ok := tracker.Current()
	assert.False(t, ok)

	src.ch <- Sample{Fix: validFix(32.7157, -117.1611)}
	src.ch <- Sample{Fix: validFix(32.7158, -117.1610)}
	// The unbuffered channel guarantees the first update finished, wait for the second
	require.Eventually(t, func() bool {
		f, ok := tracker.Current()
		return ok && f.Latitude == 32.7158
	}, time.Second, time.Millisecond)

	assert.Equal(t, StateRunning, tracker.State())

	p, ok := tracker.Project(32611)
	require.True(t, ok)
	assert.Equal(t, "11N", p.Zone)
	assert.Equal(t, 32611, p.EPSG)
	assert.InDelta(t, 20, p.Altitude, 1e-9)
	assert.InDelta(t, 90, p.Heading, 1e-9)

	// Automatic zone selection
	p, ok = tracker.Project(0)
	require.True(t, ok)
	assert.Equal(t, 32611, p.EPSG)

	// Unsupported projection codes do not produce a position
	_, ok = tracker.Project(4326)
	assert.False(t, ok)
}

func TestTrackerNoFixDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	tracker, src, _, teardown := setupTracker(t, TrackerOptions{})
	defer teardown()

	src.ch <- Sample{Fix: validFix(1, 1)}
	src.ch <- Sample{Fix: &Fix{Valid: false}}
	src.ch <- Sample{Fix: &Fix{Valid: false}}

	_, ok := tracker.Current()
	assert.False(t, ok)
	_, ok = tracker.Project(32631)
	assert.False(t, ok)
	assert.Equal(t, StateWaiting, tracker.State())
}

func TestTrackerStaleFix(t *testing.T) {
	defer goleak.VerifyNone(t)
	tracker, src, clock, teardown := setupTracker(t, TrackerOptions{DataTimeout: 5 * time.Second})
	defer teardown()

	src.ch <- Sample{Fix: validFix(1, 1)}
	// A single read error does not affect the fix, it only flushes the previous sample
	src.ch <- Sample{Err: errors.New("short read")}
	_, ok := tracker.Current()
	assert.True(t, ok)

	clock.Advance(6 * time.Second)
	_, ok = tracker.Current()
	assert.False(t, ok)
	assert.Equal(t, StateWaiting, tracker.State())
}

func TestTrackerErrorThreshold(t *testing.T) {
	defer goleak.VerifyNone(t)
	tracker, src, _, teardown := setupTracker(t, TrackerOptions{ErrorThreshold: 3})
	defer teardown()

	var mu sync.Mutex
	var states []State
	tracker.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	readErr := errors.New("checksum mismatch")
	for i := 0; i < 3; i++ {
		src.ch <- Sample{Err: readErr}
	}
	// One more round trip so the third error was processed
	src.ch <- Sample{Err: readErr}
	assert.Equal(t, StateError, tracker.State())

	// A good sample clears the error streak
	src.ch <- Sample{Fix: validFix(1, 1)}
	src.ch <- Sample{Fix: validFix(1, 1)}
	assert.Equal(t, StateRunning, tracker.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateError)
}

func TestSimulatedSourceWalks(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := NewSimulatedSource(2).WithInterval(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples, err := src.Samples(ctx)
	require.NoError(t, err)

	first := <-samples
	second := <-samples
	require.NotNil(t, first.Fix)
	require.NotNil(t, second.Fix)
	assert.Equal(t, SimulatedStartLatitude, first.Fix.Latitude)
	assert.InDelta(t, SimulatedStartLatitude+2*simulatedDrift, second.Fix.Latitude, 1e-12)
	assert.InDelta(t, SimulatedStartLongitude+2*simulatedDrift, second.Fix.Longitude, 1e-12)

	_, err = src.Samples(ctx)
	assert.Error(t, err)

	require.NoError(t, src.Close())
	for range samples {
	}
}

func TestParseGPSDFix(t *testing.T) {
	body := []interface{}{
		float64(1773748519.5), int32(3), 0.1, 32.7157, -117.1611, 2.0, 20.0, 3.0, 45.0, 1.0, 5.0, 0.5, 0.0, 0.1, "/dev/ttyACM0",
	}

	fix, err := parseGPSDFix(body)
	require.NoError(t, err)
	assert.True(t, fix.Valid)
	assert.Equal(t, 3, fix.Quality)
	assert.Equal(t, int64(1773748519), fix.Time.Unix())
	assert.InDelta(t, 45.0, fix.Heading, 1e-9)

	body[1] = int32(1)
	fix, err = parseGPSDFix(body)
	require.NoError(t, err)
	assert.False(t, fix.Valid)

	_, err = parseGPSDFix(body[:3])
	assert.Error(t, err)

	body[1] = "nope"
	_, err = parseGPSDFix(body)
	assert.Error(t, err)
}
