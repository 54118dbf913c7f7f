package position

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	SimulatedStartLatitude  = 32.7157
	SimulatedStartLongitude = -117.1611
	SimulatedStartAltitude  = 20.0

	// Degrees added to latitude and longitude per second at speed 1
	simulatedDrift = 0.0001
	simulatedRate  = time.Second
)

// SimulatedSource walks north-east from a fixed start point
type SimulatedSource struct {
	speed    float64
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	started bool
	closed  chan struct{}
	once    sync.Once
}

func NewSimulatedSource(speed float64) *SimulatedSource {
	if speed <= 0 {
		speed = 1
	}

	return &SimulatedSource{
		speed:    speed,
		interval: simulatedRate,
		now:      time.Now,
		closed:   make(chan struct{}),
	}
}

// WithInterval changes the emit period, the drift stays per simulated second
func (s *SimulatedSource) WithInterval(d time.Duration) *SimulatedSource {
	s.interval = d
	return s
}

func (s *SimulatedSource) String() string {
	return fmt.Sprintf("simulated(x%.1f)", s.speed)
}

func (s *SimulatedSource) Samples(ctx context.Context) (<-chan Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("%s: samples already requested", s)
	}
	s.started = true

	out := make(chan Sample, 1)
	go func() {
		defer close(out)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for step := 0; ; step++ {
			offset := float64(step) * simulatedDrift * s.speed
			fix := &Fix{
				Time:      s.now().UTC(),
				Latitude:  SimulatedStartLatitude + offset,
				Longitude: SimulatedStartLongitude + offset,
				Altitude:  SimulatedStartAltitude,
				Heading:   45,
				Quality:   1,
				Valid:     true,
			}

			select {
			case out <- Sample{Fix: fix}:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

func (s *SimulatedSource) Close() error {
	s.once.Do(func() {
		close(s.closed)
	})
	return nil
}
