package detector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

// Pings are spaced this many ping widths apart
const generatorPingSpacing = 40

// GeneratorSession produces synthetic detections on the configured targets.
// It backs the generator SDR type and runs with enable_test_data.
type GeneratorSession struct {
	interval time.Duration
	now      func() time.Time
	rng      *rand.Rand

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	ended   chan struct{}
}

func NewGeneratorSession() *GeneratorSession {
	return &GeneratorSession{
		now:   time.Now,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		ended: make(chan struct{}),
	}
}

// WithInterval fixes the time between two pings instead of deriving it from ping_width_ms
func (g *GeneratorSession) WithInterval(d time.Duration) *GeneratorSession {
	g.interval = d
	return g
}

func (g *GeneratorSession) Start(ctx context.Context, cfg Config, _ string, pings chan<- Ping) (<-chan error, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return nil, ErrAlreadyStarted
	}
	g.started = true

	interval := g.interval
	if interval <= 0 {
		interval = time.Duration(cfg.PingWidthMs*generatorPingSpacing) * time.Millisecond
	}
	if interval <= 0 {
		interval = time.Second
	}

	ctx, g.cancel = context.WithCancel(ctx)
	targets := cfg.Clone().TargetFrequencies
	result := make(chan error, 1)

	log.Info("generating test detections", zap.Int64s("targets", targets), zap.Duration("interval", interval))

	go func() {
		defer close(g.ended)
		defer close(result)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				result <- nil
				return
			case <-ticker.C:
			}

			ping := Ping{
				Time:      g.now().UTC(),
				Frequency: targets[i%len(targets)],
				Amplitude: 0.5 + g.rng.Float64()*2,
				SNR:       cfg.PingMinSNR + g.rng.Float64()*10,
			}

			select {
			case pings <- ping:
			case <-ctx.Done():
				result <- nil
				return
			}
		}
	}()

	return result, nil
}

func (g *GeneratorSession) Stop() {
	g.mu.Lock()
	started, cancel := g.started, g.cancel
	g.mu.Unlock()

	if !started {
		return
	}

	cancel()
	<-g.ended
}
