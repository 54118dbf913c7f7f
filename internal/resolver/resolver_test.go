package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/link"
	"github.com/LeoCommon/rtt-drone/internal/session"
	"github.com/LeoCommon/rtt-drone/internal/storage"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const localConfig = `{
	"gain": 56.0,
	"sampling_rate": 2500000,
	"center_frequency": 173500000,
	"run_num": 1,
	"ping_width_ms": 25,
	"ping_min_snr": 25,
	"ping_max_len_mult": 1.5,
	"ping_min_len_mult": 0.5,
	"target_frequencies": [173043000]
}`

const removableConfig = `gain: 20
sampling_rate: 2500000
center_frequency: 173500000
run_num: 7
ping_width_ms: 25
ping_min_snr: 25
ping_max_len_mult: 1.5
ping_min_len_mult: 0.5
target_frequencies: [173043000, 173900000]
`

type fakeLink struct {
	connected chan struct{}
	inbound   chan link.Message

	mu        sync.Mutex
	responses []link.Message
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		connected: make(chan struct{}),
		inbound:   make(chan link.Message, 8),
	}
}

func (f *fakeLink) WaitConnected(ctx context.Context) error {
	select {
	case <-f.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeLink) Inbound() <-chan link.Message { return f.inbound }

func (f *fakeLink) Respond(_ context.Context, req link.Message, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, link.NewResponse(req, err))
	return nil
}

func (f *fakeLink) Responses() []link.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]link.Message(nil), f.responses...)
}

type dirs struct {
	media  string
	usb    string
	local  string
	output string
}

func setupDirs(t *testing.T) dirs {
	log.Init(true)
	base := t.TempDir()
	d := dirs{
		media:  filepath.Join(base, "media"),
		local:  filepath.Join(base, "config"),
		output: filepath.Join(base, "output"),
	}
	d.usb = filepath.Join(d.media, "usb0")
	require.NoError(t, os.MkdirAll(d.media, 0o755))
	require.NoError(t, os.MkdirAll(d.local, 0o755))
	return d
}

func (d dirs) locator(useRemovable bool) *storage.Locator {
	return storage.NewLocator(storage.Options{
		MediaRoots:              []string{d.media},
		UseRemovable:            useRemovable,
		CheckRemovableForConfig: useRemovable,
		LocalConfigDir:          d.local,
		LocalOutputDir:          d.output,
	})
}

func usrp(t *testing.T) detector.Limits {
	l, ok := detector.LimitsFor("usrp")
	require.True(t, ok)
	return l
}

func TestResolveLocalWithoutLink(t *testing.T) {
	d := setupDirs(t)
	test.WriteFile(t, filepath.Join(d.local, "ping_finder_config.json"), localConfig)

	r := New(Options{Locator: d.locator(true), Limits: usrp(t)})
	mode, cfg, err := r.Resolve(context.Background(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, session.ModeAutonomous, mode)
	assert.Equal(t, 1, cfg.RunNum)
	assert.Equal(t, []int64{173043000}, cfg.TargetFrequencies)
	assert.Equal(t, d.output, cfg.OutputDir)
}

func TestResolveRemovableFirst(t *testing.T) {
	d := setupDirs(t)
	require.NoError(t, os.Mkdir(d.usb, 0o755))
	test.WriteFile(t, filepath.Join(d.usb, "ping_finder_config.yaml"), removableConfig)
	test.WriteFile(t, filepath.Join(d.local, "ping_finder_config.json"), localConfig)

	r := New(Options{Locator: d.locator(true), Limits: usrp(t)})
	mode, cfg, err := r.Resolve(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, session.ModeAutonomous, mode)
	assert.Equal(t, 7, cfg.RunNum)
	assert.Equal(t, filepath.Join(d.usb, storage.OutputDirName), cfg.OutputDir)
}

func TestResolveFallsBackPastInvalidRemovable(t *testing.T) {
	d := setupDirs(t)
	require.NoError(t, os.Mkdir(d.usb, 0o755))
	test.WriteFile(t, filepath.Join(d.usb, "ping_finder_config.json"), `{"gain": 1}`)
	test.WriteFile(t, filepath.Join(d.local, "ping_finder_config.json"), localConfig)

	r := New(Options{Locator: d.locator(true), Limits: usrp(t)})
	_, cfg, err := r.Resolve(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RunNum)
}

func TestResolveNoValidSource(t *testing.T) {
	d := setupDirs(t)
	require.NoError(t, os.Mkdir(d.usb, 0o755))
	test.WriteFile(t, filepath.Join(d.usb, "ping_finder_config.json"), `not json`)
	// Gain 56 is beyond what an airspy supports
	test.WriteFile(t, filepath.Join(d.local, "ping_finder_config.json"), localConfig)

	limits, _ := detector.LimitsFor("airspy")
	r := New(Options{Locator: d.locator(true), Limits: limits})
	_, _, err := r.Resolve(context.Background(), 0)

	require.ErrorIs(t, err, &faults.ConfigurationError{})
	assert.ErrorContains(t, err, "gain")
	assert.ErrorContains(t, err, filepath.Join(d.usb, "ping_finder_config.json"))
}

func TestResolveNothingFound(t *testing.T) {
	d := setupDirs(t)

	r := New(Options{Locator: d.locator(false), Limits: usrp(t)})
	_, _, err := r.Resolve(context.Background(), 0)
	assert.ErrorIs(t, err, &faults.ConfigurationError{})
}

func TestResolveLinkTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := setupDirs(t)
	test.WriteFile(t, filepath.Join(d.local, "ping_finder_config.json"), localConfig)

	r := New(Options{Link: newFakeLink(), Locator: d.locator(false), Limits: usrp(t)})

	start := time.Now()
	mode, _, err := r.Resolve(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, session.ModeAutonomous, mode)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestResolveConnected(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := setupDirs(t)
	// Never consulted once the link is up
	test.WriteFile(t, filepath.Join(d.local, "ping_finder_config.json"), localConfig)

	fl := newFakeLink()
	close(fl.connected)

	invalid := link.NewMessage(link.TypeConfig)
	invalid.Config = &detector.Config{SamplingRate: 0, CenterFrequency: 173500000}
	fl.inbound <- invalid

	start := link.NewMessage(link.TypeStart)
	fl.inbound <- start

	syncReq := link.NewMessage(link.TypeSync)
	fl.inbound <- syncReq

	cfg := detector.Config{
		Gain:              56,
		SamplingRate:      2500000,
		CenterFrequency:   173500000,
		RunNum:            4,
		PingWidthMs:       25,
		PingMinSNR:        25,
		PingMaxLenMult:    1.5,
		PingMinLenMult:    0.5,
		TargetFrequencies: []int64{173043000},
	}
	valid := link.NewMessage(link.TypeConfig)
	valid.Config = &cfg
	fl.inbound <- valid

	r := New(Options{Link: fl, Locator: d.locator(false), Limits: usrp(t)})
	mode, got, err := r.Resolve(context.Background(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, session.ModeConnected, mode)
	assert.Equal(t, 4, got.RunNum)
	assert.Equal(t, d.output, got.OutputDir)

	responses := fl.Responses()
	require.Len(t, responses, 4)
	assert.Equal(t, invalid.ID, responses[0].AckID)
	assert.False(t, responses[0].Succeeded())
	assert.Equal(t, start.ID, responses[1].AckID)
	assert.False(t, responses[1].Succeeded())
	assert.Equal(t, syncReq.ID, responses[2].AckID)
	assert.True(t, responses[2].Succeeded())
	assert.Equal(t, valid.ID, responses[3].AckID)
	assert.True(t, responses[3].Succeeded())
}

func TestResolveConnectedBlocksUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	d := setupDirs(t)

	fl := newFakeLink()
	close(fl.connected)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := New(Options{Link: fl, Locator: d.locator(false), Limits: usrp(t)})
	mode, _, err := r.Resolve(ctx, time.Second)
	assert.Equal(t, session.ModeConnected, mode)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestAcceptBoundaries(t *testing.T) {
	d := setupDirs(t)
	r := New(Options{Locator: d.locator(false), Limits: usrp(t)})

	base := detector.Config{
		Gain:              56,
		SamplingRate:      2500000,
		CenterFrequency:   173500000,
		RunNum:            1,
		PingWidthMs:       25,
		PingMinSNR:        25,
		PingMaxLenMult:    1.5,
		PingMinLenMult:    0.5,
		TargetFrequencies: []int64{173043000},
	}

	_, err := r.Accept(base, "test")
	require.NoError(t, err)

	for name, mutate := range map[string]func(*detector.Config){
		"empty targets":    func(c *detector.Config) { c.TargetFrequencies = nil },
		"zero rate":        func(c *detector.Config) { c.SamplingRate = 0 },
		"negative rate":    func(c *detector.Config) { c.SamplingRate = -1 },
		"gain above range": func(c *detector.Config) { c.Gain = 77 },
		"gain below range": func(c *detector.Config) { c.Gain = -1 },
		"target off band":  func(c *detector.Config) { c.TargetFrequencies = []int64{175000000} },
		"run not positive": func(c *detector.Config) { c.RunNum = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := base.Clone()
			mutate(&cfg)

			_, err := r.Accept(cfg, "test")
			var ce *faults.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, "test", ce.Source)
		})
	}
}
