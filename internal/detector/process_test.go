package detector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	pingJSON = `{"time":1773748519.5,"frequency":173043000,"amplitude":1.25,"snr":31.5}`

	scriptPingThenWait = `echo '` + pingJSON + `'
exec sleep 30`

	scriptGarbage = `for i in 1 2 3 4 5 6; do echo "spectrum $i"; done
exec sleep 30`

	scriptNoDevice = `echo "[ERROR] No supported devices found" >&2
exit 1`

	scriptExitsEarly = `exit 0`

	scriptIgnoresTerm = `trap '' TERM
while true; do sleep 1; done`
)

func setupProcessTest(t *testing.T, body string, opts ProcessOptions) (*ProcessSession, string, func()) {
	t.Helper()
	log.Init(true)

	dir := t.TempDir()
	opts.Command = test.WriteScript(t, dir, "ping_finder.sh", body)

	runDir := filepath.Join(dir, "run_1")
	return NewProcessSession(opts), runDir, func() {
		goleak.VerifyNone(t)
	}
}

func awaitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(10 * time.Second):
		require.FailNow(t, "ping finder did not terminate")
	}
	return nil
}

func TestParsePingLine(t *testing.T) {
	p, err := parsePingLine(pingJSON)
	require.NoError(t, err)
	assert.Equal(t, int64(173043000), p.Frequency)
	assert.Equal(t, time.Unix(1773748519, 5e8).UTC(), p.Time)
	assert.Equal(t, 31.5, p.SNR)

	_, err = parsePingLine(`{"amplitude": 1}`)
	assert.Error(t, err)
	_, err = parsePingLine(`spectrum`)
	assert.Error(t, err)
}

func TestProcessSessionDeliversPingsAndStops(t *testing.T) {
	s, runDir, teardown := setupProcessTest(t, scriptPingThenWait, ProcessOptions{})
	defer teardown()

	pings := make(chan Ping, 8)
	result, err := s.Start(context.Background(), testConfig(), runDir, pings)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(runDir, ProcessConfigFile))

	select {
	case p := <-pings:
		assert.Equal(t, int64(173043000), p.Frequency)
		assert.Equal(t, 1.25, p.Amplitude)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "no ping received")
	}

	s.Stop()
	assert.NoError(t, awaitResult(t, result))

	// Stop twice is fine
	s.Stop()

	_, err = s.Start(context.Background(), testConfig(), runDir, pings)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestProcessSessionParseErrors(t *testing.T) {
	s, runDir, teardown := setupProcessTest(t, scriptGarbage, ProcessOptions{})
	defer teardown()

	result, err := s.Start(context.Background(), testConfig(), runDir, make(chan Ping, 8))
	require.NoError(t, err)

	assert.ErrorIs(t, awaitResult(t, result), ErrTooManyParseErrors)
	s.Stop()
}

func TestProcessSessionNoDevice(t *testing.T) {
	s, runDir, teardown := setupProcessTest(t, scriptNoDevice, ProcessOptions{})
	defer teardown()

	result, err := s.Start(context.Background(), testConfig(), runDir, make(chan Ping, 8))
	require.NoError(t, err)

	assert.ErrorIs(t, awaitResult(t, result), &NotFoundError{})
	s.Stop()
}

func TestProcessSessionUnexpectedExit(t *testing.T) {
	s, runDir, teardown := setupProcessTest(t, scriptExitsEarly, ProcessOptions{})
	defer teardown()

	result, err := s.Start(context.Background(), testConfig(), runDir, make(chan Ping, 8))
	require.NoError(t, err)

	assert.ErrorIs(t, awaitResult(t, result), ErrEndedUnexpectedly)
}

func TestProcessSessionKillsStuckProcess(t *testing.T) {
	s, runDir, teardown := setupProcessTest(t, scriptIgnoresTerm, ProcessOptions{GracePeriod: 200 * time.Millisecond})
	defer teardown()

	result, err := s.Start(context.Background(), testConfig(), runDir, make(chan Ping, 8))
	require.NoError(t, err)

	// Give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	s.Stop()
	assert.ErrorIs(t, awaitResult(t, result), &ProcessStuckError{})
}

func TestProcessSessionMissingExecutable(t *testing.T) {
	log.Init(true)
	s := NewProcessSession(ProcessOptions{Command: filepath.Join(t.TempDir(), "does-not-exist")})

	_, err := s.Start(context.Background(), testConfig(), t.TempDir(), make(chan Ping, 1))
	assert.Error(t, err)
	// Nothing to stop
	s.Stop()
}

func TestGeneratorSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	log.Init(true)

	cfg := testConfig()
	cfg.TargetFrequencies = []int64{173043000, 173100000}

	g := NewGeneratorSession().WithInterval(time.Millisecond)
	pings := make(chan Ping)
	result, err := g.Start(context.Background(), cfg, "", pings)
	require.NoError(t, err)

	first, second := <-pings, <-pings
	assert.Equal(t, int64(173043000), first.Frequency)
	assert.Equal(t, int64(173100000), second.Frequency)
	assert.GreaterOrEqual(t, first.SNR, cfg.PingMinSNR)

	g.Stop()
	assert.NoError(t, <-result)
}
