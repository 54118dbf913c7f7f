package detector

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/file"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

const (
	// ParseErrorsThreshold is the number of consecutive unparsable stdout lines tolerated
	ParseErrorsThreshold = 5

	DefaultGracePeriod = 5 * time.Second

	// Config handed to the ping finder inside the run directory
	ProcessConfigFile = ConfigFileBase + ".json"
)

type startupCheck struct {
	str string
	err func(line string) error
}

// Known fatal messages of the ping finder, matched against lowercased stderr
var startupChecks = []startupCheck{
	{"no devices found", NewNotFoundError},
	{"no supported devices found", NewNotFoundError},
	{"resource busy", NewStuckError},
	{"device or resource busy", NewStuckError},
}

type ProcessOptions struct {
	Command     string
	Args        []string
	GracePeriod time.Duration
	// Consecutive parse errors before the session faults, ParseErrorsThreshold if 0
	ParseErrorsThreshold int
}

// ProcessSession runs the ping finder executable and reads JSON detections from its stdout
type ProcessSession struct {
	opts ProcessOptions

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	ended   chan struct{}
}

func NewProcessSession(opts ProcessOptions) *ProcessSession {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ParseErrorsThreshold <= 0 {
		opts.ParseErrorsThreshold = ParseErrorsThreshold
	}

	return &ProcessSession{opts: opts, ended: make(chan struct{})}
}

// pingLine is one detection as printed by the ping finder
type pingLine struct {
	// Unix time in seconds
	Time      *float64 `json:"time"`
	Frequency *int64   `json:"frequency"`
	Amplitude float64  `json:"amplitude"`
	SNR       float64  `json:"snr"`
}

func parsePingLine(line string) (Ping, error) {
	var pl pingLine
	if err := json.Unmarshal([]byte(line), &pl); err != nil {
		return Ping{}, err
	}

	if pl.Time == nil || pl.Frequency == nil {
		return Ping{}, fmt.Errorf("detection without time or frequency")
	}

	sec, frac := math.Modf(*pl.Time)
	return Ping{
		Time:      time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Frequency: *pl.Frequency,
		Amplitude: pl.Amplitude,
		SNR:       pl.SNR,
	}, nil
}

func (p *ProcessSession) Start(ctx context.Context, cfg Config, runDir string, pings chan<- Ping) (<-chan error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil, ErrAlreadyStarted
	}

	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}

	cfgPath := filepath.Join(runDir, ProcessConfigFile)
	if err = file.WriteAtomic(cfgPath, cfgData); err != nil {
		return nil, fmt.Errorf("could not write ping finder config: %w", err)
	}

	args := append(append([]string{}, p.opts.Args...), "--config", cfgPath)
	cmd := exec.Command(p.opts.Command, args...)
	cmd.Dir = runDir
	// All children of the ping finder end up in its process group
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start ping finder: %w", err)
	}

	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)

	log.Info("ping finder started", zap.String("cmd", cmd.String()), zap.Int("pid", cmd.Process.Pid))

	result := make(chan error, 1)
	go p.supervise(ctx, cmd, stdout, stderr, pings, result)

	return result, nil
}

func (p *ProcessSession) supervise(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader, pings chan<- Ping, result chan<- error) {
	defer close(p.ended)
	defer close(result)

	// stdout and stderr report here, the pipes have to be drained before Wait
	done := make(chan error, 2)
	exited := make(chan struct{})

	go p.handleStdout(ctx, stdout, pings, done)
	go p.handleStderr(stderr, done)

	terminated := make(chan error, 1)
	go func() {
		terminated <- p.terminate(ctx, cmd.Process.Pid, exited)
	}()

	var errs []error
	for i := 0; i < cap(done); i++ {
		if err := <-done; err != nil {
			log.Warn("ping finder stream failed", zap.Error(err))
			errs = append(errs, err)
			// Take the process down, it will not recover from this
			p.cancel()
		}
	}

	waitErr := cmd.Wait()
	close(exited)
	termErr := <-terminated

	requested := ctx.Err() != nil && len(errs) == 0
	switch {
	case termErr != nil:
		errs = append(errs, termErr)
	case requested:
		// Exit codes caused by our own signals are expected
	case waitErr != nil:
		errs = append(errs, fmt.Errorf("ping finder exited: %w", waitErr))
	default:
		errs = append(errs, ErrEndedUnexpectedly)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		log.Error("ping finder terminated abnormally", zap.Error(err))
		result <- err
		return
	}

	log.Info("ping finder stopped")
	result <- nil
}

// terminate sends SIGTERM to the process group once ctx is done and SIGKILL after the grace period
func (p *ProcessSession) terminate(ctx context.Context, pid int, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	}

	// Negative pid addresses the whole process group
	target := -pid
	log.Info("terminating ping finder", zap.Int("pid", pid))
	if err := syscall.Kill(target, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn("could not send SIGTERM", zap.Int("pid", pid), zap.Error(err))
	}

	select {
	case <-exited:
		return nil
	case <-time.After(p.opts.GracePeriod):
	}

	log.Warn("grace period exceeded, killing ping finder", zap.Int("pid", pid))
	if err := syscall.Kill(target, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Error("could not send SIGKILL", zap.Int("pid", pid), zap.Error(err))
	}

	<-exited
	return &ProcessStuckError{PID: pid}
}

func (p *ProcessSession) handleStdout(ctx context.Context, stdout io.Reader, pings chan<- Ping, done chan<- error) {
	parseErrors := 0
	discarding := false
	var fault error

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		// Keep reading after a failure so the process never blocks on a full pipe
		if discarding {
			continue
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ping, err := parsePingLine(line)
		if err != nil {
			parseErrors++
			log.Warn("could not parse ping finder output", zap.String("line", line), zap.Error(err))

			if parseErrors >= p.opts.ParseErrorsThreshold {
				fault = ErrTooManyParseErrors
				discarding = true
				p.cancel()
			}
			continue
		}
		parseErrors = 0

		select {
		case pings <- ping:
		case <-ctx.Done():
			discarding = true
		}
	}

	if fault != nil {
		done <- fault
		return
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("error reading stdout: %w", err)
		return
	}

	done <- nil
}

func (p *ProcessSession) handleStderr(stderr io.Reader, done chan<- error) {
	var fault error

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		log.Debug("ping finder", zap.String("stderr", line))

		if fault != nil {
			continue
		}

		lower := strings.ToLower(line)
		for _, check := range startupChecks {
			if strings.Contains(lower, check.str) {
				fault = check.err(line)
				log.Error("ping finder reported a hardware problem", zap.String("line", line))
				p.cancel()
				break
			}
		}
	}

	if fault != nil {
		done <- fault
		return
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("error reading stderr: %w", err)
		return
	}

	done <- nil
}

func (p *ProcessSession) Stop() {
	p.mu.Lock()
	started, cancel := p.started, p.cancel
	p.mu.Unlock()

	if !started {
		return
	}

	cancel()
	<-p.ended
}
