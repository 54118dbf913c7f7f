// Package recorder persists detection records. Every run writes to its own
// directory: an append-only CSV log, an optional SQLite index, the location
// estimation log and a run manifest.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/estimator"
	"github.com/LeoCommon/rtt-drone/pkg/file"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/misc"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ManifestName describes the run stored in a run directory
const ManifestName = "run.toml"

var (
	ErrNoActiveRun = errors.New("no active run")
	ErrStaleRun    = errors.New("record belongs to an inactive run")
)

type sink interface {
	Write(rec detector.Record) error
	Flush() error
	Close() error
}

// Info is written to the run manifest
type Info struct {
	Station string
	Mode    string
	EPSG    int
	Config  *detector.Config
}

// Manifest is stored as run.toml in every run directory
type Manifest struct {
	Run     string           `toml:"run"`
	Started time.Time        `toml:"started"`
	Updated time.Time        `toml:"updated"`
	Station string           `toml:"station,omitempty"`
	Mode    string           `toml:"mode"`
	EPSG    int              `toml:"epsg_code,omitempty"`
	Records uint64           `toml:"records"`
	Config  *detector.Config `toml:"config,omitempty"`
}

type Options struct {
	// Mirror records into a SQLite index next to the CSV log
	SQLiteIndex bool
}

type Recorder struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	info    Info
	run     detector.RunID
	dir     string
	csvPath string
	started time.Time
	sinks   []sink
	est     *estimateSink
	estPath string
	written uint64
	// records of the active run
	inRun  uint64
	closed bool
}

func New(opts Options) *Recorder {
	return &Recorder{
		opts: opts,
		now:  time.Now,
	}
}

// SetInfo updates the manifest metadata, the active manifest is rewritten
func (r *Recorder) SetInfo(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Config != nil {
		c := info.Config.Clone()
		info.Config = &c
	}
	r.info = info

	if r.dir != "" {
		if err := r.writeManifest(); err != nil {
			log.Warn("failed to update run manifest", zap.String("dir", r.dir), zap.Error(err))
		}
	}
}

// Run returns the active run and its directory
func (r *Recorder) Run() (detector.RunID, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run, r.dir
}

// CSVPath returns the log of the active run
func (r *Recorder) CSVPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.csvPath
}

// EstimatePath returns the location estimation log of the active run
func (r *Recorder) EstimatePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.estPath
}

// Written counts the records accepted since New
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Rotate closes the sinks of the previous run and opens new ones in dir.
// Rotating onto another directory with the same run continues it there.
func (r *Recorder) Rotate(run detector.RunID, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return misc.NewClosedError("recorder")
	}

	closeErr := r.closeSinks()
	if closeErr != nil {
		log.Error("previous run did not close cleanly", zap.Stringer("run", r.run), zap.Error(closeErr))
	}

	if run != r.run {
		r.started = r.now()
		r.inRun = 0
	}
	r.run, r.dir, r.csvPath, r.estPath = run, "", "", ""

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	csvPath := filepath.Join(dir, CSVName(run, r.started))
	cs, err := openCSV(csvPath)
	if err != nil {
		return fmt.Errorf("opening ping log: %w", err)
	}
	sinks := []sink{cs}

	if r.opts.SQLiteIndex {
		idx, err := openIndex(filepath.Join(dir, IndexName))
		if err != nil {
			// The CSV log is authoritative, a broken index does not stop recording
			log.Error("sqlite index unavailable", zap.String("dir", dir), zap.Error(err))
		} else {
			sinks = append(sinks, idx)
		}
	}

	estPath := filepath.Join(dir, EstimateName(run, r.started))
	est, err := openEstimates(estPath)
	if err != nil {
		log.Error("location estimation log unavailable", zap.String("dir", dir), zap.Error(err))
		estPath = ""
	}

	r.sinks = sinks
	r.est = est
	r.dir = dir
	r.csvPath = csvPath
	r.estPath = estPath

	if err = r.writeManifest(); err != nil {
		log.Warn("failed to write run manifest", zap.String("dir", dir), zap.Error(err))
	}

	if err = file.SyncDir(dir); err != nil {
		log.Warn("failed to sync run directory", zap.String("dir", dir), zap.Error(err))
	}

	log.Info("recording run", zap.Stringer("run", run), zap.String("log", csvPath))
	return nil
}

// Record appends rec to the sinks of the active run
func (r *Recorder) Record(rec detector.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return misc.NewClosedError("recorder")
	}
	if len(r.sinks) == 0 {
		return ErrNoActiveRun
	}
	if rec.Run != r.run {
		return fmt.Errorf("%w: got %s, recording %s", ErrStaleRun, rec.Run, r.run)
	}

	// The CSV log is authoritative, a record counts once it reached it
	if err := r.sinks[0].Write(rec); err != nil {
		return err
	}
	r.written++
	r.inRun++

	var errs []error
	for _, s := range r.sinks[1:] {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordEstimate appends est to the location estimation log of the active run
func (r *Recorder) RecordEstimate(est estimator.Estimate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return misc.NewClosedError("recorder")
	}
	if len(r.sinks) == 0 {
		return ErrNoActiveRun
	}
	if est.Run != r.run {
		return fmt.Errorf("%w: got %s, recording %s", ErrStaleRun, est.Run, r.run)
	}
	if r.est == nil {
		return fmt.Errorf("location estimation log of run %s is unavailable", r.run)
	}

	return r.est.Write(est)
}

// Flush makes every accepted record durable
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flush()
}

func (r *Recorder) flush() error {
	if len(r.sinks) == 0 {
		return nil
	}

	var errs []error
	for _, s := range r.sinks {
		if err := s.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.est != nil {
		if err := r.est.Flush(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.writeManifest(); err != nil {
		errs = append(errs, err)
	}
	if err := file.SyncDir(r.dir); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (r *Recorder) closeSinks() error {
	if len(r.sinks) == 0 {
		return nil
	}

	errs := []error{r.writeManifest()}
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	if r.est != nil {
		errs = append(errs, r.est.Close())
	}
	errs = append(errs, file.SyncDir(r.dir))
	r.sinks, r.est = nil, nil

	return errors.Join(errs...)
}

// Close flushes and closes the active run, further records are rejected
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	return r.closeSinks()
}

func (r *Recorder) writeManifest() error {
	m := Manifest{
		Run:     r.run.String(),
		Started: r.started.UTC(),
		Updated: r.now().UTC(),
		Station: r.info.Station,
		Mode:    r.info.Mode,
		EPSG:    r.info.EPSG,
		Records: r.inRun,
		Config:  r.info.Config,
	}

	data, err := toml.Marshal(m)
	if err != nil {
		return err
	}
	return file.WriteAtomic(filepath.Join(r.dir, ManifestName), data)
}

// ReadManifest loads the manifest of a run directory
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return m, err
	}

	err = toml.Unmarshal(data, &m)
	return m, err
}
