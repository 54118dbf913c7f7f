// Package session holds the operating mode and the aggregate state the
// controller keeps for one process lifetime.
package session

import (
	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/link"
)

type Mode int

const (
	ModeAutonomous Mode = iota
	ModeConnected
)

func (m Mode) String() string {
	switch m {
	case ModeConnected:
		return "connected"
	case ModeAutonomous:
		return "autonomous"
	}
	return "unknown"
}

// Session is owned by the controller goroutine, everybody else works on a Snapshot
type Session struct {
	Mode          Mode
	Config        *detector.Config
	LinkStatus    link.Status
	DetectorState detector.State
	ActiveRun     detector.RunID
	OutputRoot    string
}

func New(mode Mode, cfg detector.Config) *Session {
	c := cfg.Clone()
	return &Session{
		Mode:       mode,
		Config:     &c,
		OutputRoot: cfg.OutputDir,
	}
}

// Snapshot returns a deep copy
func (s *Session) Snapshot() Session {
	snap := *s
	if s.Config != nil {
		c := s.Config.Clone()
		snap.Config = &c
	}
	return snap
}

// SetConfig replaces the config that is applied next
func (s *Session) SetConfig(cfg detector.Config) {
	c := cfg.Clone()
	s.Config = &c
	if cfg.OutputDir != "" {
		s.OutputRoot = cfg.OutputDir
	}
}

// HasRun reports whether records of run belong to the active run
func (s *Session) HasRun(run detector.RunID) bool {
	return !s.ActiveRun.IsZero() && s.ActiveRun == run
}
