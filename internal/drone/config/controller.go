package config

import (
	"errors"
	"time"
)

type ControllerConfig struct {
	ResolveAttempts  int          `toml:"resolve_attempts" comment:"configuration resolution attempts before giving up"`
	ResolveBackoff   TOMLDuration `toml:"resolve_backoff"`
	DetectorRestarts int          `toml:"detector_restarts" comment:"consecutive detector faults tolerated before shutting down"`
	RestartBackoff   TOMLDuration `toml:"restart_backoff"`
	GPSPushInterval  TOMLDuration `toml:"gps_push_interval" comment:"position telemetry period while connected"`

	// StatusLogInterval period of the status line in the log
	StatusLogInterval TOMLDuration `toml:"status_log_interval"`
	EstimateMinPings  int          `toml:"estimate_min_pings" comment:"pings of a frequency before its location is estimated, 0 disables estimation"`
}

func defaultController() ControllerConfig {
	return ControllerConfig{
		ResolveAttempts:  3,
		ResolveBackoff:   TOMLDuration(2 * time.Second),
		DetectorRestarts: 3,
		RestartBackoff:   TOMLDuration(2 * time.Second),
		GPSPushInterval:  TOMLDuration(2 * time.Second),

		StatusLogInterval: TOMLDuration(5 * time.Second),
		EstimateMinPings:  3,
	}
}

type ControllerConfigManager struct {
	BaseConfigManager[ControllerConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (c *ControllerConfigManager) Verify() error {
	if c.conf.ResolveAttempts <= 0 {
		return errors.New("resolve_attempts must be positive")
	}
	if c.conf.DetectorRestarts < 0 {
		return errors.New("detector_restarts must not be negative")
	}
	if c.conf.ResolveBackoff.Value() <= 0 || c.conf.RestartBackoff.Value() <= 0 || c.conf.GPSPushInterval.Value() <= 0 {
		return errors.New("backoffs and gps_push_interval must be positive")
	}
	if c.conf.EstimateMinPings < 0 {
		return errors.New("estimate_min_pings must not be negative")
	}
	if c.conf.StatusLogInterval.Value() <= 0 {
		return errors.New("status_log_interval must be positive")
	}
	return nil
}

func NewControllerConfigManager(config *ControllerConfig, mgr *Manager) *ControllerConfigManager {
	j := ControllerConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
