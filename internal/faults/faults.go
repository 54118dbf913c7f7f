// Package faults holds the error taxonomy shared by the controller and its
// subsystems. Hardware init failures are fatal, configuration errors are
// retried a bounded number of times and detector faults are recoverable.
package faults

import (
	"errors"
	"fmt"
)

// HardwareInitError is returned when a physical device could not be acquired
type HardwareInitError struct {
	Device string
	Err    error
}

func (h *HardwareInitError) Error() string {
	return fmt.Sprintf("hardware init failed for %s: %v", h.Device, h.Err)
}

func (h *HardwareInitError) Unwrap() error {
	return h.Err
}

func (h *HardwareInitError) Is(e error) bool {
	_, ok := e.(*HardwareInitError)
	return ok
}

func NewHardwareInitError(device string, err error) error {
	return &HardwareInitError{Device: device, Err: err}
}

// ConfigurationError is returned when no valid detector configuration could be produced
type ConfigurationError struct {
	Source string
	Reason string
	Err    error
}

func (c *ConfigurationError) Error() string {
	msg := "invalid configuration"
	if c.Source != "" {
		msg += " from " + c.Source
	}
	if c.Reason != "" {
		msg += ": " + c.Reason
	}
	if c.Err != nil {
		msg += ": " + c.Err.Error()
	}
	return msg
}

func (c *ConfigurationError) Unwrap() error {
	return c.Err
}

func (c *ConfigurationError) Is(e error) bool {
	_, ok := e.(*ConfigurationError)
	return ok
}

func NewConfigurationError(source string, reason string, err error) error {
	return &ConfigurationError{Source: source, Reason: reason, Err: err}
}

// DetectorFault is reported when a detector session terminates abnormally
type DetectorFault struct {
	Run string
	Err error
}

func (d *DetectorFault) Error() string {
	return fmt.Sprintf("detector fault in run %s: %v", d.Run, d.Err)
}

func (d *DetectorFault) Unwrap() error {
	return d.Err
}

func (d *DetectorFault) Is(e error) bool {
	_, ok := e.(*DetectorFault)
	return ok
}

func NewDetectorFault(run string, err error) error {
	return &DetectorFault{Run: run, Err: err}
}

// IsFatal reports whether err must terminate the process without retries
func IsFatal(err error) bool {
	return errors.Is(err, &HardwareInitError{})
}
