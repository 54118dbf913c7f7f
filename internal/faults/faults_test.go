package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyMatching(t *testing.T) {
	root := errors.New("no such device")

	hw := NewHardwareInitError("gps", root)
	wrapped := fmt.Errorf("acquire: %w", hw)
	assert.ErrorIs(t, wrapped, &HardwareInitError{})
	assert.ErrorIs(t, wrapped, root)
	assert.True(t, IsFatal(wrapped))
	assert.NotErrorIs(t, wrapped, &ConfigurationError{})

	cfg := NewConfigurationError("/media/x/ping_finder_config.json", "target_frequencies is empty", nil)
	assert.ErrorIs(t, cfg, &ConfigurationError{})
	assert.False(t, IsFatal(cfg))
	assert.Contains(t, cfg.Error(), "target_frequencies is empty")

	fault := NewDetectorFault("1-2", root)
	assert.ErrorIs(t, fault, &DetectorFault{})
	assert.Contains(t, fault.Error(), "run 1-2")

	var df *DetectorFault
	assert.True(t, errors.As(fault, &df))
	assert.Equal(t, "1-2", df.Run)
}
