package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
)

const SDRTypeGenerator = "generator"

type SDRConfig struct {
	Type    string   `toml:"type" comment:"usrp, airspy, hackrf or generator"`
	Command string   `toml:"command,omitempty" comment:"ping finder executable, not used by the generator"`
	Args    []string `toml:"args,omitempty"`

	GracePeriod  TOMLDuration `toml:"grace_period" comment:"time the ping finder gets to exit before it is killed"`
	SkipUSBProbe bool         `toml:"skip_usb_probe" comment:"do not require the SDR on the USB bus at startup"`
}

func defaultSDR() SDRConfig {
	return SDRConfig{
		Type:        "usrp",
		Command:     "/usr/local/bin/ping_finder",
		GracePeriod: TOMLDuration(detector.DefaultGracePeriod),
	}
}

// Limits returns the gain range of the configured SDR
func (s SDRConfig) Limits() detector.Limits {
	l, _ := detector.LimitsFor(s.Type)
	return l
}

func (s SDRConfig) IsGenerator() bool {
	return strings.EqualFold(s.Type, SDRTypeGenerator)
}

type SDRConfigManager struct {
	BaseConfigManager[SDRConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (s *SDRConfigManager) Verify() error {
	if _, ok := detector.LimitsFor(s.conf.Type); !ok {
		return fmt.Errorf("unsupported type %q, valid options: usrp, airspy, hackrf, generator", s.conf.Type)
	}

	if !s.conf.IsGenerator() && s.conf.Command == "" {
		return fmt.Errorf("sdr type %s requires a ping finder command", s.conf.Type)
	}

	if s.conf.GracePeriod.Value() < 0 || s.conf.GracePeriod.Value() > time.Minute {
		return fmt.Errorf("grace_period must be within [0, 1m]")
	}
	return nil
}

func NewSDRConfigManager(config *SDRConfig, mgr *Manager) *SDRConfigManager {
	j := SDRConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
