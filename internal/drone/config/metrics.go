package config

import (
	"fmt"
	"net"
)

type MetricsConfig struct {
	Listen string `toml:"listen,omitempty" comment:"prometheus listen address, e.g. :9100, empty disables the endpoint"`
}

type MetricsConfigManager struct {
	BaseConfigManager[MetricsConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (m *MetricsConfigManager) Verify() error {
	if m.conf.Listen == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.conf.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	return nil
}

func NewMetricsConfigManager(config *MetricsConfig, mgr *Manager) *MetricsConfigManager {
	j := MetricsConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
