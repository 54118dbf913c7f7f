package config

import "errors"

type DeviceConfig struct {
	Name  string `toml:"name" comment:"station name sent in the link handshake"`
	Debug bool   `toml:"debug"`
}

func defaultDevice() DeviceConfig {
	return DeviceConfig{Name: "rtt-drone"}
}

type DeviceConfigManager struct {
	BaseConfigManager[DeviceConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (d *DeviceConfigManager) Verify() error {
	if d.conf.Name == "" {
		return errors.New("name must not be empty")
	}
	return nil
}

func NewDeviceConfigManager(config *DeviceConfig, mgr *Manager) *DeviceConfigManager {
	j := DeviceConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
