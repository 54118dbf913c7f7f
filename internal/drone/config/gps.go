package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/geo"
)

type GPSInterface string

const (
	// Keep these names synced up with the toml GPSConfig below
	GPSInterfaceI2C       GPSInterface = "i2c"
	GPSInterfaceSerial    GPSInterface = "serial"
	GPSInterfaceSimulated GPSInterface = "simulated"
	GPSInterfaceGPSD      GPSInterface = "gpsd"
)

// SupportedOptions lists the options for the config parser
func (g GPSInterface) SupportedOptions() []GPSInterface {
	return []GPSInterface{
		GPSInterfaceI2C,
		GPSInterfaceSerial,
		GPSInterfaceSimulated,
		GPSInterfaceGPSD,
	}
}

type GPSConfig struct {
	Interface GPSInterface `toml:"interface" comment:"i2c, serial, simulated or gpsd"`

	I2CBus     int    `toml:"i2c_bus,omitempty"`
	I2CAddress string `toml:"i2c_address,omitempty" comment:"7 bit receiver address in hex, e.g. 0x42"`

	SerialPort     string `toml:"serial_port,omitempty"`
	SerialBaudrate int    `toml:"serial_baudrate,omitempty"`

	SimulationSpeed float64 `toml:"simulation_speed,omitempty"`

	EPSGCode int `toml:"epsg_code" comment:"UTM projection of recorded positions (326xx north, 327xx south), 0 follows the fix"`

	DataTimeout    TOMLDuration `toml:"data_timeout" comment:"a fix older than this counts as no fix"`
	ErrorThreshold int          `toml:"error_threshold" comment:"consecutive receiver errors before the gps is reported broken"`
}

func defaultGPS() GPSConfig {
	return GPSConfig{
		Interface:       GPSInterfaceSerial,
		SerialPort:      "/dev/ttyACM0",
		SerialBaudrate:  9600,
		SimulationSpeed: 1.0,
		DataTimeout:     TOMLDuration(5 * time.Second),
		ErrorThreshold:  5,
	}
}

// Address parses the I2C address
func (g GPSConfig) Address() (uint16, error) {
	s := strings.TrimPrefix(strings.ToLower(g.I2CAddress), "0x")
	addr, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid i2c_address %q: %w", g.I2CAddress, err)
	}
	if addr < 0x03 || addr > 0x77 {
		return 0, fmt.Errorf("i2c_address %#x outside the 7 bit range", addr)
	}
	return uint16(addr), nil
}

type GPSConfigManager struct {
	BaseConfigManager[GPSConfig]
}

// Verify verifies the "hard" conditions that the rest of the code relies on
func (g *GPSConfigManager) Verify() error {
	c := g.conf

	if !slices.Contains(c.Interface.SupportedOptions(), c.Interface) {
		return fmt.Errorf("unsupported interface %q, valid options: %v", c.Interface, c.Interface.SupportedOptions())
	}

	switch c.Interface {
	case GPSInterfaceI2C:
		if c.I2CBus < 0 {
			return fmt.Errorf("invalid i2c_bus %d", c.I2CBus)
		}
		if _, err := c.Address(); err != nil {
			return err
		}
	case GPSInterfaceSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("serial interface requires serial_port")
		}
		if c.SerialBaudrate <= 0 {
			return fmt.Errorf("invalid serial_baudrate %d", c.SerialBaudrate)
		}
	case GPSInterfaceSimulated:
		if c.SimulationSpeed < 0 {
			return fmt.Errorf("simulation_speed must not be negative")
		}
	}

	if c.EPSGCode != 0 {
		if _, _, err := geo.ParseEPSG(c.EPSGCode); err != nil {
			return err
		}
	}

	if c.DataTimeout.Value() < 0 || c.ErrorThreshold < 0 {
		return fmt.Errorf("data_timeout and error_threshold must not be negative")
	}

	return nil
}

func NewGPSConfigManager(config *GPSConfig, mgr *Manager) *GPSConfigManager {
	j := GPSConfigManager{}
	j.conf = config
	j.mgr = mgr

	return &j
}
