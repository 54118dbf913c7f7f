// Package config loads the hardware profile, the process level TOML file that
// describes what is attached to the airframe.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const (
	ProductName             = "rtt"
	UserdataDirectoryPrefix = "/data/"
	ConfigFolder            = "config/"

	ConfigPathPrefix = ConfigFolder + ProductName + "/"
	ConfigFile       = "hardware.toml"

	DefaultConfigPath = UserdataDirectoryPrefix + ConfigPathPrefix + ConfigFile

	DefaultDebugModeValue = false
)

type CLIFlags struct {
	ConfigPath string
	LogFile    string
	Debug      bool
}

type MainConfig struct {
	Device     DeviceConfig     `toml:"device"`
	GPS        GPSConfig        `toml:"gps"`
	SDR        SDRConfig        `toml:"sdr"`
	Radio      RadioConfig      `toml:"radio"`
	Storage    StorageConfig    `toml:"storage"`
	Controller ControllerConfig `toml:"controller"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

type ConfigManager interface {
	Verify() error
}

type ConfigManagerKey string

const (
	CMDevice     ConfigManagerKey = "device"
	CMGPS        ConfigManagerKey = "gps"
	CMSDR        ConfigManagerKey = "sdr"
	CMRadio      ConfigManagerKey = "radio"
	CMStorage    ConfigManagerKey = "storage"
	CMController ConfigManagerKey = "controller"
	CMMetrics    ConfigManagerKey = "metrics"
)

// Verification order, the first broken section is reported
var sectionOrder = []ConfigManagerKey{CMDevice, CMGPS, CMSDR, CMRadio, CMStorage, CMController, CMMetrics}

type ConfigManagerStore map[ConfigManagerKey]ConfigManager

type Manager struct {
	mu sync.RWMutex

	// The actual config, never share this with other code
	config *MainConfig

	store ConfigManagerStore

	// The path the profile was loaded from
	path string
}

func section[T ConfigManager](m *Manager, key ConfigManagerKey) T {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cm, ok := m.store[key].(T)
	if !ok {
		log.Panic("implementation mistake, config section not loaded", zap.String("section", string(key)))
	}
	return cm
}

func (m *Manager) Device() *DeviceConfigManager { return section[*DeviceConfigManager](m, CMDevice) }

func (m *Manager) GPS() *GPSConfigManager { return section[*GPSConfigManager](m, CMGPS) }

func (m *Manager) SDR() *SDRConfigManager { return section[*SDRConfigManager](m, CMSDR) }

func (m *Manager) Radio() *RadioConfigManager { return section[*RadioConfigManager](m, CMRadio) }

func (m *Manager) Storage() *StorageConfigManager { return section[*StorageConfigManager](m, CMStorage) }

func (m *Manager) Controller() *ControllerConfigManager {
	return section[*ControllerConfigManager](m, CMController)
}

func (m *Manager) Metrics() *MetricsConfigManager { return section[*MetricsConfigManager](m, CMMetrics) }

// Path returns the file the active profile was loaded from
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.path
}

// Load reads the profile at path, falling back to DefaultConfigPath if that fails
func (m *Manager) Load(path string) error {
	conf, err := decodeFile(path)
	if err != nil && path != DefaultConfigPath {
		log.Warn("failed to load hardware profile, trying the default location",
			zap.String("path", path), zap.String("default", DefaultConfigPath), zap.Error(err))

		var fallbackErr error
		if conf, fallbackErr = decodeFile(DefaultConfigPath); fallbackErr != nil {
			return errors.Join(err, fallbackErr)
		}
		path, err = DefaultConfigPath, nil
	}
	if err != nil {
		return err
	}

	return m.use(conf, path)
}

func (m *Manager) use(conf *MainConfig, path string) error {
	m.mu.Lock()
	m.config = conf
	m.path = path

	// Each config section manager gets his own locking primitive
	m.store = ConfigManagerStore{
		CMDevice:     NewDeviceConfigManager(&m.config.Device, m),
		CMGPS:        NewGPSConfigManager(&m.config.GPS, m),
		CMSDR:        NewSDRConfigManager(&m.config.SDR, m),
		CMRadio:      NewRadioConfigManager(&m.config.Radio, m),
		CMStorage:    NewStorageConfigManager(&m.config.Storage, m),
		CMController: NewControllerConfigManager(&m.config.Controller, m),
		CMMetrics:    NewMetricsConfigManager(&m.config.Metrics, m),
	}
	m.mu.Unlock()

	// Verify all configs contain the mandatory values
	for _, key := range sectionOrder {
		if err := m.store[key].Verify(); err != nil {
			return fmt.Errorf("[%s] %w", key, err)
		}
	}

	log.Debug("active hardware profile", zap.Any("config", conf), zap.String("path", path))
	return nil
}

func decodeFile(path string) (*MainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	conf := New()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err = dec.Decode(conf); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("%s: unknown keys\n%s", path, strict.String())
		}

		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			row, col := decodeErr.Position()
			return nil, fmt.Errorf("%s:%d:%d: %w", path, row, col, err)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return conf, nil
}

// New returns the profile defaults, keys missing from the file keep these values
func New() *MainConfig {
	return &MainConfig{
		Device:     defaultDevice(),
		GPS:        defaultGPS(),
		SDR:        defaultSDR(),
		Radio:      defaultRadio(),
		Storage:    defaultStorage(),
		Controller: defaultController(),
	}
}

func NewManager() *Manager {
	return &Manager{
		store:  make(ConfigManagerStore),
		config: New(),
	}
}

func ParseCLIFlags(args []string) (CLIFlags, error) {
	flags := CLIFlags{}

	fs := pflag.NewFlagSet(ProductName+"-drone", pflag.ContinueOnError)
	fs.StringVarP(&flags.ConfigPath, "config", "c", DefaultConfigPath, "relative or absolute path to the hardware profile")
	fs.BoolVarP(&flags.Debug, "debug", "d", DefaultDebugModeValue, "enable debug logging")
	fs.StringVar(&flags.LogFile, "log-file", "", "also write the log to this file")

	err := fs.Parse(args)
	return flags, err
}
