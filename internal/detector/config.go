package detector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/LeoCommon/rtt-drone/internal/faults"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFileBase = "ping_finder_config"
)

// ConfigFileNames lists the accepted detector config file names in lookup order
var ConfigFileNames = []string{
	ConfigFileBase + ".json",
	ConfigFileBase + ".yaml",
	ConfigFileBase + ".yml",
}

// Config holds the parameters of a single detector session.
// Treat it as immutable, use Clone before modifying a copy.
type Config struct {
	Gain              float64 `json:"gain" yaml:"gain" toml:"gain"`
	SamplingRate      int64   `json:"sampling_rate" yaml:"sampling_rate" toml:"sampling_rate"`
	CenterFrequency   int64   `json:"center_frequency" yaml:"center_frequency" toml:"center_frequency"`
	RunNum            int     `json:"run_num" yaml:"run_num" toml:"run_num"`
	EnableTestData    bool    `json:"enable_test_data" yaml:"enable_test_data" toml:"enable_test_data"`
	PingWidthMs       float64 `json:"ping_width_ms" yaml:"ping_width_ms" toml:"ping_width_ms"`
	PingMinSNR        float64 `json:"ping_min_snr" yaml:"ping_min_snr" toml:"ping_min_snr"`
	PingMaxLenMult    float64 `json:"ping_max_len_mult" yaml:"ping_max_len_mult" toml:"ping_max_len_mult"`
	PingMinLenMult    float64 `json:"ping_min_len_mult" yaml:"ping_min_len_mult" toml:"ping_min_len_mult"`
	TargetFrequencies []int64 `json:"target_frequencies" yaml:"target_frequencies" toml:"target_frequencies"`
	OutputDir         string  `json:"output_dir,omitempty" yaml:"output_dir,omitempty" toml:"output_dir"`
}

func (c Config) Clone() Config {
	c.TargetFrequencies = slices.Clone(c.TargetFrequencies)
	return c
}

func (c Config) Equal(o Config) bool {
	return c.Gain == o.Gain &&
		c.SamplingRate == o.SamplingRate &&
		c.CenterFrequency == o.CenterFrequency &&
		c.RunNum == o.RunNum &&
		c.EnableTestData == o.EnableTestData &&
		c.PingWidthMs == o.PingWidthMs &&
		c.PingMinSNR == o.PingMinSNR &&
		c.PingMaxLenMult == o.PingMaxLenMult &&
		c.PingMinLenMult == o.PingMinLenMult &&
		c.OutputDir == o.OutputDir &&
		slices.Equal(c.TargetFrequencies, o.TargetFrequencies)
}

// Limits describes what the attached SDR can do
type Limits struct {
	MinGain float64
	MaxGain float64
}

var sdrLimits = map[string]Limits{
	"usrp":      {MinGain: 0, MaxGain: 76},
	"airspy":    {MinGain: 0, MaxGain: 21},
	"hackrf":    {MinGain: 0, MaxGain: 62},
	"generator": {MinGain: 0, MaxGain: 100},
}

// LimitsFor returns the gain range of a supported SDR type
func LimitsFor(sdrType string) (Limits, bool) {
	l, ok := sdrLimits[strings.ToLower(sdrType)]
	return l, ok
}

// Validate checks cfg against the hardware limits. Every failure is a ConfigurationError.
func Validate(cfg Config, limits Limits) error {
	reason := ""
	switch {
	case cfg.SamplingRate <= 0:
		reason = fmt.Sprintf("sampling_rate must be positive, got %d", cfg.SamplingRate)
	case cfg.CenterFrequency <= 0:
		reason = fmt.Sprintf("center_frequency must be positive, got %d", cfg.CenterFrequency)
	case cfg.Gain < limits.MinGain || cfg.Gain > limits.MaxGain:
		reason = fmt.Sprintf("gain %.1f outside supported range [%.1f, %.1f]", cfg.Gain, limits.MinGain, limits.MaxGain)
	case cfg.RunNum <= 0:
		reason = fmt.Sprintf("run_num must be a positive integer, got %d", cfg.RunNum)
	case len(cfg.TargetFrequencies) == 0:
		reason = "target_frequencies must not be empty"
	case cfg.PingWidthMs <= 0:
		reason = fmt.Sprintf("ping_width_ms must be positive, got %g", cfg.PingWidthMs)
	case cfg.PingMinSNR < 0 || cfg.PingMinLenMult < 0 || cfg.PingMaxLenMult < 0:
		reason = "ping thresholds must not be negative"
	case cfg.PingMinLenMult > cfg.PingMaxLenMult:
		reason = fmt.Sprintf("ping_min_len_mult %g exceeds ping_max_len_mult %g", cfg.PingMinLenMult, cfg.PingMaxLenMult)
	}

	if reason == "" {
		half := cfg.SamplingRate / 2
		low, high := cfg.CenterFrequency-half, cfg.CenterFrequency+half
		for _, f := range cfg.TargetFrequencies {
			if f < low || f > high {
				reason = fmt.Sprintf("target frequency %d outside receivable band [%d, %d]", f, low, high)
				break
			}
		}
	}

	if reason != "" {
		return faults.NewConfigurationError("", reason, nil)
	}

	return nil
}

// rawConfig tracks which fields were present in a decoded document
type rawConfig struct {
	Gain              *float64 `json:"gain" yaml:"gain"`
	SamplingRate      *int64   `json:"sampling_rate" yaml:"sampling_rate"`
	CenterFrequency   *int64   `json:"center_frequency" yaml:"center_frequency"`
	RunNum            *int     `json:"run_num" yaml:"run_num"`
	EnableTestData    *bool    `json:"enable_test_data" yaml:"enable_test_data"`
	PingWidthMs       *float64 `json:"ping_width_ms" yaml:"ping_width_ms"`
	PingMinSNR        *float64 `json:"ping_min_snr" yaml:"ping_min_snr"`
	PingMaxLenMult    *float64 `json:"ping_max_len_mult" yaml:"ping_max_len_mult"`
	PingMinLenMult    *float64 `json:"ping_min_len_mult" yaml:"ping_min_len_mult"`
	TargetFrequencies []int64  `json:"target_frequencies" yaml:"target_frequencies"`
	OutputDir         *string  `json:"output_dir" yaml:"output_dir"`
}

func (r *rawConfig) toConfig() (Config, error) {
	var missing []string
	need := func(present bool, name string) {
		if !present {
			missing = append(missing, name)
		}
	}

	need(r.Gain != nil, "gain")
	need(r.SamplingRate != nil, "sampling_rate")
	need(r.CenterFrequency != nil, "center_frequency")
	need(r.RunNum != nil, "run_num")
	need(r.PingWidthMs != nil, "ping_width_ms")
	need(r.PingMinSNR != nil, "ping_min_snr")
	need(r.PingMaxLenMult != nil, "ping_max_len_mult")
	need(r.PingMinLenMult != nil, "ping_min_len_mult")
	need(r.TargetFrequencies != nil, "target_frequencies")

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}

	cfg := Config{
		Gain:              *r.Gain,
		SamplingRate:      *r.SamplingRate,
		CenterFrequency:   *r.CenterFrequency,
		RunNum:            *r.RunNum,
		PingWidthMs:       *r.PingWidthMs,
		PingMinSNR:        *r.PingMinSNR,
		PingMaxLenMult:    *r.PingMaxLenMult,
		PingMinLenMult:    *r.PingMinLenMult,
		TargetFrequencies: r.TargetFrequencies,
	}
	if r.EnableTestData != nil {
		cfg.EnableTestData = *r.EnableTestData
	}
	if r.OutputDir != nil {
		cfg.OutputDir = *r.OutputDir
	}

	return cfg, nil
}

// DecodeJSON decodes a JSON document and checks that all required fields are present
func DecodeJSON(data []byte) (Config, error) {
	var raw rawConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Config{}, faults.NewConfigurationError("", "malformed json", err)
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return Config{}, faults.NewConfigurationError("", err.Error(), nil)
	}
	return cfg, nil
}

// DecodeYAML is the YAML counterpart of DecodeJSON
func DecodeYAML(data []byte) (Config, error) {
	var raw rawConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return Config{}, faults.NewConfigurationError("", "malformed yaml", err)
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return Config{}, faults.NewConfigurationError("", err.Error(), nil)
	}
	return cfg, nil
}

// LoadFile reads a detector config file, the format follows the file extension.
// The result is decoded but not validated.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, faults.NewConfigurationError(path, "unreadable", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = DecodeJSON(data)
	case ".yaml", ".yml":
		cfg, err = DecodeYAML(data)
	default:
		return Config{}, faults.NewConfigurationError(path, "unsupported file extension", nil)
	}

	if err != nil {
		if ce, ok := err.(*faults.ConfigurationError); ok {
			ce.Source = path
		}
		return Config{}, err
	}

	return cfg, nil
}
