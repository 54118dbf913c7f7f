package detector

import (
	"path/filepath"
	"testing"

	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/pkg/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usrpLimits = Limits{MinGain: 0, MaxGain: 76}

func testConfig() Config {
	return Config{
		Gain:              56.0,
		SamplingRate:      2500000,
		CenterFrequency:   173500000,
		RunNum:            1,
		PingWidthMs:       25,
		PingMinSNR:        25,
		PingMaxLenMult:    1.5,
		PingMinLenMult:    0.5,
		TargetFrequencies: []int64{173043000},
	}
}

const testConfigJSON = `{
	"gain": 56.0,
	"sampling_rate": 2500000,
	"center_frequency": 173500000,
	"run_num": 1,
	"enable_test_data": false,
	"ping_width_ms": 25,
	"ping_min_snr": 25,
	"ping_max_len_mult": 1.5,
	"ping_min_len_mult": 0.5,
	"target_frequencies": [173043000]
}`

const testConfigYAML = `gain: 56.0
sampling_rate: 2500000
center_frequency: 173500000
run_num: 1
ping_width_ms: 25
ping_min_snr: 25
ping_max_len_mult: 1.5
ping_min_len_mult: 0.5
target_frequencies:
  - 173043000
output_dir: /tmp/out
`

func TestValidateAcceptsReferenceConfig(t *testing.T) {
	assert.NoError(t, Validate(testConfig(), usrpLimits))
}

func TestValidateBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty targets", func(c *Config) { c.TargetFrequencies = nil }},
		{"zero sampling rate", func(c *Config) { c.SamplingRate = 0 }},
		{"negative sampling rate", func(c *Config) { c.SamplingRate = -1 }},
		{"zero center frequency", func(c *Config) { c.CenterFrequency = 0 }},
		{"gain too high", func(c *Config) { c.Gain = 76.5 }},
		{"gain negative", func(c *Config) { c.Gain = -1 }},
		{"run number zero", func(c *Config) { c.RunNum = 0 }},
		{"target outside band", func(c *Config) { c.TargetFrequencies = []int64{173043000, 175000000} }},
		{"no ping width", func(c *Config) { c.PingWidthMs = 0 }},
		{"inverted length multipliers", func(c *Config) { c.PingMinLenMult = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			err := Validate(cfg, usrpLimits)
			assert.ErrorIs(t, err, &faults.ConfigurationError{})
		})
	}
}

func TestValidateBandEdgesIncluded(t *testing.T) {
	cfg := testConfig()
	cfg.TargetFrequencies = []int64{cfg.CenterFrequency - cfg.SamplingRate/2, cfg.CenterFrequency + cfg.SamplingRate/2}
	assert.NoError(t, Validate(cfg, usrpLimits))
}

func TestLimitsFor(t *testing.T) {
	l, ok := LimitsFor("AirSpy")
	require.True(t, ok)
	assert.Equal(t, 21.0, l.MaxGain)

	_, ok = LimitsFor("rtl")
	assert.False(t, ok)
}

func TestConfigCloneAndEqual(t *testing.T) {
	a := testConfig()
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.TargetFrequencies[0] = 1
	assert.Equal(t, int64(173043000), a.TargetFrequencies[0])
	assert.False(t, a.Equal(b))

	c := a.Clone()
	c.Gain = 10
	assert.False(t, a.Equal(c))
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := DecodeJSON([]byte(testConfigJSON))
	require.NoError(t, err)
	assert.True(t, testConfig().Equal(cfg))
}

func TestDecodeMissingField(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"gain": 1, "sampling_rate": 2500000}`))
	require.ErrorIs(t, err, &faults.ConfigurationError{})
	assert.Contains(t, err.Error(), "center_frequency")
	assert.Contains(t, err.Error(), "target_frequencies")

	_, err = DecodeJSON([]byte(`{"gain": "loud"}`))
	assert.ErrorIs(t, err, &faults.ConfigurationError{})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := test.WriteFile(t, filepath.Join(dir, "ping_finder_config.yml"), testConfigYAML)
	cfg, err := LoadFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out", cfg.OutputDir)
	assert.Equal(t, []int64{173043000}, cfg.TargetFrequencies)

	jsonPath := test.WriteFile(t, filepath.Join(dir, "ping_finder_config.json"), `{"run_num": 1}`)
	_, err = LoadFile(jsonPath)
	var cerr *faults.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, jsonPath, cerr.Source)

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, &faults.ConfigurationError{})

	txtPath := test.WriteFile(t, filepath.Join(dir, "config.txt"), testConfigJSON)
	_, err = LoadFile(txtPath)
	assert.ErrorIs(t, err, &faults.ConfigurationError{})
}

func TestRunIDRoundTrip(t *testing.T) {
	for _, id := range []RunID{{Num: 1}, {Num: 12, Suffix: 3}} {
		parsed, err := ParseRunID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}

	assert.Equal(t, "run_4-2", RunID{Num: 4, Suffix: 2}.DirName())

	_, err := ParseRunID("x")
	assert.Error(t, err)
	_, err = ParseRunID("1-")
	assert.Error(t, err)
}

func TestReserveRunDirSuffixesOnCollision(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")

	id, dir, err := ReserveRunDir(root, 7)
	require.NoError(t, err)
	assert.Equal(t, RunID{Num: 7}, id)
	assert.DirExists(t, dir)

	id, dir, err = ReserveRunDir(root, 7)
	require.NoError(t, err)
	assert.Equal(t, RunID{Num: 7, Suffix: 1}, id)
	assert.Equal(t, filepath.Join(root, "run_7-1"), dir)

	_, _, err = ReserveRunDir("", 1)
	assert.Error(t, err)
}

func TestReserveMoveDirKeepsRunID(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	run := RunID{Num: 7, Suffix: 1}

	dir, err := ReserveMoveDir(root, run)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run_7-1"), dir)

	dir, err = ReserveMoveDir(root, run)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run_7-1.1"), dir)
	assert.DirExists(t, dir)

	// Moved directories do not hide run numbers from new runs
	id, _, err := ReserveRunDir(root, 7)
	require.NoError(t, err)
	assert.Equal(t, RunID{Num: 7}, id)

	_, err = ReserveMoveDir("", run)
	assert.Error(t, err)
}
