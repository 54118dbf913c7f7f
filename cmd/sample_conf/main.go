package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/drone/config"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// A detector config that passes validation for every sdr type
var sampleDetector = detector.Config{
	Gain:              20,
	SamplingRate:      2_000_000,
	CenterFrequency:   173_500_000,
	RunNum:            1,
	PingWidthMs:       25,
	PingMinSNR:        0.1,
	PingMaxLenMult:    1.5,
	PingMinLenMult:    0.5,
	TargetFrequencies: []int64{173_043_000, 173_964_000},
}

func write(path string, data []byte) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "creating output directory failed: %s\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "writing %s failed: %s\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("sample written to %s\n", path)
}

// Writes the hardware profile defaults and a detector config as a starting point for new airframes
func main() {
	dir := pflag.StringP("output", "o", "./config", "directory the samples are written to")
	pflag.Parse()

	profile, err := toml.Marshal(config.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshalling defaults failed: %s\n", err)
		os.Exit(1)
	}
	write(filepath.Join(*dir, config.ConfigFile), profile)

	limits, _ := detector.LimitsFor("airspy")
	if err = detector.Validate(sampleDetector, limits); err != nil {
		fmt.Fprintf(os.Stderr, "sample detector config is invalid: %s\n", err)
		os.Exit(1)
	}

	det, err := yaml.Marshal(sampleDetector)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshalling detector config failed: %s\n", err)
		os.Exit(1)
	}
	write(filepath.Join(*dir, detector.ConfigFileBase+".yaml"), det)
}
