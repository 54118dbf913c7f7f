// Package sensors reads board temperatures from sysfs
package sensors

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const DefaultSysfsRoot = "/sys/class"

// Temperature in millidegree celsius, the sysfs unit
type Temperature int

func (t Temperature) Celsius() float64 {
	return float64(t) / 1000.0
}

func (t Temperature) String() string {
	return fmt.Sprintf("%.2f°C", t.Celsius())
}

type SensorEntry struct {
	// Critical set point is optional
	Crit  *Temperature `json:"crit,omitempty"`
	Label string       `json:"label,omitempty"`
	Temp  Temperature  `json:"temp"`
}

func (t *SensorEntry) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %s", t.Label, t.Temp.String()))

	if t.Crit != nil {
		sb.WriteString(fmt.Sprintf(" critical: %s", t.Crit.String()))
	}

	return sb.String()
}

// Hwmon drivers we report. kXtemp are AMD, coretemp is Intel, cpu_thermal
// and rp1_adc are found on Raspberry Pi companion computers
var whitelistedSensors = []string{"coretemp", "k8temp", "k10temp", "cpu_thermal", "rp1_adc", "soc_thermal"}

// ReadTemperatures reads the whitelisted hwmon sensors of this machine
func ReadTemperatures() map[string][]SensorEntry {
	return ReadTemperaturesFrom(DefaultSysfsRoot)
}

// ReadTemperaturesFrom reads hwmon sensors below root. Boards without a
// whitelisted hwmon driver fall back to the generic thermal zones.
func ReadTemperaturesFrom(root string) map[string][]SensorEntry {
	sensors := readHwmon(root)
	if len(sensors) == 0 {
		sensors = readThermalZones(root)
	}
	return sensors
}

// Hottest returns the highest reading of all sensors
func Hottest(sensors map[string][]SensorEntry) (Temperature, bool) {
	var (
		max   Temperature
		found bool
	)
	for _, entries := range sensors {
		for _, e := range entries {
			if !found || e.Temp > max {
				max, found = e.Temp, true
			}
		}
	}
	return max, found
}

func readHwmon(root string) map[string][]SensorEntry {
	sensors := make(map[string][]SensorEntry)

	hwmonPaths, err := filepath.Glob(filepath.Join(root, "hwmon", "hwmon*"))
	if err != nil {
		return sensors
	}

	for _, hwmonPath := range hwmonPaths {
		name, err := readStringFromFile(filepath.Join(hwmonPath, "name"))
		if err != nil {
			continue // unnamed sensor
		}

		if !slices.Contains(whitelistedSensors, name) {
			continue
		}

		tempPaths, err := filepath.Glob(filepath.Join(hwmonPath, "temp*_input"))
		if err != nil {
			continue
		}

		zones := make([]SensorEntry, 0, len(tempPaths))
		for _, tempPath := range tempPaths {
			temp := readTemperatureFromFile(tempPath)
			if temp == nil {
				continue
			}

			baseName := strings.TrimSuffix(tempPath, "_input")
			label, _ := readStringFromFile(baseName + "_label")

			zones = append(zones, SensorEntry{
				Temp:  *temp,
				Crit:  readTemperatureFromFile(baseName + "_crit"),
				Label: label,
			})
		}

		if len(zones) > 0 {
			sensors[name] = append(sensors[name], zones...)
		}
	}

	return sensors
}

func readThermalZones(root string) map[string][]SensorEntry {
	sensors := make(map[string][]SensorEntry)

	zonePaths, err := filepath.Glob(filepath.Join(root, "thermal", "thermal_zone*"))
	if err != nil {
		return sensors
	}

	for _, zonePath := range zonePaths {
		temp := readTemperatureFromFile(filepath.Join(zonePath, "temp"))
		if temp == nil {
			continue
		}

		kind, err := readStringFromFile(filepath.Join(zonePath, "type"))
		if err != nil {
			kind = filepath.Base(zonePath)
		}

		sensors[kind] = append(sensors[kind], SensorEntry{
			Temp:  *temp,
			Label: filepath.Base(zonePath),
		})
	}

	return sensors
}

func readStringFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

func readTemperatureFromFile(path string) *Temperature {
	str, err := readStringFromFile(path)
	if err != nil {
		return nil
	}

	num, err := strconv.Atoi(str)
	if err != nil {
		return nil
	}

	temp := Temperature(num)
	return &temp
}
