package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHexUINT16(t *testing.T) {
	v, err := ParseHexUINT16("1d50")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1d50), v)

	_, err = ParseHexUINT16("10000")
	assert.Error(t, err)
	_, err = ParseHexUINT16("zz")
	assert.Error(t, err)
}

func TestFindSupportedDeviceTuple(t *testing.T) {
	tuple, ok := FindSupportedDeviceTuple(0x1d50, 0x6089)
	require.True(t, ok)
	assert.Equal(t, SDRHackRFOne, tuple.DeviceType)
	assert.Equal(t, "hackrf", tuple.Kind)

	_, ok = FindSupportedDeviceTuple(0x1e0e, 0x9001)
	assert.False(t, ok)
}

func TestTypesOfKind(t *testing.T) {
	assert.ElementsMatch(t, []DeviceType{SDRHackRFOne, SDRHackRFJawbreaker}, TypesOfKind("hackrf"))
	assert.Equal(t, []DeviceType{SDRUSRPB200}, TypesOfKind("USRP"))
	assert.Empty(t, TypesOfKind("generator"))
}

func TestHotplugTracksAttachedDevices(t *testing.T) {
	m := newManager()

	_, ok := m.Attached("airspy")
	assert.False(t, ok)

	m.HotplugReceived(0x1d50, 0x60a1, true)
	d, ok := m.Attached("airspy")
	require.True(t, ok)
	assert.Equal(t, "Airspy", d.Name)

	// unsupported devices are ignored
	m.HotplugReceived(0x1234, 0x5678, true)
	assert.Len(t, m.devices, 1)

	m.HotplugReceived(0x1d50, 0x60a1, false)
	_, ok = m.Attached("airspy")
	assert.False(t, ok)

	m.Shutdown()
}

func TestResetUnattachedDevice(t *testing.T) {
	m := newManager()
	err := m.ResetDevice(SDRUSRPB200)
	assert.ErrorIs(t, err, &NotFoundError{})

	err = m.ResetDevice(DeviceType(99))
	assert.Error(t, err)
}

func TestParseProduct(t *testing.T) {
	vid, pid, err := parseProduct("1d50/6089/104")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1d50), vid)
	assert.Equal(t, uint16(0x6089), pid)

	_, _, err = parseProduct("1d50")
	assert.Error(t, err)
	_, _, err = parseProduct("xyz/6089/1")
	assert.Error(t, err)
}

func TestHotplugCallbacks(t *testing.T) {
	m := newManager()

	type change struct {
		name     string
		attached bool
	}
	var changes []change
	m.OnHotplug(func(dev *Device, attached bool) {
		changes = append(changes, change{dev.Name, attached})
	})

	m.HotplugReceived(0x2500, 0x0020, true)
	m.HotplugReceived(0x1234, 0x5678, true)
	m.HotplugReceived(0x2500, 0x0020, false)

	assert.Equal(t, []change{{"USRP B2xx", true}, {"USRP B2xx", false}}, changes)
}
