package usb

import (
	"strconv"
	"strings"

	"github.com/google/gousb"
)

type DeviceType int

const (
	Unknown DeviceType = iota
	// SDRs
	SDRUSRPB200
	SDRAirspy
	SDRHackRFOne
	SDRHackRFJawbreaker
)

var (
	SupportedDevices = DeviceMap{
		SDRUSRPB200: {
			VendorID:  0x2500,
			ProductID: 0x0020,
			Name:      "USRP B2xx",
			Kind:      "usrp",
		},
		SDRAirspy: {
			VendorID:  0x1d50,
			ProductID: 0x60a1,
			Name:      "Airspy",
			Kind:      "airspy",
		},
		SDRHackRFOne: {
			VendorID:  0x1d50,
			ProductID: 0x6089,
			Name:      "HackRFOne",
			Kind:      "hackrf",
			ResetCMD:  []string{"hackrf_spiflash", "-R"},
		},
		SDRHackRFJawbreaker: {
			VendorID:  0x1d50,
			ProductID: 0x604b,
			Name:      "HackRFJawbreaker",
			Kind:      "hackrf",
			ResetCMD:  []string{"hackrf_spiflash", "-R"},
		},
	}
)

type Device struct {
	// Reset command and arguments, tried before a plain usb reset
	ResetCMD []string
	Name     string
	// SDR type as written in the hardware profile
	Kind      string
	VendorID  gousb.ID
	ProductID gousb.ID
}

type DeviceMap map[DeviceType]*Device

type DeviceTuple struct {
	*Device
	DeviceType
}

func FindSupportedDeviceTuple(vendorID gousb.ID, productID gousb.ID) (DeviceTuple, bool) {
	for k, device := range SupportedDevices {
		if device.VendorID == vendorID && device.ProductID == productID {
			return DeviceTuple{DeviceType: k, Device: device}, true
		}
	}
	return DeviceTuple{}, false
}

// TypesOfKind returns every supported device of an SDR type
func TypesOfKind(kind string) []DeviceType {
	var types []DeviceType
	for k, device := range SupportedDevices {
		if strings.EqualFold(device.Kind, kind) {
			types = append(types, k)
		}
	}
	return types
}

func ParseHexUINT16(str string) (uint16, error) {
	val, err := strconv.ParseUint(str, 16, 16)
	if err != nil {
		return 0, err
	}

	return uint16(val), nil
}
