package usb

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/DiscoResearchSat/go-udev/netlink"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/google/gousb"
	"go.uber.org/zap"
)

func (d *Device) String() string {
	return fmt.Sprintf("%s pid: %s vid: %s", d.Name, d.ProductID.String(), d.VendorID.String())
}

// HotplugFunc is called from the udev monitor when a supported device comes or goes
type HotplugFunc func(dev *Device, attached bool)

type USBDeviceManager struct {
	sync.Mutex
	sync.WaitGroup

	// Supported devices currently on the bus
	devices   DeviceMap
	onHotplug []HotplugFunc

	stopMonitor context.CancelFunc
	// The udev event connection, if not nil, udev monitoring is active
	udev *netlink.UEventConn
}

func newManager() *USBDeviceManager {
	return &USBDeviceManager{devices: make(DeviceMap)}
}

// NewUSBDeviceManager starts tracking usb hotplug events, without udev the
// device list is only refreshed by FindSupportedDevices
func NewUSBDeviceManager() *USBDeviceManager {
	m := newManager()

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		log.Error("could not connect to udev, sdr hotplug is not tracked", zap.Error(err))
		return m
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.udev = conn
	m.stopMonitor = cancel

	m.Add(1)
	go m.monitor(ctx)
	return m
}

// OnHotplug registers fn for every later attach and detach of a supported device
func (m *USBDeviceManager) OnHotplug(fn HotplugFunc) {
	m.Lock()
	defer m.Unlock()
	m.onHotplug = append(m.onHotplug, fn)
}

// FindSupportedDevices rescans the bus
func (m *USBDeviceManager) FindSupportedDevices() DeviceMap {
	m.Lock()
	defer m.Unlock()

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	for t, d := range SupportedDevices {
		dev, err := usbCtx.OpenDeviceWithVIDPID(d.VendorID, d.ProductID)
		if dev == nil {
			if err != nil {
				log.Debug("usb lookup failed", zap.String("sdr", d.String()), zap.Error(err))
			}
			delete(m.devices, t)
			continue
		}
		dev.Close()

		m.devices[t] = d
		log.Info("found supported device", zap.String("sdr", d.String()))
	}

	found := make(DeviceMap, len(m.devices))
	for t, d := range m.devices {
		found[t] = d
	}
	return found
}

// Attached reports whether a device of the SDR kind is known to be connected
func (m *USBDeviceManager) Attached(kind string) (*Device, bool) {
	m.Lock()
	defer m.Unlock()

	for _, t := range TypesOfKind(kind) {
		if d, ok := m.devices[t]; ok {
			return d, true
		}
	}
	return nil, false
}

// Probe rescans the bus and fails with a NotFoundError unless an SDR of kind is attached
func (m *USBDeviceManager) Probe(kind string) (*Device, error) {
	if len(TypesOfKind(kind)) == 0 {
		return nil, fmt.Errorf("no usb ids known for sdr type %q", kind)
	}

	m.FindSupportedDevices()
	d, ok := m.Attached(kind)
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("no %s sdr attached", kind))
	}
	return d, nil
}

func (m *USBDeviceManager) HotplugReceived(vendorID uint16, productID uint16, attached bool) {
	tuple, found := FindSupportedDeviceTuple(gousb.ID(vendorID), gousb.ID(productID))
	if !found {
		log.Debug("ignoring unsupported device", zap.String("vid", gousb.ID(vendorID).String()), zap.String("pid", gousb.ID(productID).String()))
		return
	}

	m.Lock()
	if attached {
		m.devices[tuple.DeviceType] = tuple.Device
		log.Info("sdr attached", zap.String("device", tuple.Device.String()))
	} else {
		delete(m.devices, tuple.DeviceType)
		log.Warn("sdr detached", zap.String("device", tuple.Device.String()))
	}
	callbacks := append([]HotplugFunc(nil), m.onHotplug...)
	m.Unlock()

	for _, fn := range callbacks {
		fn(tuple.Device, attached)
	}
}

func (m *USBDeviceManager) Shutdown() {
	m.Lock()
	stop := m.stopMonitor
	m.stopMonitor = nil
	m.Unlock()

	if stop != nil {
		log.Info("stopping udev monitor")
		stop()
	}
	m.Wait()
}

// ResetDevice runs the reset command of the device, falling back to a usb port reset
func (m *USBDeviceManager) ResetDevice(target DeviceType) error {
	m.Lock()
	defer m.Unlock()

	supd, exists := SupportedDevices[target]
	if !exists {
		return fmt.Errorf("unknown device type %d", target)
	}

	d, exists := m.devices[target]
	if !exists {
		return NewNotFoundError(fmt.Sprintf("device with Name '%s' not attached", supd.Name))
	}

	if len(d.ResetCMD) > 0 {
		err := exec.Command(d.ResetCMD[0], d.ResetCMD[1:]...).Run()
		if err == nil {
			log.Info("device reset cmd executed", zap.String("device", d.String()))
			return nil
		}
		log.Error("device reset with cmd failed, continuing", zap.String("device", d.String()), zap.Error(err))
	}

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	dev, _ := usbCtx.OpenDeviceWithVIDPID(d.VendorID, d.ProductID)
	if dev == nil {
		return NewVanishedError(fmt.Sprintf("%s disappeared but was detected before", d.String()))
	}
	defer dev.Close()

	// An usb reset does not trigger any udev rules, the device stays listed
	if err := dev.Reset(); err != nil {
		log.Error("resetting usb device failed", zap.String("device", d.String()), zap.Error(err))
		return err
	}
	return nil
}

// parseProduct splits the udev PRODUCT value, e.g. "1d50/6089/104" is VID/PID/REVISION
func parseProduct(product string) (vid uint16, pid uint16, err error) {
	s := strings.Split(product, "/")
	if len(s) < 2 {
		return 0, 0, fmt.Errorf("malformed product string %q", product)
	}

	if vid, err = ParseHexUINT16(s[0]); err != nil {
		return 0, 0, fmt.Errorf("invalid vid %q: %w", s[0], err)
	}
	if pid, err = ParseHexUINT16(s[1]); err != nil {
		return 0, 0, fmt.Errorf("invalid pid %q: %w", s[1], err)
	}
	return vid, pid, nil
}

func (m *USBDeviceManager) monitor(ctx context.Context) {
	defer m.Done()
	defer m.udev.Close()

	errs := make(chan error)

	// Only usb_device binds and unbinds
	matchRule := fmt.Sprintf("%s|%s", netlink.BIND, netlink.UNBIND)
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{
				Action: &matchRule,
				Env: map[string]string{
					"DEVTYPE": "usb_device",
				},
			},
		},
	}

	queue := m.udev.Monitor(ctx, errs, matcher)

	for {
		select {
		case <-ctx.Done():
			// The monitor reports the cancellation before it stops
			<-errs
			log.Info("stopped observing udev events")
			return

		case uevent := <-queue:
			product, ok := uevent.Env["PRODUCT"]
			if !ok {
				log.Debug("uevent without product", zap.String("event", uevent.String()))
				continue
			}

			vid, pid, err := parseProduct(product)
			if err != nil {
				log.Error("could not parse uevent product", zap.Error(err))
				continue
			}

			m.HotplugReceived(vid, pid, uevent.Action == netlink.BIND)

		case err := <-errs:
			if ctx.Err() != nil {
				log.Info("stopped observing udev events")
				return
			}
			log.Error("udev monitor encountered an error", zap.Error(err))
		}
	}
}
