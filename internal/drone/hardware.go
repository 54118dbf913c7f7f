package drone

import (
	"context"
	"fmt"
	"sync"

	"github.com/LeoCommon/rtt-drone/internal/controller"
	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/drone/config"
	"github.com/LeoCommon/rtt-drone/internal/estimator"
	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/link"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/internal/recorder"
	"github.com/LeoCommon/rtt-drone/internal/resolver"
	"github.com/LeoCommon/rtt-drone/internal/storage"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/systemd"
	"github.com/LeoCommon/rtt-drone/pkg/usb"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type usbProber interface {
	Probe(kind string) (*usb.Device, error)
}

// Hardware builds the subsystems described by the hardware profile
type Hardware struct {
	conf *config.Manager
	// Optional, required by the gpsd interface
	bus *systemd.Connector
	// Optional, the SDR is not probed without it
	usb usbProber

	mu       sync.Mutex
	source   position.Source
	tcp      *link.TCPDialer
	released bool
}

func NewHardware(conf *config.Manager, bus *systemd.Connector, usbManager usbProber) *Hardware {
	return &Hardware{conf: conf, bus: bus, usb: usbManager}
}

// Acquire opens every configured device. A missing SDR, GPS receiver or radio
// port is a HardwareInitError.
func (h *Hardware) Acquire(ctx context.Context) (*controller.Subsystems, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sdrConf := h.conf.SDR().C()
	storageConf := h.conf.Storage().C()

	if err := h.probeSDR(sdrConf); err != nil {
		return nil, err
	}

	src, err := h.openPosition(ctx)
	if err != nil {
		return nil, faults.NewHardwareInitError("gps", err)
	}
	h.source = src

	gpsConf := h.conf.GPS().C()
	tracker := position.NewTracker(src, position.TrackerOptions{
		DataTimeout:    gpsConf.DataTimeout.Value(),
		ErrorThreshold: gpsConf.ErrorThreshold,
	})
	tracker.OnStateChange(func(s position.State) {
		log.Info("gps state changed", zap.Stringer("state", s), zap.Stringer("source", src))
	})

	session, err := h.openLink()
	if err != nil {
		return nil, faults.NewHardwareInitError("radio", err)
	}

	det, err := detector.NewManager(detector.ManagerOptions{
		Factory:  sessionFactory(sdrConf),
		Limits:   sdrConf.Limits(),
		Position: tracker,
		EPSG:     gpsConf.EPSGCode,
	})
	if err != nil {
		return nil, faults.NewHardwareInitError("sdr", err)
	}

	locator := storage.NewLocator(storage.Options{
		MediaRoots:              storageConf.MediaRoots,
		UseRemovable:            storageConf.UseRemovable,
		CheckRemovableForConfig: storageConf.CheckRemovableForConfig,
		LocalConfigDir:          storageConf.LocalConfigDir,
		LocalOutputDir:          storageConf.LocalOutputDir,
	})
	storage.LogFree(locator.OutputRoot())

	resolverOpts := resolver.Options{
		Locator: locator,
		Limits:  sdrConf.Limits(),
	}

	subs := &controller.Subsystems{
		Tracker:  tracker,
		Detector: det,
		Recorder: recorder.New(recorder.Options{SQLiteIndex: storageConf.SQLiteIndex}),
		Storage:  locator,
	}

	// Keep the interfaces nil without a radio
	if session != nil {
		resolverOpts.Link = session
		subs.Link = session
	}
	subs.Resolver = resolver.New(resolverOpts)

	if minPings := h.conf.Controller().C().EstimateMinPings; minPings > 0 {
		subs.Estimator = estimator.NewCentroid(minPings)
	}

	if storageConf.UseRemovable {
		watcher, err := storage.NewWatcher(locator.Roots())
		if err != nil {
			log.Warn("removable storage is not watched", zap.Error(err))
		} else {
			subs.Watcher = watcher
		}
	}

	log.Info("hardware acquired",
		zap.String("sdr", sdrConf.Type),
		zap.Stringer("gps", src),
		zap.String("radio", string(h.conf.Radio().C().Interface)),
		zap.String("output", locator.OutputRoot()))

	return subs, nil
}

func (h *Hardware) probeSDR(sdrConf config.SDRConfig) error {
	if sdrConf.IsGenerator() || sdrConf.SkipUSBProbe || h.usb == nil {
		return nil
	}

	dev, err := h.usb.Probe(sdrConf.Type)
	if err != nil {
		return faults.NewHardwareInitError("sdr", err)
	}
	log.Info("sdr attached", zap.String("device", dev.String()))
	return nil
}

func (h *Hardware) openPosition(ctx context.Context) (position.Source, error) {
	c := h.conf.GPS().C()

	switch c.Interface {
	case config.GPSInterfaceSerial:
		return position.OpenSerialSource(c.SerialPort, c.SerialBaudrate)
	case config.GPSInterfaceI2C:
		addr, err := c.Address()
		if err != nil {
			return nil, err
		}
		return position.OpenI2CSource(c.I2CBus, addr)
	case config.GPSInterfaceGPSD:
		if h.bus == nil {
			return nil, fmt.Errorf("gpsd interface requires a system bus connection")
		}
		return position.NewGPSDSource(ctx, h.bus)
	case config.GPSInterfaceSimulated:
		return position.NewSimulatedSource(c.SimulationSpeed), nil
	default:
		return nil, fmt.Errorf("unsupported gps interface %q", c.Interface)
	}
}

// openLink returns nil without a configured radio
func (h *Hardware) openLink() (*link.Session, error) {
	c := h.conf.Radio().C()
	station := h.conf.Device().C().Name
	bootID := uuid.NewString()

	var dialer link.Dialer
	switch c.Interface {
	case config.RadioInterfaceNone:
		return nil, nil
	case config.RadioInterfaceSerial:
		dialer = &link.SerialDialer{Port: c.Port, BaudRate: c.Baudrate}
	case config.RadioInterfaceTCP:
		tcp := &link.TCPDialer{Host: c.Host, Port: c.TCPPort, ServerMode: c.ServerMode}
		if c.ServerMode {
			if err := tcp.Listen(); err != nil {
				return nil, err
			}
			h.tcp = tcp
		}
		dialer = tcp
	case config.RadioInterfaceMQTT:
		dialer = &link.MQTTDialer{
			BrokerURL:   c.BrokerURL,
			TopicPrefix: c.TopicPrefix,
			ClientID:    fmt.Sprintf("%s-%s", station, bootID[:8]),
			Username:    c.Username,
			Password:    c.Password,
		}
	default:
		return nil, fmt.Errorf("unsupported radio interface %q", c.Interface)
	}

	return link.NewSession(dialer, link.Options{
		Station:           station,
		BootID:            bootID,
		HandshakeTimeout:  c.HandshakeTimeout.Value(),
		HeartbeatInterval: c.HeartbeatInterval.Value(),
		HeartbeatMisses:   c.HeartbeatMisses,
		AckTimeout:        c.AckTimeout.Value(),
	}), nil
}

// sessionFactory starts the built-in generator for test data runs and the ping finder otherwise
func sessionFactory(sdrConf config.SDRConfig) detector.Factory {
	return func(cfg detector.Config) detector.Session {
		if sdrConf.IsGenerator() || cfg.EnableTestData {
			return detector.NewGeneratorSession()
		}
		return detector.NewProcessSession(detector.ProcessOptions{
			Command:     sdrConf.Command,
			Args:        sdrConf.Args,
			GracePeriod: sdrConf.GracePeriod.Value(),
		})
	}
}

// Release closes what Acquire opened and the controller does not own
func (h *Hardware) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true

	var err error
	if h.tcp != nil {
		if cerr := h.tcp.Close(); cerr != nil {
			log.Warn("closing radio listener failed", zap.Error(cerr))
			err = cerr
		}
	}
	if h.source != nil {
		if cerr := h.source.Close(); cerr != nil {
			log.Warn("closing gps source failed", zap.Stringer("source", h.source), zap.Error(cerr))
			err = cerr
		}
	}

	log.Info("hardware released")
	return err
}
