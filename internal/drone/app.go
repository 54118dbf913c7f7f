// Package drone assembles the field device: it loads the hardware profile,
// connects to the system services and hands the acquired hardware to the
// controller.
package drone

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/LeoCommon/rtt-drone/internal/controller"
	"github.com/LeoCommon/rtt-drone/internal/drone/config"
	"github.com/LeoCommon/rtt-drone/internal/metrics"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/system/sensors"
	"github.com/LeoCommon/rtt-drone/pkg/systemd"
	"github.com/LeoCommon/rtt-drone/pkg/usb"
	"go.uber.org/zap"
)

// App global app struct that contains all services
type App struct {
	// Every go routine that has to end before the process exits is registered here
	WG sync.WaitGroup

	FlushSignal chan os.Signal
	ExitSignal  chan os.Signal

	Flags config.CLIFlags
	Conf  *config.Manager

	SystemdConnector *systemd.Connector
	UsbManager       *usb.USBDeviceManager
	Metrics          *metrics.Collector

	Hardware   *Hardware
	Controller *controller.Controller
}

func (a *App) Shutdown() {
	if a.SystemdConnector != nil {
		_ = a.SystemdConnector.Close()
	}

	if a.UsbManager != nil {
		a.UsbManager.Shutdown()
	}

	if a.FlushSignal != nil {
		signal.Stop(a.FlushSignal)
	}
	if a.ExitSignal != nil {
		signal.Stop(a.ExitSignal)
	}

	log.Sync()
}

func (a *App) loadConfiguration() error {
	a.Conf = config.NewManager()
	if err := a.Conf.Load(a.Flags.ConfigPath); err != nil {
		log.Error("hardware profile could not be loaded", zap.String("path", a.Flags.ConfigPath), zap.Error(err))
		return err
	}

	// The profile may turn on debug logging the command line did not ask for
	if a.Conf.Device().C().Debug && !a.Flags.Debug {
		log.Init(true, a.Flags.LogFile)
		log.Debug("debug logging enabled by the hardware profile")
	}
	return nil
}

// Profile maps the hardware profile to the controller tunables
func Profile(conf *config.Manager) controller.Profile {
	radio := conf.Radio().C()
	ctl := conf.Controller().C()

	return controller.Profile{
		Station:          conf.Device().C().Name,
		EPSG:             conf.GPS().C().EPSGCode,
		LinkTimeout:      radio.LinkTimeout.Value(),
		PromoteLateLink:  radio.PromoteLateLink,
		ResolveAttempts:  ctl.ResolveAttempts,
		ResolveBackoff:   ctl.ResolveBackoff.Value(),
		DetectorRestarts: ctl.DetectorRestarts,
		RestartBackoff:   ctl.RestartBackoff.Value(),
		FlushInterval:    conf.Storage().C().FlushInterval.Value(),
		PositionInterval: ctl.GPSPushInterval.Value(),

		StatusLogInterval: ctl.StatusLogInterval.Value(),
	}
}

func onTransition(from, to string) {
	if err := systemd.Status(fmt.Sprintf("controller %s", to)); err != nil {
		log.Debug("systemd status not updated", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
}

func Setup(args []string) (*App, error) {
	app := App{}

	flags, err := config.ParseCLIFlags(args)
	if err != nil {
		return nil, err
	}
	app.Flags = flags

	// Register a quit signal
	app.ExitSignal = make(chan os.Signal, 1)
	signal.Notify(app.ExitSignal, os.Interrupt, syscall.SIGTERM)

	// SIGUSR1 flushes the recorder without stopping
	app.FlushSignal = make(chan os.Signal, 1)
	signal.Notify(app.FlushSignal, syscall.SIGUSR1)

	log.Init(flags.Debug, flags.LogFile)
	log.Info("drone starting", zap.String("config", flags.ConfigPath))

	if err = app.loadConfiguration(); err != nil {
		app.Shutdown()
		return nil, err
	}

	// Connect to systemd & dbus, only the gpsd interface depends on it
	app.SystemdConnector, err = systemd.NewConnector()
	if err != nil {
		log.Warn("could not connect to dbus, all related functionality is disabled.", zap.Error(err))
		app.SystemdConnector = nil
	}

	// Setup usb and run the device scan to get startup output
	app.UsbManager = usb.NewUSBDeviceManager()
	app.UsbManager.FindSupportedDevices()

	app.Metrics = metrics.New()
	app.watchSDR()

	app.Hardware = NewHardware(app.Conf, app.SystemdConnector, app.UsbManager)

	app.Controller, err = controller.New(controller.Options{
		Profile:      Profile(app.Conf),
		Hardware:     app.Hardware,
		Metrics:      app.Metrics,
		Temperatures: sensors.ReadTemperatures,
		OnTransition: onTransition,
	})
	if err != nil {
		app.Shutdown()
		return nil, err
	}

	// Output all system temperatures
	log.Info("system_temperatures", zap.Any("sensors", sensors.ReadTemperatures()))
	app.ReportHealth()

	return &app, nil
}

// watchSDR keeps the sdr gauge in line with the usb bus
func (a *App) watchSDR() {
	sdrConf := a.Conf.SDR().C()
	if sdrConf.IsGenerator() {
		a.Metrics.SetSDRAttached(true)
		return
	}

	_, attached := a.UsbManager.Attached(sdrConf.Type)
	a.Metrics.SetSDRAttached(attached)

	a.UsbManager.OnHotplug(func(dev *usb.Device, attached bool) {
		if !strings.EqualFold(dev.Kind, sdrConf.Type) {
			return
		}
		if !attached {
			log.Warn("configured sdr left the usb bus", zap.String("device", dev.String()))
		}
		a.Metrics.SetSDRAttached(attached)
	})
}

// ReportHealth logs and exports the board temperatures
func (a *App) ReportHealth() {
	temps := sensors.ReadTemperatures()
	if hottest, ok := sensors.Hottest(temps); ok {
		a.Metrics.SetBoardTemperature(hottest.Celsius())
		log.Debug("board temperature", zap.Stringer("hottest", hottest))
	}
}

// Run starts the metrics endpoint and drives the controller until ctx is done
// or the controller failed
func (a *App) Run(ctx context.Context) controller.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if listen := a.Conf.Metrics().C().Listen; listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Metrics.Serve(ctx, listen); err != nil {
				log.Error("metrics endpoint failed", zap.String("listen", listen), zap.Error(err))
			}
		}()
	}

	if err := systemd.Ready(); err != nil {
		log.Debug("systemd readiness not sent", zap.Error(err))
	}

	res := a.Controller.Run(ctx)

	cancel()
	wg.Wait()
	return res
}
