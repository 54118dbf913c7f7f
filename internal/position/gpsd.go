package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/systemd"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	GpsdDbusObjectPath    = "/org/gpsd"
	GpsdDbusInterface     = "org.gpsd"
	GpsdDbusFixMember     = "fix"
	GpsdDbusFixSignalName = GpsdDbusInterface + "." + GpsdDbusFixMember

	GpsdSystemdUnitName = "gpsd.service"
	gpsdStartTimeout    = 10 * time.Second

	// gpsd mode values, 2 and above carry a position
	gpsdMode2D = 2
)

// unitManager is the part of the systemd connector the gpsd source needs
type unitManager interface {
	UnitState(ctx context.Context, unitName string) (string, error)
	RestartUnit(ctx context.Context, unitName string) error
	Signal(ch chan<- *dbus.Signal) error
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
}

// GPSDSource receives fixes from the gpsd D-Bus broadcast
type GPSDSource struct {
	bus          unitManager
	matchOptions []dbus.MatchOption

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
}

// NewGPSDSource makes sure gpsd is running and installs the signal matcher
func NewGPSDSource(ctx context.Context, bus unitManager) (*GPSDSource, error) {
	if bus == nil {
		return nil, fmt.Errorf("gpsd source requires a system bus connection")
	}

	ctx, cancel := context.WithTimeout(ctx, gpsdStartTimeout)
	defer cancel()

	state, err := bus.UnitState(ctx, GpsdSystemdUnitName)
	if err != nil {
		return nil, err
	}

	if state != systemd.ServiceStateActive {
		log.Warn("gpsd not active, restarting", zap.String("state", state))
		if err = bus.RestartUnit(ctx, GpsdSystemdUnitName); err != nil {
			return nil, err
		}
	}

	s := &GPSDSource{
		bus: bus,
		matchOptions: []dbus.MatchOption{
			dbus.WithMatchObjectPath(GpsdDbusObjectPath),
			dbus.WithMatchInterface(GpsdDbusInterface),
		},
	}

	if err = bus.AddMatchSignal(s.matchOptions...); err != nil {
		log.Error("could not add match signal", zap.Error(err))
		return nil, err
	}

	return s, nil
}

func (s *GPSDSource) String() string {
	return "gpsd(dbus)"
}

func (s *GPSDSource) Samples(ctx context.Context) (<-chan Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("%s: samples already requested", s)
	}
	s.started = true

	signals := make(chan *dbus.Signal, 10)
	if err := s.bus.Signal(signals); err != nil {
		return nil, err
	}

	ctx, s.stop = context.WithCancel(ctx)
	out := make(chan Sample, 8)

	go func() {
		defer close(out)
		defer s.bus.RemoveSignal(signals)

		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-signals:
				if !ok {
					return
				}
				if v.Name != GpsdDbusFixSignalName {
					continue
				}

				fix, err := parseGPSDFix(v.Body)
				if err != nil {
					log.Debug("received invalid gpsd signal data", zap.Any("data", v.Body))
					if !send(ctx, out, Sample{Err: err}) {
						return
					}
					continue
				}

				if !send(ctx, out, Sample{Fix: fix}) {
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *GPSDSource) Close() error {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	return s.bus.RemoveMatchSignal(s.matchOptions...)
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

/*
parseGPSDFix converts the raw dbus body of a fix signal
For reference: https://gpsd.gitlab.io/gpsd/gpsd.html#_shared_memory_and_dbus_interfaces
time, mode, ept, lat, lon, eph, altMSL, epv, course, epd, speed, eps, climb, epc, device
*/
func parseGPSDFix(v []interface{}) (*Fix, error) {
	const fixObjectLength = 15
	if len(v) != fixObjectLength {
		return nil, fmt.Errorf("malformed fix object received length %d != %d", len(v), fixObjectLength)
	}

	ts, ok := v[0].(float64)
	if !ok {
		return nil, fmt.Errorf("time could not be interpreted as float64")
	}

	mode, ok := v[1].(int32)
	if !ok {
		return nil, fmt.Errorf("mode could not be interpreted as int32")
	}

	floats := make([]float64, 0, 4)
	for _, idx := range []int{3, 4, 6, 8} {
		f, ok := v[idx].(float64)
		if !ok {
			return nil, fmt.Errorf("field %d could not be interpreted as float64", idx)
		}
		floats = append(floats, f)
	}
	lat, lon, alt, course := floats[0], floats[1], floats[2], floats[3]

	fix := &Fix{
		Quality: int(mode),
		Valid:   mode >= gpsdMode2D && !math.IsNaN(lat) && !math.IsNaN(lon),
	}

	if !math.IsNaN(ts) && ts > 0 {
		sec, frac := math.Modf(ts)
		fix.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	} else {
		fix.Time = time.Now().UTC()
		fix.Valid = false
	}

	if fix.Valid {
		fix.Latitude = lat
		fix.Longitude = lon
		fix.Altitude = nanToZero(alt)
		fix.Heading = nanToZero(course)
	}

	return fix, nil
}
