// Package metrics exposes controller health to prometheus
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 2 * time.Second

// Collector bundles the drone metrics. A nil Collector discards all updates.
type Collector struct {
	registry *prometheus.Registry

	ControllerState  *prometheus.GaugeVec
	LinkStatus       prometheus.Gauge
	FixValid         prometheus.Gauge
	Detections       prometheus.Counter
	DetectorFaults   prometheus.Counter
	RecordsWritten   prometheus.Counter
	DetectorRestarts prometheus.Counter
	SDRAttached      prometheus.Gauge
	BoardTemperature prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ControllerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rtt_controller_state",
			Help: "Current controller state, 1 for the active state.",
		}, []string{"state"}),
		LinkStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtt_link_status",
			Help: "Ground station link status (0=disconnected, 1=connecting, 2=connected).",
		}),
		FixValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtt_fix_valid",
			Help: "1 while the GPS reports a valid fix.",
		}),
		Detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtt_detections_total",
			Help: "Detections received from the detector.",
		}),
		DetectorFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtt_detector_faults_total",
			Help: "Detector sessions that ended with a fault.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtt_records_written_total",
			Help: "Detection records written to storage.",
		}),
		DetectorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtt_detector_restarts_total",
			Help: "Detector restarts attempted after a fault.",
		}),
		SDRAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtt_sdr_attached",
			Help: "1 while the configured SDR is on the USB bus.",
		}),
		BoardTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rtt_board_temperature_celsius",
			Help: "Hottest board sensor reading.",
		}),
	}

	c.registry.MustRegister(
		c.ControllerState,
		c.LinkStatus,
		c.FixValid,
		c.Detections,
		c.DetectorFaults,
		c.RecordsWritten,
		c.DetectorRestarts,
		c.SDRAttached,
		c.BoardTemperature,
		collectors.NewGoCollector(),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetState marks state as the only active controller state
func (c *Collector) SetState(state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.ControllerState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) SetLinkStatus(status int) {
	if c == nil {
		return
	}
	c.LinkStatus.Set(float64(status))
}

func (c *Collector) SetFixValid(valid bool) {
	if c == nil {
		return
	}
	if valid {
		c.FixValid.Set(1)
	} else {
		c.FixValid.Set(0)
	}
}

func (c *Collector) SetSDRAttached(attached bool) {
	if c == nil {
		return
	}
	if attached {
		c.SDRAttached.Set(1)
	} else {
		c.SDRAttached.Set(0)
	}
}

func (c *Collector) SetBoardTemperature(celsius float64) {
	if c != nil {
		c.BoardTemperature.Set(celsius)
	}
}

func (c *Collector) Detection() {
	if c != nil {
		c.Detections.Inc()
	}
}

func (c *Collector) Fault() {
	if c != nil {
		c.DetectorFaults.Inc()
	}
}

func (c *Collector) Written() {
	if c != nil {
		c.RecordsWritten.Inc()
	}
}

func (c *Collector) Restart() {
	if c != nil {
		c.DetectorRestarts.Inc()
	}
}

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listen until ctx is done
func (c *Collector) Serve(ctx context.Context, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	return c.serve(ctx, ln)
}

func (c *Collector) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errCh; !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return err
}
