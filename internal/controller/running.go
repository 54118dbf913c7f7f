package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeoCommon/rtt-drone/internal/detector"
	"github.com/LeoCommon/rtt-drone/internal/estimator"
	"github.com/LeoCommon/rtt-drone/internal/faults"
	"github.com/LeoCommon/rtt-drone/internal/link"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/internal/session"
	"github.com/LeoCommon/rtt-drone/internal/storage"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

// ErrAutonomous rejects ground station requests while the session runs without a ground station
var ErrAutonomous = errors.New("session is autonomous")

// run applies the resolved config and handles events until ctx is done or a fatal fault occurred
func (c *Controller) run(ctx context.Context) error {
	if c.sess.Mode == session.ModeConnected {
		c.startPositionPush()
	}

	if err := c.subs.Detector.Apply(ctx, *c.sess.Config); err != nil {
		log.Error("detector did not start", zap.Error(err))
		c.onFault(err)
	}
	c.publish()

	return c.loop(ctx)
}

func (c *Controller) loop(ctx context.Context) error {
	flush := time.NewTicker(c.opts.Profile.FlushInterval)
	defer flush.Stop()

	status := time.NewTicker(c.opts.Profile.StatusLogInterval)
	defer status.Stop()

	events := c.subs.Detector.Events()

	var (
		inbound  <-chan link.Message
		statuses <-chan link.Status
		volumes  <-chan storage.Event
	)
	if c.subs.Link != nil {
		inbound = c.subs.Link.Inbound()
		statuses = c.subs.Link.StatusChanges()
	}
	if c.subs.Watcher != nil {
		volumes = c.subs.Watcher.Events()
	}

	for c.fatal == nil {
		var positions <-chan time.Time
		if c.posTicker != nil {
			positions = c.posTicker.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("detector event stream closed")
			}
			c.handleDetector(ev)

		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.handleRequest(ctx, msg)

		case st := <-statuses:
			c.handleLinkStatus(st)

		case ev, ok := <-volumes:
			if !ok {
				volumes = nil
				continue
			}
			c.handleVolume(ev)

		case <-flush.C:
			c.flush()

		case <-c.flushReq:
			log.Info("recorder flush requested")
			c.flush()

		case <-positions:
			c.pushPosition()

		case <-status.C:
			c.logStatus()

		case <-c.restartC:
			c.restart(ctx)
		}

		c.sess.DetectorState = c.subs.Detector.State()
		c.publish()
	}

	return c.fatal
}

func (c *Controller) handleDetector(ev detector.Event) {
	switch ev.Kind {
	case detector.EventStarted:
		if c.subs.Estimator != nil {
			c.subs.Estimator.Reset()
		}
		c.sess.ActiveRun = ev.Run
		c.sess.DetectorState = c.subs.Detector.State()
		c.subs.Recorder.SetInfo(c.info())

		if err := c.subs.Recorder.Rotate(ev.Run, ev.Root); err != nil {
			log.Error("recorder could not open run", zap.Stringer("run", ev.Run), zap.Error(err))
			if serr := c.subs.Detector.Stop(); serr != nil {
				log.Warn("stopping detector failed", zap.Error(serr))
			}
			c.sess.ActiveRun = detector.RunID{}
			c.onFault(faults.NewDetectorFault(ev.Run.String(), err))
			return
		}
		c.pushStatus(c.State())

	case detector.EventDetection:
		c.opts.Metrics.Detection()
		if !c.sess.HasRun(ev.Run) {
			log.Debug("dropping detection of an inactive run", zap.Stringer("run", ev.Run))
			return
		}

		if c.faults > 0 {
			log.Info("detector recovered", zap.Stringer("run", ev.Run), zap.Int("faults", c.faults))
			c.faults = 0
		}

		log.Info("ping detected", detectionFields(ev.Record)...)

		if err := c.subs.Recorder.Record(ev.Record); err != nil {
			log.Error("recording detection failed", zap.Stringer("run", ev.Run), zap.Error(err))
		} else {
			c.opts.Metrics.Written()
		}

		// Only detections of a connected session leave the drone
		if c.sess.Mode == session.ModeConnected {
			msg := link.NewMessage(link.TypeDetection)
			msg.Detection = link.NewDetectionPayload(ev.Record)
			c.enqueue(msg, false)
		}

		c.estimate(ev.Record)

	case detector.EventFault:
		c.sess.ActiveRun = detector.RunID{}
		c.onFault(ev.Err)

	case detector.EventStopped:
		log.Info("detector session ended", zap.Stringer("run", ev.Run))
		if c.sess.ActiveRun == ev.Run {
			c.sess.ActiveRun = detector.RunID{}
		}
	}
}

// estimate feeds rec to the estimator and publishes a new estimate
func (c *Controller) estimate(rec detector.Record) {
	if c.subs.Estimator == nil {
		return
	}

	est, ok := c.subs.Estimator.Add(rec)
	if !ok {
		return
	}

	log.Info("location estimated", estimateFields(est)...)
	if err := c.subs.Recorder.RecordEstimate(est); err != nil {
		log.Error("recording location estimate failed", zap.Stringer("run", est.Run), zap.Error(err))
	}

	if c.sess.Mode == session.ModeConnected {
		msg := link.NewMessage(link.TypeEstimate)
		msg.Estimate = link.NewEstimatePayload(est)
		c.enqueue(msg, false)
	}
}

func (c *Controller) handleRequest(ctx context.Context, msg link.Message) {
	if c.sess.Mode != session.ModeConnected {
		log.Warn("ignoring ground station request", zap.String("type", string(msg.Type)), zap.Error(ErrAutonomous))
		c.enqueue(link.NewResponse(msg, ErrAutonomous), false)
		return
	}

	log.Info("ground station request", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))

	switch msg.Type {
	case link.TypeConfig:
		cfg, err := c.subs.Resolver.FromMessage(msg)
		c.enqueue(link.NewResponse(msg, err), false)
		if err != nil {
			log.Warn("rejected config from ground station", zap.Error(err))
			return
		}

		c.sess.SetConfig(cfg)
		c.subs.Recorder.SetInfo(c.info())
		c.apply(ctx)

	case link.TypeStart:
		c.enqueue(link.NewResponse(msg, nil), false)
		c.apply(ctx)

	case link.TypeStop:
		c.cancelRestart()
		err := c.subs.Detector.Stop()
		c.sess.ActiveRun = detector.RunID{}
		if ferr := c.subs.Recorder.Flush(); ferr != nil {
			log.Error("recorder flush failed", zap.Error(ferr))
		}
		c.enqueue(link.NewResponse(msg, err), false)

		// A stopped detector has no pending restart, the fault streak ends here
		if c.State() == StateDegraded {
			c.faults = 0
			c.fire(EventRecover)
		}

	case link.TypeSync:
		c.sess.DetectorState = c.subs.Detector.State()
		resp := link.NewResponse(msg, nil)
		resp.Status = c.statusPayload(c.State())
		resp.Config = c.sess.Snapshot().Config
		c.enqueue(resp, false)

	default:
		c.enqueue(link.NewResponse(msg, fmt.Errorf("unsupported request %q", msg.Type)), false)
	}
}

// apply (re)starts the detector with the session config
func (c *Controller) apply(ctx context.Context) {
	c.cancelRestart()
	if err := c.subs.Detector.Apply(ctx, *c.sess.Config); err != nil {
		log.Error("applying detector config failed", zap.Error(err))
		c.onFault(err)
		return
	}
	c.fire(EventRecover)
}

func (c *Controller) handleLinkStatus(st link.Status) {
	c.sess.LinkStatus = st
	c.opts.Metrics.SetLinkStatus(int(st))
	log.Info("link status changed", zap.Stringer("status", st), zap.Stringer("mode", c.sess.Mode))

	if st != link.StatusConnected {
		return
	}

	if c.sess.Mode == session.ModeAutonomous {
		if !c.opts.Profile.PromoteLateLink {
			return
		}

		// Records from before the promotion stay on the drone
		log.Info("ground station reachable, promoting session to connected")
		c.sess.Mode = session.ModeConnected
		c.subs.Recorder.SetInfo(c.info())
		c.startPositionPush()
	}

	c.pushStatus(c.State())
}

func (c *Controller) handleVolume(ev storage.Event) {
	if !ev.Removed {
		log.Info("removable storage mounted", zap.String("volume", ev.Volume))
		return
	}

	if c.subs.Storage == nil {
		return
	}

	vol, ok := c.subs.Storage.VolumeOf(c.sess.OutputRoot)
	if !ok || vol != ev.Volume {
		log.Info("removable storage removed", zap.String("volume", ev.Volume))
		return
	}

	local := c.subs.Storage.LocalOutputRoot()
	log.Warn("output storage removed, continuing on local storage", zap.String("volume", ev.Volume), zap.String("output", local))

	c.sess.OutputRoot = local
	c.sess.Config.OutputDir = local
	c.subs.Recorder.SetInfo(c.info())

	if c.sess.ActiveRun.IsZero() {
		return
	}

	dir, err := detector.ReserveMoveDir(local, c.sess.ActiveRun)
	if err != nil {
		log.Error("could not reserve run directory on local storage", zap.Stringer("run", c.sess.ActiveRun), zap.Error(err))
		return
	}
	if err = c.subs.Recorder.Rotate(c.sess.ActiveRun, dir); err != nil {
		log.Error("could not move run to local storage", zap.Stringer("run", c.sess.ActiveRun), zap.Error(err))
	}
}

func (c *Controller) flush() {
	if err := c.subs.Recorder.Flush(); err != nil {
		log.Error("recorder flush failed", zap.Error(err))
	}
	c.opts.Metrics.SetFixValid(c.subs.Tracker.State() == position.StateRunning)
}

// onFault counts a detector fault and schedules a restart, or fails the
// controller once the consecutive faults exceed the restart budget
func (c *Controller) onFault(err error) {
	c.faults++
	c.opts.Metrics.Fault()
	c.fire(EventFault)

	if c.faults > c.opts.Profile.DetectorRestarts {
		c.fatal = fmt.Errorf("detector failed %d times in a row: %w", c.faults, err)
		return
	}

	backoff := c.opts.Profile.RestartBackoff
	for i := 1; i < c.faults && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	backoff = min(backoff, maxBackoff)

	log.Warn("detector fault, scheduling restart", zap.Int("fault", c.faults), zap.Duration("backoff", backoff), zap.Error(err))

	c.cancelRestart()
	c.restartTimer = time.NewTimer(backoff)
	c.restartC = c.restartTimer.C
}

func (c *Controller) restart(ctx context.Context) {
	c.restartTimer, c.restartC = nil, nil
	c.opts.Metrics.Restart()

	log.Info("restarting detector", zap.Int("fault", c.faults))
	if err := c.subs.Detector.Apply(ctx, *c.sess.Config); err != nil {
		c.onFault(err)
		return
	}
	c.fire(EventRecover)
}

func (c *Controller) cancelRestart() {
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	c.restartTimer, c.restartC = nil, nil
}

func (c *Controller) startPositionPush() {
	if c.posTicker == nil && c.subs.Link != nil {
		c.posTicker = time.NewTicker(c.opts.Profile.PositionInterval)
	}
}

func (c *Controller) pushPosition() {
	if c.subs.Link == nil || c.subs.Link.Status() != link.StatusConnected {
		return
	}

	pos, ok := c.subs.Tracker.Project(c.opts.Profile.EPSG)
	c.opts.Metrics.SetFixValid(ok)
	if !ok {
		return
	}

	msg := link.NewMessage(link.TypePosition)
	msg.Position = link.NewPositionPayload(&pos)
	c.enqueue(msg, false)
}

func positionField(pos *position.Projected) zap.Field {
	if pos == nil {
		return zap.String("position", "no fix")
	}
	return zap.String("position", fmt.Sprintf("%.1fE %.1fN %s alt %.1f", pos.Easting, pos.Northing, pos.Zone, pos.Altitude))
}

func estimateFields(est estimator.Estimate) []zap.Field {
	return []zap.Field{
		zap.Stringer("run", est.Run),
		zap.Int64("frequency", est.Frequency),
		zap.Float64("easting", est.Easting),
		zap.Float64("northing", est.Northing),
		zap.Int("epsg", est.EPSG),
		zap.Int("pings", est.Pings),
	}
}

func detectionFields(rec detector.Record) []zap.Field {
	return []zap.Field{
		zap.Stringer("run", rec.Run),
		zap.Int64("frequency", rec.Frequency),
		zap.Float64("amplitude", rec.Amplitude),
		zap.Float64("snr", rec.SNR),
		positionField(rec.Position),
	}
}

// logStatus writes the periodic status line of the drone
func (c *Controller) logStatus() {
	var pos *position.Projected
	if p, ok := c.subs.Tracker.Project(c.opts.Profile.EPSG); ok {
		pos = &p
	}

	fields := []zap.Field{
		zap.String("state", c.State()),
		zap.Stringer("mode", c.sess.Mode),
		zap.Stringer("gps", c.subs.Tracker.State()),
		zap.Stringer("detector", c.subs.Detector.State()),
		zap.Stringer("run", c.sess.ActiveRun),
		positionField(pos),
	}
	if c.subs.Link != nil {
		fields = append(fields, zap.Stringer("link", c.subs.Link.Status()))
	}
	log.Info("status", fields...)
}
