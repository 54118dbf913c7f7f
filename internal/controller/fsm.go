package controller

import (
	"context"
	"errors"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

const (
	StateInit         = "init"
	StateResolving    = "resolving"
	StateRunning      = "running"
	StateDegraded     = "degraded"
	StateShuttingDown = "shutting_down"
	StateStopped      = "stopped"
)

// AllStates in lifecycle order
var AllStates = []string{StateInit, StateResolving, StateRunning, StateDegraded, StateShuttingDown, StateStopped}

const (
	// EventAcquire (INIT) hardware handles were acquired
	EventAcquire = "acquire"
	// EventResolved (RESOLVING) mode and config are known
	EventResolved = "resolved"
	// EventFault (RUNNING) the detector session faulted
	EventFault = "fault"
	// EventRecover (DEGRADED) the detector was restarted or stopped on request
	EventRecover = "recover"
	// EventShutdown from every live state
	EventShutdown = "shutdown"
	// EventFinish releases the last resources
	EventFinish = "finish"
)

func wrapEvent(fn func(ctx context.Context, e *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		if err := fn(ctx, e); err != nil {
			e.Err = err
		}
	}
}

func (c *Controller) newFSM() *fsm.FSM {
	events := fsm.Events{
		{Name: EventAcquire, Src: []string{StateInit}, Dst: StateResolving},
		{Name: EventResolved, Src: []string{StateResolving}, Dst: StateRunning},
		{Name: EventFault, Src: []string{StateRunning}, Dst: StateDegraded},
		{Name: EventRecover, Src: []string{StateDegraded}, Dst: StateRunning},
		{Name: EventShutdown, Src: []string{StateInit, StateResolving, StateRunning, StateDegraded}, Dst: StateShuttingDown},
		{Name: EventFinish, Src: []string{StateShuttingDown}, Dst: StateStopped},
	}

	callbacks := fsm.Callbacks{
		// Never trigger events from here, looplab/fsm holds its transition lock
		"enter_state": wrapEvent(c.actionEnterState),
	}

	return fsm.NewFSM(StateInit, events, callbacks)
}

func (c *Controller) actionEnterState(_ context.Context, e *fsm.Event) error {
	log.Info("controller state changed", zap.String("from", e.Src), zap.String("to", e.Dst), zap.String("event", e.Event))
	c.opts.Metrics.SetState(e.Dst, AllStates)
	c.pushStatus(e.Dst)
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(e.Src, e.Dst)
	}
	return nil
}

// fire triggers event, transitions that are not allowed from the current state are logged and ignored.
// Transitions run to completion even while the controller is being cancelled.
func (c *Controller) fire(event string) {
	err := c.fsm.Event(context.Background(), event)
	if err == nil {
		return
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		log.Debug("event ignored in current state", zap.String("event", event), zap.String("state", invalid.State))
		return
	}

	log.Warn("controller transition rejected", zap.String("event", event), zap.String("state", c.fsm.Current()), zap.Error(err))
}
