package controller

import (
	"context"

	"github.com/LeoCommon/rtt-drone/internal/link"
	"github.com/LeoCommon/rtt-drone/internal/position"
	"github.com/LeoCommon/rtt-drone/internal/session"
	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

func (c *Controller) statusPayload(state string) *link.StatusPayload {
	p := &link.StatusPayload{
		State:    state,
		Detector: c.subs.Detector.State().String(),
		FixValid: c.subs.Tracker.State() == position.StateRunning,
	}

	if c.sess != nil {
		p.Mode = c.sess.Mode.String()
		p.OutputRoot = c.sess.OutputRoot
		if !c.sess.ActiveRun.IsZero() {
			p.Run = c.sess.ActiveRun.String()
		}
	}

	if c.opts.Temperatures != nil {
		p.Temperatures = c.opts.Temperatures()
	}
	return p
}

// pushStatus reports state to the ground station of a connected session
func (c *Controller) pushStatus(state string) {
	if c.subs == nil || c.subs.Link == nil || c.sess == nil {
		return
	}
	if c.sess.Mode != session.ModeConnected || c.subs.Link.Status() != link.StatusConnected {
		return
	}

	msg := link.NewMessage(link.TypeStatus)
	msg.Status = c.statusPayload(state)
	c.enqueue(msg, true)
}

// enqueue hands msg to the send loop, the controller never blocks on the link
func (c *Controller) enqueue(msg link.Message, push bool) {
	select {
	case c.outbound <- outbound{msg: msg, push: push}:
	default:
		log.Warn("outbound queue full, dropping message", zap.String("type", string(msg.Type)), zap.String("id", msg.ID))
	}
}

func (c *Controller) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-c.outbound:
			var err error
			if out.push {
				err = c.subs.Link.Push(ctx, out.msg)
			} else {
				err = c.subs.Link.Send(ctx, out.msg)
			}

			if err != nil {
				log.Warn("sending to ground station failed", zap.String("type", string(out.msg.Type)), zap.Error(err))
			}
		}
	}
}
