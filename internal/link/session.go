package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/LeoCommon/rtt-drone/pkg/misc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatMisses   = 3
	DefaultAckTimeout        = 5 * time.Second
	DefaultRetryDelay        = 2 * time.Second
	MaxRetryDelay            = 30 * time.Second

	inboundBuffer = 32
	statusBuffer  = 8
)

var (
	ErrNotConnected = errors.New("link not connected")
	ErrRejected     = errors.New("message rejected by the ground station")
)

type Options struct {
	// Station name announced in the handshake
	Station string
	// Identifies this process lifetime to the ground station, random if empty
	BootID string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	// Heartbeat intervals without any inbound frame tolerated before the link is dropped
	HeartbeatMisses int
	AckTimeout      time.Duration
	RetryDelay      time.Duration
}

func (o *Options) setDefaults() {
	if o.BootID == "" {
		o.BootID = uuid.NewString()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
}

// Session keeps a handshaken connection to the ground station alive and
// redials after transport failures. Inbound requests survive reconnects on
// a single channel that is closed by Close.
type Session struct {
	dialer Dialer
	opts   Options

	inbound chan Message
	changes chan Status

	mu      sync.Mutex
	status  Status
	conn    Conn
	lastTx  time.Time
	up      chan struct{}
	pending map[string]chan Message
	started bool
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(dialer Dialer, opts Options) *Session {
	opts.setDefaults()

	return &Session{
		dialer:  dialer,
		opts:    opts,
		inbound: make(chan Message, inboundBuffer),
		changes: make(chan Status, statusBuffer),
		up:      make(chan struct{}),
		pending: make(map[string]chan Message),
	}
}

func (s *Session) String() string {
	return s.dialer.String()
}

// Start connects in the background until Close is called
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return misc.NewClosedError("link session")
	}
	if s.started {
		return fmt.Errorf("link session already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StatusChanges notifies about status transitions. A reader that falls
// behind loses the oldest notifications, never the latest one.
func (s *Session) StatusChanges() <-chan Status {
	return s.changes
}

// Inbound delivers ground station requests (config, start, stop, sync)
func (s *Session) Inbound() <-chan Message {
	return s.inbound
}

// WaitConnected blocks until the session is connected or ctx is done
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.status == StatusConnected {
			s.mu.Unlock()
			return nil
		}
		if s.closed {
			s.mu.Unlock()
			return misc.NewClosedError("link session")
		}
		up := s.up
		s.mu.Unlock()

		select {
		case <-up:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}

	prev := s.status
	s.status = status
	if status == StatusConnected {
		close(s.up)
	} else if prev == StatusConnected {
		s.up = make(chan struct{})
	}
	s.notify(status)
	s.mu.Unlock()

	log.Info("link status changed", zap.Stringer("from", prev), zap.Stringer("to", status), zap.String("link", s.dialer.String()))
}

// notify queues status for StatusChanges, a full queue loses its oldest
// entry so the latest status is always delivered. Callers hold s.mu.
func (s *Session) notify(status Status) {
	for {
		select {
		case s.changes <- status:
			return
		default:
		}

		select {
		case <-s.changes:
		default:
		}
	}
}

// Send writes msg without waiting for an answer
func (s *Session) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	return s.write(conn, msg)
}

func (s *Session) write(conn Conn, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	if err = conn.WriteFrame(frame); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastTx = time.Now()
	s.mu.Unlock()
	return nil
}

// Respond answers a ground station request
func (s *Session) Respond(ctx context.Context, req Message, err error) error {
	return s.Send(ctx, NewResponse(req, err))
}

// Push sends msg and waits for the ground station to acknowledge it
func (s *Session) Push(ctx context.Context, msg Message) error {
	msg.AckRequired = true
	answer := make(chan Message, 1)

	s.mu.Lock()
	s.pending[msg.ID] = answer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.ID)
		s.mu.Unlock()
	}()

	if err := s.Send(ctx, msg); err != nil {
		return err
	}

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-answer:
		if !ack.Succeeded() {
			return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
		}
		return nil
	case <-timer.C:
		return misc.NewTimedOutError(fmt.Sprintf("no ack for %s message", msg.Type), s.opts.AckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and closes the inbound channel
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	close(s.inbound)

	if c, ok := s.dialer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	delay := s.opts.RetryDelay
	for {
		s.setStatus(StatusConnecting)

		err := s.connect(ctx)
		s.setStatus(StatusDisconnected)

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			log.Warn("link attempt failed", zap.String("link", s.dialer.String()), zap.Duration("retry", delay), zap.Error(err))
		} else {
			// The link was up, start over with a short delay
			delay = s.opts.RetryDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err != nil {
			delay = min(delay*2, MaxRetryDelay)
		}
	}
}

type frameResult struct {
	msg Message
	err error
}

// connect dials, performs the handshake and serves the connection until it fails
func (s *Session) connect(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	// Unblocks pending reads and writes once the session is closed
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	frames := make(chan frameResult)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go s.read(conn, frames, stop, readerDone)

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		close(stop)
		_ = conn.Close()
		<-readerDone
	}()

	if err = s.handshake(ctx, conn, frames); err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setStatus(StatusConnected)

	s.serve(ctx, conn, frames)
	return nil
}

// read decodes frames until the connection fails
func (s *Session) read(conn Conn, frames chan<- frameResult, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(frames)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			select {
			case frames <- frameResult{err: err}:
			case <-stop:
			}
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			log.Warn("dropping malformed link frame", zap.ByteString("frame", frame), zap.Error(err))
			continue
		}

		select {
		case frames <- frameResult{msg: msg}:
		case <-stop:
			return
		}
	}
}

func (s *Session) handshake(ctx context.Context, conn Conn, frames <-chan frameResult) error {
	hello := NewMessage(TypeHello)
	hello.Station = s.opts.Station
	hello.BootID = s.opts.BootID

	if err := s.write(conn, hello); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return misc.NewTimedOutError("handshake", s.opts.HandshakeTimeout)
		case fr, ok := <-frames:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if fr.err != nil {
				return fmt.Errorf("handshake failed: %w", fr.err)
			}

			if fr.msg.Type == TypeHelloAck && fr.msg.AckID == hello.ID {
				if !fr.msg.Succeeded() {
					return fmt.Errorf("%w: %s", ErrRejected, fr.msg.Error)
				}
				log.Info("link handshake completed", zap.String("link", s.dialer.String()))
				return nil
			}

			log.Debug("ignoring message before handshake", zap.String("type", string(fr.msg.Type)))
		}
	}
}

func (s *Session) serve(ctx context.Context, conn Conn, frames <-chan frameResult) {
	interval := s.opts.HeartbeatInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	lastRx := time.Now()
	misses := 0

	for {
		select {
		case <-ctx.Done():
			return

		case fr, ok := <-frames:
			if !ok {
				return
			}
			if fr.err != nil {
				log.Warn("link connection lost", zap.String("link", s.dialer.String()), zap.Error(fr.err))
				return
			}

			lastRx = time.Now()
			misses = 0
			if !s.handle(ctx, conn, fr.msg) {
				return
			}

		case now := <-ticker.C:
			silent := now.Sub(lastRx)
			if silent >= interval*time.Duration(misses+1) {
				misses++
				if misses > s.opts.HeartbeatMisses {
					log.Warn("ground station stopped answering heartbeats", zap.Int("misses", misses), zap.Duration("silent", silent))
					return
				}
			}

			s.mu.Lock()
			idle := now.Sub(s.lastTx)
			s.mu.Unlock()

			if idle >= interval || misses > 0 {
				if err := s.write(conn, NewMessage(TypeHeartbeat)); err != nil {
					log.Warn("heartbeat failed", zap.Error(err))
					return
				}
			}
		}
	}
}

// handle processes one inbound message, false ends the connection
func (s *Session) handle(ctx context.Context, conn Conn, msg Message) bool {
	switch {
	case msg.Type == TypeHeartbeat:
		reply := NewMessage(TypeHeartbeatAck)
		reply.AckID = msg.ID
		if err := s.write(conn, reply); err != nil {
			log.Warn("heartbeat reply failed", zap.Error(err))
			return false
		}
		return true

	case msg.Type == TypeHeartbeatAck:
		return true

	case msg.Type == TypeAck:
		s.mu.Lock()
		waiter, ok := s.pending[msg.AckID]
		s.mu.Unlock()

		if ok {
			select {
			case waiter <- msg:
			default:
			}
		}
		return true

	case msg.Type.IsRequest():
		// Requests are answered by the consumer once it decided on them
		select {
		case s.inbound <- msg:
		case <-ctx.Done():
			return false
		}
		return true
	}

	log.Debug("unhandled link message", zap.String("type", string(msg.Type)))
	if msg.AckRequired {
		if err := s.write(conn, NewResponse(msg, fmt.Errorf("unsupported message type %q", msg.Type))); err != nil {
			return false
		}
	}
	return true
}
