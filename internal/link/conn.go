// Package link carries the ground station protocol over a serial radio, TCP
// or MQTT and keeps the session to the ground station alive.
package link

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single newline delimited frame
const MaxFrameSize = 64 * 1024

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Conn is a framed, bidirectional transport. ReadFrame may be called
// concurrently with WriteFrame, Close unblocks both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer establishes a new Conn for every (re)connect
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// streamConn frames messages on a byte stream, one message per line
type streamConn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu sync.Mutex
}

func NewStreamConn(rwc io.ReadWriteCloser) Conn {
	return &streamConn{
		rwc: rwc,
		r:   bufio.NewReaderSize(rwc, 4096),
	}
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(frame)+len(chunk) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		frame = append(frame, chunk...)

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// Radios tend to emit blank lines and stray carriage returns
		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}
		return frame, nil
	}
}

func (c *streamConn) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame must not contain a newline")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')
	_, err := c.rwc.Write(buf)
	return err
}

func (c *streamConn) Close() error {
	return c.rwc.Close()
}
