package link

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
)

// TCPDialer connects to a ground station over TCP. In server mode it listens
// and accepts a single ground station per Dial instead.
type TCPDialer struct {
	Host       string
	Port       int
	ServerMode bool

	mu sync.Mutex
	ln net.Listener
}

func (d *TCPDialer) addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d *TCPDialer) String() string {
	mode := "client"
	if d.ServerMode {
		mode = "server"
	}
	return fmt.Sprintf("tcp-%s(%s)", mode, d.addr())
}

// Addr returns the listen address in server mode, useful with port 0
func (d *TCPDialer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Listen binds the server socket ahead of the first Dial
func (d *TCPDialer) Listen() error {
	_, err := d.listener()
	return err
}

func (d *TCPDialer) listener() (net.Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ln != nil {
		return d.ln, nil
	}

	ln, err := net.Listen("tcp", d.addr())
	if err != nil {
		return nil, err
	}

	log.Info("waiting for ground station connections", zap.String("addr", ln.Addr().String()))
	d.ln = ln
	return ln, nil
}

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	if !d.ServerMode {
		var nd net.Dialer
		c, err := nd.DialContext(ctx, "tcp", d.addr())
		if err != nil {
			return nil, err
		}
		return NewStreamConn(c), nil
	}

	ln, err := d.listener()
	if err != nil {
		return nil, err
	}

	type accepted struct {
		c   net.Conn
		err error
	}

	result := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		result <- accepted{c, err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		log.Info("ground station connected", zap.String("remote", r.c.RemoteAddr().String()))
		return NewStreamConn(r.c), nil
	case <-ctx.Done():
		// Closing the listener is the only way to abort Accept, the next Dial listens again
		_ = d.Close()
		if r := <-result; r.c != nil {
			_ = r.c.Close()
		}
		return nil, ctx.Err()
	}
}

// Close releases the listening socket
func (d *TCPDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ln == nil {
		return nil
	}

	err := d.ln.Close()
	d.ln = nil
	return err
}
