package position

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// I2C_SLAVE from linux/i2c-dev.h
	ioctlI2CSlave = 0x0703

	// The DDC stream register returns this byte when no data is pending
	ddcIdleByte = 0xFF

	ddcChunkSize    = 32
	ddcPollInterval = 50 * time.Millisecond
)

// I2CSource reads the NMEA stream of a u-blox style receiver over the DDC (I2C) port
type I2CSource struct {
	bus     int
	address uint16

	mu      sync.Mutex
	dev     *os.File
	started bool
}

// OpenI2CSource opens /dev/i2c-<bus> and selects the receiver address
func OpenI2CSource(bus int, address uint16) (*I2CSource, error) {
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	if err = unix.IoctlSetInt(int(dev.Fd()), ioctlI2CSlave, int(address)); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("failed to select i2c address 0x%02x on %s: %w", address, path, err)
	}

	log.Info("gps i2c device opened", zap.String("device", path), zap.String("address", fmt.Sprintf("0x%02x", address)))
	return &I2CSource{bus: bus, address: address, dev: dev}, nil
}

func (s *I2CSource) String() string {
	return fmt.Sprintf("i2c(%d:0x%02x)", s.bus, s.address)
}

func (s *I2CSource) Samples(ctx context.Context) (<-chan Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("%s: samples already requested", s)
	}
	if s.dev == nil {
		return nil, fmt.Errorf("%s: device is closed", s)
	}
	s.started = true

	out := make(chan Sample, 8)
	reader := &ddcReader{ctx: ctx, r: s.dev}

	go func() {
		defer close(out)
		streamNMEA(ctx, reader, out, s.String())
	}()

	return out, nil
}

func (s *I2CSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}

	err := s.dev.Close()
	s.dev = nil
	return err
}

// ddcReader turns the polled DDC register into a blocking byte stream
type ddcReader struct {
	ctx context.Context
	r   io.Reader
	buf [ddcChunkSize]byte
}

func (d *ddcReader) Read(p []byte) (int, error) {
	for {
		if err := d.ctx.Err(); err != nil {
			return 0, err
		}

		n, err := d.r.Read(d.buf[:min(len(p), ddcChunkSize)])
		if err != nil {
			return 0, err
		}

		out := 0
		for _, b := range d.buf[:n] {
			if b != ddcIdleByte {
				p[out] = b
				out++
			}
		}

		if out > 0 {
			return out, nil
		}

		select {
		case <-d.ctx.Done():
			return 0, d.ctx.Err()
		case <-time.After(ddcPollInterval):
		}
	}
}
