package position

import (
	"context"
	"fmt"
	"sync"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialSource reads NMEA sentences from a serial attached receiver
type SerialSource struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	started bool
}

// OpenSerialSource opens the port right away so a missing receiver is detected at startup
func OpenSerialSource(portName string, baudRate int) (*SerialSource, error) {
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open gps serial port %s: %w", portName, err)
	}

	log.Info("gps serial port opened", zap.String("port", portName), zap.Int("baudrate", baudRate))
	return &SerialSource{portName: portName, baudRate: baudRate, port: port}, nil
}

func (s *SerialSource) String() string {
	return fmt.Sprintf("serial(%s@%d)", s.portName, s.baudRate)
}

func (s *SerialSource) Samples(ctx context.Context) (<-chan Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, fmt.Errorf("%s: samples already requested", s)
	}
	if s.port == nil {
		return nil, fmt.Errorf("%s: port is closed", s)
	}
	s.started = true
	port := s.port

	out := make(chan Sample, 8)
	ctx, cancel := context.WithCancel(ctx)

	// Closing the port unblocks the pending read
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		defer close(out)
		defer cancel()
		streamNMEA(ctx, port, out, s.String())
	}()

	return out, nil
}

func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}

	err := s.port.Close()
	s.port = nil
	return err
}
