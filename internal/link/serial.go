package link

import (
	"context"
	"fmt"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialDialer opens the telemetry radio attached to a serial port
type SerialDialer struct {
	Port     string
	BaudRate int
}

func (d *SerialDialer) String() string {
	return fmt.Sprintf("serial(%s@%d)", d.Port, d.BaudRate)
}

func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := serial.Open(d.Port, &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open radio port %s: %w", d.Port, err)
	}

	// Drop whatever the radio buffered while nobody was listening
	if err = port.ResetInputBuffer(); err != nil {
		log.Warn("could not reset radio input buffer", zap.String("port", d.Port), zap.Error(err))
	}

	log.Info("radio serial port opened", zap.String("port", d.Port), zap.Int("baudrate", d.BaudRate))
	return NewStreamConn(port), nil
}
