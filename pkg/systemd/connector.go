package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("system bus is not connected")

// Connector is a thin system bus client for unit management and signal matching
type Connector struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewConnector connects to the system bus
func NewConnector() (*Connector, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Error("Failed to connect to system bus", zap.Error(err))
		return nil, err
	}

	log.Info("system bus connection established")
	return &Connector{conn: conn}, nil
}

// Connected returns if the client is correctly connected
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Connected()
}

func (c *Connector) connection() (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.Connected() {
		return nil, ErrNotConnected
	}

	return c.conn, nil
}

// UnitState retrieves the ActiveState property of a unit
func (c *Connector) UnitState(ctx context.Context, unitName string) (string, error) {
	conn, err := c.connection()
	if err != nil {
		return "", err
	}

	unit := conn.Object(BusObjectSystemdDest, unitObjectPath(unitName))

	var state dbus.Variant
	err = unit.CallWithContext(ctx, BusMemberGetProp, 0,
		BusObjectSystemdDestUnit, BusObjectPropertyActiveState).Store(&state)
	if err != nil {
		return "", err
	}

	s, ok := state.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState type %T", state.Value())
	}

	return s, nil
}

// RestartUnit restarts a unit and waits until it reports active or ctx expires
func (c *Connector) RestartUnit(ctx context.Context, unitName string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	log.Info("(Re)starting unit", zap.String("unit", unitName))
	manager := conn.Object(BusObjectSystemdDest, BusObjectSystemdPath)
	if call := manager.CallWithContext(ctx, BusInterfaceRestartUnit, 0, unitName, "replace"); call.Err != nil {
		return call.Err
	}

	ticker := time.NewTicker(unitStatePollInterval)
	defer ticker.Stop()

	for {
		state, err := c.UnitState(ctx, unitName)
		if err == nil && state == ServiceStateActive {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("unit %s did not become active: %w", unitName, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Signal registers a signal channel
func (c *Connector) Signal(ch chan<- *dbus.Signal) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	conn.Signal(ch)
	return nil
}

// RemoveSignal removes a signal channel from the list
func (c *Connector) RemoveSignal(ch chan<- *dbus.Signal) {
	if conn, err := c.connection(); err == nil {
		conn.RemoveSignal(ch)
	}
}

func (c *Connector) AddMatchSignal(options ...dbus.MatchOption) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	return conn.AddMatchSignal(options...)
}

func (c *Connector) RemoveMatchSignal(options ...dbus.MatchOption) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	return conn.RemoveMatchSignal(options...)
}

// Close shuts the bus connection down
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

func unitObjectPath(unitName string) dbus.ObjectPath {
	return dbus.ObjectPath(BusObjectSystemdPath + "/unit/" + escapeObjectPath(unitName))
}

// escapeObjectPath replaces everything that is not a letter or digit with _xx
// as systemd does for unit object paths, a leading digit is escaped as well
func escapeObjectPath(path string) string {
	if len(path) == 0 {
		return "_"
	}

	var b strings.Builder
	for i, c := range path {
		if (i == 0 && unicode.IsDigit(c)) || (!unicode.IsLetter(c) && !unicode.IsDigit(c)) {
			fmt.Fprintf(&b, "_%x", c)
			continue
		}
		b.WriteRune(c)
	}

	return b.String()
}
