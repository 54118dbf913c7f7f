package systemd

import (
	"errors"
	"net"
	"os"

	"github.com/LeoCommon/rtt-drone/pkg/log"
)

var ErrNoNotifySocket = errors.New("systemd-notify socket was not available")

// EntertainWatchdog sends a notification to the systemd watchdog
func EntertainWatchdog() error {
	log.Debug("Notifying systemd watchdog")
	return Notify(NotifyWatchdog)
}

// Ready tells systemd that startup finished
func Ready() error {
	return Notify(NotifyReady)
}

// Stopping tells systemd that an orderly shutdown is in progress
func Stopping() error {
	return Notify(NotifyStopping)
}

// Status publishes a free form status line, shown by systemctl status
func Status(status string) error {
	return Notify(NotifyStatusPrefix + status)
}

// Notify sends the provided msg to the systemd socket
func Notify(msg string) error {
	name := os.Getenv(NotifySocketEnvVar)
	if name == "" {
		return ErrNoNotifySocket
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Net: "unixgram", Name: name})
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(msg))
	return err
}
