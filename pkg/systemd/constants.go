package systemd

import "time"

const (
	NotifySocketEnvVar = "NOTIFY_SOCKET"
	NotifyWatchdog     = "WATCHDOG=1"
	NotifyStopping     = "STOPPING=1"
	NotifyReady        = "READY=1"
	NotifyStatusPrefix = "STATUS="

	ServiceStateActive = "active"

	BusObjectPropertyActiveState = "ActiveState"

	BusObjectSystemdDest     = "org.freedesktop.systemd1"
	BusObjectSystemdDestUnit = BusObjectSystemdDest + ".Unit"
	BusObjectSystemdPath     = "/org/freedesktop/systemd1"

	BusMemberGetProp = "org.freedesktop.DBus.Properties.Get"

	BusManagerInterface     = "org.freedesktop.systemd1.Manager"
	BusInterfaceRestartUnit = BusManagerInterface + ".RestartUnit"

	// How often RestartUnit re-checks the unit state
	unitStatePollInterval = 250 * time.Millisecond
)
