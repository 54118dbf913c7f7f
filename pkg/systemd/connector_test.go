package systemd

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitObjectPath(t *testing.T) {
	assert.Equal(t, "/org/freedesktop/systemd1/unit/gpsd_2eservice", string(unitObjectPath("gpsd.service")))
	assert.Equal(t, "_", escapeObjectPath(""))
	assert.Equal(t, "_31abc", escapeObjectPath("1abc"))
}

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv(NotifySocketEnvVar, "")
	assert.ErrorIs(t, EntertainWatchdog(), ErrNoNotifySocket)
}

func TestNotifyWritesDatagram(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Net: "unixgram", Name: sock})
	require.NoError(t, err)
	defer conn.Close()

	t.Setenv(NotifySocketEnvVar, sock)
	require.NoError(t, Ready())

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, NotifyReady, string(buf[:n]))
}
