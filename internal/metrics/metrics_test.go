package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/LeoCommon/rtt-drone/pkg/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCollector(t *testing.T) {
	c := New()

	c.SetState("running", []string{"init", "running", "degraded"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ControllerState.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ControllerState.WithLabelValues("init")))

	c.Detection()
	c.Detection()
	c.Written()
	c.Fault()
	c.SetFixValid(true)
	c.SetLinkStatus(2)
	c.SetSDRAttached(true)
	c.SetBoardTemperature(48.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Detections))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RecordsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.DetectorFaults))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.FixValid))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.LinkStatus))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SDRAttached))
	assert.Equal(t, 48.5, testutil.ToFloat64(c.BoardTemperature))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SetState("running", []string{"running"})
		c.Detection()
		c.Written()
		c.Fault()
		c.Restart()
		c.SetFixValid(false)
		c.SetLinkStatus(0)
		c.SetSDRAttached(false)
		c.SetBoardTemperature(0)
	})
}

func TestServe(t *testing.T) {
	defer goleak.VerifyNone(t)
	log.Init(true)

	c := New()
	c.Detection()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.serve(ctx, ln)
	}()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.True(t, strings.Contains(string(body), "rtt_detections_total 1"))

	cancel()
	assert.NoError(t, <-done)
}
