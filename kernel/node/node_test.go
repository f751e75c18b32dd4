package node

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/core/link"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SharedMemory.Path = ""
	cfg.SharedMemory.PoolSize = 128 * 1024
	cfg.Link.Listen = "127.0.0.1:0"
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Scheduler.IdleTimeout = time.Millisecond
	return cfg
}

// start boots n and serves it until the test ends.
func start(t *testing.T, n *Node) {
	t.Helper()
	require.NoError(t, n.Boot())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	require.Eventually(t, func() bool { return n.State() == StateRunning }, 5*time.Second, time.Millisecond)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, n.Shutdown(context.Background()))
		assert.Equal(t, StateStopped, n.State())
	})
}

func TestLifecycleTransitions(t *testing.T) {
	n := New(testConfig(), nil)
	assert.Equal(t, StateUninitialized, n.State())
	assert.Equal(t, "UNINITIALIZED", n.State().String())

	err := n.Run(context.Background())
	assert.ErrorIs(t, err, ErrState)

	require.NoError(t, n.Boot())
	assert.Equal(t, StateBooting, n.State())
	assert.ErrorIs(t, n.Boot(), ErrState)
	assert.NotEmpty(t, n.LinkAddr())
	assert.NotEmpty(t, n.MetricsAddr())
	assert.Equal(t, uint32(128*1024), n.Layout().Pool.Size)

	require.NoError(t, n.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, n.State())
}

func TestBootRejectsBadGeometry(t *testing.T) {
	cfg := testConfig()
	cfg.Ring.Capacity = 3
	n := New(cfg, nil)
	assert.Error(t, n.Boot())
	require.NoError(t, n.Shutdown(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	n := New(testConfig(), nil)
	start(t, n)

	rsp, err := http.Get("http://" + n.MetricsAddr() + MetricsPath)
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dspaf_components")
	assert.Contains(t, string(body), `node="`+n.cfg.Core.NodeID+`"`)
}

func TestMetricsShareLinkListener(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Listen = cfg.Link.Listen
	n := New(cfg, nil)
	start(t, n)
	assert.Empty(t, n.MetricsAddr())

	rsp, err := http.Get("http://" + n.LinkAddr() + MetricsPath)
	require.NoError(t, err)
	rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
}

func TestLinkMailReachesSupervisor(t *testing.T) {
	n := New(testConfig(), nil)
	start(t, n)

	l, err := link.Dial(context.Background(), "ws://"+n.LinkAddr()+LinkPath)
	require.NoError(t, err)
	defer l.Close()

	// A RESUME on a running core is answered on the response ring.
	w := foundation.WireMessage{
		Session: foundation.MakeSession(foundation.ProxyHalf(foundation.CoreAP), foundation.ProxyHalf(foundation.CoreDSP)),
		Opcode:  foundation.Command(foundation.OpResume),
	}
	require.NoError(t, l.Send(context.Background(), w))
	assert.Eventually(t, func() bool {
		return n.Supervisor().Stats().Interrupts == 1
	}, 5*time.Second, time.Millisecond)
}
