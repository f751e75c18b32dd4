package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dspaf/kernel/threads/arena"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
)

type fixed supervisor.Stats

func (f fixed) Stats() supervisor.Stats { return supervisor.Stats(f) }

func sample() fixed {
	s := supervisor.Stats{
		Received:  7,
		Suspended: true,
		Arena:     arena.Stats{PoolSize: 4096, Free: 1024, Live: 3},
	}
	s.Dispatched = 5
	s.Components = 2
	return fixed(s)
}

func TestCollector(t *testing.T) {
	c := NewCollector("dspaf", "n1", sample())
	assert.Equal(t, len(c.descs), testutil.CollectAndCount(c))

	expected := `
# HELP dspaf_components Registered components.
# TYPE dspaf_components gauge
dspaf_components{node="n1"} 2
# HELP dspaf_messages_dispatched_total Messages delivered to components.
# TYPE dspaf_messages_dispatched_total counter
dspaf_messages_dispatched_total{node="n1"} 5
# HELP dspaf_suspended 1 while the core is suspended.
# TYPE dspaf_suspended gauge
dspaf_suspended{node="n1"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"dspaf_components", "dspaf_messages_dispatched_total", "dspaf_suspended"))
}

func TestHandlerServesMetrics(t *testing.T) {
	h, err := Handler(NewCollector("dspaf", "n1", sample()))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dspaf_arena_live_blocks{node="n1"} 3`)
	assert.Contains(t, string(body), `dspaf_records_received_total{node="n1"} 7`)
	assert.Contains(t, string(body), "go_goroutines")
}
