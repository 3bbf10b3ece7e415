package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCounters(t *testing.T) {
	m := New()

	m.Connected("stdio", nil)
	m.Connected("stdio", nil)
	m.Connected("sse", errors.New("bad content type"))
	m.Removed("stdio", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive.WithLabelValues("stdio")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connects.WithLabelValues("stdio", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues("sse", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminations.WithLabelValues("stdio")))
}

func TestToolCallCounters(t *testing.T) {
	m := New()

	m.ToolCalled("http", ResultOK, 20*time.Millisecond)
	m.ToolCalled("http", ResultToolError, 5*time.Millisecond)
	m.Probed(true)
	m.Probed(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("http", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("http", ResultToolError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.probes.WithLabelValues(ResultError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.toolCallDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Connected("stdio", nil)
		m.Removed("stdio", false)
		m.ToolCalled("stdio", ResultOK, time.Second)
		m.Probed(true)
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Connected("stdio", nil)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mcpm_sessions_active{kind="stdio"} 1`)
}
