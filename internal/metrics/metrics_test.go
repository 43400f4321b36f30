package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RunStarted("full")
	m.RunStarted("backtest")
	m.RunFinished("completed")
	m.PhaseRetried("backtesting", "timeout")
	m.ResultDiscarded("out_of_phase")
	m.ResultDiscarded("out_of_phase")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsStarted.WithLabelValues("full")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseRetries.WithLabelValues("backtesting", "timeout")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.resultsDiscarded.WithLabelValues("out_of_phase")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunStarted("full")
		m.RunFinished("failed")
		m.RunRecovered()
		m.PhaseTransition("idle", "backtesting")
		m.CommandIssued("backtester", "backtest_command")
		m.PhaseRetried("backtesting", "timeout")
		m.ResultDiscarded("malformed")
		m.ValidationResult("paper", "valid")
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.CommandIssued("validator", "validate_command")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `alpacacode_commands_issued_total{agent="validator",type="validate_command"} 1`)
}
