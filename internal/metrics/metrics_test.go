package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getMetricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_New(t *testing.T) {
	m := New()
	assert.NotNil(t, m.TokenFetchesTotal)
	assert.NotNil(t, m.TokenFetchDuration)
	assert.NotNil(t, m.TokenWaiters)
	assert.NotNil(t, m.DispatchTotal)
	assert.NotNil(t, m.DispatchRetriesTotal)
}

func TestMetrics_RecordTokenFetch(t *testing.T) {
	m := New()
	m.RecordTokenFetch("success", 120*time.Millisecond)
	m.RecordTokenFetch("retryable", time.Second)
	m.RecordTokenFetch("success", 80*time.Millisecond)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `epayment_token_fetches_total{result="success"} 2`)
	assert.Contains(t, body, `epayment_token_fetches_total{result="retryable"} 1`)
	assert.Contains(t, body, "epayment_token_fetch_duration_seconds_count 3")
}

func TestMetrics_Dispatch(t *testing.T) {
	m := New()
	m.RecordDispatch("Accepted")
	m.RecordDispatch("Conflicted")
	m.RecordRetry()
	m.SetTokenWaiters(4)

	body := getMetricsBody(t, m)
	assert.Contains(t, body, `epayment_dispatch_total{outcome="Accepted"} 1`)
	assert.Contains(t, body, `epayment_dispatch_total{outcome="Conflicted"} 1`)
	assert.Contains(t, body, "epayment_dispatch_retries_total 1")
	assert.Contains(t, body, "epayment_token_waiters 4")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTokenFetch("success", time.Second)
		m.SetTokenWaiters(1)
		m.RecordDispatch("Accepted")
		m.RecordRetry()
	})
}
