package oauth2

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epayment-client/internal/async"
	"epayment-client/internal/clock"
	"epayment-client/internal/common/errors"
	"epayment-client/internal/common/logging"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// scriptedFetcher hands out one promise per Fetch call; tests settle them.
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  []*async.Promise[AccessToken]
	called chan struct{}
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{called: make(chan struct{}, 64)}
}

func (f *scriptedFetcher) Fetch(ctx context.Context) async.Producer[AccessToken] {
	p := async.NewPromise[AccessToken](async.GoExecutor{})
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	f.called <- struct{}{}
	return p
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *scriptedFetcher) call(t *testing.T, i int) *async.Promise[AccessToken] {
	t.Helper()
	require.Eventually(t, func() bool { return f.Calls() > i }, time.Second, time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestManager(t *testing.T) (*Manager, *scriptedFetcher, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	f := newScriptedFetcher()
	m := NewManager(f, ManagerConfig{Clock: clk, Logger: logging.NewNopLogger()})
	t.Cleanup(func() { _ = m.Close() })
	return m, f, clk
}

func tokenFor(lifetime time.Duration) AccessToken {
	return AccessToken{Value: "token-" + lifetime.String(), ExpiresAt: testStart.Add(lifetime), ObtainedAt: testStart}
}

type awaitResult struct {
	token AccessToken
	err   error
}

func awaitAsync(m *Manager) <-chan awaitResult {
	ch := make(chan awaitResult, 1)
	go func() {
		tok, err := async.Await(context.Background(), m.CurrentOrAwait())
		ch <- awaitResult{token: tok, err: err}
	}()
	return ch
}

func receive(t *testing.T, ch <-chan awaitResult) awaitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token result")
		return awaitResult{}
	}
}

func waiterCount(m *Manager) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "fetching", StateFetching.String())
	assert.Equal(t, "valid", StateValid.String())
	assert.Equal(t, "refresh_scheduled", StateRefreshScheduled.String())
	assert.Equal(t, "backoff_scheduled", StateBackoffScheduled.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestManager_FetchesOnConstruction(t *testing.T) {
	m, f, _ := newTestManager(t)

	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, StateFetching, m.State())

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestManager_SchedulesRefreshAtHalfLifetime(t *testing.T) {
	m, f, clk := newTestManager(t)

	f.call(t, 0).Resolve(tokenFor(20 * time.Minute))

	require.True(t, clk.WaitForScheduled(1, time.Second))
	assert.Equal(t, 10*time.Minute-time.Millisecond, clk.Scheduled()[0])
	assert.Equal(t, StateRefreshScheduled, m.State())

	tok, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "token-20m0s", tok.Value)

	clk.Advance(10*time.Minute - 2*time.Millisecond)
	assert.Equal(t, 1, f.Calls())

	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, f.Calls())
	assert.Equal(t, StateFetching, m.State())

	// the old token keeps being served while the refresh is in flight
	tok, ok = m.Current()
	require.True(t, ok)
	assert.Equal(t, "token-20m0s", tok.Value)
}

func TestManager_RefreshFiresBeforeExpiry(t *testing.T) {
	for _, lifetime := range []time.Duration{2 * time.Millisecond, time.Second, time.Hour} {
		t.Run(lifetime.String(), func(t *testing.T) {
			_, f, clk := newTestManager(t)

			f.call(t, 0).Resolve(tokenFor(lifetime))

			require.True(t, clk.WaitForScheduled(1, time.Second))
			assert.Less(t, clk.Scheduled()[0], lifetime)
		})
	}
}

func TestManager_WaitersReceiveFetchedToken(t *testing.T) {
	m, f, _ := newTestManager(t)

	results := make([]<-chan awaitResult, 5)
	for i := range results {
		results[i] = awaitAsync(m)
	}
	require.Eventually(t, func() bool { return waiterCount(m) == len(results) }, time.Second, time.Millisecond)

	f.call(t, 0).Resolve(tokenFor(time.Hour))

	for _, ch := range results {
		r := receive(t, ch)
		require.NoError(t, r.err)
		assert.Equal(t, "token-1h0m0s", r.token.Value)
	}
	assert.Equal(t, 1, f.Calls())
	assert.Equal(t, 0, waiterCount(m))
}

func TestManager_SingleFetchInFlight(t *testing.T) {
	m, f, _ := newTestManager(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewRetriever(m).Get(2 * time.Second)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return waiterCount(m) == 20 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.Calls())

	m.Refresh()
	assert.Equal(t, 1, f.Calls(), "refresh must not start a second fetch")

	f.call(t, 0).Resolve(tokenFor(time.Hour))
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, f.Calls())
}

func TestManager_ValidTokenDoesNotJoinFetch(t *testing.T) {
	m, f, clk := newTestManager(t)

	f.call(t, 0).Resolve(tokenFor(time.Hour))
	require.True(t, clk.WaitForScheduled(1, time.Second))

	r := receive(t, awaitAsync(m))
	require.NoError(t, r.err)
	assert.Equal(t, 1, f.Calls())
}

func TestManager_RetryableFailureBacksOff(t *testing.T) {
	m, f, clk := newTestManager(t)

	waiter := awaitAsync(m)
	require.Eventually(t, func() bool { return waiterCount(m) == 1 }, time.Second, time.Millisecond)

	f.call(t, 0).Reject(errors.HTTPStatusError("token endpoint", 503, ""))

	require.True(t, clk.WaitForScheduled(1, time.Second))
	assert.Equal(t, []time.Duration{DefaultBackoff}, clk.Scheduled())
	assert.Equal(t, StateBackoffScheduled, m.State())
	assert.Equal(t, 1, waiterCount(m), "waiters stay registered during backoff")

	clk.Advance(DefaultBackoff - time.Millisecond)
	assert.Equal(t, 1, f.Calls())

	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, f.Calls())

	f.call(t, 1).Resolve(tokenFor(20 * time.Minute))

	r := receive(t, waiter)
	require.NoError(t, r.err)
	assert.Equal(t, "token-20m0s", r.token.Value)
}

func TestManager_RetryableFailureClasses(t *testing.T) {
	failures := map[string]error{
		"connection": errors.ConnectionError("request failed", nil),
		"malformed":  errors.MalformedError("token response has no access token", nil),
		"breaker":    errors.InternalError("circuit breaker is open", nil),
		"rate limit": errors.RateLimitError("token endpoint", nil),
	}

	for name, failure := range failures {
		t.Run(name, func(t *testing.T) {
			m, f, clk := newTestManager(t)

			f.call(t, 0).Reject(failure)

			require.True(t, clk.WaitForScheduled(1, time.Second))
			assert.Equal(t, DefaultBackoff, clk.Scheduled()[0])
			assert.Equal(t, StateBackoffScheduled, m.State())
		})
	}
}

func TestManager_CustomBackoff(t *testing.T) {
	clk := clock.NewFake(testStart)
	f := newScriptedFetcher()
	m := NewManager(f, ManagerConfig{Clock: clk, Backoff: 250 * time.Millisecond, Logger: logging.NewNopLogger()})
	defer m.Close()

	f.call(t, 0).Reject(errors.ConnectionError("reset", nil))

	require.True(t, clk.WaitForScheduled(1, time.Second))
	assert.Equal(t, 250*time.Millisecond, clk.Scheduled()[0])
}

func TestManager_NonRetryableFailureFailsWaiters(t *testing.T) {
	m, f, clk := newTestManager(t)

	waiter := awaitAsync(m)
	require.Eventually(t, func() bool { return waiterCount(m) == 1 }, time.Second, time.Millisecond)

	f.call(t, 0).Reject(errors.HTTPStatusError("token endpoint", 403, "invalid client"))

	r := receive(t, waiter)
	require.Error(t, r.err)
	assert.Equal(t, errors.ClassNonRetryable, errors.Classify(r.err))
	assert.Equal(t, 403, errors.StatusCode(r.err))

	assert.Equal(t, StateFailed, m.State())
	assert.Empty(t, clk.Scheduled())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(time.Hour)
	assert.Equal(t, 1, f.Calls(), "no automatic retry after a client error")

	late := receive(t, awaitAsync(m))
	assert.Equal(t, 403, errors.StatusCode(late.err))
	assert.Equal(t, 1, f.Calls())
}

func TestManager_RefreshLeavesFailedState(t *testing.T) {
	m, f, _ := newTestManager(t)

	f.call(t, 0).Reject(errors.HTTPStatusError("token endpoint", 401, ""))
	require.Eventually(t, func() bool { return m.State() == StateFailed }, time.Second, time.Millisecond)

	m.Refresh()
	assert.Equal(t, 2, f.Calls())
	assert.Equal(t, StateFetching, m.State())

	waiter := awaitAsync(m)
	require.Eventually(t, func() bool { return waiterCount(m) == 1 }, time.Second, time.Millisecond)

	f.call(t, 1).Resolve(tokenFor(time.Hour))

	r := receive(t, waiter)
	require.NoError(t, r.err)
	assert.Equal(t, "token-1h0m0s", r.token.Value)
}

func TestManager_RefreshReplacesTimer(t *testing.T) {
	m, f, clk := newTestManager(t)

	f.call(t, 0).Resolve(tokenFor(time.Hour))
	require.True(t, clk.WaitForScheduled(1, time.Second))
	assert.Equal(t, 1, clk.Pending())

	m.Refresh()
	assert.Equal(t, 2, f.Calls())
	assert.Equal(t, 0, clk.Pending())

	f.call(t, 1).Resolve(tokenFor(2 * time.Hour))
	require.True(t, clk.WaitForScheduled(2, time.Second))
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, time.Hour-time.Millisecond, clk.Scheduled()[1])
}

func TestManager_ExpiredTokenStartsFetch(t *testing.T) {
	m, f, clk := newTestManager(t)

	// already expired: refresh delay floors at zero but the timer has not fired
	f.call(t, 0).Resolve(AccessToken{Value: "stale", ExpiresAt: testStart.Add(-time.Second)})
	require.True(t, clk.WaitForScheduled(1, time.Second))
	assert.Equal(t, time.Duration(0), clk.Scheduled()[0])

	_, ok := m.Current()
	assert.False(t, ok)

	waiter := awaitAsync(m)
	require.Eventually(t, func() bool { return f.Calls() == 2 }, time.Second, time.Millisecond)

	f.call(t, 1).Resolve(tokenFor(time.Hour))
	r := receive(t, waiter)
	require.NoError(t, r.err)
	assert.Equal(t, "token-1h0m0s", r.token.Value)
}

func TestManager_CancelledWaiterIsRemoved(t *testing.T) {
	m, _, _ := newTestManager(t)

	sub := m.CurrentOrAwait().Subscribe(
		func(AccessToken) { t.Error("cancelled waiter must not receive a token") },
		func(error) { t.Error("cancelled waiter must not receive an error") },
		nil,
	)
	require.Equal(t, 1, waiterCount(m))

	sub.Cancel()
	assert.Equal(t, 0, waiterCount(m))
}

func TestManager_Close(t *testing.T) {
	m, f, clk := newTestManager(t)

	waiter := awaitAsync(m)
	require.Eventually(t, func() bool { return waiterCount(m) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	r := receive(t, waiter)
	assert.True(t, errors.IsType(r.err, errors.ErrTypeShutdown))
	assert.Equal(t, StateClosed, m.State())

	// late fetch results are ignored
	f.call(t, 0).Resolve(tokenFor(time.Hour))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateClosed, m.State())
	assert.Empty(t, clk.Scheduled())
	_, ok := m.Current()
	assert.False(t, ok)

	after := receive(t, awaitAsync(m))
	assert.True(t, errors.IsType(after.err, errors.ErrTypeShutdown))

	m.Refresh()
	assert.Equal(t, 1, f.Calls())
}

func TestManager_CloseStopsTimer(t *testing.T) {
	m, f, clk := newTestManager(t)

	f.call(t, 0).Resolve(tokenFor(time.Hour))
	require.True(t, clk.WaitForScheduled(1, time.Second))

	require.NoError(t, m.Close())
	assert.Equal(t, 0, clk.Pending())

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.Calls())
}

func TestManager_FetchContextCancelledOnClose(t *testing.T) {
	started := make(chan context.Context, 1)
	fetcher := FetcherFunc(func(ctx context.Context) async.Producer[AccessToken] {
		started <- ctx
		return async.NewPromise[AccessToken](nil)
	})

	m := NewManager(fetcher, ManagerConfig{Logger: logging.NewNopLogger()})
	ctx := <-started

	require.NoError(t, m.Close())
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("fetch context was not cancelled")
	}
}
