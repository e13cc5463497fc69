package oauth2

import (
	"context"
	"sync"
	"time"

	"epayment-client/internal/async"
	"epayment-client/internal/clock"
	"epayment-client/internal/common/errors"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/metrics"
)

const (
	// DefaultRefreshMargin is subtracted from the refresh delay so the refresh
	// always fires strictly before the half-life of the token.
	DefaultRefreshMargin = time.Millisecond
	// DefaultBackoff is the fixed delay before a failed fetch is retried.
	DefaultBackoff = 5 * time.Second
)

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle means no fetch has been started yet
	StateIdle State = iota
	// StateFetching means a fetch is in flight
	StateFetching
	// StateValid means a token is held and no timer is armed yet
	StateValid
	// StateRefreshScheduled means a token is held and its refresh timer is armed
	StateRefreshScheduled
	// StateBackoffScheduled means the last fetch failed and a retry timer is armed
	StateBackoffScheduled
	// StateFailed means the last fetch failed permanently; only Refresh leaves it
	StateFailed
	// StateClosed is terminal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateValid:
		return "valid"
	case StateRefreshScheduled:
		return "refresh_scheduled"
	case StateBackoffScheduled:
		return "backoff_scheduled"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ManagerConfig holds the optional collaborators of a Manager. Zero values
// select the defaults.
type ManagerConfig struct {
	// RefreshMargin is subtracted from half the token lifetime (default 1ms)
	RefreshMargin time.Duration
	// Backoff is the delay before retrying a retryable failure (default 5s)
	Backoff time.Duration
	// Clock schedules refresh and backoff timers (default wall clock)
	Clock clock.Clock
	// Executor delivers tokens and errors to waiters (default GoExecutor)
	Executor async.Executor
	// Logger defaults to the global logger
	Logger logging.Logger
	// Metrics is optional
	Metrics *metrics.Metrics
}

// Manager keeps one access token fresh for the lifetime of the process.
//
// The first fetch starts as soon as the Manager is created. After every
// successful fetch a refresh is scheduled at half the remaining lifetime, so
// callers never have to wait once the first token has arrived. Retryable
// failures are retried after a fixed backoff; a non-retryable failure (the
// token endpoint answering 4xx) parks the Manager in StateFailed until
// Refresh is called.
//
// A single mutex guards all state. Waiter callbacks are always invoked
// through the Executor and never while the mutex is held.
type Manager struct {
	fetcher       Fetcher
	clock         clock.Clock
	exec          async.Executor
	logger        logging.Logger
	metrics       *metrics.Metrics
	refreshMargin time.Duration
	backoff       time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	token      *AccessToken
	lastErr    error
	waiters    []waiter
	nextWaiter uint64
	timer      clock.Timer
	// generation invalidates fetch results and timer callbacks that belong
	// to a superseded fetch
	generation uint64
}

type waiter struct {
	id      uint64
	emitter async.Emitter[AccessToken]
}

// NewManager creates a Manager and starts the first fetch.
func NewManager(fetcher Fetcher, config ManagerConfig) *Manager {
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = DefaultRefreshMargin
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.Executor == nil {
		config.Executor = async.GoExecutor{}
	}
	if config.Logger == nil {
		config.Logger = logging.GetGlobalLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		fetcher:       fetcher,
		clock:         clock.OrReal(config.Clock),
		exec:          config.Executor,
		logger:        config.Logger.WithFields(logging.String("component", "token_manager")),
		metrics:       config.Metrics,
		refreshMargin: config.RefreshMargin,
		backoff:       config.Backoff,
		ctx:           ctx,
		cancel:        cancel,
		state:         StateIdle,
	}

	m.mu.Lock()
	launch := m.beginFetchLocked("initial")
	m.mu.Unlock()
	launch()

	return m
}

// CurrentOrAwait returns a producer of the current token. A valid token is
// delivered right away; otherwise the subscriber waits for the outcome of
// the in-flight or next scheduled fetch. Cancelling the subscription removes
// the waiter.
func (m *Manager) CurrentOrAwait() async.Producer[AccessToken] {
	return async.Create(m.exec, func(e async.Emitter[AccessToken]) func() {
		m.mu.Lock()

		switch {
		case m.state == StateClosed:
			m.mu.Unlock()
			e.Error(errors.ShutdownError("token manager"))
			return nil
		case m.token != nil && m.token.Valid(m.clock.Now()):
			tok := *m.token
			m.mu.Unlock()
			e.Value(tok)
			return nil
		case m.state == StateFailed:
			err := m.lastErr
			m.mu.Unlock()
			e.Error(err)
			return nil
		}

		var launch func()
		if m.state == StateRefreshScheduled || m.state == StateValid {
			// the held token expired before its refresh timer fired
			launch = m.beginFetchLocked("expired")
		}

		m.nextWaiter++
		id := m.nextWaiter
		m.waiters = append(m.waiters, waiter{id: id, emitter: e})
		n := len(m.waiters)
		m.mu.Unlock()

		m.metrics.SetTokenWaiters(n)
		if launch != nil {
			launch()
		}

		return func() { m.removeWaiter(id) }
	})
}

// Current returns the held token if it is still valid.
func (m *Manager) Current() (AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil || !m.token.Valid(m.clock.Now()) {
		return AccessToken{}, false
	}
	return *m.token, true
}

// Refresh starts a fetch now, replacing any armed timer. It is a no-op while
// a fetch is in flight or after Close. Refresh is the only way out of
// StateFailed.
func (m *Manager) Refresh() {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateFetching {
		m.mu.Unlock()
		return
	}
	launch := m.beginFetchLocked("forced")
	m.mu.Unlock()

	launch()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops all timers, abandons the in-flight fetch and fails every
// pending waiter with a shutdown error. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.stopTimerLocked()
	m.generation++
	m.token = nil
	waiters := m.takeWaitersLocked()
	m.mu.Unlock()

	m.cancel()
	m.metrics.SetTokenWaiters(0)

	err := errors.ShutdownError("token manager")
	for _, w := range waiters {
		w.emitter.Error(err)
	}

	m.logger.Info("Token manager closed", logging.Int("failed_waiters", len(waiters)))
	return nil
}

// beginFetchLocked moves to StateFetching and returns the function that
// actually subscribes to the fetcher, to be called once the lock is released.
func (m *Manager) beginFetchLocked(reason string) func() {
	m.stopTimerLocked()
	m.generation++
	gen := m.generation
	m.state = StateFetching

	return func() {
		started := time.Now()
		m.logger.Debug("Fetching access token", logging.String("reason", reason))

		m.fetcher.Fetch(m.ctx).Subscribe(
			func(tok AccessToken) { m.onFetched(gen, started, tok, nil) },
			func(err error) { m.onFetched(gen, started, AccessToken{}, err) },
			nil,
		)
	}
}

func (m *Manager) onFetched(gen uint64, started time.Time, tok AccessToken, err error) {
	m.mu.Lock()
	if m.state != StateFetching || gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("Discarding stale token fetch result")
		return
	}

	if err == nil {
		m.token = &tok
		m.lastErr = nil
		m.state = StateValid
		waiters := m.takeWaitersLocked()
		delay := m.refreshDelay(tok)
		m.scheduleLocked(delay)
		m.state = StateRefreshScheduled
		m.mu.Unlock()

		m.metrics.RecordTokenFetch("success", time.Since(started))
		m.metrics.SetTokenWaiters(0)
		m.logger.Info("Access token obtained",
			logging.Time("expires_at", tok.ExpiresAt),
			logging.Duration("refresh_in", delay),
			logging.Int("waiters", len(waiters)),
		)

		for _, w := range waiters {
			w.emitter.Value(tok)
		}
		return
	}

	class := errors.Classify(err)
	if class == errors.ClassNonRetryable {
		m.token = nil
		m.lastErr = err
		m.state = StateFailed
		waiters := m.takeWaitersLocked()
		m.mu.Unlock()

		m.metrics.RecordTokenFetch(class.String(), time.Since(started))
		m.metrics.SetTokenWaiters(0)
		m.logger.Error("Access token fetch failed permanently", err,
			logging.Int("status", errors.StatusCode(err)),
			logging.Int("waiters", len(waiters)),
		)

		for _, w := range waiters {
			w.emitter.Error(err)
		}
		return
	}

	m.lastErr = err
	m.scheduleLocked(m.backoff)
	m.state = StateBackoffScheduled
	pending := len(m.waiters)
	m.mu.Unlock()

	m.metrics.RecordTokenFetch(class.String(), time.Since(started))
	m.logger.Warn("Access token fetch failed, retrying",
		logging.Err(err),
		logging.String("class", class.String()),
		logging.Duration("backoff", m.backoff),
		logging.Int("waiters", pending),
	)
}

func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || (m.state != StateRefreshScheduled && m.state != StateBackoffScheduled) {
		m.mu.Unlock()
		return
	}
	reason := "refresh"
	if m.state == StateBackoffScheduled {
		reason = "backoff"
	}
	m.timer = nil
	launch := m.beginFetchLocked(reason)
	m.mu.Unlock()

	launch()
}

// refreshDelay is half the remaining lifetime minus the margin, floored at 0.
func (m *Manager) refreshDelay(tok AccessToken) time.Duration {
	d := tok.ExpiresAt.Sub(m.clock.Now())/2 - m.refreshMargin
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) scheduleLocked(d time.Duration) {
	m.stopTimerLocked()
	gen := m.generation
	m.timer = m.clock.AfterFunc(d, func() { m.onTimer(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) takeWaitersLocked() []waiter {
	waiters := m.waiters
	m.waiters = nil
	return waiters
}

func (m *Manager) removeWaiter(id uint64) {
	m.mu.Lock()
	for i, w := range m.waiters {
		if w.id == id {
			m.waiters = append(m.waiters[:i:i], m.waiters[i+1:]...)
			break
		}
	}
	n := len(m.waiters)
	m.mu.Unlock()

	m.metrics.SetTokenWaiters(n)
}
