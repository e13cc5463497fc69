package oauth2

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"epayment-client/internal/async"
	"epayment-client/internal/clock"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/locks"
)

const (
	// DefaultMinStoredLifetime is the lifetime a stored token must still have
	// to be reused instead of fetching a new one.
	DefaultMinStoredLifetime = time.Minute
	// DefaultLockTTL bounds how long a crashed process can block refreshes
	// of other processes sharing the store.
	DefaultLockTTL = 30 * time.Second

	storeTimeout = 2 * time.Second
)

// TokenStore persists access tokens between process restarts.
type TokenStore interface {
	// Save stores token under key, replacing any previous one
	Save(ctx context.Context, key string, token AccessToken) error
	// Load returns the token stored under key, or nil when there is none
	Load(ctx context.Context, key string) (*AccessToken, error)
	// Delete removes the token stored under key
	Delete(ctx context.Context, key string) error
}

// MemoryTokenStore implements TokenStore in memory
type MemoryTokenStore struct {
	tokens map[string]AccessToken
	mu     sync.RWMutex
}

// NewMemoryTokenStore creates a new in-memory token store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens: make(map[string]AccessToken),
	}
}

// Save implements TokenStore
func (s *MemoryTokenStore) Save(ctx context.Context, key string, token AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
	return nil
}

// Load implements TokenStore
func (s *MemoryTokenStore) Load(ctx context.Context, key string) (*AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[key]
	if !ok {
		return nil, nil
	}
	return &token, nil
}

// Delete implements TokenStore
func (s *MemoryTokenStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// StoreFetcherConfig holds the optional settings of a StoreFetcher.
type StoreFetcherConfig struct {
	MinStoredLifetime time.Duration
	// Locker, when set, serializes upstream fetches between processes
	// sharing the store. A process that waited for the lock reuses the
	// token the holder saved instead of fetching its own.
	Locker  locks.Locker
	LockTTL time.Duration

	Clock    clock.Clock
	Executor async.Executor
	Logger   logging.Logger
}

// StoreFetcher puts a TokenStore in front of another Fetcher. The first
// fetch of the process reuses a stored token that still has at least
// MinStoredLifetime left; every token obtained upstream is saved. Store
// failures are logged and otherwise ignored.
type StoreFetcher struct {
	inner       Fetcher
	store       TokenStore
	key         string
	minLifetime time.Duration
	locker      locks.Locker
	lockTTL     time.Duration
	clock       clock.Clock
	exec        async.Executor
	logger      logging.Logger

	consulted atomic.Bool
}

// NewStoreFetcher wraps inner with store, keeping tokens under key.
func NewStoreFetcher(inner Fetcher, store TokenStore, key string, config StoreFetcherConfig) *StoreFetcher {
	if config.MinStoredLifetime <= 0 {
		config.MinStoredLifetime = DefaultMinStoredLifetime
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	if config.Executor == nil {
		config.Executor = async.GoExecutor{}
	}
	if config.Logger == nil {
		config.Logger = logging.GetGlobalLogger()
	}

	return &StoreFetcher{
		inner:       inner,
		store:       store,
		key:         key,
		minLifetime: config.MinStoredLifetime,
		locker:      config.Locker,
		lockTTL:     config.LockTTL,
		clock:       clock.OrReal(config.Clock),
		exec:        config.Executor,
		logger:      config.Logger.WithFields(logging.String("component", "token_store"), logging.String("key", key)),
	}
}

// Fetch implements Fetcher.
func (f *StoreFetcher) Fetch(ctx context.Context) async.Producer[AccessToken] {
	return async.Create(f.exec, func(e async.Emitter[AccessToken]) func() {
		var (
			mu        sync.Mutex
			upstream  async.Subscription
			held      locks.Lock
			cancelled bool
			unlock    sync.Once
		)

		release := func(lock locks.Lock) {
			unlock.Do(func() { f.unlock(lock) })
		}

		f.exec.Execute(func() {
			if f.consulted.CompareAndSwap(false, true) {
				if tok, ok := f.load(time.Time{}); ok {
					e.Value(tok)
					return
				}
			}

			started := f.clock.Now()
			lock := f.lock(ctx)
			if lock != nil {
				// someone else may have refreshed while we waited
				if tok, ok := f.load(started); ok {
					release(lock)
					e.Value(tok)
					return
				}
			}

			sub := f.inner.Fetch(ctx).Subscribe(
				func(tok AccessToken) {
					f.save(tok)
					release(lock)
					e.Value(tok)
				},
				func(err error) {
					release(lock)
					e.Error(err)
				},
				nil,
			)

			mu.Lock()
			if cancelled {
				mu.Unlock()
				sub.Cancel()
				release(lock)
				return
			}
			upstream = sub
			held = lock
			mu.Unlock()
		})

		return func() {
			mu.Lock()
			cancelled = true
			sub, lock := upstream, held
			mu.Unlock()
			if sub != nil {
				sub.Cancel()
				release(lock)
			}
		}
	})
}

// load returns the stored token when it has enough lifetime left and was
// obtained no earlier than since.
func (f *StoreFetcher) load(since time.Time) (AccessToken, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	tok, err := f.store.Load(ctx, f.key)
	if err != nil {
		f.logger.Warn("Failed to load stored access token", logging.Err(err))
		return AccessToken{}, false
	}
	if tok == nil {
		return AccessToken{}, false
	}

	remaining := tok.Remaining(f.clock.Now())
	if tok.Value == "" || remaining < f.minLifetime {
		f.logger.Debug("Stored access token too close to expiry", logging.Duration("remaining", remaining))
		return AccessToken{}, false
	}
	if tok.ObtainedAt.Before(since) {
		return AccessToken{}, false
	}

	f.logger.Info("Reusing stored access token", logging.Time("expires_at", tok.ExpiresAt))
	return *tok, true
}

// lock takes the refresh lock. Failing to get it is logged and the fetch
// goes ahead unlocked.
func (f *StoreFetcher) lock(ctx context.Context) locks.Lock {
	if f.locker == nil {
		return nil
	}

	lock, err := f.locker.Acquire(ctx, f.key, f.lockTTL)
	if err != nil {
		f.logger.Warn("Fetching access token without refresh lock", logging.Err(err))
		return nil
	}
	return lock
}

func (f *StoreFetcher) unlock(lock locks.Lock) {
	if lock == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := lock.Release(ctx); err != nil {
		f.logger.Warn("Failed to release refresh lock", logging.Err(err))
	}
}

func (f *StoreFetcher) save(tok AccessToken) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := f.store.Save(ctx, f.key, tok); err != nil {
		f.logger.Warn("Failed to store access token", logging.Err(err))
	}
}
