package oauth2

import (
	"context"
	stderrors "errors"
	"time"

	"epayment-client/internal/async"
	"epayment-client/internal/common/errors"
)

// TokenSource is anything that can hand out the current token or a promise
// of the next one. *Manager implements it.
type TokenSource interface {
	// Current returns the held token when it is still valid.
	Current() (AccessToken, bool)
	CurrentOrAwait() async.Producer[AccessToken]
}

// Retriever gives synchronous callers a blocking view of a TokenSource.
type Retriever struct {
	source TokenSource
}

// NewRetriever creates a Retriever over source.
func NewRetriever(source TokenSource) *Retriever {
	return &Retriever{source: source}
}

// Get returns the held token at once when there is one. Otherwise it blocks
// until a token is available, the source fails or timeout elapses. On timeout the waiter is detached from the source and a timeout
// error is returned.
func (r *Retriever) Get(timeout time.Duration) (AccessToken, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.GetContext(ctx)
}

// GetContext is Get bounded by ctx instead of a fixed timeout.
func (r *Retriever) GetContext(ctx context.Context) (AccessToken, error) {
	if tok, ok := r.source.Current(); ok {
		return tok, nil
	}

	tok, err := async.Await(ctx, r.source.CurrentOrAwait())
	if err == nil {
		return tok, nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		timeoutErr := errors.TimeoutError("access token wait")
		timeoutErr.Cause = err
		return AccessToken{}, timeoutErr
	}
	return AccessToken{}, err
}
