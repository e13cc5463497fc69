package client

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"epayment-client/internal/async"
	"epayment-client/internal/common/errors"
	commonhttp "epayment-client/internal/common/http"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/oauth2"
)

const maxAttempts = 2

// dispatch is one Post call: token, body, send, and at most one retry.
// Only one stage is live at a time; cancel abandons it.
type dispatch struct {
	client        *BaseClient
	ctx           context.Context
	emitter       async.Emitter[*commonhttp.Response]
	url           string
	body          async.Producer[[]byte]
	correlationID string
	header        http.Header
	logger        logging.Logger

	mu        sync.Mutex
	done      bool
	seq       int
	abandon   func()
	attempt   int
	payload   []byte
	haveBody  bool
	startedAt time.Time
}

func (d *dispatch) start() {
	d.startedAt = time.Now()
	d.attempt = 1
	d.awaitToken()
}

func (d *dispatch) awaitToken() {
	d.stage(func() func() {
		return race(d.client.tokens.CurrentOrAwait(), d.client.tokenTimeout,
			d.onToken,
			func(err error) { d.finish(nil, err) },
			func() {
				err := errors.TimeoutError("access token wait").WithContext("timeout", d.client.tokenTimeout.String())
				d.finish(nil, err)
			},
		)
	})
}

func (d *dispatch) onToken(token oauth2.AccessToken) {
	d.mu.Lock()
	haveBody := d.haveBody
	d.mu.Unlock()

	if haveBody || d.body == nil {
		d.send(token)
		return
	}

	d.stage(func() func() {
		return race(d.body, 0,
			func(payload []byte) {
				d.mu.Lock()
				d.payload = payload
				d.haveBody = true
				d.mu.Unlock()
				d.send(token)
			},
			func(err error) { d.finish(nil, err) },
			nil,
		)
	})
}

func (d *dispatch) send(token oauth2.AccessToken) {
	d.mu.Lock()
	payload := d.payload
	attempt := d.attempt
	d.mu.Unlock()

	req := &commonhttp.Request{
		Method: http.MethodPost,
		URL:    d.url,
		Header: d.client.buildHeader(token, d.correlationID, d.header),
		Body:   payload,
	}

	d.logger.Debug("Dispatching request", logging.Int("attempt", attempt))

	d.stage(func() func() {
		return race(d.client.transport.Send(d.ctx, req), 0, d.onResponse, d.onSendError, nil)
	})
}

func (d *dispatch) onResponse(resp *commonhttp.Response) {
	if errors.IsServerStatus(resp.StatusCode) && d.retry(errors.HTTPStatusError("POST "+d.url, resp.StatusCode, "")) {
		return
	}
	d.finish(resp, nil)
}

func (d *dispatch) onSendError(err error) {
	if stderrors.Is(err, context.Canceled) || d.ctx.Err() != nil {
		d.finish(nil, err)
		return
	}
	if errors.Classify(err) == errors.ClassRetryable && d.retry(err) {
		return
	}
	d.finish(nil, err)
}

// retry schedules the second attempt. It reports false once attempts are
// exhausted.
func (d *dispatch) retry(cause error) bool {
	d.mu.Lock()
	if d.attempt >= maxAttempts || d.done {
		d.mu.Unlock()
		return false
	}
	d.attempt++
	d.mu.Unlock()

	d.client.metrics.RecordRetry()
	d.logger.Warn("Request failed, retrying",
		logging.Err(cause),
		logging.Duration("backoff", d.client.backoff),
	)

	d.stage(func() func() {
		timer := d.client.clock.AfterFunc(d.client.backoff, d.awaitToken)
		return func() { timer.Stop() }
	})
	return true
}

func (d *dispatch) finish(resp *commonhttp.Response, err error) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	d.abandon = nil
	attempts := d.attempt
	d.mu.Unlock()

	elapsed := time.Since(d.startedAt)
	if err != nil {
		d.client.metrics.RecordDispatch("error")
		d.logger.Warn("Request failed",
			logging.Err(err),
			logging.String("class", errors.Classify(err).String()),
			logging.Int("attempts", attempts),
			logging.Duration("duration", elapsed),
		)
		d.emitter.Error(err)
		return
	}

	outcome := OutcomeFor(resp.StatusCode)
	d.client.metrics.RecordDispatch(outcome.String())
	d.logger.Info("Request completed",
		logging.Int("status", resp.StatusCode),
		logging.String("outcome", outcome.String()),
		logging.Int("attempts", attempts),
		logging.Duration("duration", elapsed),
	)
	d.emitter.Value(resp)
}

func (d *dispatch) cancel() {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	abandon := d.abandon
	d.abandon = nil
	d.mu.Unlock()

	if abandon != nil {
		abandon()
	}
	d.logger.Debug("Request cancelled")
}

// stage starts the next step and remembers how to abandon it. Steps that
// complete synchronously may start their successor before stage returns, so
// only the most recent step is kept.
func (d *dispatch) stage(start func() func()) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.seq++
	id := d.seq
	d.mu.Unlock()

	abandon := start()

	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		abandon()
		return
	}
	if d.seq == id {
		d.abandon = abandon
	}
	d.mu.Unlock()
}

// race subscribes to p and settles exactly once: with its value, its error,
// or onTimeout when timeout (real time, if positive) elapses first. The
// returned function abandons the race and cancels the subscription.
func race[T any](p async.Producer[T], timeout time.Duration, onValue func(T), onError func(error), onTimeout func()) func() {
	var (
		mu        sync.Mutex
		settled   bool
		abandoned bool
		sub       async.Subscription
		timer     *time.Timer
	)

	settle := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return false
		}
		settled = true
		if timer != nil {
			timer.Stop()
		}
		return true
	}

	drop := func() {
		mu.Lock()
		abandoned = true
		s := sub
		mu.Unlock()
		if s != nil {
			s.Cancel()
		}
	}

	if timeout > 0 {
		mu.Lock()
		timer = time.AfterFunc(timeout, func() {
			if !settle() {
				return
			}
			drop()
			onTimeout()
		})
		mu.Unlock()
	}

	s := p.Subscribe(
		func(v T) {
			if settle() {
				onValue(v)
			}
		},
		func(err error) {
			if settle() {
				onError(err)
			}
		},
		nil,
	)

	mu.Lock()
	sub = s
	cancelNow := abandoned
	mu.Unlock()
	if cancelNow {
		s.Cancel()
	}

	return func() {
		if settle() {
			drop()
		}
	}
}
