package http

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"epayment-client/internal/async"
	"epayment-client/internal/circuitbreaker"
	"epayment-client/internal/common/errors"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/common/ratelimit"
)

const maxResponseBody = 1 << 20

// Request is a single outbound call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Transport sends requests asynchronously. Any status code is delivered as a
// Response; only failures to obtain one are errors.
type Transport interface {
	Send(ctx context.Context, req *Request) async.Producer[*Response]
}

// HTTPTransport is the net/http backed Transport. Each remote host gets its
// own circuit breaker; an optional limiter throttles all requests.
type HTTPTransport struct {
	client   *http.Client
	executor async.Executor
	breakers *circuitbreaker.Registry
	limiter  ratelimit.Limiter
	logger   logging.Logger
}

// TransportOption configures an HTTPTransport
type TransportOption func(*HTTPTransport)

// WithHTTPClient sets the underlying client
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// WithExecutor sets the executor requests run on
func WithExecutor(exec async.Executor) TransportOption {
	return func(t *HTTPTransport) {
		t.executor = exec
	}
}

// WithBreakers sets the circuit breaker registry
func WithBreakers(breakers *circuitbreaker.Registry) TransportOption {
	return func(t *HTTPTransport) {
		t.breakers = breakers
	}
}

// WithRateLimiter sets the limiter; nil disables limiting
func WithRateLimiter(limiter ratelimit.Limiter) TransportOption {
	return func(t *HTTPTransport) {
		t.limiter = limiter
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) TransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// NewTransport creates an HTTPTransport. Without options it uses a default
// client, a goroutine-per-request executor and HTTP breaker defaults.
func NewTransport(opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{}
	for _, opt := range opts {
		opt(t)
	}

	if t.logger == nil {
		t.logger = logging.GetGlobalLogger()
	}
	if t.client == nil {
		t.client = NewHTTPClient()
	}
	if t.executor == nil {
		t.executor = async.GoExecutor{}
	}
	if t.breakers == nil {
		t.breakers = circuitbreaker.NewRegistry(circuitbreaker.APIConfig, t.logger)
	}

	return t
}

// Send implements Transport
func (t *HTTPTransport) Send(ctx context.Context, req *Request) async.Producer[*Response] {
	return async.FromFunc(t.executor, func() (*Response, error) {
		return t.Do(ctx, req)
	})
}

// Do performs req synchronously
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, errors.ConfigError("invalid request url").WithContext("url", req.URL)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, errors.RateLimitError(u.Host, err)
		}
	}

	var resp *Response
	breaker := t.breakers.GetOrCreate(u.Host)
	err = breaker.Execute(ctx, func() error {
		var doErr error
		resp, doErr = t.roundTrip(ctx, req)
		if doErr != nil {
			return doErr
		}
		if errors.IsServerStatus(resp.StatusCode) {
			// count against the breaker, still delivered as a response
			return errors.HTTPStatusError(req.Method+" "+u.Path, resp.StatusCode, "")
		}
		return nil
	})

	if resp != nil && errors.IsType(err, errors.ErrTypeServer) {
		err = nil
	}
	if err != nil {
		t.logger.WithContext(ctx).Debug("HTTP request failed",
			logging.String("method", req.Method),
			logging.String("host", u.Host),
			logging.String("path", u.Path),
			logging.Err(err),
		)
		return nil, err
	}

	t.logger.WithContext(ctx).Debug("HTTP request completed",
		logging.String("method", req.Method),
		logging.String("host", u.Host),
		logging.String("path", u.Path),
		logging.Int("status", resp.StatusCode),
		logging.Duration("duration", resp.Duration),
	)
	return resp, nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, errors.InternalError("failed to create request", err)
	}
	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		if stderrors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errors.ConnectionError("request failed", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.ConnectionError("failed to read response body", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}
