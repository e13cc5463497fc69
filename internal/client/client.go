// Package client dispatches authenticated requests to the payment platform.
//
// BaseClient attaches a fresh access token and the platform headers to every
// request, retries once on transient failures and maps response statuses to
// an Outcome. Domain clients such as merchant.Client build on it.
package client

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"epayment-client/internal/async"
	"epayment-client/internal/clock"
	"epayment-client/internal/common/errors"
	commonhttp "epayment-client/internal/common/http"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/metrics"
	"epayment-client/internal/oauth2"
)

const (
	// CorrelationIDHeader carries the caller's correlation id
	CorrelationIDHeader = "X-Correlation-Id"
	// SubscriptionKeyHeader carries the API gateway subscription key
	SubscriptionKeyHeader = oauth2.SubscriptionKeyHeader

	// DefaultTokenTimeout bounds how long a request waits for a token
	DefaultTokenTimeout = 10 * time.Second
	// DefaultBackoff is the delay before the single retry of a request
	DefaultBackoff = oauth2.DefaultBackoff
)

var reservedHeaders = map[string]bool{
	"Authorization":       true,
	SubscriptionKeyHeader: true,
	CorrelationIDHeader:   true,
}

// Transport sends one request and produces its response. Any status is a
// response; only failures to get one are errors.
type Transport interface {
	Send(ctx context.Context, req *commonhttp.Request) async.Producer[*commonhttp.Response]
}

// Config configures a BaseClient.
type Config struct {
	// BaseURL is the platform root, e.g. https://api.example.com
	BaseURL string `validate:"required,url"`
	// SubscriptionKey is sent in Ocp-Apim-Subscription-Key when not empty
	SubscriptionKey string
	// TokenTimeout bounds the wait for an access token (default 10s)
	TokenTimeout time.Duration `validate:"gte=0"`
	// Backoff is the delay before retrying a failed send (default 5s)
	Backoff time.Duration `validate:"gte=0"`
	// TokenStore, when set, persists tokens across restarts (used by New)
	TokenStore oauth2.TokenStore

	Clock    clock.Clock
	Executor async.Executor
	Logger   logging.Logger
	Metrics  *metrics.Metrics
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.ConfigError("invalid client configuration").WithContext("details", err.Error())
	}
	return nil
}

// BaseClient sends authenticated requests to the platform. It owns the
// token source it was built with and closes it on Close.
type BaseClient struct {
	baseURL         string
	subscriptionKey string
	tokenTimeout    time.Duration
	backoff         time.Duration

	tokens    oauth2.TokenSource
	transport Transport
	clock     clock.Clock
	exec      async.Executor
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// New builds a BaseClient together with its token manager. Token requests
// go through the same transport as API requests.
func New(config Config, creds oauth2.Credentials, transport Transport) (*BaseClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if creds.TokenURL == "" {
		creds.TokenURL = strings.TrimRight(config.BaseURL, "/") + "/token"
	}
	if creds.SubscriptionKey == "" {
		creds.SubscriptionKey = config.SubscriptionKey
	}
	if err := validator.New().Struct(creds); err != nil {
		return nil, errors.ConfigError("invalid client credentials").WithContext("details", err.Error())
	}

	var fetcher oauth2.Fetcher = oauth2.NewHTTPFetcher(creds, transport, config.Clock, config.Logger)
	if config.TokenStore != nil {
		fetcher = oauth2.NewStoreFetcher(fetcher, config.TokenStore, creds.ClientID, oauth2.StoreFetcherConfig{
			Clock:    config.Clock,
			Executor: config.Executor,
			Logger:   config.Logger,
		})
	}

	manager := oauth2.NewManager(fetcher, oauth2.ManagerConfig{
		Backoff:  config.Backoff,
		Clock:    config.Clock,
		Executor: config.Executor,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
	})

	return NewBaseClient(config, manager, transport), nil
}

// NewBaseClient creates a client over an existing token source.
func NewBaseClient(config Config, tokens oauth2.TokenSource, transport Transport) *BaseClient {
	if config.TokenTimeout <= 0 {
		config.TokenTimeout = DefaultTokenTimeout
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

	return &BaseClient{
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		subscriptionKey: config.SubscriptionKey,
		tokenTimeout:    config.TokenTimeout,
		backoff:         config.Backoff,
		tokens:          tokens,
		transport:       transport,
		clock:           clock.OrReal(config.Clock),
		exec:            config.Executor,
		logger:          config.Logger.WithFields(logging.String("component", "dispatcher")),
		metrics:         config.Metrics,
	}
}

// Post sends the single value of body to path. The produced response may
// carry any status; errors mean no usable response was obtained. Network
// failures and 5xx responses are retried once after the backoff. An empty
// correlationID is replaced by a generated one.
func (c *BaseClient) Post(ctx context.Context, path string, body async.Producer[[]byte], correlationID string, header http.Header) async.Producer[*commonhttp.Response] {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logging.WithCorrelationID(ctx, correlationID)

	return async.Create(c.exec, func(e async.Emitter[*commonhttp.Response]) func() {
		d := &dispatch{
			client:        c,
			ctx:           ctx,
			emitter:       e,
			url:           c.baseURL + "/" + strings.TrimLeft(path, "/"),
			body:          body,
			correlationID: correlationID,
			header:        header,
			logger:        c.logger.WithContext(ctx).WithFields(logging.String("path", path)),
		}
		d.start()
		return d.cancel
	})
}

// Execute is Post followed by the status to Outcome mapping.
func (c *BaseClient) Execute(ctx context.Context, path string, body async.Producer[[]byte], correlationID string, header http.Header) async.Producer[Outcome] {
	return async.Map(c.Post(ctx, path, body, correlationID, header), func(resp *commonhttp.Response) (Outcome, error) {
		return OutcomeFor(resp.StatusCode), nil
	})
}

// Close releases the token source when the client owns one that can be closed.
func (c *BaseClient) Close() error {
	if closer, ok := c.tokens.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// buildHeader merges caller headers with the reserved platform headers.
// Reserved names supplied by the caller are dropped.
func (c *BaseClient) buildHeader(token oauth2.AccessToken, correlationID string, custom http.Header) http.Header {
	header := make(http.Header, len(custom)+4)
	for name, values := range custom {
		key := http.CanonicalHeaderKey(name)
		if reservedHeaders[key] {
			continue
		}
		header[key] = append(header[key], values...)
	}

	header.Set("Authorization", token.AuthorizationHeader())
	header.Set(CorrelationIDHeader, correlationID)
	if c.subscriptionKey != "" {
		header.Set(SubscriptionKeyHeader, c.subscriptionKey)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return header
}
