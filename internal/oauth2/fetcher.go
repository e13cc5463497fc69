package oauth2

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"epayment-client/internal/async"
	"epayment-client/internal/clock"
	"epayment-client/internal/common/errors"
	commonhttp "epayment-client/internal/common/http"
	"epayment-client/internal/common/logging"
)

const (
	// GrantTypeClientCredentials is the only grant the platform issues to merchants
	GrantTypeClientCredentials = "client_credentials"

	// SubscriptionKeyHeader carries the API gateway subscription key
	SubscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
)

// Fetcher obtains a new access token. Implementations classify failures with
// the errors package: client errors are terminal, everything else is retried.
type Fetcher interface {
	Fetch(ctx context.Context) async.Producer[AccessToken]
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) async.Producer[AccessToken]

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) async.Producer[AccessToken] {
	return f(ctx)
}

// Credentials identifies the client at the token endpoint.
type Credentials struct {
	// TokenURL is the full URL of the token endpoint
	TokenURL string `validate:"required,url"`
	// ClientID and ClientSecret are sent using HTTP basic authentication
	ClientID     string `validate:"required"`
	ClientSecret string `validate:"required"`
	// Scope is sent as the scope form field when not empty
	Scope string
	// GrantType defaults to client_credentials
	GrantType string
	// SubscriptionKey is sent in the Ocp-Apim-Subscription-Key header when not empty
	SubscriptionKey string
}

// Sender is the part of the transport the fetcher needs.
type Sender interface {
	Send(ctx context.Context, req *commonhttp.Request) async.Producer[*commonhttp.Response]
}

// HTTPFetcher performs the client credentials grant against the token endpoint.
type HTTPFetcher struct {
	creds     Credentials
	transport Sender
	clock     clock.Clock
	logger    logging.Logger
}

// NewHTTPFetcher creates a fetcher. The clock stamps ObtainedAt and resolves
// relative expiry; it must be the clock the Manager schedules with.
func NewHTTPFetcher(creds Credentials, transport Sender, clk clock.Clock, logger logging.Logger) *HTTPFetcher {
	if creds.GrantType == "" {
		creds.GrantType = GrantTypeClientCredentials
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &HTTPFetcher{
		creds:     creds,
		transport: transport,
		clock:     clock.OrReal(clk),
		logger:    logger.WithFields(logging.String("component", "token_fetcher")),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) async.Producer[AccessToken] {
	return async.Map(f.transport.Send(ctx, f.request()), f.parse)
}

func (f *HTTPFetcher) request() *commonhttp.Request {
	form := url.Values{}
	form.Set("grant_type", f.creds.GrantType)
	if f.creds.Scope != "" {
		form.Set("scope", f.creds.Scope)
	}

	header := http.Header{}
	header.Set("Authorization", basicAuth(f.creds.ClientID, f.creds.ClientSecret))
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")
	if f.creds.SubscriptionKey != "" {
		header.Set(SubscriptionKeyHeader, f.creds.SubscriptionKey)
	}

	return &commonhttp.Request{
		Method: http.MethodPost,
		URL:    f.creds.TokenURL,
		Header: header,
		Body:   []byte(form.Encode()),
	}
}

func (f *HTTPFetcher) parse(resp *commonhttp.Response) (AccessToken, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := errors.HTTPStatusError("token endpoint", resp.StatusCode, string(resp.Body))
		f.logger.Warn("Token endpoint rejected request",
			logging.Int("status", resp.StatusCode),
			logging.String("class", errors.Classify(err).String()),
		)
		return AccessToken{}, err
	}

	return ParseTokenResponse(resp.Body, f.clock.Now())
}

func basicAuth(id, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(strings.Join([]string{id, secret}, ":")))
}
