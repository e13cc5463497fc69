package merchant

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epayment-client/internal/async"
	"epayment-client/internal/client"
	"epayment-client/internal/common/errors"
	commonhttp "epayment-client/internal/common/http"
	"epayment-client/internal/common/logging"
	"epayment-client/internal/oauth2"
	"epayment-client/internal/testutil"
)

type paymentRequest struct {
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	MerchantOrderRef string `json:"merchantOrderReference"`
}

func newTestMerchant(t *testing.T, platform *testutil.Platform) *Client {
	t.Helper()

	transport := commonhttp.NewTransport(
		commonhttp.WithLogger(logging.NewNopLogger()),
		commonhttp.WithHTTPClient(commonhttp.NewHTTPClientWithTimeout(2*time.Second)),
	)
	base, err := client.New(client.Config{
		BaseURL:         platform.URL(),
		SubscriptionKey: testutil.SubscriptionKey,
		TokenTimeout:    2 * time.Second,
		Logger:          logging.NewNopLogger(),
	}, oauth2.Credentials{
		ClientID:     testutil.ClientID,
		ClientSecret: testutil.ClientSecret,
	}, transport)
	require.NoError(t, err)

	c := New(base)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_Payment(t *testing.T) {
	platform := testutil.NewPlatform(t)
	c := newTestMerchant(t, platform)

	request := paymentRequest{Amount: 10000, Currency: "NOK", MerchantOrderRef: "order-1"}
	header := http.Header{"X-Simulation": {"Accepted"}}

	outcome, err := async.Await(context.Background(), c.Payment(context.Background(), request, "corr-1", header))
	require.NoError(t, err)
	assert.Equal(t, client.OutcomeAccepted, outcome)

	requests := platform.Requests(PaymentsPath)
	require.Len(t, requests, 1)
	assert.Equal(t, "corr-1", requests[0].Header.Get(client.CorrelationIDHeader))
	assert.Equal(t, "Accepted", requests[0].Header.Get("X-Simulation"))

	var sent paymentRequest
	require.NoError(t, json.Unmarshal(requests[0].Body, &sent))
	assert.Equal(t, request, sent)
}

func TestClient_PaymentSimple(t *testing.T) {
	platform := testutil.NewPlatform(t)
	platform.QueueAPI(PaymentsPath, testutil.StatusReply(http.StatusConflict))
	c := newTestMerchant(t, platform)

	outcome, err := async.Await(context.Background(), c.PaymentSimple(context.Background(), paymentRequest{Amount: 1}, "corr-2"))
	require.NoError(t, err)
	assert.Equal(t, client.OutcomeConflicted, outcome)
}

func TestClient_PaymentUnencodable(t *testing.T) {
	platform := testutil.NewPlatform(t)
	c := newTestMerchant(t, platform)

	_, err := async.Await(context.Background(), c.PaymentSimple(context.Background(), map[string]any{"bad": make(chan int)}, "corr-3"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
	assert.Empty(t, platform.Requests(PaymentsPath))
}
