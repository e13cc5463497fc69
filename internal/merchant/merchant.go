// Package merchant is the merchant API of the payment platform.
package merchant

import (
	"context"
	"encoding/json"
	"net/http"

	"epayment-client/internal/async"
	"epayment-client/internal/client"
	"epayment-client/internal/common/errors"
)

const (
	basePath = "/bankaxept-epayment/merchant-api/v1"
	// PaymentsPath is where payment requests are posted
	PaymentsPath = basePath + "/payments"
)

// Dispatcher is the part of client.BaseClient the merchant client needs.
type Dispatcher interface {
	Execute(ctx context.Context, path string, body async.Producer[[]byte], correlationID string, header http.Header) async.Producer[client.Outcome]
	Close() error
}

// Client sends merchant requests. Request bodies are encoded on a dedicated
// serial executor so encoding never runs on the caller's goroutine.
type Client struct {
	dispatcher Dispatcher
	exec       *async.SerialExecutor
}

// New creates a merchant client on top of dispatcher.
func New(dispatcher Dispatcher) *Client {
	return &Client{
		dispatcher: dispatcher,
		exec:       async.NewSerialExecutor(),
	}
}

// Payment posts request as JSON to the payments endpoint. The payload shape
// is owned by the caller; anything encoding/json accepts is sent as is.
func (c *Client) Payment(ctx context.Context, request any, correlationID string, header http.Header) async.Producer[client.Outcome] {
	body := async.FromFunc(c.exec, func() ([]byte, error) {
		data, err := json.Marshal(request)
		if err != nil {
			return nil, errors.ValidationError("payment request cannot be encoded").WithContext("cause", err.Error())
		}
		return data, nil
	})
	return c.dispatcher.Execute(ctx, PaymentsPath, body, correlationID, header)
}

// PaymentSimple is Payment without custom headers.
func (c *Client) PaymentSimple(ctx context.Context, request any, correlationID string) async.Producer[client.Outcome] {
	return c.Payment(ctx, request, correlationID, nil)
}

// Close stops the encoding executor and closes the dispatcher.
func (c *Client) Close() error {
	c.exec.Close()
	return c.dispatcher.Close()
}
