// Package transport defines the notification-transport collaborator: the
// opaque messaging gateway that actually delivers a message to a recipient.
// The pipeline does not format messages or manage gateway credentials; it
// hands over a destination and an opaque body and records the gateway's
// message id.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport is the send contract the worker pool delivers through.
//
// Implementations must honor ctx for cancellation and carry their own
// bounded timeout: a hung gateway must not pin a worker slot past the
// queue's stall detection.
type Transport interface {
	Send(ctx context.Context, destination string, body []byte) (messageID string, err error)
}

// Webhook delivers messages by POSTing them to an HTTP gateway endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook constructs a Webhook transport with a per-call timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Body []byte `json:"body"` // JSON-encodes as base64; the gateway decodes
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send POSTs the message and returns the gateway-assigned message id. Any
// non-2xx status is an error; the caller classifies it as transient.
func (w *Webhook) Send(ctx context.Context, destination string, body []byte) (string, error) {
	payload, err := json.Marshal(sendRequest{To: destination, Body: body})
	if err != nil {
		return "", fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the error message; the worker logs it.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("transport returned %d: %s", resp.StatusCode, string(snippet))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	return out.MessageID, nil
}
