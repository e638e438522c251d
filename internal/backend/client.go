// Package backend talks to the application backend: pulling pending outbound
// messages and acking their final status.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/msgbridge/msgbridge/internal/config"
	"github.com/msgbridge/msgbridge/internal/json"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/resilience"
)

const requestTimeout = 10 * time.Second

// PendingMessage is one outbound message pulled from the backend.
type PendingMessage struct {
	ID              string `json:"id"`
	PhoneNumber     string `json:"phoneNumber"`
	Content         string `json:"content"`
	IsOpaqueAddress bool   `json:"isLid,omitempty"`
	OpaqueAddressID string `json:"lidId,omitempty"`
}

type pendingResponse struct {
	Success  bool             `json:"success"`
	Messages []PendingMessage `json:"messages"`
	Count    int              `json:"count"`
}

// Ack reports a message's final send status back to the backend.
type Ack struct {
	IDs               []string `json:"ids"`
	Status            string   `json:"status"` // "sent" | "failed"
	ProviderMessageID string   `json:"providerMessageId,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Client is the backend HTTP client. Acks are retried through a failsafe
// executor so brief backend hiccups do not lose status updates.
type Client struct {
	cfg     *config.Manager
	client  *http.Client
	ackExec *resilience.Executor[struct{}]
}

// NewClient builds a backend client over the live configuration.
func NewClient(cfg *config.Manager) *Client {
	retry := resilience.DefaultRetryConfig
	retry.MaxRetries = 2
	retry.BaseDelay = 300 * time.Millisecond
	retry.MaxDelay = 3 * time.Second
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: requestTimeout},
		ackExec: resilience.NewExecutor[struct{}](retry, nil),
	}
}

// Configured reports whether a backend URL is set.
func (c *Client) Configured() bool {
	return c.cfg.Current().Backend.URL != ""
}

// PendingMessages pulls the outbound queue for one tenant.
func (c *Client) PendingMessages(ctx context.Context, tenantID string) ([]PendingMessage, error) {
	cfg := c.cfg.Current().Backend
	if cfg.URL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/pending-messages?tenantId=%s", cfg.URL, url.QueryEscape(tenantID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Key)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pending-messages returned HTTP %d", resp.StatusCode)
	}

	var parsed pendingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("pending-messages response malformed: %w", err)
	}
	return parsed.Messages, nil
}

// MarkSent acks one message's outcome to the backend.
func (c *Client) MarkSent(ctx context.Context, ack Ack) error {
	cfg := c.cfg.Current().Backend
	if cfg.URL == "" {
		return nil
	}

	payload, err := json.Marshal(ack)
	if err != nil {
		return err
	}

	_, err = c.ackExec.Execute(ctx, func() (struct{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.URL+"/mark-sent", bytes.NewReader(payload))
		if reqErr != nil {
			return struct{}{}, reqErr
		}
		req.Header.Set("Authorization", "Bearer "+cfg.Key)
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			return struct{}{}, doErr
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("mark-sent returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, provider.NewError(provider.ClassOther, fmt.Sprintf("mark-sent rejected: HTTP %d", resp.StatusCode))
		}
		return struct{}{}, nil
	})
	return err
}

// SentAck builds a success ack.
func SentAck(id, providerMessageID string) Ack {
	return Ack{IDs: []string{id}, Status: "sent", ProviderMessageID: providerMessageID}
}

// FailedAck builds a failure ack.
func FailedAck(id string, sendErr error) Ack {
	msg := "send failed"
	if sendErr != nil {
		msg = sendErr.Error()
	}
	return Ack{IDs: []string{id}, Status: "failed", Error: msg}
}
