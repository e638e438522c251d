// Package forwarder delivers normalized inbound messages to the application
// webhook and drains the retry queue when deliveries recover.
package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/msgbridge/msgbridge/internal/config"
	"github.com/msgbridge/msgbridge/internal/json"
	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/queue"
)

// drainDelay is how long after a session connects the queue drain starts,
// giving the socket a moment to settle before the burst.
const drainDelay = 2 * time.Second

// drainSpacing paces deliveries during a queue drain so a large backlog does
// not hammer the webhook.
const drainSpacing = 500 * time.Millisecond

// WebhookPayload is the body posted to the application webhook for each
// inbound message. Phone is a pointer so opaque-address messages emit an
// explicit null rather than omitting the key.
type WebhookPayload struct {
	Type              string  `json:"type"`
	TenantID          string  `json:"tenantId"`
	Phone             *string `json:"phone"`
	Message           string  `json:"message"`
	CustomerName      string  `json:"customerName,omitempty"`
	MessageID         string  `json:"whatsappMessageId"`
	IsOpaqueAddress   bool    `json:"isLid,omitempty"`
	OpaqueAddressID   string  `json:"lidId,omitempty"`
	IsVoiceMessage    bool    `json:"isVoiceMessage,omitempty"`
	VoiceTranscript   string  `json:"voiceTranscription,omitempty"`
	VoiceDurationSecs int     `json:"voiceDurationSeconds,omitempty"`
	Provider          string  `json:"provider"`
}

// BuildPayload maps a provider inbound message onto the webhook schema.
func BuildPayload(msg *provider.InboundMessage) WebhookPayload {
	var phone *string
	if msg.ResolvedPhone != "" {
		phone = &msg.ResolvedPhone
	}
	return WebhookPayload{
		Type:              "message",
		TenantID:          msg.TenantID,
		Phone:             phone,
		Message:           msg.Content,
		CustomerName:      msg.PushName,
		MessageID:         msg.MessageID,
		IsOpaqueAddress:   msg.IsOpaqueAddress,
		OpaqueAddressID:   msg.OpaqueAddressID,
		IsVoiceMessage:    msg.IsVoice,
		VoiceTranscript:   msg.VoiceTranscript,
		VoiceDurationSecs: msg.VoiceDurationSeconds,
		Provider:          string(msg.Provider),
	}
}

// Forwarder posts inbound messages to the configured webhook. Failed
// deliveries land in the durable queue and are retried on the next drain.
type Forwarder struct {
	cfg    *config.Manager
	queue  *queue.Queue
	client *http.Client

	timerMu    sync.Mutex
	drainTimer *time.Timer
}

// New builds a forwarder over the live configuration and the delivery queue.
func New(cfg *config.Manager, q *queue.Queue) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		queue:  q,
		client: &http.Client{Timeout: cfg.Current().Webhook.Timeout()},
	}
}

// Forward posts one message to the webhook. fromRetryQueue marks a delivery
// that is already queued: on success or permanent rejection the entry is
// dequeued, on transient failure its attempt count is bumped instead of
// enqueueing a duplicate.
func (f *Forwarder) Forward(ctx context.Context, msg *provider.InboundMessage, fromRetryQueue bool) error {
	webhook := f.cfg.Current().Webhook
	if webhook.URL == "" {
		log.Warnf("webhook url not configured, dropping message %s", msg.MessageID)
		return nil
	}

	body, err := json.Marshal(BuildPayload(msg))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, webhook.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.recordFailure(msg, fromRetryQueue)
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if fromRetryQueue {
			f.queue.Dequeue(msg.MessageID)
		}
		return nil
	case resp.StatusCode == http.StatusBadRequest:
		// Permanent rejection: the payload will never be accepted, so it
		// must not be retried.
		log.Warnf("webhook rejected message %s permanently (HTTP 400)", msg.MessageID)
		if fromRetryQueue {
			f.queue.Dequeue(msg.MessageID)
		}
		return nil
	default:
		f.recordFailure(msg, fromRetryQueue)
		return provider.NewError(provider.ClassServerError, "webhook returned HTTP "+resp.Status)
	}
}

func (f *Forwarder) recordFailure(msg *provider.InboundMessage, fromRetryQueue bool) {
	if fromRetryQueue {
		f.queue.IncrementAttempts(msg.MessageID)
	} else {
		f.queue.Enqueue(msg.TenantID, msg)
		log.Infof("webhook delivery failed, queued message %s (queue length %d)", msg.MessageID, f.queue.Len())
	}
}

// ProcessQueue retries every queued delivery once, paced at one delivery per
// drainSpacing interval, then evicts expired and exhausted entries.
func (f *Forwarder) ProcessQueue(ctx context.Context) {
	entries := f.queue.List()
	if len(entries) == 0 {
		return
	}
	log.Infof("draining delivery queue: %d entries", len(entries))

	limiter := rate.NewLimiter(rate.Every(drainSpacing), 1)
	for i := range entries {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		e := &entries[i]
		if err := f.Forward(ctx, e.Payload, true); err != nil {
			log.WithError(err).Debugf("queued delivery %s still failing", e.MessageID)
		}
	}
	f.queue.Cleanup()
}

// ScheduleDrain kicks off a queue drain after drainDelay. A drain already
// pending is rescheduled rather than doubled.
func (f *Forwarder) ScheduleDrain(ctx context.Context) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if f.drainTimer != nil {
		f.drainTimer.Stop()
	}
	f.drainTimer = time.AfterFunc(drainDelay, func() {
		f.ProcessQueue(ctx)
	})
}
