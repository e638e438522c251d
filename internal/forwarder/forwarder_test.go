package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/msgbridge/msgbridge/internal/config"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/queue"
)

func inbound(id string) *provider.InboundMessage {
	return &provider.InboundMessage{
		Provider:      provider.Socket,
		TenantID:      "t1",
		MessageID:     id,
		From:          "14155550000",
		ResolvedPhone: "+14155550000",
		Kind:          provider.KindText,
		Content:       "hello",
		PushName:      "Ana",
	}
}

func newForwarder(t *testing.T, handler http.Handler) (*Forwarder, *queue.Queue) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	if handler != nil {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)
		cfg.Webhook.URL = server.URL
	}
	q := queue.New(filepath.Join(t.TempDir(), "queue.json"))
	t.Cleanup(func() { q.Close() })
	return New(config.NewManager(cfg), q), q
}

func TestForwardSuccess(t *testing.T) {
	var body atomic.Value
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(string(data))
		w.WriteHeader(http.StatusOK)
	}))

	if err := f.Forward(context.Background(), inbound("m1"), false); err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("successful delivery must not be queued")
	}

	got := body.Load().(string)
	checks := map[string]string{
		"type":              "message",
		"tenantId":          "t1",
		"phone":             "+14155550000",
		"message":           "hello",
		"customerName":      "Ana",
		"whatsappMessageId": "m1",
		"provider":          "socket",
	}
	for path, want := range checks {
		if v := gjson.Get(got, path).String(); v != want {
			t.Errorf("payload %s = %q, want %q", path, v, want)
		}
	}
}

func TestForwardOpaqueAddressEmitsNullPhone(t *testing.T) {
	var body atomic.Value
	f, _ := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(string(data))
		w.WriteHeader(http.StatusOK)
	}))

	msg := inbound("m1")
	msg.ResolvedPhone = ""
	msg.IsOpaqueAddress = true
	msg.OpaqueAddressID = "123456789"
	if err := f.Forward(context.Background(), msg, false); err != nil {
		t.Fatalf("Forward() error: %v", err)
	}

	got := body.Load().(string)
	phone := gjson.Get(got, "phone")
	if !phone.Exists() || phone.Type != gjson.Null {
		t.Errorf("phone should be an explicit null, got %s in %s", phone.Raw, got)
	}
	if gjson.Get(got, "lidId").String() != "123456789" {
		t.Errorf("lidId missing: %s", got)
	}
}

func TestForwardVoiceFields(t *testing.T) {
	var body atomic.Value
	f, _ := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(string(data))
		w.WriteHeader(http.StatusNoContent)
	}))

	msg := inbound("v1")
	msg.IsVoice = true
	msg.VoiceTranscript = "call me back"
	msg.VoiceDurationSeconds = 4
	if err := f.Forward(context.Background(), msg, false); err != nil {
		t.Fatalf("Forward() error: %v", err)
	}

	got := body.Load().(string)
	if !gjson.Get(got, "isVoiceMessage").Bool() {
		t.Errorf("isVoiceMessage not set: %s", got)
	}
	if gjson.Get(got, "voiceTranscription").String() != "call me back" {
		t.Errorf("voiceTranscription missing: %s", got)
	}
	if gjson.Get(got, "voiceDurationSeconds").Int() != 4 {
		t.Errorf("voiceDurationSeconds missing: %s", got)
	}
}

func TestForwardServerErrorEnqueues(t *testing.T) {
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	if err := f.Forward(context.Background(), inbound("m1"), false); err == nil {
		t.Fatal("Forward() should report the failure")
	}
	entries := q.List()
	if len(entries) != 1 || entries[0].MessageID != "m1" || entries[0].Attempts != 0 {
		t.Errorf("failed delivery should be queued fresh, got %+v", entries)
	}
}

func TestForwardBadRequestIsPermanent(t *testing.T) {
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	if err := f.Forward(context.Background(), inbound("m1"), false); err != nil {
		t.Fatalf("permanent rejection should not surface as error: %v", err)
	}
	if q.Len() != 0 {
		t.Error("permanently rejected message must not be queued")
	}
}

func TestForwardRetryPathDequeuesOnSuccess(t *testing.T) {
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	q.Enqueue("t1", inbound("m1"))

	if err := f.Forward(context.Background(), inbound("m1"), true); err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if q.Len() != 0 {
		t.Error("retried delivery should be dequeued on success")
	}
}

func TestForwardRetryPathIncrementsOnFailure(t *testing.T) {
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	q.Enqueue("t1", inbound("m1"))

	f.Forward(context.Background(), inbound("m1"), true)
	entries := q.List()
	if len(entries) != 1 || entries[0].Attempts != 1 {
		t.Errorf("retry failure should increment attempts, got %+v", entries)
	}
}

func TestForwardRetryPathDequeuesOnBadRequest(t *testing.T) {
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	q.Enqueue("t1", inbound("m1"))

	if err := f.Forward(context.Background(), inbound("m1"), true); err != nil {
		t.Fatalf("Forward() error: %v", err)
	}
	if q.Len() != 0 {
		t.Error("permanently rejected retry should be dequeued")
	}
}

func TestForwardWithoutURLIsNoop(t *testing.T) {
	f, q := newForwarder(t, nil)
	if err := f.Forward(context.Background(), inbound("m1"), false); err != nil {
		t.Fatalf("Forward() without url should be a noop: %v", err)
	}
	if q.Len() != 0 {
		t.Error("nothing should be queued without a webhook url")
	}
}

func TestProcessQueueDrains(t *testing.T) {
	var calls atomic.Int32
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	q.Enqueue("t1", inbound("m1"))
	q.Enqueue("t1", inbound("m2"))

	f.ProcessQueue(context.Background())
	if calls.Load() != 2 {
		t.Errorf("drain made %d deliveries, want 2", calls.Load())
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty after successful drain, got %d", q.Len())
	}
}

func TestProcessQueueEvictsExhaustedEntries(t *testing.T) {
	f, q := newForwarder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	q.Enqueue("t1", inbound("m1"))
	for i := 0; i < queue.MaxAttempts-1; i++ {
		q.IncrementAttempts("m1")
	}

	// Final failed attempt reaches the cap; cleanup abandons the entry.
	f.ProcessQueue(context.Background())
	if q.Len() != 0 {
		t.Errorf("exhausted entry should be abandoned, got %d entries", q.Len())
	}
}
