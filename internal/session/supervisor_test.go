package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/msgbridge/msgbridge/internal/authstore"
	"github.com/msgbridge/msgbridge/internal/config"
	"github.com/msgbridge/msgbridge/internal/provider"
)

type connectOutcome struct {
	result provider.ConnectResult
	err    error
}

// scriptedProvider consumes one connect outcome per Connect call; an empty
// script connects successfully.
type scriptedProvider struct {
	id provider.ID

	mu          sync.Mutex
	script      []connectOutcome
	connects    int
	disconnects int
	status      provider.Status
	identity    string
}

func (p *scriptedProvider) ID() provider.ID { return p.id }

func (p *scriptedProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsTemplates: p.id == provider.Cloud}
}

func (p *scriptedProvider) Connect(ctx context.Context) (provider.ConnectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if len(p.script) > 0 {
		out := p.script[0]
		p.script = p.script[1:]
		p.status = out.result.Status
		return out.result, out.err
	}
	p.status = provider.StatusConnected
	return provider.ConnectResult{Status: provider.StatusConnected, PhoneIdentity: p.identity}, nil
}

func (p *scriptedProvider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.status = provider.StatusDisconnected
	return nil
}

func (p *scriptedProvider) SendText(ctx context.Context, to, text string) (provider.SendResult, error) {
	return provider.SendResult{MessageID: "m", Provider: p.id}, nil
}

func (p *scriptedProvider) SendTemplate(ctx context.Context, to, name string, params []string, language string) (provider.SendResult, error) {
	return provider.SendResult{MessageID: "m", Provider: p.id}, nil
}

func (p *scriptedProvider) SendMedia(ctx context.Context, to string, media provider.Media) (provider.SendResult, error) {
	return provider.SendResult{MessageID: "m", Provider: p.id}, nil
}

func (p *scriptedProvider) Status() provider.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *scriptedProvider) PhoneIdentity() string                  { return p.identity }
func (p *scriptedProvider) IsHealthy() bool                        { return true }
func (p *scriptedProvider) HealthMetrics() provider.HealthSnapshot { return provider.HealthSnapshot{} }

func (p *scriptedProvider) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

type harness struct {
	sup    *Supervisor
	auth   *authstore.Store
	cloud  *scriptedProvider
	socket *scriptedProvider

	mu           sync.Mutex
	sinks        map[provider.ID]provider.EventSink
	connected    []string
	disconnected []string
	inbound      []*provider.InboundMessage
}

func (h *harness) sink(id provider.ID) provider.EventSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[id]
}

func (h *harness) connectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected)
}

func (h *harness) disconnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.disconnected)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Cloud.Token = "tok"
	cfg.Cloud.PhoneNumberID = "123"

	auth, err := authstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		auth:   auth,
		cloud:  &scriptedProvider{id: provider.Cloud, identity: "+10000000001"},
		socket: &scriptedProvider{id: provider.Socket, identity: "+10000000002"},
		sinks:  make(map[provider.ID]provider.EventSink),
	}

	capture := func(p *scriptedProvider) provider.Factory {
		return func(tenantID string, cfg *config.Config, sink provider.EventSink) (provider.Provider, error) {
			h.mu.Lock()
			h.sinks[p.id] = sink
			h.mu.Unlock()
			return p, nil
		}
	}
	registry := provider.NewRegistryWithFactories(map[provider.ID]provider.Factory{
		provider.Cloud:  capture(h.cloud),
		provider.Socket: capture(h.socket),
	})

	hooks := Hooks{
		OnConnected: func(tenantID string) {
			h.mu.Lock()
			h.connected = append(h.connected, tenantID)
			h.mu.Unlock()
		},
		OnDisconnected: func(tenantID string) {
			h.mu.Lock()
			h.disconnected = append(h.disconnected, tenantID)
			h.mu.Unlock()
		},
		Inbound: func(msg *provider.InboundMessage) {
			h.mu.Lock()
			h.inbound = append(h.inbound, msg)
			h.mu.Unlock()
		},
	}

	h.sup = NewSupervisor(config.NewManager(cfg), registry, auth, hooks)
	h.sup.backoff = func(attempt int) time.Duration { return time.Millisecond }
	t.Cleanup(h.sup.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(t *testing.T, tenantID string) provider.Status {
	snap, err := h.sup.Get(tenantID)
	if err != nil {
		return provider.StatusDisconnected
	}
	_ = t
	return snap.Status
}

func TestCreateSessionConnectsPrimary(t *testing.T) {
	h := newHarness(t)

	snap, err := h.sup.CreateSession(context.Background(), "t1")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if snap.Status != provider.StatusConnected || snap.ActiveProvider != provider.Cloud {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if h.socket.connectCount() != 0 {
		t.Error("fallback provider must not be tried after primary connects")
	}
	if h.connectedCount() != 1 {
		t.Errorf("OnConnected fired %d times, want 1", h.connectedCount())
	}
	m := h.auth.LoadManifest()
	if m.Tenants["t1"].PhoneIdentity != "+10000000001" {
		t.Errorf("manifest not updated: %+v", m.Tenants)
	}
}

func TestCreateSessionReturnsConnectedUnmodified(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")

	snap, err := h.sup.CreateSession(context.Background(), "t1")
	if err != nil || snap.Status != provider.StatusConnected {
		t.Fatalf("second CreateSession: %+v, %v", snap, err)
	}
	if h.cloud.connectCount() != 1 {
		t.Errorf("connected session must not be rebuilt, got %d connects", h.cloud.connectCount())
	}
}

func TestCreateSessionFallsThroughOnConnectError(t *testing.T) {
	h := newHarness(t)
	h.cloud.script = []connectOutcome{{err: provider.NewError(provider.ClassAuthError, "bad token")}}

	snap, err := h.sup.CreateSession(context.Background(), "t1")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if snap.Status != provider.StatusConnected || snap.ActiveProvider != provider.Socket {
		t.Errorf("expected socket fallback, got %+v", snap)
	}
}

func TestQRFlowThenAsyncConnected(t *testing.T) {
	h := newHarness(t)
	h.socket.script = []connectOutcome{
		{result: provider.ConnectResult{Status: provider.StatusQRReady, QRPayload: "qr-data"}},
	}
	h.cloud.script = []connectOutcome{{err: provider.NewError(provider.ClassAuthError, "no creds")}}

	snap, err := h.sup.CreateSession(context.Background(), "t1")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if snap.Status != provider.StatusQRReady || snap.QRPayload != "qr-data" {
		t.Fatalf("expected qr_ready with payload, got %+v", snap)
	}

	// The provider scans the QR and reports connected asynchronously.
	h.sink(provider.Socket).StatusChanged(provider.StatusChange{
		Status: provider.StatusConnected, PhoneIdentity: "+10000000002",
	})
	waitFor(t, "connected", func() bool { return h.status(t, "t1") == provider.StatusConnected })

	snap, _ = h.sup.Get("t1")
	if snap.ActiveProvider != provider.Socket || snap.QRPayload != "" {
		t.Errorf("qr payload should clear on connect: %+v", snap)
	}
}

func TestConnectionLostReconnects(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")

	h.sink(provider.Cloud).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseConnectionClosed,
	})
	waitFor(t, "reconnect", func() bool {
		return h.status(t, "t1") == provider.StatusConnected && h.cloud.connectCount() >= 2
	})

	snap, _ := h.sup.Get("t1")
	if snap.ReconnectAttempts != 0 {
		t.Errorf("attempts should reset on reconnect, got %d", snap.ReconnectAttempts)
	}
	if h.disconnectedCount() != 1 {
		t.Errorf("OnDisconnected fired %d times, want 1", h.disconnectedCount())
	}
}

func TestConnectionLostClearsLiveState(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")

	snap, _ := h.sup.Get("t1")
	if snap.ConnectedAt == nil || snap.ConnectedAt.IsZero() {
		t.Fatalf("connected session must report connectedAt: %+v", snap)
	}

	// Park the session in reconnecting: next attempt far in the future.
	h.sup.backoff = func(attempt int) time.Duration { return time.Hour }
	h.sink(provider.Cloud).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseConnectionClosed,
	})
	waitFor(t, "reconnecting", func() bool { return h.status(t, "t1") == provider.StatusReconnecting })

	snap, _ = h.sup.Get("t1")
	if snap.ActiveProvider != "" {
		t.Errorf("activeProvider = %q, want empty while reconnecting", snap.ActiveProvider)
	}
	if snap.ConnectedAt != nil {
		t.Errorf("connectedAt = %v, want nil while reconnecting", snap.ConnectedAt)
	}
}

func TestQRClearedWhenSocketDrops(t *testing.T) {
	h := newHarness(t)
	h.cloud.script = []connectOutcome{{err: provider.NewError(provider.ClassAuthError, "no creds")}}
	h.socket.script = []connectOutcome{
		{result: provider.ConnectResult{Status: provider.StatusQRReady, QRPayload: "qr-data"}},
	}
	h.sup.CreateSession(context.Background(), "t1")

	h.sup.backoff = func(attempt int) time.Duration { return time.Hour }
	h.sink(provider.Socket).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseConnectionClosed,
	})
	waitFor(t, "reconnecting", func() bool { return h.status(t, "t1") == provider.StatusReconnecting })

	snap, _ := h.sup.Get("t1")
	if snap.QRPayload != "" {
		t.Errorf("qr payload = %q, want empty after leaving qr_ready", snap.QRPayload)
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")

	// Every future connect fails on both providers.
	fail := connectOutcome{err: provider.NewError(provider.ClassTimeout, "down")}
	h.cloud.mu.Lock()
	for i := 0; i < maxReconnectAttempts+1; i++ {
		h.cloud.script = append(h.cloud.script, fail)
	}
	h.cloud.mu.Unlock()
	h.socket.mu.Lock()
	for i := 0; i < maxReconnectAttempts+1; i++ {
		h.socket.script = append(h.socket.script, fail)
	}
	h.socket.mu.Unlock()

	h.sink(provider.Cloud).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseConnectionClosed,
	})
	waitFor(t, "failed", func() bool { return h.status(t, "t1") == provider.StatusFailed })

	snap, _ := h.sup.Get("t1")
	if snap.ReconnectAttempts != maxReconnectAttempts {
		t.Errorf("attempts = %d, want %d", snap.ReconnectAttempts, maxReconnectAttempts)
	}
	if snap.ActiveProvider != "" || snap.ConnectedAt != nil {
		t.Errorf("failed session still reports live state: %+v", snap)
	}
}

func TestBadSessionPurgesCredentialsAndResetsAttempts(t *testing.T) {
	h := newHarness(t)
	h.auth.Save("t1", "session.json", []byte("creds"))
	h.sup.CreateSession(context.Background(), "t1")

	h.sink(provider.Cloud).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseBadSession,
	})
	waitFor(t, "reconnected after bad session", func() bool {
		return h.status(t, "t1") == provider.StatusConnected && h.cloud.connectCount() >= 2
	})

	if h.auth.HasCredentials("t1") {
		t.Error("bad session must purge persisted credentials")
	}
}

func TestLogoutIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.auth.Save("t1", "session.json", []byte("creds"))
	h.sup.CreateSession(context.Background(), "t1")

	h.sink(provider.Cloud).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseLoggedOut,
	})
	waitFor(t, "logged_out", func() bool { return h.status(t, "t1") == provider.StatusLoggedOut })

	if h.auth.HasCredentials("t1") {
		t.Error("logout must purge credentials")
	}
	if _, ok := h.auth.LoadManifest().Tenants["t1"]; ok {
		t.Error("logout must forget the manifest entry")
	}
	if h.cloud.connectCount() != 1 {
		t.Error("logout must not trigger reconnects")
	}
	snap, _ := h.sup.Get("t1")
	if snap.ActiveProvider != "" || snap.ConnectedAt != nil {
		t.Errorf("logged-out session still reports live state: %+v", snap)
	}
}

func TestDisconnectSessionDropsRecordAndLateEvents(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")
	sink := h.sink(provider.Cloud)

	if err := h.sup.DisconnectSession("t1"); err != nil {
		t.Fatalf("DisconnectSession() error: %v", err)
	}
	if _, err := h.sup.Get("t1"); err != ErrSessionNotFound {
		t.Errorf("Get after disconnect = %v, want ErrSessionNotFound", err)
	}
	if err := h.sup.DisconnectSession("t1"); err != ErrSessionNotFound {
		t.Errorf("second disconnect = %v, want ErrSessionNotFound", err)
	}

	// A late callback from the released provider must be dropped.
	sink.StatusChanged(provider.StatusChange{Status: provider.StatusConnected})
	if _, err := h.sup.Get("t1"); err != ErrSessionNotFound {
		t.Error("late event must not resurrect the session")
	}
}

func TestStaleGenerationEventsDropped(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")
	oldSink := h.sink(provider.Cloud)

	h.sup.DisconnectSession("t1")
	h.sup.CreateSession(context.Background(), "t1")

	// Break the new session via the OLD sink: generation mismatch, no effect.
	oldSink.StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseConnectionClosed,
	})
	time.Sleep(20 * time.Millisecond)
	if got := h.status(t, "t1"); got != provider.StatusConnected {
		t.Errorf("stale event changed status to %s", got)
	}
}

func TestInboundRoutedThroughHook(t *testing.T) {
	h := newHarness(t)
	h.sup.CreateSession(context.Background(), "t1")

	h.sink(provider.Cloud).Inbound(&provider.InboundMessage{MessageID: "m1", Content: "hi"})
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.inbound) != 1 || h.inbound[0].TenantID != "t1" {
		t.Errorf("inbound hook got %+v", h.inbound)
	}
}

func TestSendCandidatesOrder(t *testing.T) {
	h := newHarness(t)
	h.cloud.script = []connectOutcome{{err: provider.NewError(provider.ClassAuthError, "no")}}
	h.sup.CreateSession(context.Background(), "t1")

	candidates, err := h.sup.SendCandidates("t1")
	if err != nil {
		t.Fatalf("SendCandidates() error: %v", err)
	}
	// Socket is active, cloud is the remaining installed provider.
	if len(candidates) != 2 || candidates[0].ID() != provider.Socket || candidates[1].ID() != provider.Cloud {
		ids := make([]provider.ID, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID()
		}
		t.Errorf("candidate order = %v", ids)
	}

	if _, err := h.sup.SendCandidates("missing"); err != ErrSessionNotFound {
		t.Errorf("unknown tenant: %v", err)
	}
}

func TestSubscribeOrderAndPanicIsolation(t *testing.T) {
	h := newHarness(t)

	var order []int
	var mu sync.Mutex
	h.sup.Subscribe("t1", func(snap Snapshot) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	h.sup.Subscribe("t1", func(snap Snapshot) { panic("boom") })
	unsub := h.sup.Subscribe("t1", func(snap Snapshot) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	h.sup.CreateSession(context.Background(), "t1")
	mu.Lock()
	// initializing + connected, each reaching callbacks 1 and 3 in order.
	if len(order) != 4 || order[0] != 1 || order[1] != 3 {
		t.Errorf("callback order = %v", order)
	}
	mu.Unlock()

	unsub()
	h.sink(provider.Cloud).StatusChanged(provider.StatusChange{
		Status: provider.StatusDisconnected, Cause: provider.CauseConnectionClosed,
	})
	waitFor(t, "reconnect", func() bool { return h.status(t, "t1") == provider.StatusConnected })
	mu.Lock()
	for _, v := range order[4:] {
		if v == 3 {
			t.Error("unsubscribed callback still firing")
		}
	}
	mu.Unlock()
}

func TestJanitorSweepsFailedSessions(t *testing.T) {
	h := newHarness(t)
	h.cloud.script = []connectOutcome{{err: provider.NewError(provider.ClassTimeout, "down")}}
	h.socket.script = []connectOutcome{{err: provider.NewError(provider.ClassTimeout, "down")}}
	h.sup.CreateSession(context.Background(), "t1")

	// Force failed directly: budget already spent.
	h.sup.mu.Lock()
	h.sup.sessions["t1"].Status = provider.StatusFailed
	h.sup.mu.Unlock()

	h.sup.sweep()
	if _, err := h.sup.Get("t1"); err != ErrSessionNotFound {
		t.Error("janitor should disconnect failed sessions")
	}
}

func TestReconnectExistingSessions(t *testing.T) {
	h := newHarness(t)
	h.auth.Save("alpha", "session.json", []byte("x"))
	h.auth.Save("beta", "session.json", []byte("x"))
	h.sup.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	h.sup.ReconnectExistingSessions(context.Background())
	if _, err := h.sup.Get("alpha"); err != nil {
		t.Error("alpha not restored")
	}
	if _, err := h.sup.Get("beta"); err != nil {
		t.Error("beta not restored")
	}
}
