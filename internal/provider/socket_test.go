package provider

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport scripts socket events for the provider under test.
type fakeTransport struct {
	mu      sync.Mutex
	events  chan SocketEvent
	sendErr error
	sendID  string
	closed  int
	openErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan SocketEvent, 16), sendID: "sock-1"}
}

func (f *fakeTransport) Open(ctx context.Context) (<-chan SocketEvent, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.events, nil
}

func (f *fakeTransport) Send(ctx context.Context, frame SendFrame) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.sendID, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSocketConnectResolvesQRReady(t *testing.T) {
	transport := newFakeTransport()
	sink := &sinkRecorder{}
	p := NewSocketProvider("t1", transport, sink)

	transport.events <- SocketEvent{Type: SocketEventQR, QR: "qr-payload-1"}

	res, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if res.Status != StatusQRReady || res.QRPayload != "qr-payload-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.Status() != StatusQRReady {
		t.Errorf("status = %v, want qr_ready", p.Status())
	}

	// The async connected event flows through the sink.
	transport.events <- SocketEvent{Type: SocketEventConnected, Identity: "+5511999990000"}
	waitFor(t, func() bool { return len(sink.statuses) > 0 }, "no status change emitted")
	if sink.statuses[0].Status != StatusConnected || sink.statuses[0].PhoneIdentity != "+5511999990000" {
		t.Errorf("unexpected status change: %+v", sink.statuses[0])
	}
	p.Disconnect()
}

func TestSocketConnectResolvesConnectedOnResume(t *testing.T) {
	transport := newFakeTransport()
	sink := &sinkRecorder{}
	p := NewSocketProvider("t1", transport, sink)

	transport.events <- SocketEvent{Type: SocketEventConnected, Identity: "+551199"}

	res, err := p.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if res.Status != StatusConnected || res.PhoneIdentity != "+551199" {
		t.Fatalf("unexpected result: %+v", res)
	}
	p.Disconnect()
}

func TestSocketTemplateNotSupported(t *testing.T) {
	p := NewSocketProvider("t1", newFakeTransport(), &sinkRecorder{})
	_, err := p.SendTemplate(context.Background(), "+1", "tpl", nil, "en")
	if ClassOf(err) != ClassTemplateNotSupported {
		t.Fatalf("expected template_not_supported, got %v", ClassOf(err))
	}
}

func TestSocketInboundNormalization(t *testing.T) {
	transport := newFakeTransport()
	sink := &sinkRecorder{}
	p := NewSocketProvider("t1", transport, sink)

	transport.events <- SocketEvent{Type: SocketEventConnected, Identity: "+1"}
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer p.Disconnect()

	transport.events <- SocketEvent{Type: SocketEventMessage, Message: &InboundFrame{
		ID: "m1", From: "14155550000@s.whatsapp.net", Kind: "text", Content: "oi", PushName: "Bia",
	}}
	transport.events <- SocketEvent{Type: SocketEventMessage, Message: &InboundFrame{
		ID: "m2", From: "987654@lid", Kind: "text", Content: "hidden sender",
	}}

	waitFor(t, func() bool { return len(sink.inbound) == 2 }, "inbound messages not delivered")

	first := sink.inbound[0]
	if first.ResolvedPhone != "+14155550000" || first.IsOpaqueAddress {
		t.Errorf("phone not resolved: %+v", first)
	}
	second := sink.inbound[1]
	if !second.IsOpaqueAddress || second.OpaqueAddressID != "987654@lid" || second.ResolvedPhone != "" {
		t.Errorf("opaque address not detected: %+v", second)
	}
}

func TestSocketClosedEventPropagatesCause(t *testing.T) {
	transport := newFakeTransport()
	sink := &sinkRecorder{}
	p := NewSocketProvider("t1", transport, sink)

	transport.events <- SocketEvent{Type: SocketEventConnected, Identity: "+1"}
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	transport.events <- SocketEvent{Type: SocketEventClosed, Cause: CauseLoggedOut}
	waitFor(t, func() bool { return len(sink.statuses) > 0 }, "closed event not delivered")
	if sink.statuses[0].Cause != CauseLoggedOut {
		t.Errorf("cause = %v, want logged_out", sink.statuses[0].Cause)
	}
	if p.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", p.Status())
	}
}

func TestSocketDisconnectIdempotent(t *testing.T) {
	transport := newFakeTransport()
	p := NewSocketProvider("t1", transport, &sinkRecorder{})

	transport.events <- SocketEvent{Type: SocketEventConnected, Identity: "+1"}
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if err := p.Disconnect(); err != nil {
		t.Fatalf("first Disconnect() error: %v", err)
	}
	if err := p.Disconnect(); err != nil {
		t.Fatalf("second Disconnect() error: %v", err)
	}
}

func TestSocketSendRecordsHealth(t *testing.T) {
	transport := newFakeTransport()
	p := NewSocketProvider("t1", transport, &sinkRecorder{})

	transport.events <- SocketEvent{Type: SocketEventConnected, Identity: "+1"}
	if _, err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer p.Disconnect()

	res, err := p.SendText(context.Background(), "+1415", "hello")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if res.MessageID != "sock-1" || res.Provider != Socket {
		t.Errorf("unexpected result: %+v", res)
	}
	if snap := p.HealthMetrics(); snap.SuccessCount != 1 {
		t.Errorf("success not recorded: %+v", snap)
	}

	transport.mu.Lock()
	transport.sendErr = NewError(ClassServerError, "boom")
	transport.mu.Unlock()
	if _, err := p.SendText(context.Background(), "+1415", "x"); ClassOf(err) != ClassServerError {
		t.Errorf("expected server_error, got %v", err)
	}
	if snap := p.HealthMetrics(); snap.FailureCount != 1 {
		t.Errorf("failure not recorded: %+v", snap)
	}
}
