package provider

import (
	"context"
	"sync"
	"time"

	log "github.com/msgbridge/msgbridge/internal/logging"
)

// SocketEventType enumerates frames delivered by a socket transport.
type SocketEventType string

const (
	SocketEventQR        SocketEventType = "qr"
	SocketEventConnected SocketEventType = "connected"
	SocketEventMessage   SocketEventType = "message"
	SocketEventClosed    SocketEventType = "closed"
)

// SocketEvent is one event from the upstream socket.
type SocketEvent struct {
	Type     SocketEventType
	QR       string
	Identity string
	Cause    CloseCause
	Message  *InboundFrame
}

// InboundFrame is the transport-level shape of an inbound message before
// normalization.
type InboundFrame struct {
	ID           string
	From         string
	PushName     string
	Kind         string
	Content      string
	Timestamp    int64
	IsVoice      bool
	VoiceSeconds int
}

// SendFrame is an outbound message handed to the transport.
type SendFrame struct {
	To      string
	Kind    string // text | image | video | audio | document | sticker
	Content string
	URL     string
	Caption string
}

// SocketTransport abstracts the upstream socket wire protocol, which is owned
// by the platform and out of scope here. Open may be called again after Close
// (reconnect).
type SocketTransport interface {
	Open(ctx context.Context) (<-chan SocketEvent, error)
	Send(ctx context.Context, frame SendFrame) (messageID string, err error)
	Close() error
}

// SocketProvider is the QR-authenticated socket provider (P2).
type SocketProvider struct {
	tenantID  string
	transport SocketTransport
	sink      EventSink
	health    Health

	mu            sync.Mutex
	status        Status
	phoneIdentity string
	pumpStop      chan struct{}
	pumpDone      chan struct{}
}

// NewSocketProvider builds a socket provider for one tenant.
func NewSocketProvider(tenantID string, transport SocketTransport, sink EventSink) *SocketProvider {
	return &SocketProvider{
		tenantID:  tenantID,
		transport: transport,
		sink:      sink,
		status:    StatusDisconnected,
	}
}

func (p *SocketProvider) ID() ID { return Socket }

func (p *SocketProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsTemplates:   false,
		SupportsInteractive: false,
		RequiresQRAuth:      true,
		IsOfficial:          false,
	}
}

// Connect opens the transport and waits for the first QR or connected event.
// Later events are pumped to the sink asynchronously.
func (p *SocketProvider) Connect(ctx context.Context) (ConnectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	p.mu.Lock()
	if p.pumpStop != nil {
		p.mu.Unlock()
		return ConnectResult{}, NewError(ClassOther, "connect already in progress")
	}
	p.status = StatusConnecting
	p.mu.Unlock()

	events, err := p.transport.Open(ctx)
	if err != nil {
		p.setStatus(StatusDisconnected, "")
		if isTimeout(err) {
			return ConnectResult{}, WrapError(ClassTimeout, "socket open timed out", err)
		}
		return ConnectResult{}, WrapError(ClassAuthError, "socket open failed", err)
	}

	// The first qr/connected event resolves Connect; everything after flows
	// through the pump.
	for {
		select {
		case <-ctx.Done():
			p.transport.Close()
			p.setStatus(StatusDisconnected, "")
			return ConnectResult{}, WrapError(ClassTimeout, "no connect resolution within deadline", ctx.Err())
		case ev, ok := <-events:
			if !ok {
				p.setStatus(StatusDisconnected, "")
				return ConnectResult{}, NewError(ClassAuthError, "socket closed during connect")
			}
			switch ev.Type {
			case SocketEventQR:
				p.setStatus(StatusQRReady, "")
				p.startPump(events)
				return ConnectResult{Status: StatusQRReady, QRPayload: ev.QR}, nil
			case SocketEventConnected:
				p.setStatus(StatusConnected, ev.Identity)
				p.startPump(events)
				return ConnectResult{Status: StatusConnected, PhoneIdentity: ev.Identity}, nil
			case SocketEventClosed:
				p.setStatus(StatusDisconnected, "")
				return ConnectResult{}, NewError(ClassAuthError, "socket rejected session")
			}
		}
	}
}

func (p *SocketProvider) startPump(events <-chan SocketEvent) {
	stop := make(chan struct{})
	done := make(chan struct{})
	p.mu.Lock()
	p.pumpStop = stop
	p.pumpDone = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-events:
				if !ok {
					p.setStatus(StatusDisconnected, "")
					p.sink.StatusChanged(StatusChange{Status: StatusDisconnected, Cause: CauseConnectionClosed})
					return
				}
				p.handleEvent(ev)
				if ev.Type == SocketEventClosed {
					return
				}
			}
		}
	}()
}

func (p *SocketProvider) handleEvent(ev SocketEvent) {
	switch ev.Type {
	case SocketEventQR:
		p.setStatus(StatusQRReady, "")
		p.sink.QR(ev.QR)
	case SocketEventConnected:
		p.setStatus(StatusConnected, ev.Identity)
		p.sink.StatusChanged(StatusChange{Status: StatusConnected, PhoneIdentity: ev.Identity})
	case SocketEventMessage:
		if msg := p.normalize(ev.Message); msg != nil {
			p.sink.Inbound(msg)
		}
	case SocketEventClosed:
		p.setStatus(StatusDisconnected, "")
		cause := ev.Cause
		if cause == CauseNone {
			cause = CauseConnectionClosed
		}
		p.sink.StatusChanged(StatusChange{Status: StatusDisconnected, Cause: cause})
	default:
		log.Debugf("socket: dropping unknown event type %q", ev.Type)
	}
}

func (p *SocketProvider) normalize(frame *InboundFrame) *InboundMessage {
	if frame == nil || frame.ID == "" || frame.From == "" {
		return nil
	}
	kind := MessageKind(frame.Kind)
	if !knownKind(kind) {
		kind = KindUnknown
	}
	if frame.IsVoice {
		kind = KindVoice
	}
	ts := frame.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	msg := &InboundMessage{
		Provider:             Socket,
		TenantID:             p.tenantID,
		MessageID:            frame.ID,
		From:                 frame.From,
		Timestamp:            ts,
		Kind:                 kind,
		Content:              frame.Content,
		PushName:             frame.PushName,
		IsVoice:              frame.IsVoice,
		VoiceDurationSeconds: frame.VoiceSeconds,
	}
	if phone, opaque := splitAddress(frame.From); opaque {
		msg.IsOpaqueAddress = true
		msg.OpaqueAddressID = frame.From
	} else {
		msg.ResolvedPhone = phone
	}
	return msg
}

// Disconnect stops the event pump and closes the transport. Idempotent.
func (p *SocketProvider) Disconnect() error {
	p.mu.Lock()
	stop, done := p.pumpStop, p.pumpDone
	p.pumpStop, p.pumpDone = nil, nil
	p.status = StatusDisconnected
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return p.transport.Close()
}

func (p *SocketProvider) SendText(ctx context.Context, to, text string) (SendResult, error) {
	return p.send(ctx, SendFrame{To: to, Kind: "text", Content: text})
}

// SendTemplate always fails: templates are an official-provider capability.
func (p *SocketProvider) SendTemplate(_ context.Context, _, _ string, _ []string, _ string) (SendResult, error) {
	return SendResult{}, NewError(ClassTemplateNotSupported, "socket provider cannot send templates")
}

func (p *SocketProvider) SendMedia(ctx context.Context, to string, media Media) (SendResult, error) {
	kind := media.Kind
	if kind == "" {
		kind = "document"
	}
	return p.send(ctx, SendFrame{To: to, Kind: kind, URL: media.URL, Caption: media.Caption})
}

func (p *SocketProvider) send(ctx context.Context, frame SendFrame) (SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()

	start := time.Now()
	id, err := p.transport.Send(ctx, frame)
	if err != nil {
		p.health.RecordFailure()
		if isTimeout(err) {
			return SendResult{}, WrapError(ClassTimeout, "socket send timed out", err)
		}
		if ClassOf(err) != ClassOther {
			return SendResult{}, err
		}
		return SendResult{}, WrapError(ClassServerError, "socket send failed", err)
	}
	p.health.RecordSuccess(time.Since(start))
	return SendResult{MessageID: id, Provider: Socket}, nil
}

func (p *SocketProvider) setStatus(status Status, identity string) {
	p.mu.Lock()
	p.status = status
	if identity != "" {
		p.phoneIdentity = identity
	}
	p.mu.Unlock()
}

func (p *SocketProvider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *SocketProvider) PhoneIdentity() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phoneIdentity
}

func (p *SocketProvider) IsHealthy() bool { return p.health.Ok(p.Status()) }

func (p *SocketProvider) HealthMetrics() HealthSnapshot { return p.health.Snapshot() }
