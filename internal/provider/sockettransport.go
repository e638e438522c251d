package provider

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	log "github.com/msgbridge/msgbridge/internal/logging"
)

// credsFile is the name of the opaque session blob inside a tenant's
// credential directory. Its presence makes the next Open resume without QR.
const credsFile = "session.json"

// WebsocketTransport speaks the upstream socket gateway's JSON frame protocol
// over a websocket. Wire frames:
//
//	gateway → us: {"type":"qr"|"connected"|"message"|"closed"|"ack", ...}
//	us → gateway: {"type":"resume","creds":...} / {"type":"send","id":...,...}
type WebsocketTransport struct {
	gatewayURL string
	tenantID   string
	creds      CredentialStore

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan gjson.Result
	events  chan SocketEvent
	closed  chan struct{}
}

// NewWebsocketTransport builds a transport for one tenant.
func NewWebsocketTransport(gatewayURL, tenantID string, creds CredentialStore) (*WebsocketTransport, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("socket gateway URL is not configured")
	}
	if _, err := url.Parse(gatewayURL); err != nil {
		return nil, fmt.Errorf("invalid socket gateway URL: %w", err)
	}
	return &WebsocketTransport{
		gatewayURL: gatewayURL,
		tenantID:   tenantID,
		creds:      creds,
	}, nil
}

// Open dials the gateway, offers stored credentials for resume, and starts the
// read loop. May be called again after Close.
func (t *WebsocketTransport) Open(ctx context.Context) (<-chan SocketEvent, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 20 * time.Second}
	conn, _, err := dialer.DialContext(ctx, t.gatewayURL, nil)
	if err != nil {
		return nil, err
	}

	hello := fmt.Sprintf(`{"type":"hello","tenantId":%q}`, t.tenantID)
	if data, loadErr := t.creds.Load(t.tenantID, credsFile); loadErr == nil && len(data) > 0 {
		hello, _ = sjson.Set(`{"type":"resume"}`, "tenantId", t.tenantID)
		hello, _ = sjson.SetRaw(hello, "creds", string(data))
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		conn.Close()
		return nil, err
	}

	events := make(chan SocketEvent, 64)
	closed := make(chan struct{})

	t.mu.Lock()
	t.conn = conn
	t.pending = make(map[string]chan gjson.Result)
	t.events = events
	t.closed = closed
	t.mu.Unlock()

	go t.readLoop(conn, events, closed)
	return events, nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn, events chan SocketEvent, closed chan struct{}) {
	defer close(events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-closed:
			default:
				log.WithField("tenant", t.tenantID).Debugf("socket transport read ended: %v", err)
			}
			return
		}
		frame := gjson.ParseBytes(data)
		switch frame.Get("type").String() {
		case "ack":
			t.resolvePending(frame.Get("id").String(), frame)
		case "qr":
			if !t.emit(events, closed, SocketEvent{Type: SocketEventQR, QR: frame.Get("payload").String()}) {
				return
			}
		case "connected":
			if creds := frame.Get("creds"); creds.Exists() {
				if err := t.creds.Save(t.tenantID, credsFile, []byte(creds.Raw)); err != nil {
					log.WithError(err).Warnf("failed to persist session credentials for %s", t.tenantID)
				}
			}
			if !t.emit(events, closed, SocketEvent{Type: SocketEventConnected, Identity: frame.Get("identity").String()}) {
				return
			}
		case "message":
			msg := frame.Get("message")
			ok := t.emit(events, closed, SocketEvent{Type: SocketEventMessage, Message: &InboundFrame{
				ID:           msg.Get("id").String(),
				From:         msg.Get("from").String(),
				PushName:     msg.Get("pushName").String(),
				Kind:         msg.Get("kind").String(),
				Content:      msg.Get("content").String(),
				Timestamp:    msg.Get("timestamp").Int(),
				IsVoice:      msg.Get("isVoice").Bool(),
				VoiceSeconds: int(msg.Get("voiceSeconds").Int()),
			}})
			if !ok {
				return
			}
		case "closed":
			t.emit(events, closed, SocketEvent{Type: SocketEventClosed, Cause: CloseCause(frame.Get("cause").String())})
			return
		}
	}
}

// emit delivers one event unless the transport has been closed; without the
// closed arm a full events buffer would pin this goroutine forever after the
// consumer stops reading.
func (t *WebsocketTransport) emit(events chan SocketEvent, closed chan struct{}, ev SocketEvent) bool {
	select {
	case events <- ev:
		return true
	case <-closed:
		return false
	}
}

func (t *WebsocketTransport) resolvePending(id string, frame gjson.Result) {
	t.mu.Lock()
	ch := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if ch != nil {
		ch <- frame
	}
}

// Send writes a send frame and waits for the gateway's ack.
func (t *WebsocketTransport) Send(ctx context.Context, frame SendFrame) (string, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return "", NewError(ClassServerError, "socket not open")
	}
	id := uuid.NewString()
	ack := make(chan gjson.Result, 1)
	t.pending[id] = ack
	t.mu.Unlock()

	body, _ := sjson.Set(`{"type":"send"}`, "id", id)
	body, _ = sjson.Set(body, "to", frame.To)
	body, _ = sjson.Set(body, "kind", frame.Kind)
	if frame.Content != "" {
		body, _ = sjson.Set(body, "content", frame.Content)
	}
	if frame.URL != "" {
		body, _ = sjson.Set(body, "url", frame.URL)
	}
	if frame.Caption != "" {
		body, _ = sjson.Set(body, "caption", frame.Caption)
	}

	t.mu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(body))
	t.mu.Unlock()
	if err != nil {
		t.dropPending(id)
		return "", WrapError(ClassServerError, "socket write failed", err)
	}

	select {
	case <-ctx.Done():
		t.dropPending(id)
		return "", ctx.Err()
	case result := <-ack:
		if errMsg := result.Get("error").String(); errMsg != "" {
			return "", NewError(Class(orDefault(result.Get("errorClass").String(), string(ClassServerError))), errMsg)
		}
		return result.Get("messageId").String(), nil
	}
}

func (t *WebsocketTransport) dropPending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Close tears the connection down. Idempotent.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.conn = nil
	t.mu.Unlock()

	if closed != nil {
		select {
		case <-closed:
		default:
			close(closed)
		}
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
