package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type memCreds struct {
	blobs map[string][]byte
}

func newMemCreds() *memCreds { return &memCreds{blobs: make(map[string][]byte)} }

func (m *memCreds) Load(tenantID, name string) ([]byte, error) {
	data, ok := m.blobs[tenantID+"/"+name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memCreds) Save(tenantID, name string, data []byte) error {
	m.blobs[tenantID+"/"+name] = data
	return nil
}

func (m *memCreds) Purge(tenantID string) error {
	for k := range m.blobs {
		if strings.HasPrefix(k, tenantID+"/") {
			delete(m.blobs, k)
		}
	}
	return nil
}

// gatewayStub upgrades the connection, reads the hello frame, then runs the
// given script against the client connection.
func gatewayStub(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		script(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketTransportDeliversEvents(t *testing.T) {
	server := gatewayStub(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"qr","payload":"qr-blob"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","identity":"+15550001111","creds":{"k":"v"}}`))
		time.Sleep(100 * time.Millisecond)
	})

	creds := newMemCreds()
	transport, err := NewWebsocketTransport(wsURL(server), "t1", creds)
	if err != nil {
		t.Fatal(err)
	}
	events, err := transport.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer transport.Close()

	ev := <-events
	if ev.Type != SocketEventQR || ev.QR != "qr-blob" {
		t.Fatalf("first event = %+v, want qr", ev)
	}
	ev = <-events
	if ev.Type != SocketEventConnected || ev.Identity != "+15550001111" {
		t.Fatalf("second event = %+v, want connected", ev)
	}
	if data, err := creds.Load("t1", credsFile); err != nil || string(data) != `{"k":"v"}` {
		t.Errorf("connected frame must persist credentials, got %q, %v", data, err)
	}
}

func TestWebsocketTransportCloseUnblocksFullBuffer(t *testing.T) {
	// Flood well past the event buffer without a consumer, so the read loop
	// is parked on a channel send when Close arrives.
	server := gatewayStub(t, func(conn *websocket.Conn) {
		for i := 0; i < 100; i++ {
			frame := fmt.Sprintf(`{"type":"message","message":{"id":"m%d","from":"1","kind":"text","content":"x"}}`, i)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})

	transport, err := NewWebsocketTransport(wsURL(server), "t1", newMemCreds())
	if err != nil {
		t.Fatal(err)
	}
	events, err := transport.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	// Let the buffer fill and the read loop block.
	time.Sleep(100 * time.Millisecond)
	if err := transport.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// The read loop must exit and close the channel; buffered events drain
	// first. A stuck loop leaves the channel open and the drain times out.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel never closed after Close")
		}
	}
}
