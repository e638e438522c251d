// Package provider defines the uniform contract over one upstream transport:
// connect, disconnect, send, inbound/status events, and health reporting.
package provider

import (
	"context"
	"time"

	"github.com/msgbridge/msgbridge/internal/config"
)

// ID identifies a provider variant on a session.
type ID = config.ProviderID

const (
	Cloud  = config.ProviderCloud
	Socket = config.ProviderSocket
)

// Status is the connection status reported by a provider or a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusQRReady      Status = "qr_ready"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusLoggedOut    Status = "logged_out"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// CloseCause classifies why a provider connection ended.
type CloseCause string

const (
	CauseNone             CloseCause = ""
	CauseLoggedOut        CloseCause = "logged_out"
	CauseBadSession       CloseCause = "bad_session"
	CauseConnectionClosed CloseCause = "connection_closed"
)

// Capabilities is static per provider variant.
type Capabilities struct {
	SupportsTemplates   bool
	SupportsInteractive bool
	RequiresQRAuth      bool
	IsOfficial          bool
}

// ConnectResult is the synchronous outcome of Connect. A provider may resolve
// connected immediately (cloud) or qr_ready followed by async status events
// (socket).
type ConnectResult struct {
	Status        Status
	PhoneIdentity string
	QRPayload     string
}

// SendResult identifies a dispatched message.
type SendResult struct {
	MessageID string
	Provider  ID
}

// Media describes an outbound media attachment.
type Media struct {
	Kind     string // image|video|audio|document|sticker
	URL      string
	Caption  string
	MimeType string
	Filename string
}

// MessageKind classifies a normalized inbound message.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindImage       MessageKind = "image"
	KindVideo       MessageKind = "video"
	KindAudio       MessageKind = "audio"
	KindVoice       MessageKind = "voice"
	KindDocument    MessageKind = "document"
	KindSticker     MessageKind = "sticker"
	KindLocation    MessageKind = "location"
	KindContact     MessageKind = "contact"
	KindInteractive MessageKind = "interactive"
	KindUnknown     MessageKind = "unknown"
)

// InboundMessage is the normalized record handed from providers to the
// forwarder. Exactly one of ResolvedPhone / OpaqueAddressID is set;
// IsOpaqueAddress tells which.
type InboundMessage struct {
	Provider        ID          `json:"provider"`
	TenantID        string      `json:"tenantId"`
	MessageID       string      `json:"messageId"`
	From            string      `json:"from"`
	ResolvedPhone   string      `json:"resolvedPhone,omitempty"`
	IsOpaqueAddress bool        `json:"isOpaqueAddress"`
	OpaqueAddressID string      `json:"opaqueAddressId,omitempty"`
	Timestamp       int64       `json:"timestamp"`
	Kind            MessageKind `json:"kind"`
	Content         string      `json:"content"`
	PushName        string      `json:"pushName,omitempty"`

	IsVoice              bool   `json:"isVoice"`
	VoiceTranscript      string `json:"voiceTranscript,omitempty"`
	VoiceDurationSeconds int    `json:"voiceDurationSeconds,omitempty"`
}

// StatusChange is emitted by a provider when its connection status moves.
type StatusChange struct {
	Status        Status
	PhoneIdentity string
	Cause         CloseCause
}

// EventSink receives asynchronous provider events. The session supervisor
// owns the sink and tags it with a generation token so late callbacks from a
// torn-down provider are dropped instead of mutating a reused session.
type EventSink interface {
	QR(payload string)
	Inbound(msg *InboundMessage)
	StatusChanged(change StatusChange)
}

// Provider is the uniform contract over one upstream transport.
type Provider interface {
	ID() ID
	Capabilities() Capabilities

	// Connect establishes the upstream session. It resolves within 60s or
	// fails with auth_error/timeout. qr_ready results are followed by async
	// StatusChanged events on the sink.
	Connect(ctx context.Context) (ConnectResult, error)

	// Disconnect is idempotent: it releases I/O, cancels internal timers,
	// and detaches event handlers.
	Disconnect() error

	SendText(ctx context.Context, to, text string) (SendResult, error)
	SendTemplate(ctx context.Context, to, name string, params []string, language string) (SendResult, error)
	SendMedia(ctx context.Context, to string, media Media) (SendResult, error)

	Status() Status
	PhoneIdentity() string
	IsHealthy() bool
	HealthMetrics() HealthSnapshot
}

// SendTimeout bounds every provider send request.
const SendTimeout = 30 * time.Second

// ConnectTimeout bounds Connect resolution.
const ConnectTimeout = 60 * time.Second
