// Package session owns the per-tenant state machine: provider construction,
// QR exchange, reconnect with backoff, and teardown.
package session

import (
	"errors"
	"time"

	"github.com/msgbridge/msgbridge/internal/provider"
)

// ErrSessionNotFound is returned for operations on tenants without a session.
var ErrSessionNotFound = errors.New("session not found")

// Session is one tenant's live state. All fields are guarded by the
// supervisor's mutex; external readers get Snapshot copies.
type Session struct {
	TenantID          string
	Status            provider.Status
	ActiveProvider    provider.ID
	PhoneIdentity     string
	QRPayload         string
	ReconnectAttempts int
	CreatedAt         time.Time
	ConnectedAt       time.Time

	providers map[provider.ID]provider.Provider

	// generation tags the event sinks handed to this session's providers.
	// A rebuilt or torn-down session bumps it, so late callbacks from old
	// providers are detected and dropped.
	generation uint64

	reconnectTimer *time.Timer
}

func (s *Session) cancelReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// clearLiveState drops the fields that only hold while a session is connected
// or showing a QR. Every transition out of those states goes through here so a
// reconnecting, logged-out, or failed session never reports a stale active
// provider or QR payload.
func (s *Session) clearLiveState() {
	s.ActiveProvider = ""
	s.QRPayload = ""
	s.ConnectedAt = time.Time{}
}

// Snapshot is a tear-free copy of a session's externally visible state.
type Snapshot struct {
	TenantID          string                  `json:"tenantId"`
	Status            provider.Status         `json:"status"`
	ActiveProvider    provider.ID             `json:"activeProvider,omitempty"`
	PhoneIdentity     string                  `json:"phoneIdentity,omitempty"`
	QRPayload         string                  `json:"qr,omitempty"`
	ReconnectAttempts int                     `json:"reconnectAttempts"`
	CreatedAt         time.Time               `json:"createdAt"`
	ConnectedAt       *time.Time              `json:"connectedAt,omitempty"`
	Health            provider.HealthSnapshot `json:"health"`
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		TenantID:          s.TenantID,
		Status:            s.Status,
		ActiveProvider:    s.ActiveProvider,
		PhoneIdentity:     s.PhoneIdentity,
		QRPayload:         s.QRPayload,
		ReconnectAttempts: s.ReconnectAttempts,
		CreatedAt:         s.CreatedAt,
	}
	if !s.ConnectedAt.IsZero() {
		connectedAt := s.ConnectedAt
		snap.ConnectedAt = &connectedAt
	}
	if p, ok := s.providers[s.ActiveProvider]; ok && p != nil {
		snap.Health = p.HealthMetrics()
	}
	return snap
}
