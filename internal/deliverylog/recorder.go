package deliverylog

import (
	"time"

	"github.com/msgbridge/msgbridge/internal/provider"
)

// Recorder adapts a Backend to the send router's per-attempt observer.
// A nil Recorder or nil backend records nothing.
type Recorder struct {
	backend Backend
}

// NewRecorder wraps a backend; b may be nil.
func NewRecorder(b Backend) *Recorder {
	if b == nil {
		return nil
	}
	return &Recorder{backend: b}
}

// RecordSend enqueues one send outcome.
func (r *Recorder) RecordSend(tenantID, to string, result provider.SendResult, sendErr error) {
	if r == nil {
		return
	}
	rec := Record{
		TenantID:  tenantID,
		Provider:  string(result.Provider),
		Recipient: to,
		MessageID: result.MessageID,
		SentAt:    time.Now(),
	}
	if sendErr != nil {
		rec.Failed = true
		rec.ErrorClass = string(provider.ClassOf(sendErr))
	}
	r.backend.Enqueue(rec)
}
