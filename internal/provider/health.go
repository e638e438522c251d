package provider

import (
	"sync/atomic"
	"time"

	"github.com/msgbridge/msgbridge/internal/resilience"
)

func init() {
	// Caller errors must not trip the router's per-provider breakers.
	resilience.DefaultIsSuccessful = func(err error) bool {
		return err == nil || CallerFault(err)
	}
}

// unhealthyFailureRatio is the failure fraction at which a connected provider
// stops being preferred for sends.
const unhealthyFailureRatio = 0.30

// Health tracks per-provider send metrics. All fields are atomics so send
// paths never contend on a lock.
type Health struct {
	successCount   atomic.Int64
	failureCount   atomic.Int64
	totalLatencyNs atomic.Int64 // cumulative latency over successes
	lastSuccess    atomic.Int64 // unix nano, 0 = never
	lastFailure    atomic.Int64 // unix nano, 0 = never
}

// HealthSnapshot is a tear-free copy of the metrics.
type HealthSnapshot struct {
	SuccessCount      int64      `json:"successCount"`
	FailureCount      int64      `json:"failureCount"`
	LastSuccessAt     *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt     *time.Time `json:"lastFailureAt,omitempty"`
	AvgResponseTimeMs int64      `json:"avgResponseTimeMs"`
}

// RecordSuccess records one successful send and its latency.
func (h *Health) RecordSuccess(latency time.Duration) {
	h.successCount.Add(1)
	h.totalLatencyNs.Add(int64(latency))
	h.lastSuccess.Store(time.Now().UnixNano())
}

// RecordFailure records one failed send.
func (h *Health) RecordFailure() {
	h.failureCount.Add(1)
	h.lastFailure.Store(time.Now().UnixNano())
}

// Snapshot returns a copy of the current metrics.
func (h *Health) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		SuccessCount: h.successCount.Load(),
		FailureCount: h.failureCount.Load(),
	}
	if ns := h.lastSuccess.Load(); ns > 0 {
		t := time.Unix(0, ns)
		snap.LastSuccessAt = &t
	}
	if ns := h.lastFailure.Load(); ns > 0 {
		t := time.Unix(0, ns)
		snap.LastFailureAt = &t
	}
	if success := snap.SuccessCount; success > 0 {
		snap.AvgResponseTimeMs = h.totalLatencyNs.Load() / success / 1e6
	}
	return snap
}

// Ok reports health given the provider's connection status: connected and
// either no observations yet or a failure ratio under the threshold.
func (h *Health) Ok(status Status) bool {
	if status != StatusConnected {
		return false
	}
	success := h.successCount.Load()
	failure := h.failureCount.Load()
	total := success + failure
	if total == 0 {
		return true
	}
	return float64(failure)/float64(total) < unhealthyFailureRatio
}
