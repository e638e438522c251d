// Package deliverylog persists per-send outcomes for the stats surface.
package deliverylog

import (
	"context"
	"fmt"
	"time"

	"github.com/msgbridge/msgbridge/internal/config"
)

// Record is one completed send attempt.
type Record struct {
	TenantID   string
	Provider   string
	Recipient  string
	MessageID  string
	Failed     bool
	ErrorClass string
	LatencyMs  int64
	SentAt     time.Time
}

// GlobalStats aggregates all records since a point in time.
type GlobalStats struct {
	TotalSends   int64 `json:"totalSends"`
	SuccessCount int64 `json:"successCount"`
	FailureCount int64 `json:"failureCount"`
	AvgLatencyMs int64 `json:"avgLatencyMs"`
}

// DailyStats is one calendar day of sends.
type DailyStats struct {
	Day      string `json:"day"`
	Sends    int64  `json:"sends"`
	Failures int64  `json:"failures"`
}

// ProviderStats breaks sends down per provider variant.
type ProviderStats struct {
	Provider     string `json:"provider"`
	Sends        int64  `json:"sends"`
	SuccessCount int64  `json:"successCount"`
	FailureCount int64  `json:"failureCount"`
	AvgLatencyMs int64  `json:"avgLatencyMs"`
}

// TenantStats breaks sends down per tenant.
type TenantStats struct {
	TenantID     string `json:"tenantId"`
	Sends        int64  `json:"sends"`
	SuccessCount int64  `json:"successCount"`
	FailureCount int64  `json:"failureCount"`
}

// Backend defines the persistence contract for send records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds a record to the write queue; non-blocking.
	Enqueue(record Record)

	// Flush forces pending records to storage.
	Flush(ctx context.Context) error

	QueryGlobalStats(ctx context.Context, since time.Time) (*GlobalStats, error)
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)
	QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error)
	QueryTenantStats(ctx context.Context, since time.Time) ([]TenantStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start begins background workers (write loop, cleanup loop).
	Start() error

	// Stop shuts the backend down, flushing pending writes.
	Stop() error
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

// NewBackend creates the backend matching the DSN scheme. A nil backend with
// nil error means the delivery log is disabled.
func NewBackend(cfg BackendConfig) (Backend, error) {
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, nil
	}

	switch parsed.Backend {
	case "postgres":
		return NewPostgresBackend(parsed.URL, cfg)
	case "sqlite":
		return NewSQLiteBackend(parsed.Path, cfg)
	default:
		return nil, fmt.Errorf("unknown delivery log backend %q", parsed.Backend)
	}
}
