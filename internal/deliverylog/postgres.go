package deliverylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/msgbridge/msgbridge/internal/logging"
)

const (
	pgDefaultBatchSize         = 100
	pgDefaultFlushInterval     = 5 * time.Second
	pgDefaultRetentionDays     = 30
	pgDefaultChannelBufferSize = 1000
)

// PostgresBackend implements Backend using PostgreSQL with pgx.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

// NewPostgresBackend creates a PostgreSQL-backed delivery log. The backend
// must be started with Start() before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := ensurePostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = pgDefaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = pgDefaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = pgDefaultRetentionDays
	}

	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan Record, pgDefaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func ensurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS send_records (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		recipient TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		error_class TEXT NOT NULL DEFAULT '',
		latency_ms BIGINT NOT NULL DEFAULT 0,
		sent_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_send_sent_at ON send_records(sent_at);
	CREATE INDEX IF NOT EXISTS idx_send_tenant ON send_records(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_send_provider ON send_records(provider);
	`
	_, err := pool.Exec(ctx, schema)
	return err
}

// Start begins the write and cleanup loops.
func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop shuts the backend down, flushing pending writes.
func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}

// Enqueue adds a record to the write queue; non-blocking.
func (b *PostgresBackend) Enqueue(record Record) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- record:
	default:
		log.Warnf("delivery log queue full, dropping record for tenant %s", record.TenantID)
	}
}

// Flush drains the channel and writes everything pending.
func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]Record, 0, b.batchSize)
	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

func (b *PostgresBackend) QueryGlobalStats(ctx context.Context, since time.Time) (*GlobalStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(latency_ms) FILTER (WHERE NOT failed), 0)
		FROM send_records
		WHERE sent_at >= $1
	`, since)

	var stats GlobalStats
	var avg float64
	if err := row.Scan(&stats.TotalSends, &stats.SuccessCount, &stats.FailureCount, &avg); err != nil {
		return nil, fmt.Errorf("failed to query global stats: %w", err)
	}
	stats.AvgLatencyMs = int64(avg)
	return &stats, nil
}

func (b *PostgresBackend) QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			TO_CHAR(sent_at, 'YYYY-MM-DD') as day,
			COUNT(*) as sends,
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0) as failures
		FROM send_records
		WHERE sent_at >= $1
		GROUP BY 1
		ORDER BY 1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var results []DailyStats
	for rows.Next() {
		var d DailyStats
		if err := rows.Scan(&d.Day, &d.Sends, &d.Failures); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryProviderStats(ctx context.Context, since time.Time) ([]ProviderStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			COALESCE(NULLIF(provider, ''), 'unknown') as provider,
			COUNT(*) as sends,
			COALESCE(SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END), 0) as success_count,
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0) as failure_count,
			COALESCE(AVG(latency_ms) FILTER (WHERE NOT failed), 0) as avg_latency
		FROM send_records
		WHERE sent_at >= $1
		GROUP BY 1
		ORDER BY sends DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider stats: %w", err)
	}
	defer rows.Close()

	var results []ProviderStats
	for rows.Next() {
		var ps ProviderStats
		var avg float64
		if err := rows.Scan(&ps.Provider, &ps.Sends, &ps.SuccessCount, &ps.FailureCount, &avg); err != nil {
			return nil, err
		}
		ps.AvgLatencyMs = int64(avg)
		results = append(results, ps)
	}
	return results, rows.Err()
}

func (b *PostgresBackend) QueryTenantStats(ctx context.Context, since time.Time) ([]TenantStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			tenant_id,
			COUNT(*) as sends,
			COALESCE(SUM(CASE WHEN NOT failed THEN 1 ELSE 0 END), 0) as success_count,
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0) as failure_count
		FROM send_records
		WHERE sent_at >= $1
		GROUP BY tenant_id
		ORDER BY sends DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant stats: %w", err)
	}
	defer rows.Close()

	var results []TenantStats
	for rows.Next() {
		var ts TenantStats
		if err := rows.Scan(&ts.TenantID, &ts.Sends, &ts.SuccessCount, &ts.FailureCount); err != nil {
			return nil, err
		}
		results = append(results, ts)
	}
	return results, rows.Err()
}

// Cleanup removes records older than the given time.
func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM send_records WHERE sent_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()

	batch := make([]Record, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			log.Errorf("Failed to write delivery log batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case record := <-b.recordChan:
			batch = append(batch, record)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case record := <-b.recordChan:
					batch = append(batch, record)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch uses CopyFrom: a batch insert in one round trip.
func (b *PostgresBackend) writeBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	columns := []string{
		"tenant_id", "provider", "recipient", "message_id",
		"failed", "error_class", "latency_ms", "sent_at",
	}
	_, err := b.pool.CopyFrom(
		ctx,
		pgx.Identifier{"send_records"},
		columns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.TenantID, r.Provider, r.Recipient, r.MessageID,
				r.Failed, r.ErrorClass, r.LatencyMs, r.SentAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy records: %w", err)
	}
	return nil
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				log.Errorf("Failed to clean up old send records: %v", err)
			} else if deleted > 0 {
				log.Infof("Cleaned up %d send records older than %d days", deleted, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}
