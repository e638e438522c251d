// Package queue implements the durable inbound-delivery queue: a FIFO of
// webhook payloads that could not be delivered, persisted to a single JSON
// file with debounced writes.
package queue

import (
	"os"
	"sync"
	"time"

	"github.com/msgbridge/msgbridge/internal/json"
	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/provider"
)

const (
	// MaxAttempts is the delivery attempt cap before an entry is abandoned.
	MaxAttempts = 5

	// TTL is how long an entry may wait for delivery before abandonment.
	TTL = 24 * time.Hour
)

// Delivery is one queued webhook payload.
type Delivery struct {
	MessageID string                   `json:"messageId"`
	TenantID  string                   `json:"tenantId"`
	Payload   *provider.InboundMessage `json:"payload"`
	QueuedAt  int64                    `json:"queuedAt"` // epoch ms
	Attempts  int                      `json:"attempts"`
}

// Queue is the process-global delivery queue. All operations are safe for
// concurrent use; persistence runs on a single writer goroutine that
// coalesces bursts of dirty signals into one write.
type Queue struct {
	mu      sync.Mutex
	entries []*Delivery

	path string
	now  func() time.Time

	dirty    chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the queue backed by the given file and loads any persisted
// entries. A missing or corrupt file is non-fatal: the queue starts empty.
func New(path string) *Queue {
	q := &Queue{
		path:     path,
		now:      time.Now,
		dirty:    make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
	q.load()
	q.wg.Add(1)
	go q.writeLoop()
	return q
}

func (q *Queue) load() {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("delivery queue file unreadable, starting empty")
		}
		return
	}
	var entries []*Delivery
	if err := json.Unmarshal(data, &entries); err != nil {
		log.WithError(err).Warnf("delivery queue file corrupt, starting empty")
		return
	}
	q.mu.Lock()
	q.entries = entries
	q.mu.Unlock()
	removed := q.Cleanup()
	log.Infof("delivery queue loaded: %d entries (%d expired)", q.Len(), removed)
}

// Enqueue appends a payload with fresh attempt state and schedules a flush.
func (q *Queue) Enqueue(tenantID string, msg *provider.InboundMessage) {
	q.mu.Lock()
	q.entries = append(q.entries, &Delivery{
		MessageID: msg.MessageID,
		TenantID:  tenantID,
		Payload:   msg,
		QueuedAt:  q.now().UnixMilli(),
	})
	q.mu.Unlock()
	q.markDirty()
}

// Dequeue removes all entries matching messageId and schedules a flush.
func (q *Queue) Dequeue(messageID string) {
	q.mu.Lock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.MessageID != messageID {
			kept = append(kept, e)
		}
	}
	changed := len(kept) != len(q.entries)
	q.entries = kept
	q.mu.Unlock()
	if changed {
		q.markDirty()
	}
}

// IncrementAttempts bumps the attempt count for one entry.
func (q *Queue) IncrementAttempts(messageID string) {
	q.mu.Lock()
	for _, e := range q.entries {
		if e.MessageID == messageID {
			e.Attempts++
		}
	}
	q.mu.Unlock()
	q.markDirty()
}

// List returns a snapshot copy of all entries in FIFO order.
func (q *Queue) List() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Delivery, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Len returns the current queue length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Cleanup evicts entries over the attempt cap or past TTL and returns how
// many were removed.
func (q *Queue) Cleanup() int {
	cutoff := q.now().Add(-TTL).UnixMilli()
	q.mu.Lock()
	kept := q.entries[:0]
	removed := 0
	for _, e := range q.entries {
		if e.Attempts >= MaxAttempts || e.QueuedAt <= cutoff {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	q.mu.Unlock()
	if removed > 0 {
		log.Infof("delivery queue cleanup: %d entries abandoned", removed)
		q.markDirty()
	}
	return removed
}

// markDirty requests a persistence flush. The buffered channel collapses
// bursts: while a write is in flight, at most one further write is pending.
func (q *Queue) markDirty() {
	select {
	case q.dirty <- struct{}{}:
	default:
	}
}

func (q *Queue) writeLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopChan:
			return
		case <-q.dirty:
			if err := q.persist(); err != nil {
				log.WithError(err).Errorf("delivery queue persist failed")
			}
		}
	}
}

func (q *Queue) persist() error {
	q.mu.Lock()
	snapshot := make([]*Delivery, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// PersistSync writes the queue synchronously. Used on shutdown.
func (q *Queue) PersistSync() error {
	return q.persist()
}

// Close stops the writer goroutine after a final synchronous flush.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() { close(q.stopChan) })
	q.wg.Wait()
	return q.PersistSync()
}
