// Package poller runs the per-tenant outbound loop: pull pending messages
// from the application backend, dispatch through the send router, ack status.
package poller

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/msgbridge/msgbridge/internal/backend"
	"github.com/msgbridge/msgbridge/internal/config"
	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/router"
)

// jitterFrac spreads tick timing by up to 20% of the interval so many
// instances polling the same backend do not align.
const jitterFrac = 0.2

// SendFunc dispatches one outbound message and returns the provider message
// id. The bootstrap wires it to the send router.
type SendFunc func(ctx context.Context, tenantID string, msg router.Message) (string, error)

// Poller owns one polling loop per connected tenant.
type Poller struct {
	cfg     *config.Manager
	backend *backend.Client
	send    SendFunc

	mu    sync.Mutex
	loops map[string]*tenantLoop
}

type tenantLoop struct {
	cancel    context.CancelFunc
	done      chan struct{}
	isPolling atomic.Bool
}

// New builds a poller over the backend client.
func New(cfg *config.Manager, client *backend.Client, send SendFunc) *Poller {
	return &Poller{
		cfg:     cfg,
		backend: client,
		send:    send,
		loops:   make(map[string]*tenantLoop),
	}
}

// Start begins polling for a tenant. Idempotent while a loop is running.
func (p *Poller) Start(tenantID string) {
	if !p.backend.Configured() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.loops[tenantID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := &tenantLoop{cancel: cancel, done: make(chan struct{})}
	p.loops[tenantID] = loop
	go p.run(ctx, tenantID, loop)
	log.Infof("outbound polling started for tenant %s", tenantID)
}

// Stop cancels a tenant's polling loop and waits for the in-flight tick.
func (p *Poller) Stop(tenantID string) {
	p.mu.Lock()
	loop, ok := p.loops[tenantID]
	if ok {
		delete(p.loops, tenantID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
	log.Infof("outbound polling stopped for tenant %s", tenantID)
}

// StopAll cancels every loop. Used on shutdown.
func (p *Poller) StopAll() {
	p.mu.Lock()
	loops := p.loops
	p.loops = make(map[string]*tenantLoop)
	p.mu.Unlock()
	for _, loop := range loops {
		loop.cancel()
		<-loop.done
	}
}

// Active reports whether a tenant currently has a polling loop.
func (p *Poller) Active(tenantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[tenantID]
	return ok
}

func (p *Poller) run(ctx context.Context, tenantID string, loop *tenantLoop) {
	defer close(loop.done)
	for {
		timer := time.NewTimer(p.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Skip the tick if the previous one is still in flight.
		if !loop.isPolling.CompareAndSwap(false, true) {
			continue
		}
		p.tick(ctx, tenantID)
		loop.isPolling.Store(false)
	}
}

func (p *Poller) nextDelay() time.Duration {
	interval := p.cfg.Current().Polling.Interval()
	jitter := time.Duration(rand.Int64N(int64(float64(interval)*jitterFrac) + 1))
	return interval + jitter
}

func (p *Poller) tick(ctx context.Context, tenantID string) {
	messages, err := p.backend.PendingMessages(ctx, tenantID)
	if err != nil {
		if !isQuietNetErr(err) {
			log.WithError(err).Warnf("pending-messages pull failed for tenant %s", tenantID)
		}
		return
	}
	if len(messages) == 0 {
		return
	}
	log.Debugf("tenant %s: %d pending outbound messages", tenantID, len(messages))

	for _, msg := range messages {
		if ctx.Err() != nil {
			return
		}
		p.dispatch(ctx, tenantID, msg)
	}
}

func (p *Poller) dispatch(ctx context.Context, tenantID string, msg backend.PendingMessage) {
	to := msg.PhoneNumber
	if msg.IsOpaqueAddress && msg.OpaqueAddressID != "" {
		to = msg.OpaqueAddressID
	}

	providerMessageID, err := p.send(ctx, tenantID, router.Message{To: to, Text: msg.Content})

	var ack backend.Ack
	if err != nil {
		log.WithError(err).Warnf("outbound send failed for tenant %s message %s", tenantID, msg.ID)
		ack = backend.FailedAck(msg.ID, err)
	} else {
		ack = backend.SentAck(msg.ID, providerMessageID)
	}
	if ackErr := p.backend.MarkSent(ctx, ack); ackErr != nil && !isQuietNetErr(ackErr) {
		log.WithError(ackErr).Warnf("mark-sent failed for tenant %s message %s", tenantID, msg.ID)
	}
}

// isQuietNetErr matches failures that are expected while the backend is down
// or unreachable; they are not worth logging on every tick.
func isQuietNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.ECONNREFUSED
		}
	}
	return false
}
