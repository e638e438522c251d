package session

import (
	"sync"

	log "github.com/msgbridge/msgbridge/internal/logging"
)

// StatusCallback receives every status transition of one tenant's session.
type StatusCallback func(snap Snapshot)

type subscriber struct {
	id int
	fn StatusCallback
}

// subscriptions is the process-global status-callback table. Callbacks fire
// synchronously in registration order; a panicking callback is isolated so it
// cannot suppress the ones after it.
type subscriptions struct {
	mu       sync.Mutex
	nextID   int
	byTenant map[string][]subscriber
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byTenant: make(map[string][]subscriber)}
}

func (t *subscriptions) subscribe(tenantID string, fn StatusCallback) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.byTenant[tenantID] = append(t.byTenant[tenantID], subscriber{id: id, fn: fn})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.byTenant[tenantID]
		for i, s := range subs {
			if s.id == id {
				t.byTenant[tenantID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(t.byTenant[tenantID]) == 0 {
			delete(t.byTenant, tenantID)
		}
	}
}

func (t *subscriptions) notify(snap Snapshot) {
	t.mu.Lock()
	subs := append([]subscriber(nil), t.byTenant[snap.TenantID]...)
	t.mu.Unlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("status callback panic for tenant %s: %v", snap.TenantID, r)
				}
			}()
			s.fn(snap)
		}()
	}
}

func (t *subscriptions) drop(tenantID string) {
	t.mu.Lock()
	delete(t.byTenant, tenantID)
	t.mu.Unlock()
}
