package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msgbridge/msgbridge/internal/authstore"
	"github.com/msgbridge/msgbridge/internal/config"
	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/resilience"
)

const (
	// maxReconnectAttempts bounds the reconnect loop before a session is
	// marked failed.
	maxReconnectAttempts = 8

	reconnectBaseDelay  = 1 * time.Second
	reconnectMaxDelay   = 60 * time.Second
	reconnectJitterFrac = 0.3

	// janitorInterval paces the sweep of failed and stuck sessions.
	janitorInterval        = 10 * time.Minute
	initializingStuckAfter = 30 * time.Minute

	// restoreSpacing separates createSession calls when restoring persisted
	// sessions at startup.
	restoreSpacing = 2 * time.Second
)

// Hooks are the supervisor's outward edges, wired by the bootstrap. OnConnected
// starts the outbound poller and schedules a queue drain; OnDisconnected stops
// the poller; Inbound hands normalized messages to the forwarder.
type Hooks struct {
	OnConnected    func(tenantID string)
	OnDisconnected func(tenantID string)
	Inbound        func(msg *provider.InboundMessage)
}

// Supervisor owns every tenant session and drives its state machine.
type Supervisor struct {
	cfg      *config.Manager
	registry *provider.Registry
	auth     *authstore.Store
	hooks    Hooks
	subs     *subscriptions

	mu       sync.Mutex
	sessions map[string]*Session
	genSeq   atomic.Uint64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// backoff and sleep are swapped out in tests.
	backoff func(attempt int) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSupervisor builds the supervisor. Hook fields may be nil.
func NewSupervisor(cfg *config.Manager, registry *provider.Registry, auth *authstore.Store, hooks Hooks) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		hooks:    hooks,
		subs:     newSubscriptions(),
		sessions: make(map[string]*Session),
		stopChan: make(chan struct{}),
		backoff: func(attempt int) time.Duration {
			return resilience.BackoffAdditiveJitter(attempt, reconnectBaseDelay, reconnectMaxDelay, reconnectJitterFrac)
		},
		sleep: resilience.WaitWithContext,
	}
}

// sessionSink is the typed event sink handed to providers. It carries the
// session generation so events from a torn-down provider are dropped.
type sessionSink struct {
	sup      *Supervisor
	tenantID string
	pid      provider.ID
	gen      uint64
}

func (k *sessionSink) QR(payload string) { k.sup.handleQR(k.tenantID, k.gen, payload) }

func (k *sessionSink) Inbound(msg *provider.InboundMessage) {
	k.sup.handleInbound(k.tenantID, k.gen, msg)
}

func (k *sessionSink) StatusChanged(change provider.StatusChange) {
	k.sup.handleStatusChange(k.tenantID, k.pid, k.gen, change)
}

// CreateSession connects a tenant. An existing connected session is returned
// unmodified; anything else is torn down and rebuilt from scratch.
func (s *Supervisor) CreateSession(ctx context.Context, tenantID string) (Snapshot, error) {
	s.mu.Lock()
	if existing, ok := s.sessions[tenantID]; ok {
		if existing.Status == provider.StatusConnected {
			snap := existing.snapshot()
			s.mu.Unlock()
			return snap, nil
		}
		existing.cancelReconnect()
		stale := collectProviders(existing)
		delete(s.sessions, tenantID)
		go disconnectAll(stale)
	}

	sess := &Session{
		TenantID:   tenantID,
		Status:     provider.StatusInitializing,
		CreatedAt:  time.Now(),
		providers:  make(map[provider.ID]provider.Provider),
		generation: s.genSeq.Add(1),
	}
	s.sessions[tenantID] = sess
	gen := sess.generation
	snap := sess.snapshot()
	s.mu.Unlock()

	log.Infof("session %s: initializing", tenantID)
	s.subs.notify(snap)
	s.connectProviders(ctx, tenantID, gen)

	return s.Get(tenantID)
}

// connectProviders walks the priority order and stops at the first provider
// that resolves connected or qr_ready.
func (s *Supervisor) connectProviders(ctx context.Context, tenantID string, gen uint64) {
	cfg := s.cfg.Current()
	for _, id := range provider.Priority(cfg) {
		s.mu.Lock()
		sess, ok := s.sessions[tenantID]
		if !ok || sess.generation != gen {
			s.mu.Unlock()
			return
		}
		p, exists := sess.providers[id]
		s.mu.Unlock()

		if exists {
			// Reconnect path: release the old transport before dialing again.
			if err := p.Disconnect(); err != nil {
				log.WithError(err).Debugf("session %s: pre-connect disconnect of %s", tenantID, id)
			}
		} else {
			built, err := s.registry.Build(id, tenantID, cfg, &sessionSink{sup: s, tenantID: tenantID, pid: id, gen: gen})
			if err != nil {
				log.WithError(err).Warnf("session %s: cannot build provider %s", tenantID, id)
				continue
			}
			s.mu.Lock()
			sess, ok = s.sessions[tenantID]
			if !ok || sess.generation != gen {
				s.mu.Unlock()
				built.Disconnect()
				return
			}
			sess.providers[id] = built
			s.mu.Unlock()
			p = built
		}

		connectCtx, cancel := context.WithTimeout(ctx, provider.ConnectTimeout)
		result, err := p.Connect(connectCtx)
		cancel()
		if err != nil {
			log.WithError(err).Warnf("session %s: provider %s connect failed", tenantID, id)
			continue
		}

		switch result.Status {
		case provider.StatusConnected:
			s.markConnected(tenantID, id, gen, result.PhoneIdentity)
			return
		case provider.StatusQRReady:
			s.handleQR(tenantID, gen, result.QRPayload)
			return
		}
	}
}

func (s *Supervisor) markConnected(tenantID string, pid provider.ID, gen uint64, identity string) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok || sess.generation != gen {
		s.mu.Unlock()
		return
	}
	sess.Status = provider.StatusConnected
	sess.ActiveProvider = pid
	if identity != "" {
		sess.PhoneIdentity = identity
	}
	sess.ReconnectAttempts = 0
	sess.QRPayload = ""
	sess.ConnectedAt = time.Now()
	sess.cancelReconnect()
	snap := sess.snapshot()
	s.mu.Unlock()

	log.Infof("session %s: connected via %s (%s)", tenantID, pid, snap.PhoneIdentity)
	s.auth.MarkConnected(tenantID, snap.PhoneIdentity)
	if s.hooks.OnConnected != nil {
		s.hooks.OnConnected(tenantID)
	}
	s.subs.notify(snap)
}

func (s *Supervisor) handleQR(tenantID string, gen uint64, payload string) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok || sess.generation != gen || sess.Status == provider.StatusConnected {
		s.mu.Unlock()
		return
	}
	sess.Status = provider.StatusQRReady
	sess.QRPayload = payload
	snap := sess.snapshot()
	s.mu.Unlock()

	log.Infof("session %s: qr_ready", tenantID)
	s.subs.notify(snap)
}

func (s *Supervisor) handleInbound(tenantID string, gen uint64, msg *provider.InboundMessage) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	valid := ok && sess.generation == gen
	s.mu.Unlock()
	if !valid || s.hooks.Inbound == nil {
		return
	}
	msg.TenantID = tenantID
	s.hooks.Inbound(msg)
}

func (s *Supervisor) handleStatusChange(tenantID string, pid provider.ID, gen uint64, change provider.StatusChange) {
	switch change.Status {
	case provider.StatusConnected:
		s.markConnected(tenantID, pid, gen, change.PhoneIdentity)
	case provider.StatusLoggedOut:
		s.handleLogout(tenantID, gen)
	case provider.StatusDisconnected:
		switch change.Cause {
		case provider.CauseLoggedOut:
			s.handleLogout(tenantID, gen)
		case provider.CauseBadSession:
			// Stale credentials: wipe them and restart the backoff ladder.
			log.Warnf("session %s: bad session, purging credentials", tenantID)
			if err := s.auth.Purge(tenantID); err != nil {
				log.WithError(err).Warnf("session %s: credential purge failed", tenantID)
			}
			s.handleConnectionLost(tenantID, gen, true)
		default:
			s.handleConnectionLost(tenantID, gen, false)
		}
	}
}

func (s *Supervisor) handleLogout(tenantID string, gen uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok || sess.generation != gen {
		s.mu.Unlock()
		return
	}
	wasConnected := sess.Status == provider.StatusConnected
	sess.Status = provider.StatusLoggedOut
	sess.clearLiveState()
	sess.cancelReconnect()
	providers := collectProviders(sess)
	snap := sess.snapshot()
	s.mu.Unlock()

	log.Infof("session %s: logged out, credentials purged", tenantID)
	if err := s.auth.Purge(tenantID); err != nil {
		log.WithError(err).Warnf("session %s: credential purge failed", tenantID)
	}
	s.auth.ForgetTenant(tenantID)
	if wasConnected && s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(tenantID)
	}
	go disconnectAll(providers)
	s.subs.notify(snap)
}

func (s *Supervisor) handleConnectionLost(tenantID string, gen uint64, resetAttempts bool) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok || sess.generation != gen {
		s.mu.Unlock()
		return
	}
	wasConnected := sess.Status == provider.StatusConnected
	if resetAttempts {
		sess.ReconnectAttempts = 0
	}
	s.mu.Unlock()

	if wasConnected && s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(tenantID)
	}
	s.scheduleReconnect(tenantID, gen)
}

// scheduleReconnect arms the single reconnect timer, or marks the session
// failed once the attempt budget is spent.
func (s *Supervisor) scheduleReconnect(tenantID string, gen uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok || sess.generation != gen {
		s.mu.Unlock()
		return
	}
	if sess.ReconnectAttempts >= maxReconnectAttempts {
		sess.Status = provider.StatusFailed
		sess.clearLiveState()
		sess.cancelReconnect()
		snap := sess.snapshot()
		s.mu.Unlock()
		log.Errorf("session %s: reconnect budget exhausted, marking failed", tenantID)
		s.subs.notify(snap)
		return
	}

	delay := s.backoff(sess.ReconnectAttempts)
	sess.ReconnectAttempts++
	attempt := sess.ReconnectAttempts
	sess.Status = provider.StatusReconnecting
	sess.clearLiveState()
	sess.cancelReconnect()
	sess.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(tenantID, gen) })
	snap := sess.snapshot()
	s.mu.Unlock()

	log.Infof("session %s: reconnect attempt %d/%d in %s", tenantID, attempt, maxReconnectAttempts, delay.Round(time.Millisecond))
	s.subs.notify(snap)
}

func (s *Supervisor) reconnect(tenantID string, gen uint64) {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok || sess.generation != gen {
		s.mu.Unlock()
		return
	}
	sess.reconnectTimer = nil
	s.mu.Unlock()

	s.connectProviders(context.Background(), tenantID, gen)

	s.mu.Lock()
	sess, ok = s.sessions[tenantID]
	settled := !ok || sess.generation != gen ||
		sess.Status == provider.StatusConnected || sess.Status == provider.StatusQRReady
	s.mu.Unlock()
	if !settled {
		s.scheduleReconnect(tenantID, gen)
	}
}

// DisconnectSession tears a session down: poller stopped, timers cancelled,
// providers released, record and subscribers dropped.
func (s *Supervisor) DisconnectSession(tenantID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(s.sessions, tenantID)
	sess.cancelReconnect()
	sess.Status = provider.StatusDisconnected
	sess.clearLiveState()
	providers := collectProviders(sess)
	snap := sess.snapshot()
	s.mu.Unlock()

	if s.hooks.OnDisconnected != nil {
		s.hooks.OnDisconnected(tenantID)
	}
	disconnectAll(providers)
	s.subs.notify(snap)
	s.subs.drop(tenantID)
	log.Infof("session %s: disconnected", tenantID)
	return nil
}

// SendCandidates implements the send router's session source: the active
// provider first, then the remaining priority-ordered providers installed on
// the session.
func (s *Supervisor) SendCandidates(tenantID string) ([]provider.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	var out []provider.Provider
	if p, ok := sess.providers[sess.ActiveProvider]; ok && p != nil {
		out = append(out, p)
	}
	for _, id := range provider.Priority(s.cfg.Current()) {
		if id == sess.ActiveProvider {
			continue
		}
		if p, ok := sess.providers[id]; ok && p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns a snapshot of one session.
func (s *Supervisor) Get(tenantID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return sess.snapshot(), nil
}

// List returns snapshots of all sessions, ordered by tenant id.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// Subscribe registers a status callback for one tenant and returns the
// unsubscribe function.
func (s *Supervisor) Subscribe(tenantID string, fn StatusCallback) func() {
	return s.subs.subscribe(tenantID, fn)
}

// FindCloudTenant locates the session whose cloud provider owns the given
// platform phone number id. Used to route platform webhook deliveries.
func (s *Supervisor) FindCloudTenant(phoneNumberID string) (string, *provider.CloudProvider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenantID, sess := range s.sessions {
		p, ok := sess.providers[provider.Cloud]
		if !ok {
			continue
		}
		cloud, ok := p.(*provider.CloudProvider)
		if ok && cloud.MatchesPhoneNumberID(phoneNumberID) {
			return tenantID, cloud, true
		}
	}
	return "", nil, false
}

// ReconnectExistingSessions restores a session for every tenant with
// persisted credentials, spacing attempts so a large fleet does not connect
// at once.
func (s *Supervisor) ReconnectExistingSessions(ctx context.Context) {
	tenants, err := s.auth.List()
	if err != nil {
		log.WithError(err).Warnf("cannot enumerate persisted sessions")
		return
	}
	if len(tenants) == 0 {
		return
	}
	log.Infof("restoring %d persisted sessions", len(tenants))
	for i, tenantID := range tenants {
		if i > 0 {
			if err := s.sleep(ctx, restoreSpacing); err != nil {
				return
			}
		}
		if _, err := s.CreateSession(ctx, tenantID); err != nil {
			log.WithError(err).Warnf("session %s: restore failed", tenantID)
		}
	}
}

// StartJanitor sweeps failed sessions and sessions stuck in initializing.
func (s *Supervisor) StartJanitor() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *Supervisor) sweep() {
	cutoff := time.Now().Add(-initializingStuckAfter)
	s.mu.Lock()
	var doomed []string
	for tenantID, sess := range s.sessions {
		if sess.Status == provider.StatusFailed {
			doomed = append(doomed, tenantID)
		} else if sess.Status == provider.StatusInitializing && sess.CreatedAt.Before(cutoff) {
			doomed = append(doomed, tenantID)
		}
	}
	s.mu.Unlock()

	for _, tenantID := range doomed {
		log.Warnf("session %s: swept by janitor", tenantID)
		if err := s.DisconnectSession(tenantID); err != nil {
			log.WithError(err).Debugf("session %s: janitor disconnect", tenantID)
		}
	}
}

// Close stops the janitor and disconnects every session.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	for _, snap := range s.List() {
		s.DisconnectSession(snap.TenantID)
	}
}

func collectProviders(sess *Session) []provider.Provider {
	out := make([]provider.Provider, 0, len(sess.providers))
	for _, p := range sess.providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func disconnectAll(providers []provider.Provider) {
	for _, p := range providers {
		if err := p.Disconnect(); err != nil {
			log.WithError(err).Debugf("provider disconnect during teardown")
		}
	}
}
