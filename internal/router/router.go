// Package router implements the send pipeline: candidate selection, health
// gating, per-provider retries, and failover between providers.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/msgbridge/msgbridge/internal/config"
	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/resilience"
)

// ErrNoProviders is returned when a session has no usable provider at all.
var ErrNoProviders = errors.New("no providers available for send")

// SessionSource resolves the send candidates for one tenant: the session's
// active provider first, then the remaining priority-ordered providers. The
// session supervisor implements this.
type SessionSource interface {
	SendCandidates(tenantID string) ([]provider.Provider, error)
}

// SendRecorder observes every completed send attempt. The delivery log
// implements this; a nil recorder disables recording.
type SendRecorder interface {
	RecordSend(tenantID, to string, result provider.SendResult, sendErr error)
}

// Template describes an outbound template message.
type Template struct {
	Name     string
	Params   []string
	Language string
}

// Message is one outbound send request.
type Message struct {
	To       string
	Text     string
	Template *Template
	Media    *provider.Media
}

// Router drives sends through the candidate providers. Each provider variant
// has a circuit breaker; an open breaker removes the provider from candidate
// order unless every candidate is open.
type Router struct {
	cfg      *config.Manager
	sessions SessionSource
	recorder SendRecorder

	breakers map[provider.ID]*resilience.CircuitBreaker

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a router. recorder may be nil.
func New(cfg *config.Manager, sessions SessionSource, recorder SendRecorder) *Router {
	breakers := map[provider.ID]*resilience.CircuitBreaker{}
	for _, id := range []provider.ID{provider.Cloud, provider.Socket} {
		breakers[id] = resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig("send-" + string(id)))
	}
	return &Router{
		cfg:      cfg,
		sessions: sessions,
		recorder: recorder,
		breakers: breakers,
		sleep:    resilience.WaitWithContext,
	}
}

// Send dispatches one message for a tenant. Candidates are tried in order;
// within a candidate the send is retried on retryable errors with a linearly
// growing delay, and a fallback-trigger error moves straight to the next
// candidate. The last error surfaces when everything fails.
func (r *Router) Send(ctx context.Context, tenantID string, msg Message) (provider.SendResult, error) {
	candidates, err := r.sessions.SendCandidates(tenantID)
	if err != nil {
		return provider.SendResult{}, err
	}
	if len(candidates) == 0 {
		return provider.SendResult{}, ErrNoProviders
	}

	if msg.Template != nil {
		candidates = promoteTemplateCapable(candidates)
		if candidates == nil {
			return provider.SendResult{}, provider.NewError(provider.ClassTemplateNotSupported,
				"no provider on this session supports templates")
		}
	}

	fb := r.cfg.Current().Fallback
	if !fb.IsEnabled() {
		candidates = candidates[:1]
	}
	candidates = r.gateCandidates(candidates)

	attempts := 1
	if fb.IsEnabled() && fb.MaxRetries > 0 {
		attempts = fb.MaxRetries
	}

	var lastErr error
	for _, p := range candidates {
		for attempt := 0; attempt < attempts; attempt++ {
			result, sendErr := r.dispatch(ctx, p, msg)
			if r.recorder != nil {
				r.recorder.RecordSend(tenantID, msg.To, result, sendErr)
			}
			if sendErr == nil {
				return result, nil
			}
			lastErr = sendErr

			class := provider.ClassOf(sendErr)
			if r.triggersFallback(class, fb.Triggers) {
				log.WithField("provider", string(p.ID())).
					Warnf("send failed with %s, failing over for tenant %s", class, tenantID)
				break
			}
			if !class.Retryable() {
				break
			}
			if attempt < attempts-1 {
				if err := r.sleep(ctx, fb.RetryDelay()*time.Duration(attempt+1)); err != nil {
					return provider.SendResult{}, err
				}
			}
		}
	}
	return provider.SendResult{}, lastErr
}

// gateCandidates drops unhealthy providers while more than one remains, then
// drops providers whose breaker is open. Each filter backs off to the
// unfiltered list when it would leave nothing to try.
func (r *Router) gateCandidates(candidates []provider.Provider) []provider.Provider {
	if len(candidates) > 1 {
		healthy := make([]provider.Provider, 0, len(candidates))
		for _, p := range candidates {
			if p.IsHealthy() {
				healthy = append(healthy, p)
			}
		}
		if len(healthy) > 0 {
			candidates = healthy
		}
	}

	closed := make([]provider.Provider, 0, len(candidates))
	for _, p := range candidates {
		if br, ok := r.breakers[p.ID()]; !ok || br.State() != gobreaker.StateOpen {
			closed = append(closed, p)
		}
	}
	if len(closed) > 0 {
		return closed
	}
	return candidates
}

func (r *Router) dispatch(ctx context.Context, p provider.Provider, msg Message) (provider.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.SendTimeout)
	defer cancel()

	send := func() (provider.SendResult, error) {
		switch {
		case msg.Template != nil:
			return p.SendTemplate(ctx, msg.To, msg.Template.Name, msg.Template.Params, msg.Template.Language)
		case msg.Media != nil:
			return p.SendMedia(ctx, msg.To, *msg.Media)
		default:
			return p.SendText(ctx, msg.To, msg.Text)
		}
	}

	br := r.breakers[p.ID()]
	if br == nil {
		return send()
	}
	result, err := br.Execute(func() (any, error) { return send() })
	if err != nil {
		return provider.SendResult{}, err
	}
	return result.(provider.SendResult), nil
}

// promoteTemplateCapable moves template-capable providers to the head,
// preserving relative order otherwise. Returns nil when no candidate supports
// templates.
func promoteTemplateCapable(candidates []provider.Provider) []provider.Provider {
	capable := make([]provider.Provider, 0, len(candidates))
	rest := make([]provider.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.Capabilities().SupportsTemplates {
			capable = append(capable, p)
		} else {
			rest = append(rest, p)
		}
	}
	if len(capable) == 0 {
		return nil
	}
	return append(capable, rest...)
}

// triggersFallback reports whether an error class should abandon the current
// provider in favor of the next candidate. invalid_phone and auth_error never
// fail over: another provider cannot fix a bad recipient or bad credentials.
func (r *Router) triggersFallback(class provider.Class, triggers config.FallbackTriggers) bool {
	switch class {
	case provider.ClassTimeout:
		return triggers.TimeoutEnabled()
	case provider.ClassRateLimit:
		return triggers.RateLimitEnabled()
	case provider.ClassTemplateError, provider.ClassTemplateNotSupported:
		return triggers.TemplateErrorEnabled()
	case provider.ClassServerError:
		return triggers.ServerErrorEnabled()
	default:
		return false
	}
}

// BreakerState exposes the per-provider breaker state for the stats endpoint.
func (r *Router) BreakerState(id provider.ID) string {
	br, ok := r.breakers[id]
	if !ok {
		return "unknown"
	}
	return br.State().String()
}
