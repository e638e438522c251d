package provider

import (
	"fmt"

	"github.com/msgbridge/msgbridge/internal/config"
)

// Factory builds a provider instance for one tenant, wired to the given sink.
type Factory func(tenantID string, cfg *config.Config, sink EventSink) (Provider, error)

// Registry enumerates available providers and resolves priority order.
type Registry struct {
	factories map[ID]Factory
}

// NewRegistry returns a registry with the built-in cloud and socket factories.
func NewRegistry(creds CredentialStore) *Registry {
	return &Registry{
		factories: map[ID]Factory{
			Cloud: func(tenantID string, cfg *config.Config, sink EventSink) (Provider, error) {
				return NewCloudProvider(tenantID, cfg.Cloud, sink), nil
			},
			Socket: func(tenantID string, cfg *config.Config, sink EventSink) (Provider, error) {
				transport, err := NewWebsocketTransport(cfg.Socket.GatewayURL, tenantID, creds)
				if err != nil {
					return nil, err
				}
				return NewSocketProvider(tenantID, transport, sink), nil
			},
		},
	}
}

// NewRegistryWithFactories builds a registry from explicit factories (tests).
func NewRegistryWithFactories(factories map[ID]Factory) *Registry {
	return &Registry{factories: factories}
}

// Available returns the providers usable under cfg. Cloud requires credentials
// and not being disabled; socket only requires not being disabled. Order is
// deterministic: cloud, then socket.
func Available(cfg *config.Config) []ID {
	var out []ID
	if cfg.Cloud.IsEnabled() && cfg.Cloud.HasCredentials() {
		out = append(out, Cloud)
	}
	if cfg.Socket.IsEnabled() {
		out = append(out, Socket)
	}
	return out
}

// Priority returns [primary, fallback] where fallback is the other provider iff
// available; entries pointing at unavailable providers are filtered.
func Priority(cfg *config.Config) []ID {
	available := Available(cfg)
	isAvailable := func(id ID) bool {
		for _, a := range available {
			if a == id {
				return true
			}
		}
		return false
	}

	primary := cfg.PrimaryProvider
	var order []ID
	if isAvailable(primary) {
		order = append(order, primary)
	}
	for _, id := range available {
		if id != primary {
			order = append(order, id)
		}
	}
	return order
}

// Build constructs the provider with the given id for a tenant.
func (r *Registry) Build(id ID, tenantID string, cfg *config.Config, sink EventSink) (Provider, error) {
	factory, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return factory(tenantID, cfg, sink)
}

// CredentialStore is the slice of the auth store the socket transport needs:
// opaque per-tenant credential blobs whose presence signals a resumable session.
type CredentialStore interface {
	Load(tenantID, name string) ([]byte, error)
	Save(tenantID, name string, data []byte) error
	Purge(tenantID string) error
}
