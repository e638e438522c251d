// Package bootstrap wires the gateway components together and owns the
// process lifecycle: config loading, startup order, signals, and shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/msgbridge/msgbridge/internal/api"
	"github.com/msgbridge/msgbridge/internal/authstore"
	"github.com/msgbridge/msgbridge/internal/backend"
	"github.com/msgbridge/msgbridge/internal/config"
	"github.com/msgbridge/msgbridge/internal/deliverylog"
	"github.com/msgbridge/msgbridge/internal/forwarder"
	log "github.com/msgbridge/msgbridge/internal/logging"
	"github.com/msgbridge/msgbridge/internal/poller"
	"github.com/msgbridge/msgbridge/internal/provider"
	"github.com/msgbridge/msgbridge/internal/queue"
	"github.com/msgbridge/msgbridge/internal/router"
	"github.com/msgbridge/msgbridge/internal/session"
)

// shutdownTimeout is the hard bound on graceful shutdown; past it the
// process exits non-zero regardless of what is still in flight.
const shutdownTimeout = 30 * time.Second

// ErrShutdownTimeout reports that graceful shutdown did not finish in time.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// LoadConfig resolves the effective configuration: .env, yaml file (optional),
// environment overrides.
func LoadConfig(configPath string) (*config.Config, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get working directory: %w", err)
	}

	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if configPath == "" {
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfigOptional(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	cfg.ApplyEnvOverrides()
	cfg.Sanitize()
	return cfg, configPath, nil
}

// Run starts the gateway and blocks until a signal or a fatal server error.
// portOverride, when non-zero, wins over the configured listen port.
func Run(configPath string, portOverride int) error {
	cfg, configFilePath, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}

	log.SetDebug(cfg.Debug)
	if err := log.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}

	mgr := config.NewManager(cfg)

	// Hot reload while the file exists; a missing file just disables it.
	var stopWatch func()
	if _, statErr := os.Stat(configFilePath); statErr == nil {
		stopWatch, err = config.Watch(configFilePath, mgr)
		if err != nil {
			log.WithError(err).Warnf("config hot reload disabled")
			stopWatch = nil
		}
	}

	auth, err := authstore.New(cfg.AuthDir)
	if err != nil {
		return fmt.Errorf("failed to open auth store: %w", err)
	}

	q := queue.New(cfg.QueueFile)
	fwd := forwarder.New(mgr, q)

	statsBackend, err := newDeliveryLog(cfg)
	if err != nil {
		return err
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// The router needs the supervisor as its session source and the hooks
	// need the poller and forwarder; declare first, wire below.
	var rt *router.Router

	backendClient := backend.NewClient(mgr)
	poll := poller.New(mgr, backendClient, func(ctx context.Context, tenantID string, msg router.Message) (string, error) {
		result, sendErr := rt.Send(ctx, tenantID, msg)
		return result.MessageID, sendErr
	})

	hooks := session.Hooks{
		OnConnected: func(tenantID string) {
			poll.Start(tenantID)
			fwd.ScheduleDrain(rootCtx)
		},
		OnDisconnected: poll.Stop,
		Inbound: func(msg *provider.InboundMessage) {
			if err := fwd.Forward(rootCtx, msg, false); err != nil {
				log.WithError(err).Debugf("inbound delivery deferred for tenant %s", msg.TenantID)
			}
		},
	}

	sup := session.NewSupervisor(mgr, provider.NewRegistry(auth), auth, hooks)
	rt = router.New(mgr, sup, deliverylog.NewRecorder(statsBackend))
	sup.StartJanitor()

	server := api.NewServer(mgr, sup, rt, q, fwd, statsBackend)
	serveErr := server.Start()

	go sup.ReconnectExistingSessions(rootCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err, ok := <-serveErr:
		if ok && err != nil {
			log.WithError(err).Errorf("admin api failed")
			cancelRoot()
			return err
		}
	}
	cancelRoot()

	return shutdown(server, poll, sup, statsBackend, q, stopWatch)
}

func newDeliveryLog(cfg *config.Config) (deliverylog.Backend, error) {
	var flushInterval time.Duration
	if cfg.DeliveryLog.FlushInterval != "" {
		parsed, err := time.ParseDuration(cfg.DeliveryLog.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid delivery-log flush-interval: %w", err)
		}
		flushInterval = parsed
	}

	backendLog, err := deliverylog.NewBackend(deliverylog.BackendConfig{
		DSN:           cfg.DeliveryLog.DSN,
		BatchSize:     cfg.DeliveryLog.BatchSize,
		FlushInterval: flushInterval,
		RetentionDays: cfg.DeliveryLog.RetentionDays,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open delivery log: %w", err)
	}
	if backendLog != nil {
		if err := backendLog.Start(); err != nil {
			return nil, fmt.Errorf("failed to start delivery log: %w", err)
		}
		log.Infof("delivery log enabled")
	}
	return backendLog, nil
}

// shutdown tears components down in dependency order under the hard timeout.
func shutdown(server *api.Server, poll *poller.Poller, sup *session.Supervisor,
	statsBackend deliverylog.Backend, q *queue.Queue, stopWatch func()) error {

	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Warnf("admin api shutdown")
		}

		poll.StopAll()
		sup.Close()

		// The delivery log and the queue flush to independent files.
		var g errgroup.Group
		g.Go(func() error {
			if statsBackend == nil {
				return nil
			}
			return statsBackend.Stop()
		})
		g.Go(q.Close)
		if err := g.Wait(); err != nil {
			log.WithError(err).Warnf("final flush failed")
		}

		if stopWatch != nil {
			stopWatch()
		}
	}()

	select {
	case <-done:
		log.Infof("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		return ErrShutdownTimeout
	}
}
