// Package daemon composes the pigeond component graph: store, transport,
// sync engine, call machine and poller, wired at construction time so no
// component discovers another at runtime.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/call"
	"github.com/pigeon-im/pigeon/internal/config"
	"github.com/pigeon-im/pigeon/internal/lock"
	"github.com/pigeon-im/pigeon/internal/logging"
	"github.com/pigeon-im/pigeon/internal/profile"
	"github.com/pigeon-im/pigeon/internal/rtc"
	"github.com/pigeon-im/pigeon/internal/store"
	intsync "github.com/pigeon-im/pigeon/internal/sync"
	"github.com/pigeon-im/pigeon/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideSyncConfig,
			provideAdapter,
			provideEngine,
			provideDialer,
			provideMachine,
			providePoller,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", profile.ConfigPath(), err)
	}
	if cfg.Relay.URL == "" {
		return nil, errors.New("relay.url is not configured")
	}
	logger.Info("config loaded", zap.String("relay", cfg.Relay.URL))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSyncConfig(p Params) (intsync.Config, error) {
	selfID, err := profile.LoadIdentity(p.ProfileName)
	if err != nil {
		return intsync.Config{}, fmt.Errorf("profile %q has no identity: %w", p.ProfileName, err)
	}
	return intsync.Config{SelfID: selfID}, nil
}

func provideAdapter(cfg *config.Config, sc intsync.Config) transport.Adapter {
	timeout := transport.DefaultTimeout
	if cfg.Relay.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Relay.TimeoutSeconds) * time.Second
	}
	client := &http.Client{Timeout: timeout}
	return transport.NewRelay(client, cfg.Relay.URL, cfg.Relay.Token, sc.SelfID)
}

func provideEngine(db *store.DB, b *bus.Bus, adapter transport.Adapter, logger *zap.Logger, sc intsync.Config) *intsync.Engine {
	return intsync.NewEngine(db, b, adapter, logger, sc)
}

func provideDialer(cfg *config.Config) rtc.Dialer {
	return rtc.NewPionDialer(cfg.ICE.URLs, cfg.ICE.Username, cfg.ICE.Credential)
}

func provideMachine(dialer rtc.Dialer, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *call.Machine {
	return call.NewMachine(dialer, engine, b, logger, call.DefaultTiming())
}

func providePoller(engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *intsync.Poller {
	return intsync.NewPoller(engine, b, logger, intsync.DefaultIntervals())
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, engine *intsync.Engine, machine *call.Machine, poller *intsync.Poller, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Inbound call signals flow engine -> machine; outbound ones
			// machine -> engine. Both directions are bound here, once.
			engine.BindSignalHandler(machine)
			engine.Initialize(ctx)
			poller.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			poller.Stop()
			machine.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
