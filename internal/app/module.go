// Package app composes the chat session and its dependencies into an fx
// application: one profile, one lock, one store, one transport, one session.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/bus"
	"github.com/workmesh/orderchat/internal/chat"
	"github.com/workmesh/orderchat/internal/lock"
	"github.com/workmesh/orderchat/internal/logging"
	"github.com/workmesh/orderchat/internal/session"
	"github.com/workmesh/orderchat/internal/status"
	"github.com/workmesh/orderchat/internal/store"
	"github.com/workmesh/orderchat/internal/transport"
)

// Params holds the resolved settings passed to the fx module.
type Params struct {
	Profile   string
	ServerURL string
	Token     string
	OnError   func(msg string)
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("orderchat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideTransport,
			provideSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("profile", p.Profile))
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
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
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTransport(p Params, logger *zap.Logger) *transport.Client {
	return transport.NewClient(transport.Options{
		URL:   p.ServerURL,
		Token: p.Token,
	}, logger)
}

func provideSession(p Params, tr *transport.Client, db *store.DB, b *bus.Bus, m *status.Machine, logger *zap.Logger) (*chat.Session, error) {
	return chat.NewSession(tr, db, b, m, logger, chat.Options{OnError: p.OnError})
}

func registerLifecycle(lc fx.Lifecycle, s *chat.Session, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			s.SetEnabled(true)
			return nil
		},
		OnStop: func(_ context.Context) error {
			s.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("session stopped")
			return nil
		},
	})
}
