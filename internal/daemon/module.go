// Package daemon composes the client: storage, remote transport, job
// queue, reconciler and the chat service, wired together with fx.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pairchat/pairchat/internal/bus"
	"github.com/pairchat/pairchat/internal/chat"
	"github.com/pairchat/pairchat/internal/config"
	"github.com/pairchat/pairchat/internal/identity"
	"github.com/pairchat/pairchat/internal/jobs"
	"github.com/pairchat/pairchat/internal/lock"
	"github.com/pairchat/pairchat/internal/logging"
	"github.com/pairchat/pairchat/internal/netstate"
	"github.com/pairchat/pairchat/internal/remote"
	"github.com/pairchat/pairchat/internal/rooms"
	"github.com/pairchat/pairchat/internal/session"
	"github.com/pairchat/pairchat/internal/store"
	intsync "github.com/pairchat/pairchat/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemoteStore,
			provideRemoteClient,
			provideResolver,
			provideMigrator,
			provideQueue,
			provideHandlers,
			provideReconciler,
			provideCurrent,
			provideChatService,
			provideErrorFeed,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *netstate.Machine {
	return netstate.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.Profile)
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

// provideRemoteStore supplies the document store transport. The
// in-memory implementation stands in until a networked backend is
// configured; everything above it only sees the Store interface.
func provideRemoteStore() remote.Store {
	return remote.NewMemoryStore()
}

func provideRemoteClient(s remote.Store, logger *zap.Logger) *remote.Client {
	return remote.NewClient(s, logger)
}

func provideResolver(client *remote.Client, logger *zap.Logger) *identity.Resolver {
	return identity.NewResolver(client, logger)
}

func provideMigrator(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *rooms.Migrator {
	return rooms.NewMigrator(db, client, b, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, m *netstate.Machine, cfg *config.Config, logger *zap.Logger) *jobs.Queue {
	backoff := time.Duration(cfg.Jobs.BackoffSeconds) * time.Second
	return jobs.NewQueue(db, b, logger, m.IsOnline, backoff, cfg.Jobs.MaxAttempts)
}

func provideHandlers(db *store.DB, client *remote.Client, resolver *identity.Resolver, migrator *rooms.Migrator, logger *zap.Logger) *chat.Handlers {
	return chat.NewHandlers(db, client, resolver, migrator, logger)
}

func provideReconciler(db *store.DB, client *remote.Client, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, client, b, logger)
}

func provideCurrent() *session.Current {
	return session.NewCurrent()
}

func provideChatService(db *store.DB, client *remote.Client, resolver *identity.Resolver, q *jobs.Queue, r *intsync.Reconciler, m *netstate.Machine, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(db, client, resolver, q, r, m, b, logger)
}

func provideErrorFeed(b *bus.Bus) *chat.ErrorFeed {
	return chat.NewErrorFeed(b)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	db *store.DB,
	cfg *config.Config,
	q *jobs.Queue,
	handlers *chat.Handlers,
	reconciler *intsync.Reconciler,
	machine *netstate.Machine,
	client *remote.Client,
	current *session.Current,
	feed *chat.ErrorFeed,
	b *bus.Bus,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			handlers.Register(q)
			q.Start(context.Background())

			if cfg.Offline {
				logger.Info("starting in offline mode")
				_ = machine.Transition(netstate.Offline)
			} else {
				_ = machine.Transition(netstate.Connecting)
				_ = machine.Transition(netstate.Online)
			}

			// Follow every cached room so remote changes flow in.
			roomIDs, err := db.ListRoomIDs()
			if err != nil {
				return err
			}
			for _, roomID := range roomIDs {
				reconciler.ListenRoom(context.Background(), roomID)
			}
			logger.Info("daemon started", zap.Int("rooms", len(roomIDs)))

			if sess, ok := current.Get(); ok {
				// Rooms the counterpart creates land on our user
				// document first; follow it so they get cached.
				reconciler.FollowUser(context.Background(), sess.AccountID)
				if machine.IsOnline() {
					if err := client.SetOnline(context.Background(), sess.AccountID, true); err != nil {
						logger.Warn("failed to publish presence", zap.Error(err))
					}
				}
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if sess, ok := current.Get(); ok && machine.IsOnline() {
				if err := client.SetOnline(ctx, sess.AccountID, false); err != nil {
					logger.Warn("failed to clear presence", zap.Error(err))
				}
			}
			reconciler.Stop()
			q.Stop()
			feed.Close()
			_ = machine.Transition(netstate.Offline)
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
