// Package daemon wires every chatsyncd service with fx and owns their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/attachment"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/indexer"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/objectstore"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

const shutdownWriteTimeout = 3 * time.Second

// Params holds the resolved session passed to the fx module.
type Params struct {
	SessionName string
	// Optional overrides for tests; empty means the session defaults.
	SocketPath       string
	HealthSocketPath string
	Config           *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			metrics.New,
			provideStateMachine,
			provideLock,
			provideStore,
			provideHealth,
			provideMonitor,
			provideRemote,
			provideObjectStore,
			provideUploads,
			providePresenceStore,
			providePresence,
			provideTypers,
			provideTracker,
			provideIndexer,
			provideEngine,
			provideRetrier,
			provideSessionService,
			provideChatService,
			provideMessageService,
			provideSyncService,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadSession(session.Dir(p.SessionName)); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config %s: %w", session.ConfigFile(p.SessionName), err)
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens the local cache. It depends on the lock so no other
// process can hold the database open.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(session.CachePath(p.SessionName), logger)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func provideHealth(b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *store.Health {
	return store.NewHealth(b, logger, m)
}

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *connectivity.Monitor {
	return connectivity.New(connectivity.Options{
		URLs:           cfg.Connectivity.ProbeURLs,
		Timeout:        cfg.Connectivity.ProbeTimeout.D(),
		OfflinePoll:    cfg.Connectivity.OfflinePollInterval.D(),
		OnlineInterval: cfg.Connectivity.OnlineCheckInterval.D(),
	}, nil, b, logger, m)
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.Mongo, error) {
	return remote.Connect(context.Background(), cfg.Remote.MongoURI, cfg.Remote.Database, logger)
}

func provideObjectStore(cfg *config.Config) (*objectstore.S3, error) {
	return objectstore.NewS3(context.Background(), objectstore.Options{
		Bucket:        cfg.Storage.Bucket,
		Region:        cfg.Storage.Region,
		Endpoint:      cfg.Storage.Endpoint,
		AccessKey:     cfg.Storage.AccessKey,
		SecretKey:     cfg.Storage.SecretKey,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
}

func provideUploads(cfg *config.Config, db *store.DB, objects *objectstore.S3, monitor *connectivity.Monitor, health *store.Health, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *attachment.Coordinator {
	return attachment.New(attachment.Options{
		Category:    cfg.Storage.Category,
		MaxAttempts: cfg.Sync.MaxUploadAttempts,
		Health:      health,
	}, db, objects, monitor, b, logger, m)
}

func providePresenceStore(cfg *config.Config) (*presence.RedisStore, error) {
	return presence.NewRedisStore(cfg.Presence.RedisURL, "")
}

func providePresence(cfg *config.Config, rs *presence.RedisStore, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *presence.Coordinator {
	return presence.New(presence.Options{
		HeartbeatInterval:  cfg.Presence.HeartbeatInterval.D(),
		StalenessThreshold: cfg.Presence.StalenessThreshold.D(),
	}, rs, b, logger, m)
}

func provideTypers(cfg *config.Config, rs *presence.RedisStore, logger *zap.Logger) *presence.Typers {
	return presence.NewTypers(rs, cfg.User.ID, cfg.Presence.TypingTimeout.D(), logger)
}

func provideTracker(r *remote.Mongo, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *delivery.Tracker {
	return delivery.NewTracker(r, b, logger, m)
}

func provideIndexer(cfg *config.Config) (indexer.Indexer, error) {
	return indexer.New(cfg.Indexer)
}

func provideEngine(cfg *config.Config, db *store.DB, r *remote.Mongo, uploads *attachment.Coordinator, monitor *connectivity.Monitor, idx indexer.Indexer, health *store.Health, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *intsync.Engine {
	return intsync.NewEngine(intsync.Options{
		UserID:         cfg.User.ID,
		UserName:       cfg.User.DisplayName,
		PageSize:       cfg.Remote.PageSize,
		MaxAutoRetries: cfg.Sync.MaxAutoRetries,
		IndexTimeout:   cfg.Indexer.Timeout.D(),
	}, intsync.Deps{
		Cache:   db,
		Remote:  r,
		Uploads: uploads,
		Conn:    monitor,
		Indexer: idx,
		Health:  health,
		Bus:     b,
		Logger:  logger,
		Metrics: m,
	})
}

func provideRetrier(cfg *config.Config, uploads *attachment.Coordinator, engine *intsync.Engine, monitor *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *outbox.Retrier {
	return outbox.NewRetrier(uploads, engine, monitor, b, logger, cfg.Sync.SweepInterval.D())
}

func provideSessionService(p Params, machine *status.Machine, monitor *connectivity.Monitor, health *store.Health, engine *intsync.Engine) *api.SessionService {
	return api.NewSessionService(p.SessionName, machine, monitor, health, engine)
}

func provideChatService(cfg *config.Config, r *remote.Mongo, db *store.DB, monitor *connectivity.Monitor, tracker *delivery.Tracker, typers *presence.Typers, pc *presence.Coordinator, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(cfg.User.ID, api.ChatDeps{
		Remote:   r,
		Cache:    db,
		Conn:     monitor,
		Reader:   tracker,
		Typing:   typers,
		Presence: pc,
		Logger:   logger,
	})
}

func provideMessageService(engine *intsync.Engine, uploads *attachment.Coordinator, db *store.DB) *api.MessageService {
	return api.NewMessageService(engine, uploads, db)
}

func provideSyncService(engine *intsync.Engine, retrier *outbox.Retrier, b *bus.Bus) *api.SyncService {
	return api.NewSyncService(engine, retrier, b)
}

func provideRouter(sessionSvc *api.SessionService, chatSvc *api.ChatService, messageSvc *api.MessageService, syncSvc *api.SyncService, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	return api.NewRouter(api.Services{Session: sessionSvc, Chat: chatSvc, Message: messageSvc, Sync: syncSvc}, logger, m)
}

// services groups what the lifecycle hooks start and stop.
type services struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Bus      *bus.Bus
	Machine  *status.Machine
	Monitor  *connectivity.Monitor
	Remote   *remote.Mongo
	Uploads  *attachment.Coordinator
	Presence *presence.Coordinator
	Redis    *presence.RedisStore
	Typers   *presence.Typers
	Indexer  indexer.Indexer
	Engine   *intsync.Engine
	Retrier  *outbox.Retrier
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, s services) {
	runCtx, cancel := context.WithCancel(context.Background())
	userID := s.Config.User.ID
	logger := s.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Status and health follow bus events from here on.
			go s.Machine.Follow(runCtx, s.Bus)
			s.Server.FollowState(runCtx, s.Bus)

			if err := s.Uploads.Load(ctx); err != nil {
				logger.Warn("failed to load attachment states", zap.Error(err))
			}
			if err := s.Engine.Resume(ctx); err != nil {
				return fmt.Errorf("resume conversations: %w", err)
			}

			// The retrier sweeps before the first probe so repaired uploads
			// are retried on the first reconnect. Presence subscribes before
			// the monitor starts so the first reconnect is not missed.
			reconnects, unsub := s.Bus.Subscribe(bus.ConnectivityReconnected, 4)
			s.Retrier.Start(runCtx)
			s.Monitor.Start(runCtx)
			go func() {
				defer unsub()
				keepPresence(runCtx, reconnects, s.Presence, s.Remote, userID, logger)
			}()

			go func() {
				if err := s.Server.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = s.Machine.Transition(status.Stopping)
			s.Server.Stop(ctx)
			s.Retrier.Stop()
			s.Monitor.Stop()
			cancel()

			offCtx, offCancel := context.WithTimeout(ctx, shutdownWriteTimeout)
			if err := s.Presence.SetOffline(offCtx, userID); err != nil {
				logger.Warn("failed to write offline presence", zap.Error(err))
			}
			offCancel()
			s.Presence.Stop()
			s.Typers.Stop()

			s.Engine.Stop()
			if err := s.Indexer.Close(); err != nil {
				logger.Warn("error closing indexer", zap.Error(err))
			}
			if err := s.Remote.Close(ctx); err != nil {
				logger.Warn("error closing remote store", zap.Error(err))
			}
			_ = s.Redis.Close()
			if err := s.DB.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			s.Bus.Close()
			if err := s.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// RemoteIndexes creates the remote store's indexes.
type RemoteIndexes interface {
	EnsureIndexes(ctx context.Context) error
}

// PresenceSetter marks the local user online.
type PresenceSetter interface {
	SetOnline(ctx context.Context, userID string) error
}

// keepPresence marks the user online on every reconnect read from ch. The
// first successful reconnect also ensures the remote indexes exist.
func keepPresence(ctx context.Context, ch <-chan bus.Event, p PresenceSetter, r RemoteIndexes, userID string, logger *zap.Logger) {
	indexed := false
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			if !indexed {
				if err := r.EnsureIndexes(ctx); err != nil {
					logger.Warn("failed to ensure remote indexes", zap.Error(err))
				} else {
					indexed = true
				}
			}
			if err := p.SetOnline(ctx, userID); err != nil {
				logger.Warn("failed to mark presence online", zap.Error(err))
			}
		}
	}
}
