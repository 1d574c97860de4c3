package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getkayan/userkey/api"
	"github.com/getkayan/userkey/core/audit"
	"github.com/getkayan/userkey/core/config"
	"github.com/getkayan/userkey/core/domain"
	"github.com/getkayan/userkey/core/logger"
	"github.com/getkayan/userkey/core/retention"
	"github.com/getkayan/userkey/core/session"
	"github.com/getkayan/userkey/core/userkey"
	"github.com/getkayan/userkey/kgorm"
	"github.com/getkayan/userkey/kmongo"
	"github.com/getkayan/userkey/kredis"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg   *config.Config
	repo  *kgorm.Repository
	redis *redis.Client
	mongo *mongo.Client

	keyStore     domain.KeyStore
	sessionStore domain.SessionStore
	limiter      userkey.RateLimiter

	audit     *audit.Logger
	settings  *userkey.SettingsService
	keys      userkey.KeyManager
	resolver  *userkey.Resolver
	activator *userkey.Activator
	gate      *userkey.Gate
	sessions  *session.Manager
	logouts   *api.LogoutRecorder
}

// setup loads the configuration, initializes logging and wires storage and
// the userkey components.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.InitLogger(cfg.LogLevel)

	defaults, err := pluginDefaults(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.openStorage(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.wire(defaults)
	return a, nil
}

// pluginDefaults returns the USERKEY_* settings, refusing invalid ones.
func pluginDefaults(cfg *config.Config) (userkey.Settings, error) {
	defaults := userkey.Settings{
		MappingField:  cfg.Plugin.MappingField,
		KeyLifetime:   cfg.Plugin.KeyLifetime,
		IPRestriction: cfg.Plugin.IPRestriction,
		IPWhitelist:   cfg.Plugin.IPWhitelist,
		RedirectURL:   cfg.Plugin.RedirectURL,
		SSOURL:        cfg.Plugin.SSOURL,
	}
	if err := userkey.CheckSettings(defaults); err != nil {
		return userkey.Settings{}, fmt.Errorf("invalid USERKEY_* defaults: %w", err)
	}
	return defaults, nil
}

func (a *app) openStorage(ctx context.Context) error {
	cfg := a.cfg

	var opts []kgorm.Option
	if cfg.SkipAutoMigrate {
		opts = append(opts, kgorm.WithoutMigration())
	}
	repo, err := kgorm.Open(cfg.DBType, cfg.DSN, opts...)
	if err != nil {
		return fmt.Errorf("failed to open %s database: %w", cfg.DBType, err)
	}
	a.repo = repo

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	a.keyStore = repo
	switch cfg.KeyBackend {
	case "", "sql":
	case "redis":
		if a.redis == nil {
			return fmt.Errorf("KEY_BACKEND=redis requires REDIS_ADDR")
		}
		store := kredis.NewKeyStore(a.redis, "")
		store.SetGrace(cfg.ExpiredKeyGrace)
		a.keyStore = store
	case "mongo":
		if cfg.MongoURI == "" {
			return fmt.Errorf("KEY_BACKEND=mongo requires MONGO_URI")
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		a.mongo = client
		store := kmongo.NewKeyStore(client.Database(cfg.MongoDatabase), kmongo.DefaultCollectionName)
		store.SetGrace(cfg.ExpiredKeyGrace)
		if err := store.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		a.keyStore = store
	default:
		return fmt.Errorf("unsupported KEY_BACKEND %q", cfg.KeyBackend)
	}

	a.sessionStore = repo
	if a.redis != nil {
		a.sessionStore = kredis.NewSessionStore(a.redis, "")
		a.limiter = kredis.NewRateLimiter(a.redis, "")
	} else {
		a.limiter = userkey.NewMemoryRateLimiter()
	}

	logger.Log.Info("storage ready",
		zap.String("db_type", cfg.DBType),
		zap.String("key_backend", cfg.KeyBackend),
		zap.Bool("redis", a.redis != nil),
	)
	return nil
}

func (a *app) wire(defaults userkey.Settings) {
	cfg := a.cfg

	a.audit = audit.NewLogger(a.repo, audit.Hooks{
		OnError: func(ctx context.Context, event *audit.Event, err error) {
			logger.Log.Warn("failed to record audit event", zap.String("type", event.Type), zap.Error(err))
		},
	})

	a.settings = userkey.NewSettingsService(a.repo, defaults)
	a.settings.SetAuditLogger(a.audit)

	limited := userkey.NewRateLimitedKeyManager(
		userkey.NewCoreKeyManager(a.keyStore, a.repo),
		a.limiter,
		userkey.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateWindow,
			Hooks: userkey.RateLimitHooks{
				OnDeny: func(ctx context.Context, info *userkey.RateLimitInfo) {
					logger.Log.Info("redemption rate limited", zap.String("key", info.Key), zap.Int("limit", info.Limit))
				},
				OnError: func(ctx context.Context, err error, info *userkey.RateLimitInfo) error {
					logger.Log.Warn("rate limiter unavailable, allowing attempt", zap.String("key", info.Key), zap.Error(err))
					return nil
				},
			},
		},
	)
	limited.SetAuditLogger(a.audit)
	a.keys = limited

	a.resolver = userkey.NewResolver(a.repo, a.keys, a.settings)
	a.resolver.SetAuditLogger(a.audit)

	a.sessions = session.NewManager(a.sessionStore, cfg.SessionLifetime)
	a.logouts = &api.LogoutRecorder{Audit: a.audit}
	a.sessions.AddLogoutNotifier(a.logouts)
	a.activator = userkey.NewActivator(a.keys, a.repo, a.sessions)
	a.activator.SetAuditLogger(a.audit)
	a.gate = userkey.NewGate(a.settings)
}

func (a *app) close(ctx context.Context) {
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			logger.Log.Warn("failed to disconnect mongo", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Log.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			logger.Log.Warn("failed to close database", zap.Error(err))
		}
	}
	logger.Log.Sync()
}

// retentionManager purges from whichever backends hold the data.
func (a *app) retentionManager(auditAge time.Duration) *retention.Manager {
	m := retention.NewManager(retentionStore{a}, &retention.Policy{
		ExpiredKeyGrace: a.cfg.ExpiredKeyGrace,
		AuditLogAge:     auditAge,
	})
	m.SetHooks(retention.Hooks{
		AfterPurge: func(ctx context.Context, dataType string, count int64, err error) {
			if err == nil && count > 0 {
				logger.Log.Info("purged expired data", zap.String("type", dataType), zap.Int64("count", count))
			}
		},
		OnError: func(ctx context.Context, dataType string, err error) {
			logger.Log.Warn("purge failed", zap.String("type", dataType), zap.Error(err))
		},
	})
	return m
}

type retentionStore struct{ a *app }

func (s retentionStore) PurgeExpiredKeys(ctx context.Context, before time.Time) (int64, error) {
	return s.a.keyStore.DeleteExpiredKeys(ctx, userkey.Script, before)
}

// PurgeExpiredSessions is a no-op for Redis, which expires sessions itself.
func (s retentionStore) PurgeExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	if s.a.redis != nil {
		return 0, nil
	}
	return s.a.repo.DeleteExpiredSessions(ctx, before)
}

func (s retentionStore) PurgeAuditLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.a.repo.Purge(ctx, olderThan)
}

// withTimeout bounds one-shot commands.
func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}
