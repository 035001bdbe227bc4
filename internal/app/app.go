// Package app wires the segment engine's components from configuration. The
// worker, the API server and segmentctl all build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/segment-engine/internal/actions"
	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/notify"
	"github.com/ignite/segment-engine/internal/pkg/distlock"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/repository/postgres"
	"github.com/ignite/segment-engine/internal/segmentation"
	"github.com/ignite/segment-engine/internal/storage"
)

// App holds the wired components and the connections they share.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Redis     *redis.Client
	Segments  *segmentation.Store
	Snapshots *segmentation.SnapshotStore
	Engine    *segmentation.Engine
	Archive   *storage.Storage
	Publisher notify.Publisher

	closers []io.Closer
}

// SetupLogging applies the logging section. The returned closer is nil when
// logs go to stderr.
func SetupLogging(cfg config.LoggingConfig) io.Closer {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	if cfg.RedactPII != nil {
		logger.SetRedactPII(*cfg.RedactPII)
	}
	if cfg.File == "" {
		return nil
	}
	return logger.UseFile(logger.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   true,
	})
}

// OpenDB connects to Postgres and verifies the connection.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OpenRedis connects to Redis. It returns nil when Redis is not configured
// or unreachable, in which case leases fall back to PG advisory locks.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.URL == "" {
		log.Println("Redis not configured, using PG advisory locks for segment leases")
		return nil
	}
	var client *redis.Client
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		client = redis.NewClient(&redis.Options{Addr: cfg.URL})
	} else {
		client = redis.NewClient(opts)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v, falling back to PG advisory locks", err)
		client.Close()
		return nil
	}
	log.Println("Redis connected (distributed segment leases enabled)")
	return client
}

// New opens the connections and wires the engine.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := OpenDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db}
	a.closers = append(a.closers, db)

	a.Redis = OpenRedis(ctx, cfg.Redis)
	if a.Redis != nil {
		a.closers = append(a.closers, a.Redis)
	}
	if cfg.Notify.Backend == "redis" && a.Redis == nil {
		a.Close()
		return nil, fmt.Errorf("notify backend redis needs a reachable redis")
	}

	a.Archive, err = storage.New(ctx, cfg.Archive)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Segments = segmentation.NewStore(db)
	a.Snapshots = segmentation.NewSnapshotStore(db, cfg.Scheduler.BatchSize)
	a.Publisher = a.newPublisher()

	pipeline, err := a.newPipeline(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	directory := postgres.NewDirectoryRepo(db)

	a.Engine = segmentation.NewEngine(
		a.Segments,
		segmentation.NewCompiler(db),
		segmentation.NewLedger(db, a.Snapshots),
		pipeline,
		notify.NewEmitter(a.Publisher, directory, cfg.Actions.EventConcurrency),
		segmentation.EngineConfig{
			PhaseTimeout: cfg.Scheduler.PhaseTimeout(),
			Lease:        cfg.Scheduler.Lease(),
		},
	)
	a.Engine.WithLeases(func(segmentID int64) segmentation.Lease {
		return distlock.NewLease(a.Redis, db, distlock.SegmentKey(segmentID), cfg.Scheduler.Lease())
	})
	if a.Archive != nil {
		a.Engine.WithArchiver(a.Archive)
		log.Println("Run report archive enabled")
	}
	return a, nil
}

func (a *App) newPublisher() notify.Publisher {
	if a.Config.Notify.Backend == "redis" {
		return notify.NewRedisPublisher(a.Redis, a.Config.Notify.Channel)
	}
	return notify.NewPGPublisher(a.DB, a.Config.Notify.Channel)
}

func (a *App) newPipeline(ctx context.Context) (*actions.Pipeline, error) {
	cfg := a.Config
	dispatchers := make(map[actions.Channel]actions.Dispatcher)
	if cfg.Actions.BotURL != "" {
		dispatchers[actions.ChannelBot] = actions.NewBotDispatcher(cfg.Actions.BotURL, cfg.Actions.BotToken, nil, cfg.Actions.WebhookRetries)
	}
	if cfg.SES.Enabled() {
		ses, err := actions.NewSESDispatcher(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.FromEmail)
		if err != nil {
			return nil, fmt.Errorf("init SES dispatcher: %w", err)
		}
		dispatchers[actions.ChannelEmail] = ses
	}

	return actions.NewPipeline(actions.Deps{
		Directory:   postgres.NewDirectoryRepo(a.DB),
		Tagger:      postgres.NewTagRepo(a.DB),
		Loyalty:     postgres.NewLoyaltyRepo(a.DB),
		Dispatchers: dispatchers,
		Webhooks: actions.NewHTTPWebhookSender(nil, actions.WebhookOptions{
			Timeout:       cfg.Actions.WebhookTimeout(),
			Retries:       cfg.Actions.WebhookRetries,
			RatePerSecond: cfg.Actions.WebhookRatePerSecond,
			Burst:         cfg.Actions.WebhookBurst,
		}),
	}), nil
}

// HubSource returns the live channel reader matching the publisher.
func (a *App) HubSource() notify.Source {
	if a.Config.Notify.Backend == "redis" {
		return notify.NewRedisSource(a.Redis, a.Config.Notify.Channel)
	}
	return notify.NewPGSource(a.Config.Database.URL, a.Config.Notify.Channel)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
	a.closers = nil
}
