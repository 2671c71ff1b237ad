// Package server wires the SafeTrade services into an HTTP server and owns
// the lifecycle of the background loops.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/safetrade/internal/autorelease"
	"github.com/mbd888/safetrade/internal/config"
	"github.com/mbd888/safetrade/internal/docstore"
	"github.com/mbd888/safetrade/internal/escrow"
	"github.com/mbd888/safetrade/internal/fulfillment"
	"github.com/mbd888/safetrade/internal/health"
	"github.com/mbd888/safetrade/internal/identity"
	"github.com/mbd888/safetrade/internal/idgen"
	"github.com/mbd888/safetrade/internal/ledger"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/metrics"
	"github.com/mbd888/safetrade/internal/notify"
	"github.com/mbd888/safetrade/internal/ratelimit"
	"github.com/mbd888/safetrade/internal/reconciliation"
	"github.com/mbd888/safetrade/internal/resolution"
	"github.com/mbd888/safetrade/internal/settlement"
	"github.com/mbd888/safetrade/internal/traces"
	"github.com/mbd888/safetrade/internal/wallet"
)

const (
	version             = "0.1.0"
	storeBaseDelay      = 10 * time.Millisecond
	defaultDrainDelay   = 5 * time.Second
	shutdownGracePeriod = 30 * time.Second
)

// Store is the document store the services share.
type Store interface {
	docstore.UnitOfWork
	Ping(ctx context.Context) error
}

// Server owns the SafeTrade services, the HTTP router and the background
// loops.
type Server struct {
	cfg      *config.Config
	store    Store
	resolver identity.Resolver

	engine      *settlement.Engine
	coordinator *fulfillment.Coordinator
	disputes    *resolution.Service
	wallets     *wallet.Service
	recon       *reconciliation.Service

	emitter    *notify.Emitter
	extraSinks map[string]notify.Sink
	scheduler  *autorelease.Scheduler
	reconTimer *reconciliation.Timer
	limiter    *ratelimit.Limiter
	health     *health.Registry

	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger
	drainDelay time.Duration

	// stopLoops cancels the context the background loops run under.
	stopLoops context.CancelFunc
	closers   []closer
	stopOnce  sync.Once
	stopErr   error

	ready atomic.Bool
}

// closer releases one resource during Shutdown. Closers run in reverse
// order of registration.
type closer struct {
	name string
	fn   func(context.Context) error
}

func (s *Server) onClose(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a document store instead of opening one from config.
func WithStore(st Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithResolver replaces the JWT resolver.
func WithResolver(r identity.Resolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// WithSink adds a notification sink next to the configured ones.
func WithSink(name string, sink notify.Sink) Option {
	return func(s *Server) {
		if s.extraSinks == nil {
			s.extraSinks = make(map[string]notify.Sink)
		}
		s.extraSinks[name] = sink
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New builds the services from cfg. It opens the store and any configured
// Kafka and Redis clients, which Shutdown closes.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Env, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.onClose("tracing", shutdownTracing)

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	s.health.Register("store", health.PingCheck("store", s.store))

	if s.resolver == nil {
		secret := cfg.JWTSecret
		if secret == "" {
			secret = idgen.New() + idgen.New()
			s.logger.Warn("JWT_SECRET not set, using an ephemeral signing secret")
		}
		s.resolver = identity.NewJWTResolver(secret)
	}

	if err := s.setupNotify(); err != nil {
		return nil, err
	}

	book := ledger.NewBook()
	escrows := escrow.NewManager()
	s.engine = settlement.NewEngine(s.store, book, escrows, s.emitter, s.logger)
	s.coordinator, err = fulfillment.NewCoordinator(s.store, book, escrows, s.engine, s.emitter, s.logger, cfg.PlatformFeePercent)
	if err != nil {
		return nil, fmt.Errorf("failed to create order coordinator: %w", err)
	}
	s.disputes = resolution.NewService(s.store, s.engine, s.emitter, s.logger)
	s.wallets = wallet.NewService(s.store, book, s.emitter, s.logger)
	s.recon = reconciliation.NewService(s.store, s.logger)
	if cfg.ReconciliationInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.recon, cfg.ReconciliationInterval, s.logger)
	}

	if err := s.setupScheduler(); err != nil {
		return nil, err
	}

	if cfg.RateLimitPerMinute > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			BurstSize:         cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// openStore uses Postgres when DATABASE_URL is set, otherwise memory.
func (s *Server) openStore(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	opts := docstore.Options{MaxAttempts: s.cfg.StoreMaxRetries, BaseDelay: storeBaseDelay}

	if s.cfg.DatabaseURL == "" {
		s.store = docstore.NewMemoryStore(opts)
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("database pool metrics unavailable", "error", err)
	}
	s.onClose("database", func(context.Context) error { return db.Close() })
	s.store = docstore.NewPostgresStore(db, opts)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) setupNotify() error {
	sinks := map[string]notify.Sink{"log": notify.LogSink{Logger: s.logger}}
	if len(s.cfg.KafkaBrokers) > 0 {
		k, err := notify.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.onClose("kafka", func(context.Context) error { return k.Close() })
		sinks["kafka"] = k
		s.logger.Info("kafka notifications enabled", "brokers", len(s.cfg.KafkaBrokers), "topic", s.cfg.KafkaTopic)
	}
	for name, sink := range s.extraSinks {
		sinks[name] = sink
	}
	s.emitter = notify.NewEmitter(s.logger, s.cfg.NotifyBuffer, sinks)
	return nil
}

func (s *Server) setupScheduler() error {
	var lease autorelease.Lease = autorelease.NoopLease{}
	if s.cfg.RedisURL != "" {
		client, err := autorelease.Connect(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.onClose("redis", func(context.Context) error { return client.Close() })
		lease = autorelease.NewRedisLease(client)
		s.health.RegisterOptional("redis", func(ctx context.Context) health.Status {
			if err := client.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("auto-release lease backed by redis")
	}

	sched, err := autorelease.NewScheduler(s.store, s.engine, lease, s.logger, autorelease.Config{
		Schedule:    s.cfg.AutoReleaseSchedule,
		Threshold:   s.cfg.AutoReleaseAfter(),
		Concurrency: s.cfg.AutoReleaseConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create auto-release scheduler: %w", err)
	}
	s.scheduler = sched
	s.health.RegisterOptional("autorelease", health.FlagCheck("autorelease", sched.Running))
	return nil
}

// maskDSN hides the password in a connection string.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
