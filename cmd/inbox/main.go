package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"sudooom.im.inbox/internal/api"
	"sudooom.im.inbox/internal/config"
	"sudooom.im.inbox/internal/health"
	"sudooom.im.inbox/internal/identity"
	"sudooom.im.inbox/internal/index"
	"sudooom.im.inbox/internal/metrics"
	imNats "sudooom.im.inbox/internal/nats"
	"sudooom.im.inbox/internal/notifier"
	"sudooom.im.inbox/internal/pairlock"
	"sudooom.im.inbox/internal/service"
	"sudooom.im.inbox/internal/snowflake"
	"sudooom.im.inbox/internal/store"
	"sudooom.im.inbox/internal/task"
)

func main() {
	// 加载 .env（可选）
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Warn("Failed to load .env", "error", err)
	}

	// 加载配置
	cfgPath := config.GetEnv("INBOX_CONFIG", "configs/config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Warn("Config file not loaded, using defaults", "path", cfgPath, "error", err)
		cfg = config.Default()
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.JWT.SecretKey == "" {
		logger.Error("JWT secret is empty, set jwt.secret_key or JWT_SECRET")
		os.Exit(1)
	}

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 连接数据库（消息存储或用户目录使用 PostgreSQL 时）
	var db *pgxpool.Pool
	if cfg.Storage.Driver == "postgres" || cfg.Identity.Directory == "postgres" {
		db, err = connectDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)
	}

	// 连接 Redis（索引缓存或序号使用 Redis 时）
	var redisClient *redis.Client
	if cfg.Index.Driver == "redis" || cfg.Notifier.Sequencer == "redis" {
		redisClient = connectRedis(cfg.Redis)
		defer redisClient.Close()
		logger.Info("Connected to Redis", "host", cfg.Redis.Host)
	}

	// 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// 消息存储
	msgStore, err := openStore(ctx, cfg.Storage, db)
	if err != nil {
		logger.Error("Failed to open message store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer msgStore.Close()

	// 会话索引
	var cache index.Cache = index.NewMemoryCache()
	if cfg.Index.Driver == "redis" {
		cache = index.NewRedisCache(redisClient)
	}
	locks := pairlock.New(cfg.Locks.Timeout)
	convIndex := index.New(cache, msgStore, locks, cfg.Index.PreviewRunes, m)

	// 定时任务调度（宽限期与空闲超时）
	scheduler := task.NewScheduler(cfg.Notifier.SchedulerWorker, task.DefaultInterval)
	if err := scheduler.Start(); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	// 实时通知
	var sequencer notifier.Sequencer = notifier.NewMemorySequencer()
	if cfg.Notifier.Sequencer == "redis" {
		sequencer = notifier.NewRedisSequencer(redisClient)
	}
	hub := notifier.NewHub(notifier.Config{
		RetentionEvents: cfg.Notifier.RetentionEvents,
		RetentionWindow: cfg.Notifier.RetentionWindow,
		QueueSize:       cfg.Notifier.QueueSize,
		GracePeriod:     cfg.Notifier.GracePeriod,
		IdleTimeout:     cfg.Notifier.IdleTimeout,
	}, sequencer, scheduler, m)

	node, err := snowflake.NewNode(cfg.Snowflake.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	// 初始化服务
	inbox := service.NewInboxService(service.Options{
		Store:      msgStore,
		Index:      convIndex,
		Locks:      locks,
		Hub:        hub,
		IDs:        node,
		Directory:  newDirectory(cfg.Identity, db),
		Authorizer: identity.NewStaticAuthorizer(cfg.Identity.AdminIDs),
		Metrics:    m,
		PageSize:   cfg.Storage.PageSize,
	})

	// 连接 NATS
	var natsClient *imNats.Client
	var subscriber *imNats.CommandSubscriber
	if cfg.NATS.Enabled {
		natsClient, err = imNats.NewClient(cfg.NATS)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)

		hub.SetSink(imNats.NewEventPublisher(natsClient.Conn(), cfg.NATS.DownstreamPrefix))

		subscriber = imNats.NewCommandSubscriber(natsClient.Conn(), inbox, imNats.SubscriberConfig{
			Subject:     cfg.NATS.UpstreamSubject,
			QueueGroup:  cfg.NATS.QueueGroup,
			WorkerCount: cfg.NATS.WorkerCount,
			BufferSize:  cfg.NATS.BufferSize,
		})
		if err := subscriber.Start(ctx); err != nil {
			logger.Error("Failed to start subscriber", "error", err)
			os.Exit(1)
		}
	}

	// 启动健康检查 HTTP 服务
	healthChecker := health.NewChecker(natsConn(natsClient), redisClient, db, msgStore, cache)
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: health.Mux(healthChecker, m.Handler()),
	}
	go serve(healthServer, "Health check server", logger)

	// 启动 API 服务
	tokens := identity.NewTokenService(cfg.JWT.SecretKey, cfg.JWT.AccessExpire, cfg.JWT.Issuer)
	var limiter *api.Limiter
	if cfg.RateLimit.Enabled {
		limiter = api.NewLimiter(cfg.RateLimit.SendsPerSecond, cfg.RateLimit.Burst)
	}
	router := api.SetupRouter(api.RouterConfig{
		Mode:    cfg.App.Mode,
		Tokens:  tokens,
		Limiter: limiter,

		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, api.NewInboxHandler(inbox, cfg.HTTP.PageSize, cfg.HTTP.AllowedOrigins...))
	apiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:     router,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}
	go serve(apiServer, "API server", logger)

	logger.Info("Inbox service started",
		"name", cfg.App.Name,
		"storage", cfg.Storage.Driver,
		"index", cfg.Index.Driver,
		"nats", cfg.NATS.Enabled)

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}
	if subscriber != nil {
		subscriber.Stop()
	}
	hub.Close()
	cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown failed", "error", err)
	}
	logger.Info("Inbox service stopped")
}

// serve 启动 HTTP 服务
func serve(server *http.Server, name string, logger *slog.Logger) {
	logger.Info(name+" started", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" failed", "error", err)
	}
}

// openStore 按驱动打开消息存储
func openStore(ctx context.Context, cfg config.StorageConfig, db *pgxpool.Pool) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s := store.NewPostgresStore(db)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "pebble":
		return store.OpenPebble(cfg.PebblePath)
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newDirectory 按配置创建用户目录
func newDirectory(cfg config.IdentityConfig, db *pgxpool.Pool) identity.Directory {
	if cfg.Directory == "postgres" {
		return identity.NewPostgresDirectory(db, cfg.UserTable)
	}
	users := make([]identity.Profile, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, identity.Profile{ID: u.ID, Name: u.Name, Avatar: u.Avatar})
	}
	return identity.NewMemoryDirectory(cfg.Directory != "memory", users...)
}

func natsConn(c *imNats.Client) *nats.Conn {
	if c == nil {
		return nil
	}
	return c.Conn()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// connectRedis 连接 Redis
func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// connectDatabase 连接 PostgreSQL
func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
