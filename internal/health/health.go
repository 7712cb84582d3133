package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Pinger 可探测的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status 健康状态，未配置的依赖不出现
type Status struct {
	NATS     string `json:"nats,omitempty"`
	Redis    string `json:"redis,omitempty"`
	Database string `json:"database,omitempty"`
	Store    string `json:"store"`
	Index    string `json:"index"`
}

// Healthy 所有已配置依赖均可用
func (s *Status) Healthy() bool {
	for _, v := range []string{s.NATS, s.Redis, s.Database, s.Store, s.Index} {
		if v == StatusDisconnected {
			return false
		}
	}
	return true
}

// Checker 健康检查器
type Checker struct {
	nc          *nats.Conn
	redisClient *redis.Client
	db          *pgxpool.Pool
	store       Pinger
	index       Pinger
	timeout     time.Duration
}

// NewChecker 创建健康检查器，nc/redisClient/db 为 nil 表示未启用
func NewChecker(nc *nats.Conn, redisClient *redis.Client, db *pgxpool.Pool, store, index Pinger) *Checker {
	return &Checker{
		nc:          nc,
		redisClient: redisClient,
		db:          db,
		store:       store,
		index:       index,
		timeout:     2 * time.Second,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{}

	// 检查 NATS
	if h.nc != nil {
		status.NATS = connected(h.nc.IsConnected())
	}

	// 检查 Redis
	if h.redisClient != nil {
		status.Redis = h.probe(ctx, func(ctx context.Context) error {
			return h.redisClient.Ping(ctx).Err()
		})
	}

	// 检查 PostgreSQL
	if h.db != nil {
		status.Database = h.probe(ctx, h.db.Ping)
	}

	status.Store = h.probe(ctx, h.store.Ping)
	status.Index = h.probe(ctx, h.index.Ping)
	return status
}

func (h *Checker) probe(ctx context.Context, ping func(context.Context) error) string {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return connected(ping(probeCtx) == nil)
}

func connected(ok bool) string {
	if ok {
		return StatusConnected
	}
	return StatusDisconnected
}

// IsHealthy 检查是否健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).Healthy()
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Mux 健康检查路由：/health /ready /metrics
func Mux(checker *Checker, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if checker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Not Ready"))
		}
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}
