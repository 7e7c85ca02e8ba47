package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"whale-core/internal/events"
	"whale-core/internal/monitor"
	"whale-core/internal/order"
	"whale-core/internal/vault"
	"whale-core/pkg/db"
	"whale-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server wires HTTP endpoints around the monitor, the execution engine and
// the event bus.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	DB        *db.Database
	Monitor   *monitor.Monitor
	Executor  *order.Executor
	Async     *order.AsyncExecutor
	Vault     *vault.Vault
	Market    common.Reader
	Stats     StatsReader
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta

	log        *zap.Logger
	limits     *limiterSet
	chatLimits *limiterSet
	httpSrv    *http.Server
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	DryRun     bool
	Testnet    bool
	InstanceID string
	Version    string
}

// StatsReader serves exchange data outside the trading gateway: spot
// holdings and the public PnL leaderboard.
type StatsReader interface {
	GetSpotBalances(ctx context.Context, address string) ([]common.SpotBalance, error)
	GetLeaderboard(ctx context.Context, window string, top int) ([]common.Leader, error)
}

// Deps groups the collaborators of NewServer. Async, Stats and Metrics are
// optional.
type Deps struct {
	Bus       *events.Bus
	DB        *db.Database
	Monitor   *monitor.Monitor
	Executor  *order.Executor
	Async     *order.AsyncExecutor
	Vault     *vault.Vault
	Market    common.Reader
	Stats     StatsReader
	Metrics   *monitor.SystemMetrics
	JWTSecret string
	Meta      SystemMeta
}

func NewServer(deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")
	r := gin.New()

	s := &Server{
		Router:    r,
		Bus:       deps.Bus,
		DB:        deps.DB,
		Monitor:   deps.Monitor,
		Executor:  deps.Executor,
		Async:     deps.Async,
		Vault:     deps.Vault,
		Market:    deps.Market,
		Stats:     deps.Stats,
		Metrics:   deps.Metrics,
		JWTSecret: deps.JWTSecret,
		Meta:      deps.Meta,
		log:       log,
		limits:    newLimiterSet(20, 50),
	}
	s.chatLimits = newLimiterSet(10, 30)

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                     // Panic recovery (first)
	r.Use(RequestIDMiddleware())              // Request ID tracking
	r.Use(RequestLogger(log))                 // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limits, log)) // Rate limiting
	r.Use(CORSMiddleware())                   // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret), ChatRateLimitMiddleware(s.chatLimits, s.log))
		{
			protected.GET("/key", s.getKey)
			protected.PUT("/key", s.putKey)
			protected.DELETE("/key", s.deleteKey)

			protected.GET("/wallets", s.listWallets)
			protected.POST("/wallets", s.trackWallet)
			protected.GET("/wallets/status", s.walletStatuses)
			protected.DELETE("/wallets/:address", s.untrackWallet)
			protected.PUT("/wallets/:address/threshold", s.setThreshold)
			protected.PUT("/wallets/:address/order-threshold", s.setOrderThreshold)

			protected.POST("/orders", s.createOrder)
			protected.GET("/positions", s.getPositions)
			protected.GET("/balance", s.getBalance)
			protected.GET("/open-orders", s.getOpenOrders)
			protected.GET("/prices/:coin", s.getPrice)
			protected.GET("/leaderboard", s.getLeaderboard)
			protected.GET("/operations", s.getOperations)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"dry_run":     s.Meta.DryRun,
		"testnet":     s.Meta.Testnet,
		"instance_id": s.Meta.InstanceID,
		"version":     s.Meta.Version,
	})
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http api listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
