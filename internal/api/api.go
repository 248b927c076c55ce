// Package api is the HTTP surface spec.md §6 describes as an external
// collaborator: JSON over HTTP, order submission/cancellation/reads, user
// creation/balance reads, and per-user order history. Grounded on
// abdoElHodaky-tradSys/internal/decisionsupport's handler shape (a struct
// holding its collaborators and a logger, RegisterRoutes wiring a
// gorilla/mux router, one handleX method per route) generalized from a
// single service to this core's several collaborators.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/briansong/zkhex/internal/blockstore"
	"github.com/briansong/zkhex/internal/matchedlog"
	"github.com/briansong/zkhex/internal/matching"
	"github.com/briansong/zkhex/internal/mempool"
	"github.com/briansong/zkhex/internal/userstore"
)

// SubmitTimeout bounds how long a POST /api/orders request waits for room
// on the matching engine's ingress channel before reporting capacity
// exhaustion to the caller.
const SubmitTimeout = 2 * time.Second

// Server holds every collaborator the HTTP surface reads from or writes
// to, plus the cross-cutting concerns (validation, caching, rate limiting)
// spec.md §6's handlers need.
type Server struct {
	pool     *mempool.Mempool
	log      *matchedlog.Buffer
	engine   *matching.Engine
	users    userstore.Store
	blocks   blockstore.Store
	logger   *zap.SugaredLogger
	validate *validator.Validate
	cache    *cache.Cache
	limiter  *addressLimiter
}

// Config bundles the HTTP-layer-only knobs NewServer needs.
type Config struct {
	RateLimitRPS      float64
	RateLimitBurst    int
	OrderBookCacheTTL time.Duration
}

// NewServer wires a Server against the core pipeline's collaborators.
func NewServer(pool *mempool.Mempool, log *matchedlog.Buffer, engine *matching.Engine, users userstore.Store, blocks blockstore.Store, logger *zap.Logger, cfg Config) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pool:     pool,
		log:      log,
		engine:   engine,
		users:    users,
		blocks:   blocks,
		logger:   logger.Sugar(),
		validate: validator.New(),
		cache:    cache.New(cfg.OrderBookCacheTTL, 2*cfg.OrderBookCacheTTL),
		limiter:  newAddressLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// Router builds the mux.Router spec.md §6's endpoint table describes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	orders := r.PathPrefix("/api/orders").Subrouter()
	orders.Handle("", s.rateLimitMiddleware(http.HandlerFunc(s.handleCreateOrder))).Methods("POST")
	orders.HandleFunc("", s.handleListOrders).Methods("GET")
	orders.HandleFunc("/{id}", s.handleGetOrder).Methods("GET")
	orders.HandleFunc("/{id}", s.handleCancelOrder).Methods("DELETE")

	users := r.PathPrefix("/api/users").Subrouter()
	users.HandleFunc("", s.handleCreateUser).Methods("POST")
	users.HandleFunc("/{address}", s.handleGetUser).Methods("GET")
	users.HandleFunc("/{address}/balance", s.handleAdjustBalance).Methods("PUT")
	users.HandleFunc("/{address}/orders", s.handleGetUserOrders).Methods("GET")

	r.HandleFunc("/api/blocks/latest", s.handleGetLatestBlocks).Methods("GET")

	return r
}

func (s *Server) submitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), SubmitTimeout)
}
