package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/tenantgw/internal/api/middleware"
	"github.com/flowpbx/tenantgw/internal/call"
	"github.com/flowpbx/tenantgw/internal/routing"
	"github.com/flowpbx/tenantgw/internal/rtpengine"
	"github.com/flowpbx/tenantgw/internal/sip"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// defaultTokenTTL is used when Config.TokenTTL is zero.
const defaultTokenTTL = 12 * time.Hour

// Directory is the tenant routing model as seen by the admin API.
type Directory interface {
	Tenants() []*routing.Tenant
	ReloadAll(ctx context.Context) error
	Reload(ctx context.Context, id int64) error
	StartProbing()
	StopProbing()
	Probing() bool
}

// SourceList is the ingress source registry.
type SourceList interface {
	List() []*routing.Source
	Reload(ctx context.Context) error
}

// EnginePool is the media engine pool.
type EnginePool interface {
	Engines() []*rtpengine.Engine
	Reload(ctx context.Context) error
}

// SessionControl lists and terminates live call sessions.
type SessionControl interface {
	Sessions() []*call.Session
	Count() int
	Hangup(callID string) error
}

// Config wires the admin API to the running gateway.
type Config struct {
	Directory Directory
	Sources   SourceList
	Engines   EnginePool
	Sessions  SessionControl
	Tracer    *sip.MessageTracer
	Guard     *sip.ScanGuard

	// Metrics, when set, is served unauthenticated at /metrics.
	Metrics http.Handler

	// AdminPasswordHash is the argon2id hash checked by the token
	// endpoint. Token issuance is disabled when it is empty.
	AdminPasswordHash string
	JWTSecret         []byte
	TokenTTL          time.Duration

	Logger *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    Config
	logger *slog.Logger

	limiter      *middleware.IPRateLimiter
	tokenLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg Config) *Server {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	logger := cfg.Logger.With("subsystem", "api")
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		logger:       logger,
		limiter:      middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig(), logger),
		tokenLimiter: middleware.NewIPRateLimiter(middleware.TokenRateLimitConfig(), logger),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run evicts idle rate limiter state until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.tokenLimiter.Run(ctx)
	s.limiter.Run(ctx)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RateLimit(s.limiter))

	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.tokenLimiter)).Post("/auth/token", s.handleToken)

		// Protected admin routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireBearer(s.cfg.JWTSecret, s.logger))

			r.Route("/tenants", func(r chi.Router) {
				r.Get("/", s.handleListTenants)
				r.Post("/reload", s.handleReloadTenants)
				r.Post("/{id}/reload", s.handleReloadTenant)
			})

			r.Route("/sources", func(r chi.Router) {
				r.Get("/", s.handleListSources)
				r.Post("/reload", s.handleReloadSources)
			})

			r.Route("/engines", func(r chi.Router) {
				r.Get("/", s.handleListEngines)
				r.Post("/reload", s.handleReloadEngines)
			})

			r.Route("/probing", func(r chi.Router) {
				r.Get("/", s.handleProbingStatus)
				r.Post("/start", s.handleStartProbing)
				r.Post("/stop", s.handleStopProbing)
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Delete("/{callID}", s.handleHangup)
			})

			r.Route("/sip", func(r chi.Router) {
				r.Get("/trace", s.handleGetTrace)
				r.Put("/trace", s.handleSetTrace)
				r.Get("/blocked", s.handleListBlocked)
				r.Delete("/blocked/{ip}", s.handleUnblock)
			})
		})
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.cfg.Sessions.Count(),
	})
}
