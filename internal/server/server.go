package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/Mirai3103/playground-runner/internal/config"
	"github.com/Mirai3103/playground-runner/internal/core"
	"github.com/Mirai3103/playground-runner/internal/limiter"
	"github.com/Mirai3103/playground-runner/internal/session"
)

// VersionSource reports the compiler's version line.
type VersionSource interface {
	CompilerVersion(ctx context.Context) (string, error)
}

// Deps are the components the HTTP layer serves.
type Deps struct {
	Runner   *core.Runner
	Sessions *session.Manager
	Compiler VersionSource
}

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	deps        Deps
	rateLimiter *limiter.RateLimiter
	upgrader    websocket.Upgrader
	stop        chan struct{}

	versionOnce sync.Once
	version     string
	versionErr  error
}

func New(conf *config.Config, logger *zerolog.Logger, deps Deps) *Server {
	l := logger.With().Str("component", "server").Logger()
	trusted, err := limiter.ParseProxies(conf.Server.TrustedProxies)
	if err != nil {
		l.Warn().Err(err).Msg("ignoring trusted proxies")
		trusted = nil
	}
	s := &Server{
		conf:        conf,
		logger:      &l,
		deps:        deps,
		rateLimiter: limiter.NewRateLimiter(conf.Server.RateLimitPerMinute, conf.Server.RateLimitBurst, trusted...),
		stop:        make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/execute", s.rateLimiter.Middleware(s.handleExecute))
	mux.HandleFunc("GET /api/runtimes", s.handleRuntimes)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ws/terminal", s.rateLimiter.Middleware(s.handleTerminal))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         conf.Server.Addr(),
		Handler:      s.middleware(mux),
		ReadTimeout:  time.Duration(conf.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeoutSec) * time.Second,
	}
	return s
}

// Handler is the full middleware-wrapped router.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedOrigins:   s.conf.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}
	if s.conf.Server.Production {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(string) bool { return true }
	}
	return opts
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.conf.Server.Production {
		return true
	}
	for _, allowed := range s.conf.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start serves until Stop. Every request context, websocket sessions
// included, derives from ctx, so cancelling it stops their jobs.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Bool("production", s.conf.Server.Production).
		Msg("starting HTTP server")

	s.rateLimiter.StartCleanup(5*time.Minute, 10*time.Minute, s.stop)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	close(s.stop)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
