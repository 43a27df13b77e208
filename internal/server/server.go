// Package server hosts the HTTP surface: the approval callback, health and metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/config"
	"github.com/jcttech/claude-session-manager/internal/common/httpmw"
	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

const serverName = "session-manager"

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouteRegistrar mounts handlers on the router.
type RouteRegistrar interface {
	RegisterHTTPRoutes(router gin.IRouter)
}

// Params are the collaborators of a Server. Metrics and DB may be nil.
type Params struct {
	Config  config.ServerConfig
	DB      Pinger
	Metrics http.Handler
	Routes  []RouteRegistrar
	Debug   bool
}

// Server wraps the gin router and its http.Server.
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

func New(p Params, log *logger.Logger) *Server {
	if !p.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RateLimit(p.Config.RateLimitRPS, p.Config.RateLimitBurst))
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName, "/health", "/metrics"))

	router.GET("/health", healthHandler(p.DB))
	if p.Metrics != nil {
		router.GET("/metrics", gin.WrapH(p.Metrics))
	}
	for _, r := range p.Routes {
		r.RegisterHTTPRoutes(router)
	}

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              p.Config.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "http-server")),
	}
}

func healthHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run listens until ctx is done, then shuts down within timeout.
func (s *Server) Run(ctx context.Context, timeout time.Duration) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, timeout)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
