package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/amoylab/wshub/internal/auth"
	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/errorx"
	"github.com/amoylab/wshub/internal/hub"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Server is the HTTP surface of the hub: the websocket endpoint, the producer
// API and health checks. Metrics are served on a separate port.
type Server struct {
	hub      *hub.Hub
	verifier *auth.Verifier
	logger   *zap.Logger
	errors   *errorx.ErrorHandler
	upgrader websocket.Upgrader
	router   *gin.Engine

	httpServer    *http.Server
	metricsServer *http.Server
}

func NewServer(h *hub.Hub, verifier *auth.Verifier, logger *zap.Logger) *Server {
	cfg := h.Config()
	s := &Server{
		hub:      h,
		verifier: verifier,
		logger:   logger.Named("server"),
		errors:   errorx.NewErrorHandler(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// clients authenticate with a signed token, not cookies
				return true
			},
			HandshakeTimeout: cfg.ConnectionTimeout,
		},
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: s.router,
	}
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", otelhttp.NewHandler(h.Metrics().Handler(), "metrics"))
		s.metricsServer = &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
			Handler: mux,
		}
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.errors.RecoveryMiddleware())
	r.Use(otelgin.Middleware(cnst.AppName))
	r.Use(s.hub.Metrics().Middleware())
	r.Use(s.loggerMiddleware())
	r.Use(s.errors.ErrorMiddleware())
	r.NoRoute(s.errors.NotFound)

	r.GET("/healthz", s.handleHealth)
	r.GET("/readyz", s.handleReady)
	r.GET("/ws/:tenant", s.handleWebSocket)

	api := r.Group("/api/v1", s.authMiddleware())
	api.POST("/events", s.handlePublish)
	api.POST("/broadcasts", s.handleBroadcast)
	api.GET("/cluster/instances", s.handleInstances)
	api.GET("/rooms", s.handleRooms)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves the API and, when configured, the metrics endpoint.
// It returns once either listener fails or both are shut down.
func (s *Server) ListenAndServe() error {
	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()
	if s.metricsServer != nil {
		go func() {
			s.logger.Info("metrics server listening", zap.String("addr", s.metricsServer.Addr))
			errCh <- s.metricsServer.ListenAndServe()
		}()
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve http: %w", err)
}

// Shutdown stops the listeners and waits for in-flight API requests.
// Websocket connections are hijacked and are drained by the hub instead.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
