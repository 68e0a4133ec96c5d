package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server wraps the API, the live hub and the middleware chain in an http.Server.
type Server struct {
	server *http.Server
	config ServerConfig
	hub    *LiveHub
	logger *zap.Logger
}

type ServerConfig struct {
	Port           int
	Timeout        time.Duration
	AllowedOrigins []string
	MaxUploadBytes int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           8080,
		Timeout:        30 * time.Second,
		AllowedOrigins: []string{"*"},
		MaxUploadBytes: 10 << 20,
	}
}

// NewHandler builds the routed, middleware-wrapped handler without a listener.
func NewHandler(config ServerConfig, api *API, hub *LiveHub) http.Handler {
	logger := api.logger()

	mux := http.NewServeMux()
	api.RegisterHandlers(mux)
	if hub != nil {
		mux.HandleFunc("GET /api/ws/predict", hub.HandleWebSocket)
	}

	chain := Chain(
		RecoveryMiddleware(logger),
		LoggerMiddleware(logger),
		SecurityHeadersMiddleware,
		CORSMiddleware(config.AllowedOrigins),
		RequestSizeMiddleware(config.MaxUploadBytes),
	)
	return chain(mux)
}

func NewServer(config ServerConfig, api *API) *Server {
	hub := NewLiveHub(api, config.AllowedOrigins)

	return &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", config.Port),
			Handler:      NewHandler(config, api, hub),
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
			IdleTimeout:  120 * time.Second,
		},
		config: config,
		hub:    hub,
		logger: api.logger(),
	}
}

// Hub returns the live prediction hub, for broadcasting model status.
func (s *Server) Hub() *LiveHub {
	return s.hub
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("starting HTTP server",
		zap.String("addr", s.server.Addr),
		zap.String("websocket", "/api/ws/predict"),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests for up to five seconds.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	s.hub.Stop()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
