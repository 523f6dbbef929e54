// Package api exposes the broker over HTTP and WebSocket: account and
// session endpoints, snapshot ingestion, the copy marketplace, and the two
// per-user socket channels.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"copyarena/internal/auth"
	"copyarena/internal/config"
	"copyarena/internal/store"
)

// Server runs the HTTP/WebSocket surface.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.ServerConfig, st *store.Store, authSvc *auth.Service, ing Ingestor, h SessionHub, logger *slog.Logger) *Server {
	handlers := NewHandlers(st, authSvc, ing, h, cfg.AllowedOrigins, logger)

	r := mux.NewRouter()
	r.Use(requestLogger(logger.With("component", "http")))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/register", handlers.throttleCredentials(handlers.HandleRegister)).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", handlers.throttleCredentials(handlers.HandleLogin)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", handlers.requireSession(handlers.HandleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/auth/session", handlers.HandleSessionGone).Methods(http.MethodGet, http.MethodPost)

	api.HandleFunc("/ea/data", handlers.HandleEAData).Methods(http.MethodPost)

	api.HandleFunc("/trades", handlers.requireSession(handlers.HandleTrades)).Methods(http.MethodGet)
	api.HandleFunc("/copytrades", handlers.requireSession(handlers.HandleCopyTrades)).Methods(http.MethodGet)
	api.HandleFunc("/account/stats", handlers.requireSession(handlers.HandleAccountStats)).Methods(http.MethodGet)

	api.HandleFunc("/user/profile", handlers.requireSession(handlers.HandleProfile)).Methods(http.MethodGet)
	api.HandleFunc("/user/regenerate-api-key", handlers.requireSession(handlers.HandleRegenerateKey)).Methods(http.MethodPost)
	api.HandleFunc("/user/master-trader", handlers.requireSession(handlers.HandleMasterTrader)).Methods(http.MethodPost)

	api.HandleFunc("/marketplace/traders", handlers.HandleMarketplace).Methods(http.MethodGet)
	api.HandleFunc("/follow/{master_id:[0-9]+}", handlers.requireSession(handlers.HandleFollow)).Methods(http.MethodPost)
	api.HandleFunc("/unfollow/{master_id:[0-9]+}", handlers.requireSession(handlers.HandleUnfollow)).Methods(http.MethodDelete)

	api.HandleFunc("/health", handlers.HandleHealth).Methods(http.MethodGet)

	r.HandleFunc("/ws/client/{user_id:[0-9]+}", handlers.HandleClientSocket)
	r.HandleFunc("/ws/user/{user_id:[0-9]+}", handlers.HandleUserSocket)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      c.Handler(r),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping api server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the composed router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
