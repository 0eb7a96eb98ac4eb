package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/consulta/meterd/internal/meter"
	"github.com/consulta/meterd/internal/push"
	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// DefaultSnapshotCacheSize bounds the poll-path snapshot cache.
	DefaultSnapshotCacheSize = 4096

	// DefaultSnapshotCacheTTL keeps cached snapshots at most one tick stale.
	DefaultSnapshotCacheTTL = 1 * time.Second

	// DefaultHeartbeatInterval is the SSE keep-alive spacing.
	DefaultHeartbeatInterval = 15 * time.Second
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr        string
	SnapshotCacheSize int
	SnapshotCacheTTL  time.Duration
	HeartbeatInterval time.Duration
}

// Server is the session API server. The poll path is served from a short-TTL
// snapshot cache and never touches the session lock; the mutation paths go
// through the meter.
type Server struct {
	config      Config
	meter       *meter.Meter
	wallets     storage.WalletStore
	broadcaster *push.Broadcaster
	cache       *lru.LRU[string, session.Snapshot]
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, m *meter.Meter, wallets storage.WalletStore, broadcaster *push.Broadcaster, logger zerolog.Logger) *Server {
	if cfg.SnapshotCacheSize == 0 {
		cfg.SnapshotCacheSize = DefaultSnapshotCacheSize
	}
	if cfg.SnapshotCacheTTL == 0 {
		cfg.SnapshotCacheTTL = DefaultSnapshotCacheTTL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	router := mux.NewRouter()

	s := &Server{
		config:      cfg,
		meter:       m,
		wallets:     wallets,
		broadcaster: broadcaster,
		cache:       lru.NewLRU[string, session.Snapshot](cfg.SnapshotCacheSize, nil, cfg.SnapshotCacheTTL),
		router:      router,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the events route is a long-lived SSE stream.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Everything under /api/v1 requires a caller identity.
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(IdentityMiddleware())

	v1.HandleFunc("/sessions", s.handleActivePaid).Methods("GET")
	v1.HandleFunc("/sessions/{provider}/free", s.handleStartFree).Methods("POST")
	v1.HandleFunc("/sessions/{provider}/paid", s.handleStartPaid).Methods("POST")
	v1.HandleFunc("/sessions/{provider}", s.handleStop).Methods("DELETE")
	v1.HandleFunc("/sessions/{provider}", s.handleStatus).Methods("GET")

	v1.HandleFunc("/events", s.handleEvents).Methods("GET")

	v1.HandleFunc("/wallet", s.handleWallet).Methods("GET")
	v1.HandleFunc("/wallet/topup", s.handleTopUp).Methods("POST")
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

// Handler returns the route handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
