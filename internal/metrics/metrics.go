package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterd_sessions_started_total",
			Help: "Total metered sessions started",
		},
		[]string{"kind"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterd_sessions_ended_total",
			Help: "Total metered sessions ended",
		},
		[]string{"reason"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterd_active_sessions",
			Help: "Number of sessions currently ticking",
		},
	)

	// Billing metrics
	CreditsDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterd_credits_debited_total",
			Help: "Total credits debited from wallets",
		},
	)

	DebitRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterd_debit_retries_total",
			Help: "Total minute-debit attempts retried after a ledger error",
		},
	)

	// Push channel metrics
	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterd_push_events_total",
			Help: "Push events by delivery result",
		},
		[]string{"result"},
	)

	PushSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meterd_push_subscribers",
			Help: "Number of connected push subscribers",
		},
	)

	// Lock metrics
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterd_lock_acquisitions_total",
			Help: "Session lock acquisition attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsStarted,
		SessionsEnded,
		ActiveSessions,
		CreditsDebited,
		DebitRetries,
		PushEvents,
		PushSubscribers,
		LockAcquisitions,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
