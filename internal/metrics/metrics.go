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
			Name: "playwarden_sessions_started_total",
			Help: "Total sessions opened",
		},
		[]string{"user"},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_sessions_closed_total",
			Help: "Total sessions closed",
		},
		[]string{"user", "reason"},
	)

	OpenSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playwarden_open_sessions",
			Help: "Number of currently open sessions",
		},
	)

	UsageMinutesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_usage_minutes_consumed_total",
			Help: "Total usage minutes recorded from closed sessions",
		},
		[]string{"user"},
	)

	// Enforcement metrics
	WarningsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_warnings_sent_total",
			Help: "Total quota warnings sent",
		},
		[]string{"user"},
	)

	ShutdownsEnforced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_shutdowns_enforced_total",
			Help: "Total shutdown commands enforced",
		},
		[]string{"user", "reason"},
	)

	DispatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_dispatch_failures_total",
			Help: "Command dispatch attempts that failed",
		},
		[]string{"command"},
	)

	// Event metrics
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_events_received_total",
			Help: "Device-state events received from the bus",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playwarden_events_dropped_total",
			Help: "Device-state events dropped because the ingest queue was full",
		},
	)

	// Storage metrics
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playwarden_store_errors_total",
			Help: "Storage operations that failed",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsClosed,
		OpenSessions,
		UsageMinutesConsumed,
		WarningsSent,
		ShutdownsEnforced,
		DispatchFailures,
		EventsReceived,
		EventsDropped,
		StoreErrors,
	)
}

// Server is the metrics HTTP server.
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server.
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

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server.
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

// Stop stops the metrics server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
