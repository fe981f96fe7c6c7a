package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Sampling metrics
	ClassificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_classifications_total",
			Help: "Classification cycles by outcome",
		},
		[]string{"outcome", "age_group"},
	)

	ClassifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kguard_classify_duration_seconds",
			Help:    "Capture plus inference latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	CaptureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kguard_capture_failures_total",
			Help: "Failed frame captures",
		},
	)

	CyclePanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_cycle_panics_total",
			Help: "Panics recovered at a cycle boundary",
		},
		[]string{"cycle"},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_sessions_started_total",
			Help: "Sessions started",
		},
		[]string{"age_group"},
	)

	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_sessions_ended_total",
			Help: "Sessions ended",
		},
		[]string{"age_group", "reason"},
	)

	ActiveSessionElapsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kguard_active_session_elapsed_minutes",
			Help: "Elapsed minutes of the active session, 0 when none",
		},
	)

	UsageMinutesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_usage_minutes_consumed_total",
			Help: "Total session minutes recorded at session end",
		},
		[]string{"age_group"},
	)

	// Policy metrics
	LockSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_lock_signals_total",
			Help: "Lock-required signals raised",
		},
		[]string{"age_group", "reason"},
	)

	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kguard_storage_errors_total",
			Help: "History store write failures",
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		ClassificationsTotal,
		ClassifyDuration,
		CaptureFailures,
		CyclePanics,
		SessionsStarted,
		SessionsEnded,
		ActiveSessionElapsed,
		UsageMinutesConsumed,
		LockSignals,
		StorageErrors,
	)
}

// Server is the metrics HTTP server
type Server struct {
	mux      *http.ServeMux
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // set for systemd socket activation
}

// NewServer creates a metrics server. healthy reports whether monitoring is
// running; /health answers 503 while it returns false.
func NewServer(addr string, healthy func() bool, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT RUNNING"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		mux:    mux,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handle registers an extra endpoint. Call it before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
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
