package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jsoncodec "github.com/drblury/amqp2nats/internal/runtime/jsoncodec"
	"github.com/drblury/amqp2nats/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/amqp2nats/internal/runtime/logging"
)

// LinkState is implemented by *lifecycle.Tracker.
type LinkState interface {
	Link() string
	State() lifecycle.State
	Cancelled() bool
	LostAt() (time.Time, bool)
}

// RunState is implemented by *Supervisor.
type RunState interface {
	Running() bool
}

// StatusDependencies holds what the status server reports on. Nil fields
// are left out of the responses.
type StatusDependencies struct {
	Links    []LinkState
	Runner   RunState
	Metrics  *RelayMetrics
	Gatherer prometheus.Gatherer
}

// LinkReport is the /status view of one link.
type LinkReport struct {
	Link      string     `json:"link"`
	State     string     `json:"state"`
	Cancelled bool       `json:"cancelled,omitempty"`
	LostAt    *time.Time `json:"lost_at,omitempty"`
}

// StatusReport is the /status response body.
type StatusReport struct {
	Healthy bool                  `json:"healthy"`
	Running bool                  `json:"running"`
	Links   []LinkReport          `json:"links"`
	Metrics *RelayMetricsSnapshot `json:"metrics,omitempty"`
}

// StatusServer serves /healthz, /status and /metrics.
type StatusServer struct {
	deps   StatusDependencies
	logger loggingpkg.ServiceLogger
	mux    *http.ServeMux

	mu     sync.Mutex
	server *http.Server
}

// NewStatusServer builds the handlers; Start binds the port.
func NewStatusServer(deps StatusDependencies, logger loggingpkg.ServiceLogger) *StatusServer {
	s := &StatusServer{
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status", s.handleStatus)
	if deps.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *StatusServer) Handler() http.Handler {
	return s.mux
}

// Start listens on port and serves in the background. Listen errors are
// returned; serve errors after that are logged.
func (s *StatusServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return nil
}

// Shutdown stops the server if it was started.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Report assembles the current status.
func (s *StatusServer) Report() StatusReport {
	report := StatusReport{
		Running: s.deps.Runner == nil || s.deps.Runner.Running(),
		Links:   make([]LinkReport, 0, len(s.deps.Links)),
	}
	healthy := report.Running
	for _, l := range s.deps.Links {
		lr := LinkReport{
			Link:      l.Link(),
			State:     l.State().String(),
			Cancelled: l.Cancelled(),
		}
		if at, ok := l.LostAt(); ok {
			lr.LostAt = &at
		}
		if l.State() != lifecycle.Up {
			healthy = false
		}
		report.Links = append(report.Links, lr)
	}
	report.Healthy = healthy
	if s.deps.Metrics != nil {
		snap := s.deps.Metrics.Snapshot()
		report.Metrics = &snap
	}
	return report
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.Report()
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if !report.Healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unavailable"
	}
	if err := jsoncodec.WriteJSON(w, status, body); err != nil {
		s.logger.Error("Failed to encode health response", err, nil)
	}
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := jsoncodec.WriteJSON(w, http.StatusOK, s.Report()); err != nil {
		s.logger.Error("Failed to encode status response", err, nil)
	}
}
