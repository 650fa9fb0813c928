// Package gateway exposes the POS-facing REST surface and orchestrates
// one terminal protocol session per transactional request.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poslink/terminal-bridge/internal/config"
	"github.com/poslink/terminal-bridge/internal/protocol"
	"github.com/poslink/terminal-bridge/internal/wire"
)

// sendFunc runs one protocol session. Swappable in tests.
type sendFunc func(ctx context.Context, addr string, env wire.Envelope, t protocol.Timeouts) protocol.Result

// Server is the POS integration agent's HTTP surface.
type Server struct {
	cfg     *config.Agent
	metrics *Metrics
	queue   *terminalQueue
	send    sendFunc

	started time.Time
}

// NewServer wires the gateway over the given runtime configuration.
func NewServer(cfg *config.Agent) *Server {
	return &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
		queue:   newTerminalQueue(),
		send:    protocol.SendCommand,
		started: time.Now(),
	}
}

// Router builds the REST routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/availability", s.handleAvailability).Methods("GET")
	r.HandleFunc("/ping", s.handlePing).Methods("GET")

	r.HandleFunc("/sale", s.handleSale(false)).Methods("POST")
	r.HandleFunc("/sale/lodging", s.handleSale(true)).Methods("POST")
	r.HandleFunc("/preauth", s.handlePreAuth).Methods("POST")
	r.HandleFunc("/auth-completion", s.handleAuthCompletion).Methods("POST")
	r.HandleFunc("/void", s.handleVoid).Methods("POST")
	r.HandleFunc("/refund", s.handleRefund).Methods("POST")
	r.HandleFunc("/tip-adjust", s.handleTipAdjust).Methods("POST")
	r.HandleFunc("/batch-close", s.handleBatchClose).Methods("POST")
	r.HandleFunc("/command", s.handleCommand).Methods("POST")
	r.HandleFunc("/config", s.handleConfig).Methods("POST")

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	r.Use(s.countRequests)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequests.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
// A bind failure is returned so main can exit nonzero.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Snapshot()
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: s.Router(),
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", srv.Addr, err)
	}
	slog.Info("[Gateway] Listening", "port", cfg.HTTPPort)

	errc := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runSession executes one command session and writes the standard
// gateway response. Transactional commands are serialized per terminal.
func (s *Server) runSession(w http.ResponseWriter, command, addr, ecrID string, payload interface{}, serialize bool) {
	cfg := s.cfg.Snapshot()
	requestID := wire.NewRequestID()
	env := wire.NewCommand(command, ecrID, requestID, payload)

	if serialize {
		release := s.queue.acquire(addr)
		defer release()
	}

	start := time.Now()
	result := s.send(context.Background(), addr, env, protocol.Timeouts{
		Connect: cfg.ConnectTimeout,
		Overall: cfg.ReadTimeout,
		Idle:    cfg.IdleTimeout,
	})
	elapsed := time.Since(start)

	outcome := "ok"
	if !result.OK {
		outcome = string(result.Err)
	}
	s.metrics.RecordSession(command, outcome, elapsed.Seconds())
	slog.Info("[Gateway] Session finished",
		"command", command, "addr", addr, "requestId", requestID,
		"ok", result.OK, "error", string(result.Err), "elapsed", elapsed)

	resp := map[string]interface{}{
		"success":   true,
		"requestId": requestID,
		"ok":        result.OK,
		"log":       result.Log,
	}
	if result.Final != nil {
		resp["rsp"] = result.Final
	}
	if result.Err != protocol.ErrNone {
		resp["error"] = string(result.Err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// badRequest reports a gateway validation failure.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
