// Package emulator implements a Verifone-style payment terminal: a TCP
// server speaking the framed JSON protocol, backed by the terminal
// state core.
package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/poslink/terminal-bridge/internal/config"
	"github.com/poslink/terminal-bridge/internal/store"
	"github.com/poslink/terminal-bridge/internal/wire"
)

// Server accepts terminal connections and dispatches inbound commands.
// Each connection gets its own framer; all state mutations funnel into
// the shared store.
type Server struct {
	cfg   *config.Emulator
	store *store.Store

	mu        sync.Mutex
	listeners []net.Listener
}

// New creates a server over the given state core.
func New(cfg *config.Emulator, st *store.Store) *Server {
	return &Server{cfg: cfg, store: st}
}

// ListenAndServe binds the primary (and optional alternate) port and
// serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ports := []int{s.cfg.Port}
	if s.cfg.PortAlt > 0 {
		ports = append(ports, s.cfg.PortAlt)
	}

	var wg sync.WaitGroup
	for _, port := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("bind port %d: %w", port, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		slog.Info("[Emulator] Listening", "port", port)

		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, ln)
		}(ln)
	}

	<-ctx.Done()
	s.closeListeners()
	wg.Wait()
	return nil
}

// Serve runs the accept loop on an already bound listener. Used by
// tests that need an ephemeral port.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()
	s.acceptLoop(ctx, ln)
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[Emulator] Accept failed", "error", err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	// Shutdown must unblock the pending Read below, not just the
	// accept loops.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	remote := conn.RemoteAddr().String()
	slog.Info("[Emulator] Connection accepted", "remote", remote)

	// Welcome frame. READY is a progress kind, so a client that
	// connects and immediately sends a command never mistakes the
	// greeting for its final response.
	s.send(conn, map[string]interface{}{
		"message": wire.MsgREADY,
		"data": map[string]interface{}{
			"cmdResult": map[string]interface{}{"result": "Success"},
			"response":  "SystemReady",
		},
	})

	dec := &wire.Decoder{}
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			s.drainFrames(conn, dec, remote)
		}
		if err != nil {
			slog.Info("[Emulator] Connection closed", "remote", remote)
			return
		}
	}
}

func (s *Server) drainFrames(conn net.Conn, dec *wire.Decoder, remote string) {
	for {
		frame, raw, err := dec.Next()
		if err != nil {
			slog.Warn("[Emulator] Invalid frame", "remote", remote, "raw", string(raw))
			r := &request{}
			s.send(conn, r.failed("Unknown", "JSON001", "malformed JSON payload"))
			continue
		}
		if frame == nil {
			return
		}
		s.dispatch(conn, frame, remote)
	}
}

// send frames and writes v in a single write call.
func (s *Server) send(conn net.Conn, v interface{}) {
	data, err := wire.Encode(v)
	if err != nil {
		slog.Error("[Emulator] Encode failed", "error", err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		slog.Warn("[Emulator] Write failed", "error", err)
	}
}

// pause applies the handler's artificial processing delay, scaled off
// the configured base so tests can run with zero delay.
func (s *Server) pause(extra int) {
	if s.cfg.ResponseDelay <= 0 {
		return
	}
	time.Sleep(time.Duration(s.cfg.ResponseDelay+extra) * time.Millisecond)
}
