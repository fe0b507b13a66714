package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joescharf/tracecast/internal/trace"
)

// DefaultPort is the preferred listening port for the ingestion server.
const DefaultPort = 53931

const maxBodyBytes = 1 << 20

// PingResponse is the body of GET /ping.
type PingResponse struct {
	Status  string `json:"status"`
	Port    int    `json:"port"`
	Version string `json:"version"`
}

// StatusResponse is the body of GET /session/status.
type StatusResponse struct {
	Active     bool            `json:"active"`
	EventCount int             `json:"eventCount"`
	Metadata   *trace.Metadata `json:"metadata"`
}

// StartResponse is the body of a successful POST /session/start.
type StartResponse struct {
	Started bool `json:"started"`
}

// EventResponse is the body of a successful POST /event.
type EventResponse struct {
	Received bool   `json:"received"`
	ID       string `json:"id,omitempty"`
}

// EndResponse is the body of a successful POST /session/end.
type EndResponse struct {
	Ended      bool `json:"ended"`
	EventCount int  `json:"eventCount"`
}

// Server exposes a Buffer over HTTP.
type Server struct {
	buf     *Buffer
	version string
	log     *slog.Logger
	port    atomic.Int64
}

// NewServer creates a server for buf.
func NewServer(buf *Buffer, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{buf: buf, version: version, log: logger}
}

// Port returns the port the server is listening on, or 0 before Serve.
func (s *Server) Port() int { return int(s.port.Load()) }

// Router returns an http.Handler for the ingestion routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.ping)
	mux.HandleFunc("GET /session/status", s.sessionStatus)
	mux.HandleFunc("POST /session/start", s.sessionStart)
	mux.HandleFunc("POST /event", s.event)
	mux.HandleFunc("POST /session/end", s.sessionEnd)

	return corsMiddleware(mux)
}

// Listen binds the loopback interface on port. If that fails it retries once
// on an OS-assigned port; fellBack reports whether it did.
func Listen(port int) (ln net.Listener, fellBack bool, err error) {
	ln, err = net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err == nil {
		return ln, false, nil
	}
	slog.Warn("ingest port unavailable, using an OS-assigned port", "port", port, "error", err)
	ln, err2 := net.Listen("tcp", "127.0.0.1:0")
	if err2 != nil {
		return nil, false, fmt.Errorf("listen on port %d: %w (fallback: %v)", port, err, err2)
	}
	return ln, true, nil
}

// Serve handles requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port.Store(int64(addr.Port))
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ingest server: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PingResponse{Status: "ok", Port: s.Port(), Version: s.version})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	st := s.buf.Status()
	writeJSON(w, http.StatusOK, StatusResponse{Active: st.Active, EventCount: st.EventCount, Metadata: st.Metadata})
}

func (s *Server) sessionStart(w http.ResponseWriter, r *http.Request) {
	var meta trace.Metadata
	if err := decodeBody(r, &meta); err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata: "+err.Error())
		return
	}
	if err := s.buf.Start(meta); err != nil {
		if errors.Is(err, ErrSessionActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("live session started", "agent", meta.Agent, "title", meta.Title)
	writeJSON(w, http.StatusOK, StartResponse{Started: true})
}

func (s *Server) event(w http.ResponseWriter, r *http.Request) {
	var step trace.Step
	if err := decodeBody(r, &step); err != nil {
		writeError(w, http.StatusBadRequest, "invalid step: "+err.Error())
		return
	}
	id, err := s.buf.Push(step)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{Received: true, ID: id})
}

func (s *Server) sessionEnd(w http.ResponseWriter, r *http.Request) {
	ended, err := s.buf.End()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("live session ended", "steps", len(ended.Steps))
	writeJSON(w, http.StatusOK, EndResponse{Ended: true, EventCount: len(ended.Steps)})
}
