// Package status serves the gateway's read-only administration surface:
// a JSON state snapshot, the diagnostic traffic log and Prometheus
// metrics.
//
// Handlers run on net/http goroutines.  They never touch control-loop
// state; the loop publishes an immutable Snapshot each iteration and
// handlers read the latest one.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"gwbridge/internal/diag"
	"gwbridge/internal/metrics"
	"gwbridge/util"
)

// Client is one occupied bridge slot.
type Client struct {
	Slot   int    `json:"slot"`
	Remote string `json:"remote"`
}

// Snapshot is the gateway state at the end of a loop iteration.
type Snapshot struct {
	Device      string           `json:"device"`
	Version     string           `json:"version"`
	Mode        string           `json:"mode"`
	State       string           `json:"state"`
	Supervising bool             `json:"supervising"`
	RetryCount  int              `json:"retry_count"`
	MaxRetries  int              `json:"max_retries"`
	Address     string           `json:"address,omitempty"`
	APStarted   bool             `json:"ap_started"`
	APSSID      string           `json:"ap_ssid,omitempty"`
	Listening   bool             `json:"listening"`
	BridgePort  int              `json:"bridge_port"`
	Clients     []Client         `json:"clients"`
	Firewall    string           `json:"firewall"`
	Maintenance bool             `json:"maintenance"`
	Tunnel      bool             `json:"tunnel"`
	Metrics     metrics.Snapshot `json:"metrics"`
	Updated     time.Time        `json:"updated"`
}

// Server is the HTTP status endpoint.
type Server struct {
	addr   string
	ring   *diag.Ring
	reg    *prom.Registry
	logger *util.Logger

	snap atomic.Pointer[Snapshot]
	srv  *http.Server
	ln   net.Listener
}

// New returns a stopped server.  ring and reg may be nil.
func New(addr string, ring *diag.Ring, reg *prom.Registry, logger *util.Logger) *Server {
	s := &Server{addr: addr, ring: ring, reg: reg, logger: logger}
	s.snap.Store(&Snapshot{})
	return s
}

// Publish replaces the served snapshot.  snap must not be mutated
// afterwards.
func (s *Server) Publish(snap *Snapshot) { s.snap.Store(snap) }

// Current returns the served snapshot.
func (s *Server) Current() *Snapshot { return s.snap.Load() }

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /log", s.handleLog)
	mux.HandleFunc("DELETE /log", s.handleLogClear)
	if s.reg != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.reg))
	}
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/status", http.StatusFound)
	})
	return mux
}

// Start listens and serves in the background.  Repeated calls are
// no-ops.
func (s *Server) Start() error {
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server: %v", err)
		}
	}()
	s.logger.Info("status server on http://%s", ln.Addr())
	return nil
}

// Addr is the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port is the bound TCP port, or 0.
func (s *Server) Port() int {
	if a, ok := s.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv, s.ln = nil, nil
	return err
}

// ── handlers ─────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.snap.Load()); err != nil {
		s.logger.Debug("status encode: %v", err)
	}
}

func (s *Server) handleLog(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s.ring.String())
}

func (s *Server) handleLogClear(w http.ResponseWriter, _ *http.Request) {
	s.ring.Clear()
	w.WriteHeader(http.StatusNoContent)
}
