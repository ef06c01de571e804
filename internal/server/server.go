// Package server exposes the ring link over HTTP and WebSocket so the
// devotional app's UI can drive scans, connections and live tap counts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abduljabar5/zikrlink/internal/ble"
	"github.com/abduljabar5/zikrlink/internal/ring"
)

// Controller is the slice of the ring manager the HTTP layer drives.
type Controller interface {
	StartScanning() error
	StopScanning(reason string) error
	Connect(id string) error
	Disconnect() error
	Snapshot() ring.Snapshot
	Stats() ring.Stats
}

var _ Controller = (*ring.Manager)(nil)

type Server struct {
	ctrl     Controller
	hub      *Hub
	upgrader websocket.Upgrader
	server   *http.Server
}

func New(ctrl Controller, listen string) *Server {
	s := &Server{
		ctrl: ctrl,
		hub:  NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", methodHandler("GET", s.handleHealth))
	mux.HandleFunc("/api/v1/status", methodHandler("GET", s.handleStatus))
	mux.HandleFunc("/api/v1/rings", methodHandler("GET", s.handleRings))
	mux.HandleFunc("/api/v1/stats", methodHandler("GET", s.handleStats))

	mux.HandleFunc("/api/v1/scan/start", methodHandler("POST", s.handleScanStart))
	mux.HandleFunc("/api/v1/scan/stop", methodHandler("POST", s.handleScanStop))
	mux.HandleFunc("/api/v1/connect", methodHandler("POST", s.handleConnect))
	mux.HandleFunc("/api/v1/disconnect", methodHandler("POST", s.handleDisconnect))

	mux.HandleFunc("/ws", s.handleWebSocket)

	return mux
}

// Publish pushes a snapshot to all WebSocket clients. Wire it to the
// manager's OnChange.
func (s *Server) Publish(snap ring.Snapshot) {
	s.hub.Publish("status", snap)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	slog.Info("[HTTP] listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP listener and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleRings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rings": s.ctrl.Snapshot().Rings,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartScanning(); err != nil {
		writeError(w, statusFor(err), "cannot start scan", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	// An empty body stops the scan with no particular reason.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.ctrl.StopScanning(req.Reason); err != nil {
		writeError(w, statusFor(err), "cannot stop scan", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	if err := s.ctrl.Connect(req.ID); err != nil {
		writeError(w, statusFor(err), "cannot connect", err)
		return
	}
	// The dial continues in the background; the outcome arrives over /ws.
	writeJSON(w, http.StatusAccepted, s.ctrl.Snapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Disconnect(); err != nil {
		writeError(w, statusFor(err), "cannot disconnect", err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[HTTP] websocket upgrade failed", "error", err)
		return
	}
	s.hub.Publish("status", s.ctrl.Snapshot())
	s.hub.Register(conn)
	slog.Debug("[HTTP] websocket client connected", "remote", conn.RemoteAddr())

	// The socket is push-only; draining reads just detects the client
	// going away.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ring.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ring.ErrBusy), errors.Is(err, ring.ErrConnectInProgress):
		return http.StatusConflict
	case errors.Is(err, ring.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ble.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ble.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func methodHandler(method string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
			return
		}
		handler(w, r)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("[HTTP] encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().Unix(),
	}
	if err != nil {
		response["details"] = err.Error()
		slog.Warn("[HTTP] request failed", "message", message, "error", err)
	}
	writeJSON(w, statusCode, response)
}
