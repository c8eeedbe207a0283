package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"openhabsync/internal/command"
	"openhabsync/internal/connection"
	"openhabsync/internal/entity"
	"openhabsync/internal/metrics"
	"openhabsync/internal/notify"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Entities is the read side of the entity registry.
type Entities interface {
	Snapshots() []entity.Snapshot
	Snapshot(id string) (entity.Snapshot, bool)
}

// Connection controls the openHAB connection.
type Connection interface {
	Status() connection.Status
	Connect()
	Disconnect()
	EnterStandby()
	LeaveStandby()
	Refresh()
}

// Commands sends entity commands.
type Commands interface {
	Send(ctx context.Context, entityID, command, param string) error
}

// Notifications is the user-facing alert list.
type Notifications interface {
	List() []notify.Notification
	Dismiss(id string) error
	Retry(id string) error
}

// Server provides HTTP API endpoints for the openHAB integration
type Server struct {
	entities      Entities
	conn          Connection
	commands      Commands
	notifications Notifications
	hub           *Hub
	logger        *zap.Logger
	server        *http.Server
	handler       http.Handler
}

// NewServer creates a new API server. gatherer backs /metrics and may be nil.
func NewServer(entities Entities, conn Connection, commands Commands, notifications Notifications,
	hub *Hub, gatherer prometheus.Gatherer, logger *zap.Logger, port int) *Server {
	s := &Server{
		entities:      entities,
		conn:          conn,
		commands:      commands,
		notifications: notifications,
		hub:           hub,
		logger:        logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", s.handleSitemap)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/entities", s.handleListEntities)
	mux.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("POST /api/entities/{id}/command", s.handleCommand)
	mux.HandleFunc("GET /api/connection", s.handleConnectionStatus)
	mux.HandleFunc("POST /api/connection/{action}", s.handleConnectionAction)
	mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	mux.HandleFunc("POST /api/notifications/{id}/retry", s.handleRetryNotification)
	mux.HandleFunc("DELETE /api/notifications/{id}", s.handleDismissNotification)
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.ServeWS)
	}
	s.handler = mux

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// CommandRequest is the body of POST /api/entities/{id}/command.
type CommandRequest struct {
	Command string `json:"command"`
	Param   string `json:"param,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// handleHealth reports ok while the process is up, plus the connection state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"connection": s.conn.Status().State.String(),
	})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.entities.Snapshots())
	s.logger.Debug("Entities request served", zap.String("remote_addr", r.RemoteAddr))
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.entities.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown entity "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	err := s.commands.Send(r.Context(), id, req.Command, req.Param)
	switch {
	case errors.Is(err, command.ErrUnknownEntity):
		s.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleConnectionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.conn.Status())
}

func (s *Server) handleConnectionAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")
	switch action {
	case "connect":
		s.conn.Connect()
	case "disconnect":
		s.conn.Disconnect()
	case "standby":
		s.conn.EnterStandby()
	case "resume":
		s.conn.LeaveStandby()
	case "refresh":
		s.conn.Refresh()
	default:
		s.writeError(w, http.StatusNotFound, "unknown action "+action)
		return
	}

	s.logger.Info("Connection action requested",
		zap.String("action", action),
		zap.String("remote_addr", r.RemoteAddr))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.notifications.List())
}

func (s *Server) handleRetryNotification(w http.ResponseWriter, r *http.Request) {
	s.notificationResult(w, s.notifications.Retry(r.PathValue("id")))
}

func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	s.notificationResult(w, s.notifications.Dismiss(r.PathValue("id")))
}

func (s *Server) notificationResult(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, notify.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notify.ErrNotRetryable):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{"/", "GET", "This sitemap - lists all available API endpoints"},
	{"/health", "GET", "Health check endpoint - returns {\"status\": \"ok\"}"},
	{"/metrics", "GET", "Prometheus metrics"},
	{"/api/entities", "GET", "All entities with state and attributes"},
	{"/api/entities/{id}", "GET", "A single entity"},
	{"/api/entities/{id}/command", "POST", "Send a command: {\"command\":\"BRIGHTNESS\",\"param\":\"40\"}"},
	{"/api/connection", "GET", "openHAB connection status"},
	{"/api/connection/{connect|disconnect|standby|resume|refresh}", "POST", "Control the openHAB connection"},
	{"/api/notifications", "GET", "Pending notifications"},
	{"/api/notifications/{id}/retry", "POST", "Run a notification's retry action"},
	{"/api/notifications/{id}", "DELETE", "Dismiss a notification"},
	{"/ws", "GET", "WebSocket stream of entity changes"},
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>openhabsync API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>openhabsync API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "openhabsync API\n")
		fmt.Fprintf(w, "===============\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-8s %-60s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
