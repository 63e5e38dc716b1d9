package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowqueue/pkg/config"
	"github.com/tcmartin/flowqueue/pkg/logging"
	"github.com/tcmartin/flowqueue/pkg/notify"
)

// Server exposes the real-time channels over HTTP: a WebSocket endpoint,
// an SSE endpoint, and a health check.
type Server struct {
	config *config.Config
	router *mux.Router
	server *http.Server
	ws     *WebSocketManager
	sse    *SSEAdapter
	logger logging.Logger
}

// NewServer creates a real-time server over the notification bus.
func NewServer(cfg *config.Config, bus *notify.Bus, logger logging.Logger) *Server {
	s := &Server{
		config: cfg,
		router: mux.NewRouter(),
		ws:     NewWebSocketManager(bus, logger),
		sse:    NewSSEAdapter(bus, logger),
		logger: logger,
	}

	s.setupRoutes()
	return s
}

// Router returns the server's route handler.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold writes open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting realtime server", logging.F("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.sse.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the real-time routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	s.router.Handle("/events", s.sse).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.ws.HandleWebSocket(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ws.GetConnectedClients(),
	})
}
