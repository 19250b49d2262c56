// Package api serves the loopback status and control surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cthulu-trading/cthulu/internal/config"
	"github.com/cthulu-trading/cthulu/internal/engine"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server exposes engine state over HTTP and WebSocket. It binds
// loopback by default; it carries no authentication and must never be
// exposed beyond the host.
type Server struct {
	logger     *zap.Logger
	config     config.APIConfig
	engine     *engine.Engine
	hub        *hub
	httpServer *http.Server
	shutdown   func() // requests engine shutdown, runs at most once
}

// NewServer creates the status server. The shutdown callback is invoked
// by POST /shutdown.
func NewServer(logger *zap.Logger, cfg config.APIConfig, eng *engine.Engine, shutdown func()) *Server {
	s := &Server{
		logger:   logger.Named("api"),
		config:   cfg,
		engine:   eng,
		hub:      newHub(logger),
		shutdown: shutdown,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/positions", s.handlePositions).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(
		eng.Collector().Registry(), promhttp.HandlerOpts{},
	)).Methods("GET")
	router.HandleFunc("/shutdown", s.handleShutdown).Methods("POST")
	router.HandleFunc("/ws", s.hub.handleUpgrade)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is done, fanning engine status out to WebSocket
// subscribers.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.pump(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("api: %w", err)
	}
}

// pump forwards per-cycle engine status to the hub.
func (s *Server) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-s.engine.StatusStream():
			data, err := json.Marshal(status)
			if err != nil {
				s.logger.Error("status encode failed", zap.Error(err))
				continue
			}
			s.hub.broadcast(data)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"degraded": s.engine.CurrentStatus().Degraded,
		"time":     time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurrentStatus())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurrentStatus().Positions)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("shutdown requested over api",
		zap.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	go s.shutdown()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
