// Package server exposes the websocket endpoint clients stream through and
// the small HTTP surface around it (health, metrics, status, config).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/webgaze/webgaze/api/pkg/config"
	"github.com/webgaze/webgaze/api/pkg/session"
	"github.com/webgaze/webgaze/api/pkg/stream"
)

// WebGazeServer wires the pool, session store and stream engine behind the
// HTTP and websocket surface.
type WebGazeServer struct {
	cfg      *config.ServerConfig
	store    *config.Store
	pool     BrowserPool
	sessions *session.Store
	engine   *stream.Engine
}

func NewServer(
	cfg *config.ServerConfig,
	store *config.Store,
	pool BrowserPool,
	sessions *session.Store,
	engine *stream.Engine,
) *WebGazeServer {
	return &WebGazeServer{
		cfg:      cfg,
		store:    store,
		pool:     pool,
		sessions: sessions,
		engine:   engine,
	}
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests before returning.
func (s *WebGazeServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler: s.router(),
		// Websocket connections are long-lived; only the header read is
		// bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown did not complete cleanly")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("server listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *WebGazeServer) router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/config/streaming", s.handleGetStreamingConfig).Methods(http.MethodGet)
	api.HandleFunc("/config/streaming", s.handleUpdateStreamingConfig).Methods(http.MethodPut)

	return s.corsMiddleware(r)
}

func (s *WebGazeServer) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.Server.CORSOrigin
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *WebGazeServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *WebGazeServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"browsers": s.pool.Count(),
		"sessions": s.sessions.Count(),
		"streams":  s.engine.Count(),
	})
}

func (s *WebGazeServer) handleGetStreamingConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Streaming)
}

// handleUpdateStreamingConfig persists new streaming defaults. They apply
// to streams started after the update; running producers keep their
// negotiated settings.
func (s *WebGazeServer) handleUpdateStreamingConfig(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no config file configured", http.StatusNotImplemented)
		return
	}

	var sec config.StreamingSection
	if err := json.NewDecoder(r.Body).Decode(&sec); err != nil {
		http.Error(w, "malformed config payload", http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateStreaming(sec); err != nil {
		log.Error().Err(err).Msg("failed to persist streaming config")
		http.Error(w, "failed to persist config", http.StatusInternalServerError)
		return
	}
	s.store.Apply(s.cfg)
	writeJSON(w, http.StatusOK, s.cfg.Streaming)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write json response")
	}
}
