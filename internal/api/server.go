// Package api exposes the pool's status and control surface over HTTP,
// for dashboards or external orchestration to enqueue work and watch the
// backlog drain without embedding the Go module.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/poolingh/poolingh/internal/ghpool"
)

// PoolController is the surface of ghpool.Queue the API drives. Declared
// as an interface so handlers stay testable without a live Queue.
type PoolController interface {
	Start() error
	Stop()
	Push(reqs ...*ghpool.Request)
	GetQueueLength() int
	GetRequestFailCount() int
	GetClients() []*ghpool.Client
}

// Server serves the pool's status/control HTTP API.
type Server struct {
	router *chi.Mux
	addr   string
	logger *slog.Logger
	pool   PoolController
}

// NewServer builds a Server with chi routing and permissive CORS so
// dashboards on any origin can read the control plane.
func NewServer(addr string, pool PoolController, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		addr:   addr,
		logger: logger.With("component", "api_server"),
		pool:   pool,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Post("/start", s.handleStart)
	s.router.Post("/stop", s.handleStop)
	s.router.Post("/requests", s.handleEnqueue)
}

// ListenAndServe blocks serving the API on addr.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server starting", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.router)
}

type clientStatus struct {
	Token      string `json:"token"`
	Authorized bool   `json:"authorized"`
	Busy       bool   `json:"busy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := s.pool.GetClients()
	statuses := make([]clientStatus, len(clients))
	for i, c := range clients {
		statuses[i] = clientStatus{
			Token:      c.GetToken(),
			Authorized: c.IsAuthorized(),
			Busy:       c.IsBusy(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_length": s.pool.GetQueueLength(),
		"fail_count":   s.pool.GetRequestFailCount(),
		"clients":      statuses,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Start(); err != nil {
		if errors.Is(err, ghpool.ErrQueueRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.pool.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type enqueueRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var bodies []enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&bodies); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(bodies) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one request required"})
		return
	}

	reqs := make([]*ghpool.Request, 0, len(bodies))
	for _, b := range bodies {
		method := b.Method
		if method == "" {
			method = http.MethodGet
		}
		req, err := ghpool.NewRequest(b.URL, ghpool.Params{
			Method:  method,
			Headers: b.Headers,
		}, nil)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		reqs = append(reqs, req)
	}

	s.pool.Push(reqs...)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "enqueued",
		"count":    len(reqs),
		"ids":      requestIDs(reqs),
		"enqueued": time.Now().UTC(),
	})
}

func requestIDs(reqs []*ghpool.Request) []string {
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID()
	}
	return ids
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		fmt.Fprintf(w, `{"error":"encode response: %s"}`, err)
	}
}
