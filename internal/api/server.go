// Package api exposes a read-only loopback HTTP status surface over
// the queue, so a UI or script can poll progress while a run is
// active.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AharonR/downloader/internal/queue"
	"github.com/AharonR/downloader/internal/storage"
)

// StatusServer serves queue counts, in-progress rows and recent
// history. It never mutates state.
type StatusServer struct {
	logger *slog.Logger
	queue  *queue.Queue
	router *chi.Mux
}

// NewStatusServer builds the server around an open queue.
func NewStatusServer(logger *slog.Logger, q *queue.Queue) *StatusServer {
	s := &StatusServer{
		logger: logger,
		queue:  q,
		router: chi.NewRouter(),
	}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Get("/v1/queue/in-progress", s.handleInProgress)
	s.router.Get("/v1/history", s.handleHistory)
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start serves on the loopback interface and returns the bound
// listener address. Pass port 0 for an ephemeral port.
func (s *StatusServer) Start(port int) (string, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	go func() {
		if err := http.Serve(ln, s.router); err != nil {
			s.logger.Debug("status server stopped", "error", err)
		}
	}()
	s.logger.Info("Status server listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

type statusResponse struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	var err error
	if resp.Pending, err = s.queue.CountByStatus(storage.StatusPending); err != nil {
		s.fail(w, err)
		return
	}
	if resp.InProgress, err = s.queue.CountByStatus(storage.StatusInProgress); err != nil {
		s.fail(w, err)
		return
	}
	if resp.Completed, err = s.queue.CountByStatus(storage.StatusCompleted); err != nil {
		s.fail(w, err)
		return
	}
	if resp.Failed, err = s.queue.CountByStatus(storage.StatusFailed); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, resp)
}

func (s *StatusServer) handleInProgress(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.GetInProgress()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, items)
}

func (s *StatusServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := queue.AttemptQuery{
		Status:  r.URL.Query().Get("status"),
		Project: r.URL.Query().Get("project"),
		Domain:  r.URL.Query().Get("domain"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			query.Limit = n
		}
	}
	attempts, err := s.queue.QueryAttempts(query)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, attempts)
}

func (s *StatusServer) respond(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *StatusServer) fail(w http.ResponseWriter, err error) {
	s.logger.Error("status request failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
