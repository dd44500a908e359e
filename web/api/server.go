// Package api serves the task dashboard API.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/taskpilot/internal/domain"
	"github.com/hochfrequenz/taskpilot/internal/hosting"
	"github.com/hochfrequenz/taskpilot/internal/journal"
	"github.com/hochfrequenz/taskpilot/internal/scheduler"
	"github.com/hochfrequenz/taskpilot/internal/taskstore"
	"github.com/hochfrequenz/taskpilot/internal/telemetry"
)

// Store interface for database operations
type Store interface {
	journal.Store
	ListTasks(ctx context.Context, opts taskstore.ListOptions) ([]*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListEventsAfter(ctx context.Context, taskID string, afterID int64) ([]*domain.TaskEvent, error)
	ListCostItems(ctx context.Context, taskID string) ([]*domain.CostItem, error)
	GetBill(ctx context.Context, taskID string) (*domain.TaskBill, error)
	GetOrCreateBudget(ctx context.Context, username string, defaultBalance float64) (*domain.UserBudget, error)
	SetBudget(ctx context.Context, username string, balance float64) error
}

// Submitter schedules new tasks
type Submitter interface {
	Schedule(ctx context.Context, req scheduler.Request) (*domain.Task, error)
}

// Options configure the server
type Options struct {
	Addr string
	// APIKey, when set, is required as a bearer token on mutating routes.
	APIKey        string
	DefaultBudget float64
	// PollInterval is how often task streams look for new events.
	PollInterval time.Duration
}

// Server is the HTTP API server
type Server struct {
	store     Store
	submitter Submitter
	provider  hosting.Provider
	opts      Options
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(store Store, submitter Submitter, provider hosting.Provider, opts Options) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	s := &Server{
		store:     store,
		submitter: submitter,
		provider:  provider,
		opts:      opts,
		mux:       http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/tasks", s.listTasksHandler())
	s.mux.HandleFunc("POST /api/tasks", s.submitTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.listEventsHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/costs", s.listCostsHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/bill", s.getBillHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/undo", s.undoHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}/stream", s.streamHandler())
	s.mux.HandleFunc("GET /api/budgets/{user}", s.getBudgetHandler())
	s.mux.HandleFunc("PUT /api/budgets/{user}", s.setBudgetHandler())

	s.mux.Handle("GET /metrics", telemetry.Handler())
}

// Handler returns the routed handler including authentication
func (s *Server) Handler() http.Handler {
	return s.authenticate(s.mux)
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	clog.FromContext(ctx).Infof("api listening on %s", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey == "" || !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeStoreError maps lookup failures to 404 and everything else to 500
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
