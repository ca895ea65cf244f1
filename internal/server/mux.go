// Package server provides HTTP server construction for the record API.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/momentum-sync/internal/auth"
	"github.com/alexjbarnes/momentum-sync/internal/store"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store  *store.Store
	Auth   *auth.Service
	Logger *slog.Logger
}

// NewMux builds the HTTP mux: public register/login endpoints plus the
// bearer-protected sync, task, and session routes. The reconciliation
// endpoint derives the owner from the URL and checks it against the
// authenticated identity, never from ambient state.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{store: cfg.Store, auth: cfg.Auth, logger: cfg.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/users/register", h.handleRegister)
	mux.HandleFunc("POST /api/users/login", h.handleLogin)

	protect := auth.Middleware(cfg.Auth, cfg.Logger)
	mux.Handle("POST /api/sync/{owner}", protect(http.HandlerFunc(h.handleSync)))
	mux.Handle("GET /api/tasks/{owner}", protect(http.HandlerFunc(h.handleGetTasks)))
	mux.Handle("POST /api/tasks/{owner}", protect(http.HandlerFunc(h.handleReplaceTasks)))
	mux.Handle("PUT /api/tasks/{owner}/{id}", protect(http.HandlerFunc(h.handleUpdateTask)))
	mux.Handle("DELETE /api/tasks/{owner}/{id}", protect(http.HandlerFunc(h.handleDeleteTask)))
	mux.Handle("GET /api/sessions/{owner}", protect(http.HandlerFunc(h.handleGetSessions)))
	mux.Handle("POST /api/sessions/{owner}", protect(http.HandlerFunc(h.handleAddSession)))

	return mux
}
