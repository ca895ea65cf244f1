package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/momentum-sync/internal/auth"
	apperrors "github.com/alexjbarnes/momentum-sync/internal/errors"
	"github.com/alexjbarnes/momentum-sync/internal/reconcile"
	"github.com/alexjbarnes/momentum-sync/internal/record"
	"github.com/alexjbarnes/momentum-sync/internal/store"
)

// maxRequestBytes caps request body reads. A personal tracker's batch
// is tiny; anything near this limit is malformed or hostile.
const maxRequestBytes = 4 * 1024 * 1024

// Error kinds carried in machine-readable error bodies.
const (
	kindValidation   = "validation"
	kindNotFound     = "not_found"
	kindUnauthorized = "unauthorized"
	kindConflict     = "conflict"
	kindTransient    = "transient"
)

type handlers struct {
	store  *store.Store
	auth   *auth.Service
	logger *slog.Logger
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// authResponse is returned by register and login. It carries the
// canonical lists so a fresh login doubles as an initial sync.
type authResponse struct {
	User     userPayload      `json:"user"`
	Token    string           `json:"token"`
	Tasks    []record.Task    `json:"tasks"`
	Sessions []record.Session `json:"sessions"`
}

type userPayload struct {
	Name string `json:"name"`
}

// syncResponse is the reconciliation endpoint's reply: the merged
// canonical lists plus every record the merge rejected. Rejections are
// reported, never silently dropped.
type syncResponse struct {
	Tasks    []record.Task           `json:"tasks"`
	Sessions []record.Session        `json:"sessions"`
	Errors   []reconcile.RecordError `json:"errors,omitempty"`
}

func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.Username == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, kindValidation, "username and password are required")
		return
	}

	token, err := h.auth.Register(req.Username, req.Password)
	if errors.Is(err, apperrors.ErrUserExists) {
		writeJSONError(w, http.StatusConflict, kindConflict, "user already exists")
		return
	}

	if err != nil {
		h.internalError(w, "register", err)
		return
	}

	h.logger.Info("registered user", slog.String("owner", req.Username))
	h.writeAuthResponse(w, req.Username, token)
}

func (h *handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.auth.Login(req.Username, req.Password)
	if errors.Is(err, apperrors.ErrInvalidCredentials) {
		writeJSONError(w, http.StatusUnauthorized, kindUnauthorized, "invalid username or password")
		return
	}

	if err != nil {
		h.internalError(w, "login", err)
		return
	}

	h.logger.Info("logged in", slog.String("owner", req.Username))
	h.writeAuthResponse(w, req.Username, token)
}

func (h *handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var incoming reconcile.Batch
	if !h.decode(w, r, &incoming) {
		return
	}

	res, err := h.store.ApplyMerge(owner, incoming)
	if err != nil {
		h.internalError(w, "sync", err)
		return
	}

	h.logger.Info("reconciled",
		slog.String("owner", owner),
		slog.Int("created", res.Created),
		slog.Int("updated", res.Updated),
		slog.Int("collapsed", res.Collapsed),
		slog.Int("rejected", len(res.Errors)),
	)

	writeJSON(w, http.StatusOK, syncResponse{
		Tasks:    emptyTasks(res.Tasks),
		Sessions: emptySessions(res.Sessions),
		Errors:   res.Errors,
	})
}

func (h *handlers) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	tasks, err := h.store.GetTasks(owner)
	if err != nil {
		h.internalError(w, "get tasks", err)
		return
	}

	writeJSON(w, http.StatusOK, emptyTasks(tasks))
}

// handleReplaceTasks is the explicit, destructive bulk-replace mode:
// the owner's entire task list is overwritten with the request body.
func (h *handlers) handleReplaceTasks(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var tasks []record.Task
	if !h.decode(w, r, &tasks) {
		return
	}

	replaced, rejected, err := h.store.ReplaceTasks(owner, tasks)
	if err != nil {
		h.internalError(w, "replace tasks", err)
		return
	}

	h.logger.Info("replaced tasks",
		slog.String("owner", owner),
		slog.Int("count", len(replaced)),
		slog.Int("rejected", len(rejected)),
	)

	writeJSON(w, http.StatusOK, syncResponse{
		Tasks:    emptyTasks(replaced),
		Sessions: []record.Session{},
		Errors:   rejected,
	})
}

func (h *handlers) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	id := record.ID(r.PathValue("id"))

	err := h.store.DeleteTask(owner, id)
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		writeJSONError(w, http.StatusNotFound, kindNotFound, "no task with this id")
		return
	}

	if err != nil {
		h.internalError(w, "delete task", err)
		return
	}

	tasks, err := h.store.GetTasks(owner)
	if err != nil {
		h.internalError(w, "delete task", err)
		return
	}

	writeJSON(w, http.StatusOK, emptyTasks(tasks))
}

func (h *handlers) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	sessions, err := h.store.GetSessions(owner)
	if err != nil {
		h.internalError(w, "get sessions", err)
		return
	}

	writeJSON(w, http.StatusOK, emptySessions(sessions))
}

func (h *handlers) handleAddSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var sess record.Session
	if !h.decode(w, r, &sess) {
		return
	}

	created, err := h.store.CreateSession(owner, sess)
	if errors.Is(err, apperrors.ErrInvalidRecord) {
		writeJSONError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	if err != nil {
		h.internalError(w, "add session", err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateTask overwrites the mutable fields of one identified
// task. Identity fields in the body are ignored; the stored record
// keeps its id, owner, and createdAt.
func (h *handlers) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var in record.Task
	if !h.decode(w, r, &in) {
		return
	}

	in.ID = record.ID(r.PathValue("id"))

	updated, err := h.store.UpdateTask(owner, in)
	if errors.Is(err, apperrors.ErrRecordNotFound) {
		writeJSONError(w, http.StatusNotFound, kindNotFound, "no task with this id")
		return
	}

	if errors.Is(err, apperrors.ErrInvalidRecord) {
		writeJSONError(w, http.StatusBadRequest, kindValidation, err.Error())
		return
	}

	if err != nil {
		h.internalError(w, "update task", err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// requireOwner checks that the path owner matches the authenticated
// identity. Records are partitioned by owner; no route crosses that line.
func (h *handlers) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.PathValue("owner")
	authed := auth.RequestOwner(r.Context())

	if owner == "" || owner != authed {
		writeJSONError(w, http.StatusForbidden, kindUnauthorized, "token does not grant access to this owner")
		return "", false
	}

	return owner, true
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, kindValidation, "invalid request body")
		return false
	}

	return true
}

func (h *handlers) writeAuthResponse(w http.ResponseWriter, owner, token string) {
	tasks, err := h.store.GetTasks(owner)
	if err != nil {
		h.internalError(w, "loading tasks", err)
		return
	}

	sessions, err := h.store.GetSessions(owner)
	if err != nil {
		h.internalError(w, "loading sessions", err)
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		User:     userPayload{Name: owner},
		Token:    token,
		Tasks:    emptyTasks(tasks),
		Sessions: emptySessions(sessions),
	})
}

func (h *handlers) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.String("error", err.Error()))
	writeJSONError(w, http.StatusInternalServerError, kindTransient, "internal error")
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// emptyTasks keeps JSON responses as [] instead of null.
func emptyTasks(tasks []record.Task) []record.Task {
	if tasks == nil {
		return []record.Task{}
	}

	return tasks
}

func emptySessions(sessions []record.Session) []record.Session {
	if sessions == nil {
		return []record.Session{}
	}

	return sessions
}
