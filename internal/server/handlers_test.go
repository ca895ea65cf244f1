package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/momentum-sync/internal/auth"
	"github.com/alexjbarnes/momentum-sync/internal/record"
	"github.com/alexjbarnes/momentum-sync/internal/store"
)

type testAPI struct {
	srv *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	recordStore, err := store.Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recordStore.Close() })

	mux := NewMux(MuxConfig{
		Store:  recordStore,
		Auth:   auth.NewService(recordStore),
		Logger: slog.New(slog.DiscardHandler),
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv}
}

func (a *testAPI) post(t *testing.T, path, token string, payload any) (int, []byte) {
	t.Helper()
	return a.do(t, http.MethodPost, path, token, payload)
}

func (a *testAPI) do(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}

	req, err := http.NewRequest(method, a.srv.URL+path, &body)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, buf.Bytes()
}

func (a *testAPI) register(t *testing.T, username string) string {
	t.Helper()

	status, body := a.post(t, "/api/users/register", "", map[string]string{
		"username": username,
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	token := gjson.GetBytes(body, "token").String()
	require.NotEmpty(t, token)

	return token
}

func TestRegister_ReturnsTokenAndEmptyState(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.post(t, "/api/users/register", "", map[string]string{
		"username": "alice",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "alice", gjson.GetBytes(body, "user.name").String())
	assert.NotEmpty(t, gjson.GetBytes(body, "token").String())
	assert.True(t, gjson.GetBytes(body, "tasks").IsArray(), "tasks renders as [], not null")
	assert.Len(t, gjson.GetBytes(body, "tasks").Array(), 0)
}

func TestRegister_DuplicateUser_Conflict(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "alice")

	status, body := api.post(t, "/api/users/register", "", map[string]string{
		"username": "alice",
		"password": "other",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", gjson.GetBytes(body, "error.kind").String())
}

func TestRegister_MissingCredentials(t *testing.T) {
	api := newTestAPI(t)

	status, body := api.post(t, "/api/users/register", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", gjson.GetBytes(body, "error.kind").String())
}

func TestLogin_ReturnsCanonicalState(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	// Seed a task, then log in again and expect it in the reply.
	status, _ := api.post(t, "/api/sync/alice", token, map[string]any{
		"tasks": []record.Task{{Title: "A", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}},
	})
	require.Equal(t, http.StatusOK, status)

	status, body := api.post(t, "/api/users/login", "", map[string]string{
		"username": "alice",
		"password": "secret",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.GetBytes(body, "tasks").Array(), 1)
}

func TestLogin_BadPassword(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "alice")

	status, body := api.post(t, "/api/users/login", "", map[string]string{
		"username": "alice",
		"password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", gjson.GetBytes(body, "error.kind").String())
}

func TestSync_MergesBatchAndReportsRejections(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.post(t, "/api/sync/alice", token, map[string]any{
		"tasks": []record.Task{
			{Title: "Good", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
			{ID: "ghost", Title: "Phantom", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		},
		"sessions": []record.Session{
			{DurationMinutes: 25, Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	tasks := gjson.GetBytes(body, "tasks").Array()
	require.Len(t, tasks, 1)
	assert.NotEmpty(t, tasks[0].Get("id").String(), "server assigned an identity")

	assert.Len(t, gjson.GetBytes(body, "sessions").Array(), 1)

	rejected := gjson.GetBytes(body, "errors").Array()
	require.Len(t, rejected, 1)
	assert.Equal(t, "not_found", rejected[0].Get("kind").String())
}

func TestSync_ResubmitWithoutIDs_NoDuplicates(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	batch := map[string]any{
		"sessions": []record.Session{
			{DurationMinutes: 25, Timestamp: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)},
		},
	}

	status, _ := api.post(t, "/api/sync/alice", token, batch)
	require.Equal(t, http.StatusOK, status)

	status, body := api.post(t, "/api/sync/alice", token, batch)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.GetBytes(body, "sessions").Array(), 1)
}

func TestSync_WithoutToken_Unauthorized(t *testing.T) {
	api := newTestAPI(t)

	status, _ := api.post(t, "/api/sync/alice", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSync_OtherOwner_Forbidden(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")
	api.register(t, "bob")

	status, body := api.post(t, "/api/sync/bob", token, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "unauthorized", gjson.GetBytes(body, "error.kind").String())
}

func TestSync_MalformedBody(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	req, err := http.NewRequest(http.MethodPost, api.srv.URL+"/api/sync/alice", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := api.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplaceTasks_OverwritesEverything(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, _ := api.post(t, "/api/sync/alice", token, map[string]any{
		"tasks": []record.Task{
			{Title: "Old A", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
			{Title: "Old B", CreatedAt: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, http.StatusOK, status)

	status, body := api.post(t, "/api/tasks/alice", token, []record.Task{
		{Title: "Replacement", CreatedAt: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)},
	})
	require.Equal(t, http.StatusOK, status)

	tasks := gjson.GetBytes(body, "tasks").Array()
	require.Len(t, tasks, 1)
	assert.Equal(t, "Replacement", tasks[0].Get("title").String())

	status, body = api.do(t, http.MethodGet, "/api/tasks/alice", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.ParseBytes(body).Array(), 1)
}

func TestDeleteTask_ReturnsRemainingList(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.post(t, "/api/sync/alice", token, map[string]any{
		"tasks": []record.Task{
			{Title: "Keep", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
			{Title: "Drop", CreatedAt: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, http.StatusOK, status)

	var dropID string

	for _, tk := range gjson.GetBytes(body, "tasks").Array() {
		if tk.Get("title").String() == "Drop" {
			dropID = tk.Get("id").String()
		}
	}
	require.NotEmpty(t, dropID)

	status, body = api.do(t, http.MethodDelete, "/api/tasks/alice/"+dropID, token, nil)
	require.Equal(t, http.StatusOK, status)

	remaining := gjson.ParseBytes(body).Array()
	require.Len(t, remaining, 1)
	assert.Equal(t, "Keep", remaining[0].Get("title").String())
}

func TestUpdateTask_AppliesMutableFields(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.post(t, "/api/sync/alice", token, map[string]any{
		"tasks": []record.Task{
			{Title: "Before", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, http.StatusOK, status)

	id := gjson.GetBytes(body, "tasks.0.id").String()
	require.NotEmpty(t, id)

	status, body = api.do(t, http.MethodPut, "/api/tasks/alice/"+id, token, map[string]any{
		"title":            "After",
		"completed":        true,
		"estimatedMinutes": 30,
	})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "After", gjson.GetBytes(body, "title").String())
	assert.True(t, gjson.GetBytes(body, "completed").Bool())
	assert.Equal(t, id, gjson.GetBytes(body, "id").String(), "identity preserved")

	status, body = api.do(t, http.MethodGet, "/api/tasks/alice", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "After", gjson.ParseBytes(body).Array()[0].Get("title").String())
}

func TestUpdateTask_UnknownID(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.do(t, http.MethodPut, "/api/tasks/alice/no-such-id", token, map[string]any{
		"title": "X",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "error.kind").String())
}

func TestUpdateTask_InvalidFields(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.post(t, "/api/sync/alice", token, map[string]any{
		"tasks": []record.Task{
			{Title: "Fine", CreatedAt: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		},
	})
	require.Equal(t, http.StatusOK, status)

	id := gjson.GetBytes(body, "tasks.0.id").String()

	status, body = api.do(t, http.MethodPut, "/api/tasks/alice/"+id, token, map[string]any{
		"title":            "Fine",
		"estimatedMinutes": -10,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", gjson.GetBytes(body, "error.kind").String())
}

func TestDeleteTask_UnknownID(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.do(t, http.MethodDelete, "/api/tasks/alice/no-such-id", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", gjson.GetBytes(body, "error.kind").String())
}

func TestAddSession_Created(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.post(t, "/api/sessions/alice", token, record.Session{
		DurationMinutes: 25,
		Timestamp:       time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	})
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, gjson.GetBytes(body, "id").String())

	status, body = api.do(t, http.MethodGet, "/api/sessions/alice", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, gjson.ParseBytes(body).Array(), 1)
}

func TestAddSession_InvalidDuration(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.post(t, "/api/sessions/alice", token, record.Session{DurationMinutes: 0})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", gjson.GetBytes(body, "error.kind").String())
}

func TestGetTasks_EmptyOwner_RendersEmptyArray(t *testing.T) {
	api := newTestAPI(t)
	token := api.register(t, "alice")

	status, body := api.do(t, http.MethodGet, "/api/tasks/alice", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", string(bytes.TrimSpace(body)))
}
