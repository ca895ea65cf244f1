package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/momentum-sync/internal/errors"
	"github.com/alexjbarnes/momentum-sync/internal/reconcile"
	"github.com/alexjbarnes/momentum-sync/internal/record"
)

// TransientError wraps an error that is likely temporary and safe to
// retry on the next trigger (reconnect, login, explicit request).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the reconciliation should be retried on the
// next triggering event rather than treated as fatal.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout bounds a reconciliation call. A call that does
	// not complete in time is a failure; no partial application occurs.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// AuthResult is the server's reply to register and login: the owner's
// token plus the canonical lists, which seed the client cache.
type AuthResult struct {
	Owner    string
	Token    string
	Tasks    []record.Task
	Sessions []record.Session
}

// Snapshot is the canonical state returned by the reconciliation
// endpoint, along with the per-record rejections the merge reported.
type Snapshot struct {
	Tasks    []record.Task
	Sessions []record.Session
	Rejected []reconcile.RecordError
}

// Client talks to the record server's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client for the given base URL. If httpClient
// is nil, a client with a 30-second timeout is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// SetToken installs the bearer token used on authenticated routes.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Register creates an account and returns the initial canonical state.
func (c *Client) Register(ctx context.Context, username, password string) (AuthResult, error) {
	return c.authRequest(ctx, "/api/users/register", username, password)
}

// Login authenticates and returns the current canonical state.
func (c *Client) Login(ctx context.Context, username, password string) (AuthResult, error) {
	return c.authRequest(ctx, "/api/users/login", username, password)
}

func (c *Client) authRequest(ctx context.Context, path, username, password string) (AuthResult, error) {
	body, err := c.post(ctx, path, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return AuthResult{}, err
	}

	var resp struct {
		User struct {
			Name string `json:"name"`
		} `json:"user"`
		Token    string           `json:"token"`
		Tasks    []record.Task    `json:"tasks"`
		Sessions []record.Session `json:"sessions"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return AuthResult{}, fmt.Errorf("%w: decoding auth response: %w", apperrors.ErrAPIResponse, err)
	}

	c.token = resp.Token

	return AuthResult{
		Owner:    resp.User.Name,
		Token:    resp.Token,
		Tasks:    resp.Tasks,
		Sessions: resp.Sessions,
	}, nil
}

// Reconcile submits the owner's locally queued batch and returns the
// merged canonical snapshot.
func (c *Client) Reconcile(ctx context.Context, owner string, batch reconcile.Batch) (Snapshot, error) {
	body, err := c.post(ctx, "/api/sync/"+owner, batch)
	if err != nil {
		return Snapshot{}, err
	}

	var resp struct {
		Tasks    []record.Task           `json:"tasks"`
		Sessions []record.Session        `json:"sessions"`
		Errors   []reconcile.RecordError `json:"errors"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decoding sync response: %w", apperrors.ErrAPIResponse, err)
	}

	return Snapshot{Tasks: resp.Tasks, Sessions: resp.Sessions, Rejected: resp.Errors}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts are retried on the next trigger.
		return nil, &TransientError{Err: fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: reading response: %w", apperrors.ErrAPIRequest, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	return nil, c.classifyError(resp.StatusCode, body)
}

// classifyError maps an error response onto the client error taxonomy
// using the machine-readable kind in the body when one is present.
func (c *Client) classifyError(status int, body []byte) error {
	kind := gjson.GetBytes(body, "error.kind").String()
	message := gjson.GetBytes(body, "error.message").String()

	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidToken, message)
	case kind == "conflict" || status == http.StatusConflict:
		return fmt.Errorf("%w: %s", apperrors.ErrConcurrentModification, message)
	case status >= 500 || kind == "transient":
		return &TransientError{Err: fmt.Errorf("%w: status %d: %s", apperrors.ErrAPIRequest, status, message)}
	default:
		return fmt.Errorf("%w: status %d: %s", apperrors.ErrAPIResponse, status, message)
	}
}
