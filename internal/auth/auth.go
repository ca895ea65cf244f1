// Package auth handles owner credentials and bearer tokens for the
// record server. Passwords are stored as bcrypt hashes; tokens are
// in-memory and invalidated on restart, which simply forces clients
// through the login flow (itself a sync trigger) on reconnect.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/alexjbarnes/momentum-sync/internal/errors"
	"github.com/alexjbarnes/momentum-sync/internal/store"
)

const (
	tokenExpiry = 24 * time.Hour

	// tokenBytes is the entropy of an issued bearer token.
	tokenBytes = 32
)

type contextKey int

const ctxOwner contextKey = iota

// RequestOwner returns the authenticated owner from the context, or "".
func RequestOwner(ctx context.Context) string {
	v, _ := ctx.Value(ctxOwner).(string)
	return v
}

// tokenInfo tracks one issued bearer token.
type tokenInfo struct {
	owner     string
	expiresAt time.Time
}

// UserStore is the subset of the record store the service needs.
type UserStore interface {
	GetUser(name string) (*store.User, error)
	SaveUser(u store.User) error
}

// Service registers owners, verifies credentials, and issues tokens.
type Service struct {
	users UserStore
	now   func() time.Time

	mu     sync.RWMutex
	tokens map[string]tokenInfo
}

// NewService creates an auth service over the given user store.
func NewService(users UserStore) *Service {
	return &Service{
		users:  users,
		now:    time.Now,
		tokens: make(map[string]tokenInfo),
	}
}

// Register creates a new owner with a bcrypt-hashed password and issues
// a token. Returns ErrUserExists if the name is taken.
func (s *Service) Register(username, password string) (string, error) {
	existing, err := s.users.GetUser(username)
	if err != nil {
		return "", err
	}

	if existing != nil {
		return "", apperrors.ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	err = s.users.SaveUser(store.User{
		Name:         username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		return "", err
	}

	return s.issue(username), nil
}

// Login verifies credentials and issues a token. Unknown users and bad
// passwords produce the same error so login cannot probe for names.
func (s *Service) Login(username, password string) (string, error) {
	u, err := s.users.GetUser(username)
	if err != nil {
		return "", err
	}

	if u == nil {
		return "", apperrors.ErrInvalidCredentials
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", apperrors.ErrInvalidCredentials
	}

	return s.issue(username), nil
}

// Verify resolves a bearer token to its owner. Expired tokens are
// removed on sight.
func (s *Service) Verify(token string) (string, error) {
	s.mu.RLock()
	ti, ok := s.tokens[token]
	s.mu.RUnlock()

	if !ok {
		return "", apperrors.ErrInvalidToken
	}

	if s.now().After(ti.expiresAt) {
		s.mu.Lock()
		delete(s.tokens, token)
		s.mu.Unlock()

		return "", apperrors.ErrInvalidToken
	}

	return ti.owner, nil
}

func (s *Service) issue(owner string) string {
	token := randomHex(tokenBytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Sweep expired tokens while holding the lock; cheaper than a
	// background reaper for the handful of tokens a personal tracker sees.
	now := s.now()
	for t, ti := range s.tokens {
		if now.After(ti.expiresAt) {
			delete(s.tokens, t)
		}
	}

	s.tokens[token] = tokenInfo{owner: owner, expiresAt: now.Add(tokenExpiry)}

	return token
}

// Middleware returns HTTP middleware that validates Bearer tokens and
// injects the authenticated owner into the request context.
func Middleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token", slog.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			owner, err := svc.Verify(token)
			if err != nil {
				logger.Debug("middleware: invalid bearer token", slog.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			ctx := context.WithValue(r.Context(), ctxOwner, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func randomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
