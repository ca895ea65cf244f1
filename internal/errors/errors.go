package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserExists         = errors.New("user already exists")
	ErrRecordNotFound     = errors.New("record not found")
	ErrInvalidRecord      = errors.New("invalid record")
)

// Server/transport errors.
var (
	ErrAPIRequest             = errors.New("API request failed")
	ErrAPIResponse            = errors.New("unexpected API response")
	ErrConcurrentModification = errors.New("canonical set changed mid-reconciliation")
)
