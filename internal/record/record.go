// Package record defines the Task and Session records exchanged between
// the client cache, the reconciliation engine, and the canonical store.
package record

import (
	"fmt"
	"sort"
	"time"
)

// Kind selects which record collection an operation applies to.
type Kind string

const (
	KindTask    Kind = "tasks"
	KindSession Kind = "sessions"
)

// ID is a server-assigned record identifier. The zero value marks a
// record that originated on a client and has not been confirmed by the
// server yet. Only the reconcile resolver branches on Assigned to
// classify records; the store consults it solely to issue fresh ids.
type ID string

// Assigned reports whether the server has issued an identity for the record.
func (id ID) Assigned() bool {
	return id != ""
}

// Task is a to-do item owned by a single user. Title and CreatedAt double
// as the fallback identity for tasks created offline, so CreatedAt is
// truncated to millisecond precision on the way in.
type Task struct {
	ID               ID        `json:"id,omitempty"`
	Owner            string    `json:"owner"`
	Title            string    `json:"title"`
	Completed        bool      `json:"completed"`
	CreatedAt        time.Time `json:"createdAt"`
	EstimatedMinutes int       `json:"estimatedMinutes,omitempty"`
}

// Session is one completed focus interval. Sessions are append-mostly:
// created on timer completion or during a merge, never edited in place.
type Session struct {
	ID                ID        `json:"id,omitempty"`
	Owner             string    `json:"owner"`
	DurationMinutes   int       `json:"durationMinutes"`
	Timestamp         time.Time `json:"timestamp"`
	SessionsCompleted int       `json:"sessionsCompleted,omitempty"`
}

// Validate checks the fields a task must carry before it can be merged
// or persisted. An empty title is allowed: it is a valid fallback-key
// component, not a missing one.
func (t Task) Validate() error {
	if t.EstimatedMinutes < 0 {
		return fmt.Errorf("estimatedMinutes must not be negative, got %d", t.EstimatedMinutes)
	}

	if t.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}

	return nil
}

// Validate checks the fields a session must carry before it can be
// merged or persisted.
func (s Session) Validate() error {
	if s.DurationMinutes <= 0 {
		return fmt.Errorf("durationMinutes must be positive, got %d", s.DurationMinutes)
	}

	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	return nil
}

// SortTasks orders tasks newest-first by creation time. Ties are broken
// by ID and then title so repeated merges of unchanged input produce
// byte-identical ordering.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}

		if tasks[i].ID != tasks[j].ID {
			return tasks[i].ID < tasks[j].ID
		}

		return tasks[i].Title < tasks[j].Title
	})
}

// SortSessions orders sessions newest-first by completion time, with the
// same stable tie-breaking as SortTasks.
func SortSessions(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].Timestamp.Equal(sessions[j].Timestamp) {
			return sessions[i].Timestamp.After(sessions[j].Timestamp)
		}

		if sessions[i].ID != sessions[j].ID {
			return sessions[i].ID < sessions[j].ID
		}

		return sessions[i].DurationMinutes < sessions[j].DurationMinutes
	})
}
