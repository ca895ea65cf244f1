// Package reconcile implements the offline-first merge between a
// client's locally queued records and the server-held canonical set.
//
// The engine is pure: it performs no I/O and is deterministic for
// identical inputs. Callers persist the returned canonical lists
// atomically (see internal/store) and hand the result back to clients.
package reconcile

import (
	"time"

	"github.com/alexjbarnes/momentum-sync/internal/record"
)

// Batch groups one owner's tasks and sessions, either as an incoming
// client submission or as the canonical server-side snapshot.
type Batch struct {
	Tasks    []record.Task    `json:"tasks"`
	Sessions []record.Session `json:"sessions"`
}

// ErrorKind classifies a per-record merge rejection.
type ErrorKind string

const (
	// ErrValidation marks a malformed record. The record is rejected,
	// the rest of the batch proceeds.
	ErrValidation ErrorKind = "validation"

	// ErrNotFound marks an update whose server ID does not exist in the
	// owner's canonical set. The update is dropped, not fatal.
	ErrNotFound ErrorKind = "not_found"
)

// RecordError reports a single incoming record that could not be merged.
// Rejected records must be reported, never dropped silently.
type RecordError struct {
	Record record.Kind `json:"record"`
	ID     record.ID   `json:"id,omitempty"`
	Kind   ErrorKind   `json:"kind"`
	Reason string      `json:"reason"`
}

// Result is the outcome of one merge call: the next canonical lists in
// presentation order, write statistics, and the per-record rejections.
type Result struct {
	Tasks    []record.Task    `json:"tasks"`
	Sessions []record.Session `json:"sessions"`

	// Created counts records materialized without a server ID; the
	// store assigns identities when it persists the result.
	Created int `json:"created"`

	// Updated counts identity-matched records whose mutable fields were
	// overwritten by the incoming batch.
	Updated int `json:"updated"`

	// Collapsed counts duplicates discarded during the merge, both
	// incoming fallback-key duplicates and surplus canonical copies.
	Collapsed int `json:"collapsed"`

	Errors []RecordError `json:"errors,omitempty"`
}

// Merge reconciles an incoming batch against the canonical set for one
// owner and returns the next canonical set.
//
// Per kind: identified records update their canonical counterpart
// (mutable fields from incoming, identity fields from canonical);
// unidentified records either collapse into a fallback-key match or
// become creates; canonical records absent from incoming are retained
// unchanged. The merge is idempotent: re-submitting the same batch
// against its own output changes nothing.
//
// now supplies defaults for missing timestamps so the output stays
// deterministic for identical inputs.
func Merge(owner string, incoming, canonical Batch, now time.Time) Result {
	var res Result

	tasks, taskStats, taskErrs := mergeTasks(owner, incoming.Tasks, canonical.Tasks, now)
	sessions, sessStats, sessErrs := mergeSessions(owner, incoming.Sessions, canonical.Sessions, now)

	record.SortTasks(tasks)
	record.SortSessions(sessions)

	res.Tasks = tasks
	res.Sessions = sessions
	res.Created = taskStats.created + sessStats.created
	res.Updated = taskStats.updated + sessStats.updated
	res.Collapsed = taskStats.collapsed + sessStats.collapsed
	res.Errors = append(taskErrs, sessErrs...)

	return res
}

// NormalizeReplacement prepares a wholesale task-list replacement: every
// record is stripped of its server ID and normalized for the given
// owner, with createdAt defaulted to now when absent. No fallback-key
// matching happens in this mode; the caller destroys the prior set and
// persists exactly this list. Malformed records are rejected per-record.
//
// Replacement is not safe against concurrent edits: a partial update
// queued elsewhere while the replacement runs is lost.
func NormalizeReplacement(owner string, tasks []record.Task, now time.Time) ([]record.Task, []RecordError) {
	out := make([]record.Task, 0, len(tasks))

	var errs []RecordError

	for _, t := range tasks {
		t.ID = ""
		t = normalizeTask(owner, t, now)

		if err := t.Validate(); err != nil {
			errs = append(errs, RecordError{
				Record: record.KindTask,
				Kind:   ErrValidation,
				Reason: err.Error(),
			})

			continue
		}

		out = append(out, t)
	}

	record.SortTasks(out)

	return out, errs
}

type mergeStats struct {
	created   int
	updated   int
	collapsed int
}

// normalizeTask stamps the owning identity and defaults onto an
// incoming task. Timestamps are truncated to millisecond precision,
// the resolution fallback keys are built at.
func normalizeTask(owner string, t record.Task, now time.Time) record.Task {
	t.Owner = owner

	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	t.CreatedAt = t.CreatedAt.UTC().Truncate(time.Millisecond)

	return t
}

// normalizeSession is the session counterpart of normalizeTask.
func normalizeSession(owner string, s record.Session, now time.Time) record.Session {
	s.Owner = owner

	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}

	s.Timestamp = s.Timestamp.UTC().Truncate(time.Millisecond)

	return s
}
