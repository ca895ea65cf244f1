package reconcile

import (
	"time"

	"github.com/alexjbarnes/momentum-sync/internal/record"
)

// mergeTasks runs the per-kind merge for tasks. Two passes: identified
// updates first, then unidentified records against the updated set, so
// the outcome does not depend on how updates and creates interleave in
// the incoming batch.
func mergeTasks(owner string, incoming, canonical []record.Task, now time.Time) ([]record.Task, mergeStats, []RecordError) {
	out := make([]record.Task, len(canonical))
	copy(out, canonical)

	var (
		stats        mergeStats
		errs         []RecordError
		unidentified []record.Task
	)

	// Pass 1: validate, apply identified updates.
	ix := indexTasks(out)

	for _, in := range incoming {
		in = normalizeTask(owner, in, now)

		if err := in.Validate(); err != nil {
			errs = append(errs, RecordError{
				Record: record.KindTask,
				ID:     in.ID,
				Kind:   ErrValidation,
				Reason: err.Error(),
			})

			continue
		}

		switch res, pos, _ := ix.resolve(in, out, nil); res {
		case resolveUpdate:
			// Identity-bearing fields stay canonical; mutable fields come
			// from the incoming record. Client writes win.
			cur := out[pos]
			cur.Title = in.Title
			cur.Completed = in.Completed
			cur.EstimatedMinutes = in.EstimatedMinutes
			out[pos] = cur
			stats.updated++
		case resolveMissing:
			errs = append(errs, RecordError{
				Record: record.KindTask,
				ID:     in.ID,
				Kind:   ErrNotFound,
				Reason: "no task with this id for owner",
			})
		default:
			// Unidentified records wait for pass 2, where the index
			// reflects the applied updates.
			unidentified = append(unidentified, in)
		}
	}

	// Pass 2: resolve unidentified records against the updated set.
	ix = indexTasks(out)
	removed := make(map[int]bool)

	for _, in := range unidentified {
		res, keep, surplus := ix.resolve(in, out, removed)
		if res == resolveDuplicate {
			for _, p := range surplus {
				removed[p] = true
				stats.collapsed++
			}

			cur := out[keep]
			cur.Completed = in.Completed
			cur.EstimatedMinutes = in.EstimatedMinutes
			out[keep] = cur
			stats.collapsed++

			continue
		}

		out = append(out, in)
		ix.add(len(out)-1, in)
		stats.created++
	}

	return dropRemovedTasks(out, removed), stats, errs
}

// mergeSessions runs the per-kind merge for sessions, mirroring
// mergeTasks. Duration is the only mutable field an identified update
// may change; the completion timestamp is identity-bearing.
func mergeSessions(owner string, incoming, canonical []record.Session, now time.Time) ([]record.Session, mergeStats, []RecordError) {
	out := make([]record.Session, len(canonical))
	copy(out, canonical)

	var (
		stats        mergeStats
		errs         []RecordError
		unidentified []record.Session
	)

	ix := indexSessions(out)

	for _, in := range incoming {
		in = normalizeSession(owner, in, now)

		if err := in.Validate(); err != nil {
			errs = append(errs, RecordError{
				Record: record.KindSession,
				ID:     in.ID,
				Kind:   ErrValidation,
				Reason: err.Error(),
			})

			continue
		}

		switch res, pos, _ := ix.resolve(in, out, nil); res {
		case resolveUpdate:
			cur := out[pos]
			cur.DurationMinutes = in.DurationMinutes
			cur.SessionsCompleted = in.SessionsCompleted
			out[pos] = cur
			stats.updated++
		case resolveMissing:
			errs = append(errs, RecordError{
				Record: record.KindSession,
				ID:     in.ID,
				Kind:   ErrNotFound,
				Reason: "no session with this id for owner",
			})
		default:
			unidentified = append(unidentified, in)
		}
	}

	ix = indexSessions(out)
	removed := make(map[int]bool)

	for _, in := range unidentified {
		res, keep, surplus := ix.resolve(in, out, removed)
		if res == resolveDuplicate {
			for _, p := range surplus {
				removed[p] = true
				stats.collapsed++
			}

			cur := out[keep]
			cur.SessionsCompleted = in.SessionsCompleted
			out[keep] = cur
			stats.collapsed++

			continue
		}

		out = append(out, in)
		ix.add(len(out)-1, in)
		stats.created++
	}

	return dropRemovedSessions(out, removed), stats, errs
}

func dropRemovedTasks(tasks []record.Task, removed map[int]bool) []record.Task {
	if len(removed) == 0 {
		return tasks
	}

	out := tasks[:0]

	for i, t := range tasks {
		if !removed[i] {
			out = append(out, t)
		}
	}

	return out
}

func dropRemovedSessions(sessions []record.Session, removed map[int]bool) []record.Session {
	if len(removed) == 0 {
		return sessions
	}

	out := sessions[:0]

	for i, s := range sessions {
		if !removed[i] {
			out = append(out, s)
		}
	}

	return out
}
