package reconcile

import (
	"github.com/alexjbarnes/momentum-sync/internal/record"
)

// resolution is the identity resolver's verdict for one incoming record
// held against one canonical set.
type resolution int

const (
	// resolveUpdate means the incoming record carries a server ID found
	// in the canonical set.
	resolveUpdate resolution = iota

	// resolveDuplicate means the record has no server ID but its
	// fallback key matches an existing canonical record. It must
	// collapse into that record, never create a second one.
	resolveDuplicate

	// resolveNew means the record has no server ID and no fallback-key
	// match; it materializes a fresh canonical entry.
	resolveNew

	// resolveMissing means the record carries a server ID the owner's
	// canonical set does not contain. The update is dropped and
	// reported, never applied and never turned into a create.
	resolveMissing
)

// taskKey is the fallback identity for tasks lacking a server ID:
// exact title plus creation time at millisecond precision. An empty
// title is a valid key component.
type taskKey struct {
	title     string
	createdAt int64
}

func taskKeyOf(t record.Task) taskKey {
	return taskKey{title: t.Title, createdAt: t.CreatedAt.UnixMilli()}
}

// sessionKey is the fallback identity for sessions lacking a server ID.
type sessionKey struct {
	duration  int
	timestamp int64
}

func sessionKeyOf(s record.Session) sessionKey {
	return sessionKey{duration: s.DurationMinutes, timestamp: s.Timestamp.UnixMilli()}
}

// taskIndex indexes one owner's canonical tasks by both identity forms.
// Positions refer to the slice the index was built from.
type taskIndex struct {
	byID  map[record.ID]int
	byKey map[taskKey][]int
}

func indexTasks(tasks []record.Task) *taskIndex {
	ix := &taskIndex{
		byID:  make(map[record.ID]int, len(tasks)),
		byKey: make(map[taskKey][]int, len(tasks)),
	}

	for i, t := range tasks {
		ix.add(i, t)
	}

	return ix
}

func (ix *taskIndex) add(pos int, t record.Task) {
	if t.ID.Assigned() {
		ix.byID[t.ID] = pos
	}

	key := taskKeyOf(t)
	ix.byKey[key] = append(ix.byKey[key], pos)
}

// resolve classifies one incoming task against the indexed canonical
// set. This is the only place that branches on whether a record carries
// a server identity. keep points at the matched canonical record for
// resolveUpdate and resolveDuplicate (-1 otherwise); surplus lists
// further fallback-key matches that must collapse into keep. removed
// filters positions already collapsed during the current merge.
func (ix *taskIndex) resolve(in record.Task, tasks []record.Task, removed map[int]bool) (res resolution, keep int, surplus []int) {
	if in.ID.Assigned() {
		if pos, ok := ix.byID[in.ID]; ok {
			return resolveUpdate, pos, nil
		}

		return resolveMissing, -1, nil
	}

	if positions := live(ix.byKey[taskKeyOf(in)], removed); len(positions) > 0 {
		keep = survivorTask(tasks, positions)

		for _, p := range positions {
			if p != keep {
				surplus = append(surplus, p)
			}
		}

		return resolveDuplicate, keep, surplus
	}

	return resolveNew, -1, nil
}

// sessionIndex is the session counterpart of taskIndex.
type sessionIndex struct {
	byID  map[record.ID]int
	byKey map[sessionKey][]int
}

func indexSessions(sessions []record.Session) *sessionIndex {
	ix := &sessionIndex{
		byID:  make(map[record.ID]int, len(sessions)),
		byKey: make(map[sessionKey][]int, len(sessions)),
	}

	for i, s := range sessions {
		ix.add(i, s)
	}

	return ix
}

func (ix *sessionIndex) add(pos int, s record.Session) {
	if s.ID.Assigned() {
		ix.byID[s.ID] = pos
	}

	key := sessionKeyOf(s)
	ix.byKey[key] = append(ix.byKey[key], pos)
}

// resolve classifies one incoming session, mirroring taskIndex.resolve.
func (ix *sessionIndex) resolve(in record.Session, sessions []record.Session, removed map[int]bool) (res resolution, keep int, surplus []int) {
	if in.ID.Assigned() {
		if pos, ok := ix.byID[in.ID]; ok {
			return resolveUpdate, pos, nil
		}

		return resolveMissing, -1, nil
	}

	if positions := live(ix.byKey[sessionKeyOf(in)], removed); len(positions) > 0 {
		keep = survivorSession(sessions, positions)

		for _, p := range positions {
			if p != keep {
				surplus = append(surplus, p)
			}
		}

		return resolveDuplicate, keep, surplus
	}

	return resolveNew, -1, nil
}

// live filters out positions already collapsed as surplus duplicates.
func live(positions []int, removed map[int]bool) []int {
	var out []int

	for _, p := range positions {
		if !removed[p] {
			out = append(out, p)
		}
	}

	return out
}

// survivorTask picks which of several fallback-key matches survives a
// duplicate collapse: the earliest-created record, then the smallest ID.
// Multiple matches should not occur under correct operation, but merge
// must handle them deterministically.
func survivorTask(tasks []record.Task, positions []int) int {
	keep := positions[0]

	for _, p := range positions[1:] {
		if tasks[p].CreatedAt.Before(tasks[keep].CreatedAt) {
			keep = p
			continue
		}

		if tasks[p].CreatedAt.Equal(tasks[keep].CreatedAt) && tasks[p].ID < tasks[keep].ID {
			keep = p
		}
	}

	return keep
}

// survivorSession picks the surviving session among fallback-key
// matches. Matches share a timestamp by construction, so the smallest
// ID decides.
func survivorSession(sessions []record.Session, positions []int) int {
	keep := positions[0]

	for _, p := range positions[1:] {
		if sessions[p].ID < sessions[keep].ID {
			keep = p
		}
	}

	return keep
}
