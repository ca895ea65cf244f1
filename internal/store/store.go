// Package store is the server-side Record Store: durable, keyed storage
// for each owner's canonical Task and Session records, backed by bbolt.
//
// Every reconciliation is a read-modify-write inside a single bbolt
// update transaction. Update transactions are serialized, so two
// concurrent reconciliations for the same owner can never both read the
// same canonical snapshot and overwrite each other's writes.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	apperrors "github.com/alexjbarnes/momentum-sync/internal/errors"
	"github.com/alexjbarnes/momentum-sync/internal/reconcile"
	"github.com/alexjbarnes/momentum-sync/internal/record"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var usersBucket = []byte("users")

func taskBucket(owner string) []byte {
	return []byte("tasks:" + owner)
}

func sessionBucket(owner string) []byte {
	return []byte("sessions:" + owner)
}

// User is an owner identity with a bcrypt password hash. The store only
// persists it; hashing and verification live in internal/auth.
type User struct {
	Name         string    `json:"name"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store wraps a bbolt database holding all canonical records.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens the record database at the given path, creating it and its
// parent directory if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening record db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing record db: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveUser persists a user, overwriting any existing entry with the
// same name.
func (s *Store) SaveUser(u User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}

		return tx.Bucket(usersBucket).Put([]byte(u.Name), data)
	})
}

// GetUser returns a user by name, or nil if not found.
func (s *Store) GetUser(name string) (*User, error) {
	var u *User

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(name))
		if v == nil {
			return nil
		}

		u = &User{}

		return json.Unmarshal(v, u)
	})

	return u, err
}

// GetTasks returns the canonical task list for an owner, newest first.
func (s *Store) GetTasks(owner string) ([]record.Task, error) {
	var tasks []record.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		tasks, err = readTasks(tx, owner)

		return err
	})
	if err != nil {
		return nil, err
	}

	record.SortTasks(tasks)

	return tasks, nil
}

// GetSessions returns the canonical session list for an owner, newest first.
func (s *Store) GetSessions(owner string) ([]record.Session, error) {
	var sessions []record.Session

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sessions, err = readSessions(tx, owner)

		return err
	})
	if err != nil {
		return nil, err
	}

	record.SortSessions(sessions)

	return sessions, nil
}

// ApplyMerge reconciles an incoming batch against the owner's canonical
// records and persists the merged result. The read, merge, and write
// all happen inside one update transaction: either the full merged set
// is persisted or nothing is.
//
// Records the merge materialized without a server ID get one assigned
// here, so the returned result lists only identified records.
func (s *Store) ApplyMerge(owner string, incoming reconcile.Batch) (reconcile.Result, error) {
	var res reconcile.Result

	err := s.db.Update(func(tx *bolt.Tx) error {
		tasks, err := readTasks(tx, owner)
		if err != nil {
			return err
		}

		sessions, err := readSessions(tx, owner)
		if err != nil {
			return err
		}

		canonical := reconcile.Batch{Tasks: tasks, Sessions: sessions}
		res = reconcile.Merge(owner, incoming, canonical, s.now())

		for i := range res.Tasks {
			if !res.Tasks[i].ID.Assigned() {
				res.Tasks[i].ID = record.ID(uuid.NewString())
			}
		}

		for i := range res.Sessions {
			if !res.Sessions[i].ID.Assigned() {
				res.Sessions[i].ID = record.ID(uuid.NewString())
			}
		}

		// Re-sort: freshly assigned ids participate in tie-breaking.
		record.SortTasks(res.Tasks)
		record.SortSessions(res.Sessions)

		if err := writeTasks(tx, owner, res.Tasks); err != nil {
			return err
		}

		return writeSessions(tx, owner, res.Sessions)
	})
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("applying merge for %s: %w", owner, err)
	}

	return res, nil
}

// ReplaceTasks destroys the owner's existing task records and persists
// exactly the given list with fresh identities. This is the explicit,
// intentionally destructive bulk-replace mode; it never consults
// fallback keys and is not safe against concurrently queued edits.
func (s *Store) ReplaceTasks(owner string, tasks []record.Task) ([]record.Task, []reconcile.RecordError, error) {
	normalized, rejected := reconcile.NormalizeReplacement(owner, tasks, s.now())

	for i := range normalized {
		normalized[i].ID = record.ID(uuid.NewString())
	}

	record.SortTasks(normalized)

	err := s.db.Update(func(tx *bolt.Tx) error {
		return writeTasks(tx, owner, normalized)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("replacing tasks for %s: %w", owner, err)
	}

	return normalized, rejected, nil
}

// CreateSession validates and persists a single session with a fresh
// server identity. Used by the append-one route on timer completion.
func (s *Store) CreateSession(owner string, sess record.Session) (record.Session, error) {
	sess.ID = ""
	sess.Owner = owner

	if sess.Timestamp.IsZero() {
		sess.Timestamp = s.now()
	}

	sess.Timestamp = sess.Timestamp.UTC().Truncate(time.Millisecond)

	if err := sess.Validate(); err != nil {
		return record.Session{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidRecord, err)
	}

	sess.ID = record.ID(uuid.NewString())

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket(owner))
		if err != nil {
			return err
		}

		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		return b.Put([]byte(sess.ID), data)
	})
	if err != nil {
		return record.Session{}, fmt.Errorf("creating session for %s: %w", owner, err)
	}

	return sess, nil
}

// UpdateTask overwrites the mutable fields of an identified task. The
// identity-bearing fields (id, owner, createdAt) are kept from the
// stored record. Returns ErrRecordNotFound when the id does not exist
// for this owner.
func (s *Store) UpdateTask(owner string, in record.Task) (record.Task, error) {
	var updated record.Task

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket(owner))
		if b == nil {
			return apperrors.ErrRecordNotFound
		}

		v := b.Get([]byte(in.ID))
		if v == nil {
			return apperrors.ErrRecordNotFound
		}

		var cur record.Task
		if err := json.Unmarshal(v, &cur); err != nil {
			return err
		}

		cur.Title = in.Title
		cur.Completed = in.Completed
		cur.EstimatedMinutes = in.EstimatedMinutes

		if err := cur.Validate(); err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidRecord, err)
		}

		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}

		updated = cur

		return b.Put([]byte(cur.ID), data)
	})
	if err != nil {
		return record.Task{}, err
	}

	return updated, nil
}

// DeleteTask removes a single task by id. Returns ErrRecordNotFound
// when the id does not exist for this owner.
func (s *Store) DeleteTask(owner string, id record.ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(taskBucket(owner))
		if b == nil || b.Get([]byte(id)) == nil {
			return apperrors.ErrRecordNotFound
		}

		return b.Delete([]byte(id))
	})
}

func readTasks(tx *bolt.Tx, owner string) ([]record.Task, error) {
	b := tx.Bucket(taskBucket(owner))
	if b == nil {
		return nil, nil
	}

	var tasks []record.Task

	err := b.ForEach(func(k, v []byte) error {
		var t record.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}

		tasks = append(tasks, t)

		return nil
	})

	return tasks, err
}

func readSessions(tx *bolt.Tx, owner string) ([]record.Session, error) {
	b := tx.Bucket(sessionBucket(owner))
	if b == nil {
		return nil, nil
	}

	var sessions []record.Session

	err := b.ForEach(func(k, v []byte) error {
		var s record.Session
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}

		sessions = append(sessions, s)

		return nil
	})

	return sessions, err
}

// writeTasks rewrites the owner's task bucket to hold exactly the given
// list. Dropping and recreating the bucket keeps the overwrite atomic
// within the enclosing transaction.
func writeTasks(tx *bolt.Tx, owner string, tasks []record.Task) error {
	name := taskBucket(owner)

	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	b, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(t.ID), data); err != nil {
			return err
		}
	}

	return nil
}

func writeSessions(tx *bolt.Tx, owner string, sessions []record.Session) error {
	name := sessionBucket(owner)

	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
	}

	b, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(sess.ID), data); err != nil {
			return err
		}
	}

	return nil
}
