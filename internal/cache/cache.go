// Package cache is the client-side durable cache of the last-known
// canonical record lists. It is the offline source of truth: local
// edits accumulate here between reconciliations, and the merged result
// is written back after each successful sync.
//
// The cache never touches the network, and corrupt stored data degrades
// to an empty list instead of an error.
package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/momentum-sync/internal/record"
)

const (
	cacheDirPerm  = fs.FileMode(0o700)
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

func ownerBucket(owner string) []byte {
	return []byte("owner:" + owner)
}

// Cache wraps a bbolt database keyed by owner and record kind. Each
// list is stored as a single JSON value, so a write replaces the whole
// list atomically and readers never observe a partial write.
type Cache struct {
	db *bolt.DB
}

// Open opens the cache database at the given path, creating it and its
// parent directory if they do not exist.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Tasks returns the cached task list for an owner. Absent or corrupt
// data yields an empty list, never an error: an unreadable cache must
// not take the client down, it just means there is nothing queued.
func (c *Cache) Tasks(owner string) []record.Task {
	var tasks []record.Task

	_ = c.db.View(func(tx *bolt.Tx) error {
		v := c.get(tx, owner, record.KindTask)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &tasks); err != nil {
			tasks = nil
		}

		return nil
	})

	return tasks
}

// Sessions returns the cached session list for an owner, with the same
// degrade-to-empty contract as Tasks.
func (c *Cache) Sessions(owner string) []record.Session {
	var sessions []record.Session

	_ = c.db.View(func(tx *bolt.Tx) error {
		v := c.get(tx, owner, record.KindSession)
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &sessions); err != nil {
			sessions = nil
		}

		return nil
	})

	return sessions
}

// WriteTasks overwrites the cached task list for an owner.
func (c *Cache) WriteTasks(owner string, tasks []record.Task) error {
	return c.put(owner, record.KindTask, tasks)
}

// WriteSessions overwrites the cached session list for an owner.
func (c *Cache) WriteSessions(owner string, sessions []record.Session) error {
	return c.put(owner, record.KindSession, sessions)
}

// AddTask appends a locally created task to the cached list. The record
// carries no server ID until the next reconciliation confirms it.
func (c *Cache) AddTask(owner string, t record.Task) error {
	tasks := append(c.Tasks(owner), t)
	return c.WriteTasks(owner, tasks)
}

// AddSession appends a locally completed focus session to the cached list.
func (c *Cache) AddSession(owner string, s record.Session) error {
	sessions := append(c.Sessions(owner), s)
	return c.WriteSessions(owner, sessions)
}

func (c *Cache) get(tx *bolt.Tx, owner string, kind record.Kind) []byte {
	b := tx.Bucket(ownerBucket(owner))
	if b == nil {
		return nil
	}

	return b.Get([]byte(kind))
}

func (c *Cache) put(owner string, kind record.Kind, records any) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding cached %s: %w", kind, err)
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(ownerBucket(owner))
		if err != nil {
			return err
		}

		return b.Put([]byte(kind), data)
	})
}
