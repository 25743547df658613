// Package localstore is the client's durable key-value storage:
// namespaced string keys holding JSON blobs, each stamped with its
// write time for staleness checks. It survives process crashes, which
// is what allows the offline queue and the last timer snapshot to be
// recovered on restart.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known keys. All live under the "timersync:" namespace.
const (
	KeyTimer         = "timersync:timer"
	KeyQueue         = "timersync:queue"
	KeyFailedEntries = "timersync:failed"
	KeyPreferences   = "timersync:prefs"
	KeyIdleState     = "timersync:idle"
)

// Record is a stored blob with its write stamp.
type Record struct {
	Value     json.RawMessage
	UpdatedAt time.Time
}

// ChangeFunc observes writes to the store. It fires synchronously on
// Put and Delete; this is the synthetic change event a tab gaining
// focus uses to pick up state written while it missed broadcasts.
type ChangeFunc func(key string, value json.RawMessage)

// Store is a durable namespaced JSON key-value store on SQLite.
type Store struct {
	db *sql.DB

	mu        sync.RWMutex
	listeners []ChangeFunc
}

// Open creates or opens the store at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnChange registers a listener for writes.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Get returns the record for a key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var value string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM kv WHERE key = $1`, key,
	).Scan(&value, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Record{Value: json.RawMessage(value), UpdatedAt: updatedAt}, nil
}

// GetJSON unmarshals the blob at key into out. Returns false if the
// key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	record, err := s.Get(ctx, key)
	if err != nil || record == nil {
		return false, err
	}
	return true, json.Unmarshal(record.Value, out)
}

// Put stores a value under key and notifies listeners.
func (s *Store) Put(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	s.notify(key, raw)
	return nil
}

// Delete removes a key and notifies listeners with a nil value.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return err
	}
	s.notify(key, nil)
	return nil
}

// Append appends an item to the JSON array at key, creating it if
// needed. Used for the failed-entries log.
func (s *Store) Append(ctx context.Context, key string, item interface{}) error {
	var items []json.RawMessage
	if _, err := s.GetJSON(ctx, key, &items); err != nil {
		return err
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	items = append(items, raw)
	return s.Put(ctx, key, items)
}

func (s *Store) notify(key string, value json.RawMessage) {
	s.mu.RLock()
	listeners := make([]ChangeFunc, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		fn(key, value)
	}
}
