package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	cm "github.com/unkn0wn-root/copymachine"
)

//go:embed schema.sql
var schemaSQL string

const sqliteSchemaVersion = 1

// SQLite is a cm.Store on a SQLite database in WAL mode. A transaction
// buffers its writes and applies them in one SQL transaction on Commit, so no
// connection is held while a copy machine waits between phases.
type SQLite struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// OpenSQLite creates or opens the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	// single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// a committed window must survive power loss, which WAL only
	// guarantees with a full sync
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Begin(update bool) (cm.Txn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cm.ErrClosed
	}
	return &sqliteTxn{s: s, update: update, writes: make(map[string][]byte)}, nil
}

// Close waits for commits in flight and closes the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLite) get(key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cm.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) apply(writes map[string][]byte) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	for k, v := range writes {
		if v == nil {
			if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, k); err != nil {
				return fmt.Errorf("delete %q: %w", k, err)
			}
			continue
		}
		_, err := tx.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now)
		if err != nil {
			return fmt.Errorf("put %q: %w", k, err)
		}
	}
	return tx.Commit()
}

type sqliteTxn struct {
	s      *SQLite
	update bool
	writes map[string][]byte // nil value marks a delete
	done   bool
}

func (t *sqliteTxn) Get(key string) ([]byte, error) {
	if v, ok := t.writes[key]; ok {
		if v == nil {
			return nil, cm.ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	return t.s.get(key)
}

func (t *sqliteTxn) Put(key string, value []byte) error {
	if !t.update || t.done {
		return cm.ErrClosed
	}
	t.writes[key] = append([]byte{}, value...)
	return nil
}

func (t *sqliteTxn) Delete(key string) error {
	if !t.update || t.done {
		return cm.ErrClosed
	}
	t.writes[key] = nil
	return nil
}

func (t *sqliteTxn) Commit() <-chan error {
	ch := make(chan error, 1)
	if t.done {
		ch <- cm.ErrClosed
		return ch
	}
	t.done = true
	if len(t.writes) == 0 {
		ch <- nil
		return ch
	}

	t.s.mu.Lock()
	if t.s.closed {
		t.s.mu.Unlock()
		ch <- cm.ErrClosed
		return ch
	}
	t.s.wg.Add(1)
	t.s.mu.Unlock()

	go func() {
		defer t.s.wg.Done()
		ch <- t.s.apply(t.writes)
	}()
	return ch
}

func (t *sqliteTxn) Discard() { t.done = true }
