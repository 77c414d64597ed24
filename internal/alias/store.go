// Package alias implements the persistent provider-alias / device-alias
// mapping backed by sqlite3, grounded on the original gcoded daemon's
// Aliases.cpp: same two-table schema, the same State machine degrading
// gracefully when the backing file is missing or read-only, and the same
// fswatch-driven external-modification notification.
package alias

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/gcoded/gcoded/internal/fswatch"
	"github.com/gcoded/gcoded/internal/gerrors"
	"github.com/gcoded/gcoded/internal/logging"
)

// State mirrors the original Aliases::State enum.
type State int

const (
	StateUnknown State = iota
	StateInit
	StateOK
	StateErrFile
	StateReadonly
)

// ErrReadonly is returned by write operations when the store is in
// StateReadonly.
var ErrReadonly = errors.New("alias: store is read-only")

// Listener is notified whenever the alias table changes, whether by this
// process or externally (detected via the backing file watch).
type Listener interface {
	OnAliasChange()
}

// Store is the persistent alias mapping. A single provider_alias string
// and a unique device<->alias mapping.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	state State

	watcher   *fswatch.Watcher
	ownWatch  bool
	listeners map[Listener]struct{}

	log *logging.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS provider_alias (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	alias TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS alias (
	device TEXT PRIMARY KEY,
	alias TEXT NOT NULL UNIQUE
);
`

// Open opens (creating if necessary) the sqlite3-backed alias store at
// path, and registers a watch on path via w so external modification
// (e.g. hand-editing the db with the sqlite3 CLI) is observed.
//
// If the file cannot be opened at all, Open still returns a *Store in
// StateErrFile: reads return empty and writes report a storage-kind
// "alias store unavailable" error (not ErrReadonly), matching
// the original daemon's "come up degraded, never crash on a missing alias
// file" behavior.
func Open(path string, w *fswatch.Watcher) (*Store, error) {
	s := &Store{
		path:      path,
		listeners: make(map[Listener]struct{}),
		log:       logging.Default(),
		watcher:   w,
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		s.state = StateErrFile
		return s, nil
	}
	if err := db.Ping(); err != nil {
		s.state = StateErrFile
		return s, nil
	}

	if _, err := db.Exec(schema); err != nil {
		// A schema failure on an existing file generally means the file
		// is present but not writable.
		s.state = StateReadonly
		s.db = db
	} else {
		s.state = StateOK
		s.db = db
	}

	if w != nil {
		if err := w.Register(path, fswatch.Attrib|fswatch.DeleteSelf, s); err == nil {
			s.ownWatch = true
		}
	}

	return s, nil
}

// Close releases the backing database handle and, if this Store owns a
// watch registration, removes it.
func (s *Store) Close() error {
	if s.ownWatch {
		s.watcher.Unregister(s.path, s)
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// State returns the store's current degraded/healthy state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers l to be notified via OnAliasChange whenever the
// alias table changes.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
}

// Unsubscribe removes l from the notification set.
func (s *Store) Unsubscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, l)
}

func (s *Store) notify() {
	s.mu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l.OnAliasChange()
	}
}

// OnFsEvent implements fswatch.Listener: any external modification of the
// backing file is treated as an alias change.
func (s *Store) OnFsEvent(fswatch.Event) {
	s.notify()
}

// ProviderAlias returns the single provider-wide alias, or "" if unset.
func (s *Store) ProviderAlias() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateErrFile {
		return "", nil
	}

	var alias string
	err := s.db.QueryRow(`SELECT alias FROM provider_alias WHERE id = 0`).Scan(&alias)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", gerrors.Wrap("alias.ProviderAlias", err)
	}
	return alias, nil
}

// SetProviderAlias sets the single provider-wide alias within a
// commit-or-rollback transaction.
func (s *Store) SetProviderAlias(providerAlias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}

	return s.withTxLocked(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO provider_alias (id, alias) VALUES (0, ?)
			ON CONFLICT(id) DO UPDATE SET alias = excluded.alias
		`, providerAlias)
		return err
	})
}

// SetAlias maps device to alias within a commit-or-rollback transaction.
func (s *Store) SetAlias(device, deviceAlias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}

	return s.withTxLocked(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO alias (device, alias) VALUES (?, ?)
			ON CONFLICT(device) DO UPDATE SET alias = excluded.alias
		`, device, deviceAlias)
		return err
	})
}

// RemoveAlias deletes device's alias mapping, if any.
func (s *Store) RemoveAlias(device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(); err != nil {
		return err
	}

	return s.withTxLocked(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM alias WHERE device = ?`, device)
		return err
	})
}

// GetAll returns every device->alias mapping currently stored.
func (s *Store) GetAll() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	if s.state == StateErrFile {
		return out, nil
	}

	rows, err := s.db.Query(`SELECT device, alias FROM alias`)
	if err != nil {
		return nil, gerrors.Wrap("alias.GetAll", err)
	}
	defer rows.Close()

	for rows.Next() {
		var device, deviceAlias string
		if err := rows.Scan(&device, &deviceAlias); err != nil {
			return nil, gerrors.Wrap("alias.GetAll", err)
		}
		out[device] = deviceAlias
	}
	return out, rows.Err()
}

func (s *Store) writableLocked() error {
	switch s.state {
	case StateReadonly:
		return fmt.Errorf("%w: %s", ErrReadonly, s.path)
	case StateErrFile:
		return gerrors.New("alias.write", gerrors.KindStorage, "alias store unavailable")
	}
	return nil
}

// withTxLocked runs fn inside a commit-or-rollback transaction: the
// default path rolls back (via defer), and only an explicit Commit at the
// end transitions to the committed state. Listeners are notified only
// after a successful commit. Caller must already hold s.mu.
func (s *Store) withTxLocked(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return gerrors.Wrap("alias.tx", err)
	}
	defer tx.Rollback()

	// A short busy-wait retries on SQLITE_BUSY from a concurrent writer,
	// matching the original's ~10ms contention handling.
	const retryDelay = 10 * time.Millisecond
	const maxRetries = 20
	for i := 0; i < maxRetries; i++ {
		if err = fn(tx); err == nil {
			break
		}
		if !isBusyErr(err) {
			return gerrors.Wrap("alias.tx", err)
		}
		time.Sleep(retryDelay)
	}
	if err != nil {
		return gerrors.Wrap("alias.tx", err)
	}

	if err := tx.Commit(); err != nil {
		return gerrors.Wrap("alias.tx", err)
	}

	s.notifyLocked()
	return nil
}

// notifyLocked notifies listeners without re-acquiring s.mu; used from
// within withTxLocked which already holds it. The callbacks run on a new
// goroutine, so they execute after the caller releases s.mu and may
// re-enter the Store, matching the no-lock-across-callback discipline used
// throughout gcoded.
func (s *Store) notifyLocked() {
	ls := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		ls = append(ls, l)
	}
	go func() {
		for _, l := range ls {
			l.OnAliasChange()
		}
	}()
}

func isBusyErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
