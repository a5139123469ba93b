/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package task_store keeps one durable record per task in an embedded
// SQLite database, together with the schema version marker used to upgrade
// older databases in place.
package task_store

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/pelicanplatform/bgxfer/metrics"
	"github.com/pelicanplatform/bgxfer/task"
)

// MaxRebuildAttempts bounds how many times Open deletes and recreates a
// corrupt database file before giving up.
const MaxRebuildAttempts = 10

// openDatabase opens the SQLite file at path with the store's pragmas.
var openDatabase = func(path string) (*sql.DB, error) {
	return sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

// Options selects the backing file of a Store.
type Options struct {
	Path string
	// Encrypted keeps the database inside a private (0700, owner-only)
	// directory; Open refuses to use a directory owned by another user.
	Encrypted bool
}

// Store is the durable copy of the client's task records.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the task database, upgrades its schema and marks
// tasks that were interrupted mid-transfer as failed.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("task database path is empty")
	}
	dir := filepath.Dir(opts.Path)
	if opts.Encrypted {
		if err := ensurePrivateDirectory(dir); err != nil {
			return nil, errors.Wrapf(err, "database directory %s failed security check", dir)
		}
	} else if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	s := &Store{path: opts.Path}
	var lastErr error
	for attempt := 1; attempt <= MaxRebuildAttempts; attempt++ {
		lastErr = s.openOnce()
		if lastErr == nil {
			log.Infof("Task database initialized at %s", opts.Path)
			return s, nil
		}
		s.closeDB()
		if !isCorrupt(lastErr) {
			return nil, lastErr
		}
		log.Warnf("Task database %s is corrupt (attempt %d/%d): %v", opts.Path, attempt, MaxRebuildAttempts, lastErr)
		if err := removeDatabaseFiles(opts.Path); err != nil {
			return nil, err
		}
		metrics.StoreRebuilds.Inc()
	}
	return nil, errors.Wrapf(lastErr, "task database %s still corrupt after %d rebuilds", opts.Path, MaxRebuildAttempts)
}

func (s *Store) openOnce() error {
	db, err := openDatabase(s.path)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	// A single connection serializes access the same way the store mutex does
	// and keeps WAL readers from observing half-applied upgrades.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return errors.Wrap(err, "failed to ping database")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
	if err := s.upgradeLocked(); err != nil {
		return errors.Wrap(err, "failed to upgrade task schema")
	}
	if err := s.recoverInterruptedLocked(); err != nil {
		return err
	}
	return nil
}

// recoverInterruptedLocked fails every task that claims to be running. Only
// the state column changes.
func (s *Store) recoverInterruptedLocked() error {
	result, err := s.db.Exec(`UPDATE task SET state = ? WHERE state IN (?, ?)`,
		task.StateFailed, task.StateRunning, task.StateRetrying)
	if err != nil {
		return errors.Wrap(err, "failed to fail interrupted tasks")
	}
	if rows, err := result.RowsAffected(); err == nil && rows > 0 {
		log.Infof("Marked %d interrupted tasks as failed", rows)
		metrics.StoreRecovered.Add(float64(rows))
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) closeDB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}

// exec is the single funnel for writes. A corruption error rebuilds the
// database in place and runs the statement once more against the new file.
// If the rebuild itself fails the store stays closed.
func (s *Store) exec(query string, args ...interface{}) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("task database is closed")
	}

	result, err := s.db.Exec(query, args...)
	if err == nil || !isCorrupt(err) {
		return result, err
	}
	log.Errorf("Task database %s reported corruption, rebuilding: %v", s.path, err)
	if rebuildErr := s.rebuildLocked(); rebuildErr != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		return nil, errors.Wrapf(rebuildErr, "failed to rebuild task database %s", s.path)
	}
	return s.db.Exec(query, args...)
}

func (s *Store) rebuildLocked() error {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
	if err := removeDatabaseFiles(s.path); err != nil {
		return err
	}
	metrics.StoreRebuilds.Inc()

	db, err := openDatabase(s.path)
	if err != nil {
		return errors.Wrap(err, "failed to reopen database")
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return s.upgradeLocked()
}

func removeDatabaseFiles(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s", path+suffix)
		}
	}
	return nil
}

// isCorrupt reports whether err carries an SQLite corruption result code.
func isCorrupt(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return true
	}
	return false
}
