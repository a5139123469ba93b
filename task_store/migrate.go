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

package task_store

import (
	"database/sql"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	taskTable    = "task"
	versionTable = "version"
)

// KnownVersions lists every schema version this code has ever written,
// oldest first. The index of a version is the index of the last upgrade
// step that has been applied to a database carrying it.
var KnownVersions = []string{
	"API9_3.1-release",
	"API10_4.0-release",
	"API11_4.1-release",
	"API12_5.0-release",
	"API16_5.1-release",
}

// CurrentVersion is the version marker written after a successful upgrade.
var CurrentVersion = KnownVersions[len(KnownVersions)-1]

// legacyTables predate the single task table and are discarded when a
// database without a version marker is found.
var legacyTables = []string{
	"request_task_info",
	"task_info_attachment",
	"request_task_config",
	"task_config_attachment",
	"priority_table",
	"request_version",
}

type column struct {
	name string
	decl string
}

// upgradeStep brings the schema up to version. Each step must be safe to
// run against a database where it has already been applied.
type upgradeStep struct {
	version string
	apply   func(tx *sql.Tx) error
}

var upgradeSteps = []upgradeStep{
	{version: KnownVersions[0], apply: createBaseSchema},
	{version: KnownVersions[1], apply: addColumns([]column{
		{"saveas", "TEXT"},
		{"overwrite", "INTEGER"},
		{"multipart", "INTEGER"},
	})},
	{version: KnownVersions[2], apply: addColumns([]column{
		{"proxy", "TEXT"},
		{"certificate_pins", "TEXT"},
		{"bundle_type", "INTEGER"},
		{"atomic_account", "TEXT"},
	})},
	{version: KnownVersions[3], apply: addColumns([]column{
		{"min_speed", "INTEGER"},
		{"min_speed_duration", "INTEGER"},
		{"connection_timeout", "INTEGER"},
		{"total_timeout", "INTEGER"},
		{"task_time", "INTEGER"},
	})},
	{version: KnownVersions[4], apply: func(tx *sql.Tx) error {
		if err := addColumns([]column{{"max_speed", "INTEGER"}})(tx); err != nil {
			return err
		}
		for _, stmt := range []string{
			`CREATE INDEX IF NOT EXISTS task_uid_index ON task (uid)`,
			`CREATE INDEX IF NOT EXISTS task_state_index ON task (state)`,
			`CREATE INDEX IF NOT EXISTS task_mtime_index ON task (mtime)`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Wrap(err, "failed to create task index")
			}
		}
		return nil
	}},
}

const createTaskTable = `CREATE TABLE IF NOT EXISTS task (
	task_id INTEGER PRIMARY KEY,
	uid INTEGER,
	token_id INTEGER,
	action INTEGER,
	mode INTEGER,
	cover INTEGER,
	network INTEGER,
	metered INTEGER,
	roaming INTEGER,
	ctime INTEGER,
	mtime INTEGER,
	reason INTEGER,
	gauge INTEGER,
	retry INTEGER,
	redirect INTEGER,
	tries INTEGER,
	version INTEGER,
	priority INTEGER,
	begins INTEGER,
	ends INTEGER,
	precise INTEGER,
	bundle TEXT,
	url TEXT,
	data TEXT,
	token TEXT,
	title TEXT,
	description TEXT,
	method TEXT,
	headers BLOB,
	config_extras BLOB,
	mime_type TEXT,
	state INTEGER,
	idx INTEGER,
	processed INTEGER,
	total_processed INTEGER,
	sizes BLOB,
	extras BLOB,
	form_items BLOB,
	file_specs BLOB,
	each_file_status BLOB,
	body_file_names BLOB,
	certs_paths BLOB
)`

func createBaseSchema(tx *sql.Tx) error {
	if _, err := tx.Exec(createTaskTable); err != nil {
		return errors.Wrap(err, "failed to create task table")
	}
	return nil
}

func addColumns(columns []column) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		existing, err := tableColumns(tx, taskTable)
		if err != nil {
			return err
		}
		for _, col := range columns {
			if existing[col.name] {
				continue
			}
			if _, err := tx.Exec(`ALTER TABLE task ADD COLUMN ` + col.name + ` ` + col.decl); err != nil {
				return errors.Wrapf(err, "failed to add column %s", col.name)
			}
			existing[col.name] = true
		}
		return nil
	}
}

func tableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read columns of %s", table)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan column name")
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

func tableExists(tx *sql.Tx, table string) (bool, error) {
	var count int
	err := tx.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count)
	if err != nil {
		return false, errors.Wrapf(err, "failed to look up table %s", table)
	}
	return count > 0, nil
}

// readVersion returns the stored version marker; ok is false when there is
// no version table or it holds no row.
func readVersion(tx *sql.Tx) (version string, ok bool, err error) {
	exists, err := tableExists(tx, versionTable)
	if err != nil || !exists {
		return "", false, err
	}
	err = tx.QueryRow(`SELECT version FROM version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "failed to read version marker")
	}
	return version, true, nil
}

// startingStep decides which upgrade step to run first for the stored
// version marker. rebuild is set when the task table must be discarded.
func startingStep(version string, ok bool) (start int, rebuild bool) {
	if !ok {
		return 0, false
	}
	for idx, known := range KnownVersions {
		if known == version {
			return idx + 1, false
		}
	}
	return 0, true
}

// Upgrade brings the schema to CurrentVersion. It runs the upgrade steps
// after the stored version in order and then rewrites the version marker,
// all inside one transaction.
func (s *Store) Upgrade() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgradeLocked()
}

func (s *Store) upgradeLocked() error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin upgrade transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	version, ok, err := readVersion(tx)
	if err != nil {
		return err
	}

	start, rebuild := startingStep(version, ok)
	switch {
	case !ok:
		log.Debugf("No version marker in %s, clearing legacy tables", s.path)
		for _, table := range legacyTables {
			if _, err := tx.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
				return errors.Wrapf(err, "failed to drop legacy table %s", table)
			}
		}
	case rebuild:
		log.Warnf("Unknown schema version %q in %s, rebuilding task table", version, s.path)
		if _, err := tx.Exec(`DROP TABLE IF EXISTS task`); err != nil {
			return errors.Wrap(err, "failed to drop task table")
		}
	}

	for _, step := range upgradeSteps[start:] {
		log.Debugf("Applying task schema step %s", step.version)
		if err := step.apply(tx); err != nil {
			return errors.Wrapf(err, "upgrade to %s failed", step.version)
		}
	}

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS version (version TEXT, task_table TEXT)`); err != nil {
		return errors.Wrap(err, "failed to create version table")
	}
	if _, err := tx.Exec(`DELETE FROM version`); err != nil {
		return errors.Wrap(err, "failed to clear version marker")
	}
	if _, err := tx.Exec(`INSERT INTO version (version, task_table) VALUES (?, ?)`, CurrentVersion, taskTable); err != nil {
		return errors.Wrap(err, "failed to write version marker")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit upgrade")
	}
	return nil
}

// Version returns the stored schema version marker.
func (s *Store) Version() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version string
	err := s.db.QueryRow(`SELECT version FROM version LIMIT 1`).Scan(&version)
	if err != nil {
		return "", errors.Wrap(err, "failed to read version marker")
	}
	return version, nil
}
