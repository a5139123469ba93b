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
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/bgxfer/task"
)

// TaskRecord is the durable form of one task.
type TaskRecord struct {
	TaskID     uint32
	UID        uint64
	TokenID    uint64
	Bundle     string
	Ctime      int64
	Mtime      int64
	Reason     task.Reason
	Tries      uint32
	MimeType   string
	FileStates []task.FileState
	Config     task.Config
	Progress   task.Progress
}

// Query selects records; nil fields do not constrain the result.
type Query struct {
	UID    *uint64
	Bundle string
	State  *task.State
	Action *task.Action
	Mode   *task.Mode
	// After and Before bound ctime, in milliseconds since the epoch.
	After  int64
	Before int64
	Limit  int
}

// Info converts the record into the snapshot handed to callers.
func (r *TaskRecord) Info(sdkVersion int) *task.Info {
	return &task.Info{
		Tid:        task.FormatTid(r.TaskID),
		Bundle:     r.Bundle,
		UID:        r.UID,
		Ctime:      r.Ctime,
		Mtime:      r.Mtime,
		Reason:     r.Reason,
		Faults:     task.FaultOf(r.Reason, sdkVersion),
		Tries:      r.Tries,
		Config:     r.Config,
		Progress:   r.Progress,
		TaskStates: r.FileStates,
		MimeType:   r.MimeType,
	}
}

const recordColumns = `task_id, uid, token_id, action, mode, network, metered, roaming,
	ctime, mtime, reason, gauge, retry, redirect, tries, version, priority, begins, ends,
	precise, bundle, url, data, token, title, description, method, headers, config_extras,
	mime_type, state, idx, processed, total_processed, sizes, extras, form_items, file_specs,
	each_file_status, body_file_names, certs_paths, saveas, overwrite, multipart, proxy,
	min_speed, min_speed_duration, connection_timeout, total_timeout`

const recordColumnCount = 49

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Insert stores a new record. It fails if the task id is already present.
func (s *Store) Insert(rec *TaskRecord) error {
	if rec.Mtime == 0 {
		rec.Mtime = time.Now().UnixMilli()
	}
	if rec.Ctime == 0 {
		rec.Ctime = rec.Mtime
	}
	cfg := &rec.Config
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", recordColumnCount), ", ")
	query := `INSERT INTO task (` + recordColumns + `) VALUES (` + placeholders + `)`
	_, err := s.exec(query,
		rec.TaskID, rec.UID, rec.TokenID, cfg.Action, cfg.Mode, cfg.Network,
		boolInt(cfg.Metered), boolInt(cfg.Roaming),
		rec.Ctime, rec.Mtime, rec.Reason, boolInt(cfg.Gauge), boolInt(cfg.Retry),
		boolInt(cfg.Redirect), rec.Tries, cfg.Version, cfg.Priority, cfg.Begins, cfg.Ends,
		boolInt(cfg.Precise), rec.Bundle, cfg.URL, cfg.Data, cfg.Token, cfg.Title,
		cfg.Description, cfg.Method, encodeStringMap(cfg.Headers), encodeStringMap(cfg.Extras),
		rec.MimeType, rec.Progress.State, rec.Progress.Index, rec.Progress.Processed,
		rec.Progress.TotalProcessed, encodeInt64s(rec.Progress.Sizes),
		encodeStringMap(rec.Progress.Extras), encodeFormItems(cfg.Forms),
		encodeFileSpecs(cfg.Files), encodeFileStates(rec.FileStates),
		encodeStrings(cfg.BodyFileNames), encodeStrings(cfg.CertsPaths),
		cfg.Saveas, boolInt(cfg.Overwrite), boolInt(cfg.Multipart), cfg.Proxy,
		cfg.MinSpeed, int64(cfg.MinSpeedDuration), int64(cfg.ConnectionTimeout),
		int64(cfg.TotalTimeout),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert task %d", rec.TaskID)
	}
	log.Debugf("Stored task %d", rec.TaskID)
	return nil
}

// Update rewrites the mutable part of a record: progress, reason, retries
// and per-file outcomes. The configuration is never rewritten.
func (s *Store) Update(rec *TaskRecord) error {
	if rec.Mtime == 0 {
		rec.Mtime = time.Now().UnixMilli()
	}
	result, err := s.exec(`UPDATE task SET mtime = ?, reason = ?, tries = ?, mime_type = ?,
		state = ?, idx = ?, processed = ?, total_processed = ?, sizes = ?, extras = ?,
		each_file_status = ? WHERE task_id = ?`,
		rec.Mtime, rec.Reason, rec.Tries, rec.MimeType, rec.Progress.State,
		rec.Progress.Index, rec.Progress.Processed, rec.Progress.TotalProcessed,
		encodeInt64s(rec.Progress.Sizes), encodeStringMap(rec.Progress.Extras),
		encodeFileStates(rec.FileStates), rec.TaskID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update task %d", rec.TaskID)
	}
	return expectOneRow(result, rec.TaskID)
}

// UpdateState records a state change reported by the service.
func (s *Store) UpdateState(taskID uint32, state task.State, reason task.Reason) error {
	result, err := s.exec(`UPDATE task SET state = ?, reason = ?, mtime = ? WHERE task_id = ?`,
		state, reason, time.Now().UnixMilli(), taskID)
	if err != nil {
		return errors.Wrapf(err, "failed to update state of task %d", taskID)
	}
	return expectOneRow(result, taskID)
}

// Delete removes a record.
func (s *Store) Delete(taskID uint32) error {
	result, err := s.exec(`DELETE FROM task WHERE task_id = ?`, taskID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete task %d", taskID)
	}
	return expectOneRow(result, taskID)
}

func expectOneRow(result sql.Result, taskID uint32) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(task.NewError(task.ETaskNotFound, ""), "task %d", taskID)
	}
	return nil
}

// Get loads one record.
func (s *Store) Get(taskID uint32) (*TaskRecord, error) {
	records, err := s.query(`SELECT `+recordColumns+` FROM task WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(task.NewError(task.ETaskNotFound, ""), "task %d", taskID)
	}
	return records[0], nil
}

// Query returns the records matching q, most recently modified first.
func (s *Store) Query(q Query) ([]*TaskRecord, error) {
	where, args := q.where()
	query := `SELECT ` + recordColumns + ` FROM task` + where + ` ORDER BY mtime DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.query(query, args...)
}

// Search returns the ids of tasks matching a caller's filter.
func (s *Store) Search(uid uint64, filter task.Filter) ([]uint32, error) {
	q := Query{UID: &uid, Bundle: filter.Bundle, After: filter.After, Before: filter.Before}
	if filter.State != task.StateAny {
		q.State = &filter.State
	}
	if filter.Action != task.ActionAny {
		q.Action = &filter.Action
	}
	if filter.Mode != task.ModeAny {
		q.Mode = &filter.Mode
	}
	where, args := q.where()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("task database is closed")
	}
	rows, err := s.db.Query(`SELECT task_id FROM task`+where+` ORDER BY ctime ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search tasks")
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan task id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q Query) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if q.UID != nil {
		clauses = append(clauses, `uid = ?`)
		args = append(args, *q.UID)
	}
	if q.Bundle != "" && q.Bundle != "*" {
		clauses = append(clauses, `bundle = ?`)
		args = append(args, q.Bundle)
	}
	if q.State != nil {
		clauses = append(clauses, `state = ?`)
		args = append(args, *q.State)
	}
	if q.Action != nil {
		clauses = append(clauses, `action = ?`)
		args = append(args, *q.Action)
	}
	if q.Mode != nil {
		clauses = append(clauses, `mode = ?`)
		args = append(args, *q.Mode)
	}
	if q.After > 0 {
		clauses = append(clauses, `ctime >= ?`)
		args = append(args, q.After)
	}
	if q.Before > 0 {
		clauses = append(clauses, `ctime <= ?`)
		args = append(args, q.Before)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(clauses, ` AND `), args
}

func (s *Store) query(query string, args ...interface{}) ([]*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("task database is closed")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tasks")
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (*TaskRecord, error) {
	var rec TaskRecord
	cfg := &rec.Config
	var metered, roaming, gauge, retry, redirect, precise sql.NullInt64
	var overwrite, multipart sql.NullInt64
	var minSpeed, minSpeedDuration, connectionTimeout, totalTimeout sql.NullInt64
	var data, token, title, description, mimeType, saveas, proxy sql.NullString
	var headers, configExtras, sizes, extras, formItems, fileSpecs []byte
	var fileStates, bodyFileNames, certsPaths []byte

	err := rows.Scan(
		&rec.TaskID, &rec.UID, &rec.TokenID, &cfg.Action, &cfg.Mode, &cfg.Network,
		&metered, &roaming, &rec.Ctime, &rec.Mtime, &rec.Reason, &gauge, &retry,
		&redirect, &rec.Tries, &cfg.Version, &cfg.Priority, &cfg.Begins, &cfg.Ends,
		&precise, &rec.Bundle, &cfg.URL, &data, &token, &title, &description,
		&cfg.Method, &headers, &configExtras, &mimeType, &rec.Progress.State,
		&rec.Progress.Index, &rec.Progress.Processed, &rec.Progress.TotalProcessed,
		&sizes, &extras, &formItems, &fileSpecs, &fileStates, &bodyFileNames,
		&certsPaths, &saveas, &overwrite, &multipart, &proxy, &minSpeed,
		&minSpeedDuration, &connectionTimeout, &totalTimeout,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan task row")
	}

	cfg.Metered = metered.Int64 != 0
	cfg.Roaming = roaming.Int64 != 0
	cfg.Gauge = gauge.Int64 != 0
	cfg.Retry = retry.Int64 != 0
	cfg.Redirect = redirect.Int64 != 0
	cfg.Precise = precise.Int64 != 0
	cfg.Overwrite = overwrite.Int64 != 0
	cfg.Multipart = multipart.Int64 != 0
	cfg.MinSpeed = minSpeed.Int64
	cfg.MinSpeedDuration = time.Duration(minSpeedDuration.Int64)
	cfg.ConnectionTimeout = time.Duration(connectionTimeout.Int64)
	cfg.TotalTimeout = time.Duration(totalTimeout.Int64)
	cfg.Data = data.String
	cfg.Token = token.String
	cfg.Title = title.String
	cfg.Description = description.String
	cfg.Saveas = saveas.String
	cfg.Proxy = proxy.String
	rec.MimeType = mimeType.String

	// A damaged vector column loses that vector, not the whole record.
	decode := func(column string, fn func() error) {
		if err := fn(); err != nil {
			log.Warnf("Failed to decode column %s of task %d: %v", column, rec.TaskID, err)
		}
	}
	decode("headers", func() (err error) { cfg.Headers, err = decodeStringMap(headers); return })
	decode("config_extras", func() (err error) { cfg.Extras, err = decodeStringMap(configExtras); return })
	decode("sizes", func() (err error) { rec.Progress.Sizes, err = decodeInt64s(sizes); return })
	decode("extras", func() (err error) { rec.Progress.Extras, err = decodeStringMap(extras); return })
	decode("form_items", func() (err error) { cfg.Forms, err = decodeFormItems(formItems); return })
	decode("file_specs", func() (err error) { cfg.Files, err = decodeFileSpecs(fileSpecs); return })
	decode("each_file_status", func() (err error) { rec.FileStates, err = decodeFileStates(fileStates); return })
	decode("body_file_names", func() (err error) { cfg.BodyFileNames, err = decodeStrings(bodyFileNames); return })
	decode("certs_paths", func() (err error) { cfg.CertsPaths, err = decodeStrings(certsPaths); return })

	return &rec, nil
}
