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

// Package path_perm grants the transfer service access to files inside the
// application's sandbox by setting ACL entries, and takes that access away
// again once no task needs it.
//
// Every path keeps a reference count. The ACL entry is written whenever the
// path is granted and cleared when the count drops back to zero, so tasks
// sharing a file or a directory never revoke each other's access.
package path_perm

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/bgxfer/metrics"
	"github.com/pelicanplatform/bgxfer/task"
)

// entry counts the grants passing through one path. refs covers every grant
// whose chain includes the path; leafRefs and writeRefs count only the grants
// naming the path itself.
type entry struct {
	refs      uint
	leafRefs  uint
	writeRefs uint
	perm      Perm
}

// wanted is the narrowest permission satisfying the outstanding grants.
func (e entry) wanted() Perm {
	var perm Perm
	if e.refs > e.leafRefs {
		perm |= PermExecute
	}
	if e.leafRefs > 0 {
		perm |= PermRead
	}
	if e.writeRefs > 0 {
		perm |= PermWrite
	}
	return perm
}

// Manager tracks granted paths below one base directory.
type Manager struct {
	mu      sync.Mutex
	baseDir string
	acl     ACL
	entries map[string]*entry
}

// Grant is one (path, role) pair handed to GrantAll.
type Grant struct {
	Path string
	Role Role
}

// NewManager returns a manager for paths under baseDir.
func NewManager(baseDir string, acl ACL) *Manager {
	return &Manager{
		baseDir: filepath.Clean(baseDir),
		acl:     acl,
		entries: make(map[string]*entry),
	}
}

// chain returns the directories from the base directory down to path,
// followed by path itself.
func (m *Manager) chain(path string) ([]string, error) {
	if !filepath.IsAbs(path) {
		return nil, task.NewError(task.EFilePath, "path "+path+" is not absolute")
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(m.baseDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, task.NewError(task.EFilePath, "path "+path+" is outside "+m.baseDir)
	}
	result := []string{m.baseDir}
	if rel == "." {
		return result, nil
	}
	current := m.baseDir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		result = append(result, current)
	}
	return result, nil
}

// acquire takes one reference on path and applies the resulting
// permission. The map update and the ACL call happen under the same lock
// hold; a failed ACL call leaves the counts untouched.
func (m *Manager) acquire(path string, leaf bool, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next entry
	if e := m.entries[path]; e != nil {
		next = *e
	}
	next.refs++
	if leaf {
		next.leafRefs++
		if role == RoleReadWrite {
			next.writeRefs++
		}
	}
	want := next.wanted()
	if err := m.acl.Set(path, want); err != nil {
		return errors.Wrapf(err, "failed to set %s ACL on %s", want, path)
	}
	next.perm = want
	m.entries[path] = &next
	metrics.TrackedPaths.Set(float64(len(m.entries)))
	return nil
}

func (m *Manager) release(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(path, false, false)
}

// releaseLocked drops one reference. At zero the ACL entry is cleared;
// otherwise the entry is narrowed when the remaining grants need less. The
// entry is forgotten even when clearing fails so the count never goes stale.
func (m *Manager) releaseLocked(path string, leaf, write bool) error {
	e := m.entries[path]
	if e == nil {
		return nil
	}
	e.refs--
	if leaf {
		e.leafRefs--
		if write {
			e.writeRefs--
		}
	}
	if e.refs == 0 {
		delete(m.entries, path)
		metrics.TrackedPaths.Set(float64(len(m.entries)))
		if err := m.acl.Clear(path); err != nil {
			return errors.Wrapf(err, "failed to clear ACL on %s", path)
		}
		return nil
	}
	want := e.wanted()
	if want == e.perm {
		return nil
	}
	if err := m.acl.Set(path, want); err != nil {
		return errors.Wrapf(err, "failed to narrow ACL on %s to %s", path, want)
	}
	e.perm = want
	return nil
}

// Grant gives the service access to path: execute on every directory from
// the base directory down, role access on path itself. A failure part way
// through undoes the steps already taken by this call.
func (m *Manager) Grant(path string, role Role) error {
	chain, err := m.chain(path)
	if err != nil {
		return err
	}
	for idx, step := range chain {
		if err := m.acquire(step, idx == len(chain)-1, role); err != nil {
			for undo := idx - 1; undo >= 0; undo-- {
				if rbErr := m.release(chain[undo]); rbErr != nil {
					log.Warnf("Rollback of %s failed: %v", chain[undo], rbErr)
				}
			}
			metrics.PathGrants.WithLabelValues("failed").Inc()
			return task.NewError(task.EPermission, err.Error())
		}
	}
	metrics.PathGrants.WithLabelValues("ok").Inc()
	log.Debugf("Granted %s access on %s", role, path)
	return nil
}

// Revoke drops one grant of path. Revoking a path with no outstanding grant
// of its own is an error and changes nothing. When read-only and read-write
// grants of the same path are outstanding, a read-only one goes first.
func (m *Manager) Revoke(path string) error {
	chain, err := m.chain(path)
	if err != nil {
		return err
	}
	leafPath := chain[len(chain)-1]

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[leafPath]
	if e == nil || e.leafRefs == 0 {
		return task.NewError(task.EFilePath, "path "+leafPath+" is not granted")
	}
	write := e.writeRefs == e.leafRefs

	var firstErr error
	for idx := len(chain) - 1; idx >= 0; idx-- {
		last := idx == len(chain)-1
		if err := m.releaseLocked(chain[idx], last, last && write); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	log.Debugf("Revoked access on %s", path)
	return nil
}

// GrantAll grants every entry in order. If one fails, the grants made by
// this call are revoked before the error is returned.
func (m *Manager) GrantAll(grants []Grant) error {
	for idx, grant := range grants {
		if err := m.Grant(grant.Path, grant.Role); err != nil {
			for undo := idx - 1; undo >= 0; undo-- {
				if rbErr := m.Revoke(grants[undo].Path); rbErr != nil {
					log.Warnf("Rollback of %s failed: %v", grants[undo].Path, rbErr)
				}
			}
			return err
		}
	}
	return nil
}

// RevokeAll revokes every path and reports the first failure.
func (m *Manager) RevokeAll(paths []string) error {
	var firstErr error
	for _, path := range paths {
		if err := m.Revoke(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RefCount returns the number of outstanding grants covering path.
func (m *Manager) RefCount(path string) uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[filepath.Clean(path)]; e != nil {
		return e.refs
	}
	return 0
}

// Tracked lists every path currently holding an ACL entry, sorted.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.entries))
	for path := range m.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
