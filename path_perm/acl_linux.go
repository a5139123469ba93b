//go:build linux

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

package path_perm

import (
	"os"

	"github.com/pkg/errors"
	"github.com/pkg/xattr"
)

// PosixACL edits the access ACL of a path to add or remove an entry for the
// service user. Entries belonging to anyone else are preserved.
type PosixACL struct {
	UID uint32
}

func (p PosixACL) read(path string) ([]aclEntry, error) {
	raw, err := xattr.Get(path, aclXattrName)
	if err == nil {
		return decodeACL(raw)
	}
	var xerr *xattr.Error
	if errors.As(err, &xerr) && xerr.Err == xattr.ENOATTR {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, errors.Wrapf(statErr, "failed to stat %s", path)
		}
		return aclFromMode(info.Mode()), nil
	}
	return nil, errors.Wrapf(err, "failed to read ACL of %s", path)
}

// Set gives the service user exactly perm on path.
func (p PosixACL) Set(path string, perm Perm) error {
	entries, err := p.read(path)
	if err != nil {
		return err
	}
	if current, ok := userPerm(entries, p.UID); ok && current == perm {
		return nil
	}
	if err := xattr.Set(path, aclXattrName, encodeACL(withUser(entries, p.UID, perm, false))); err != nil {
		return errors.Wrapf(err, "failed to write ACL of %s", path)
	}
	return nil
}

// Clear removes the service user's entry from path.
func (p PosixACL) Clear(path string) error {
	entries, err := p.read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, ok := userPerm(entries, p.UID); !ok {
		return nil
	}
	if err := xattr.Set(path, aclXattrName, encodeACL(withUser(entries, p.UID, 0, true))); err != nil {
		return errors.Wrapf(err, "failed to write ACL of %s", path)
	}
	return nil
}
