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
	"strings"

	"github.com/pkg/errors"
)

// Perm is a set of POSIX permission bits for one ACL entry.
type Perm uint16

const (
	PermExecute Perm = 0x1
	PermWrite   Perm = 0x2
	PermRead    Perm = 0x4
)

// Role is the access a task needs on a leaf path.
type Role int

const (
	RoleRead Role = iota
	RoleReadWrite
)

// ErrUnsupported is returned by ACL backends on platforms without POSIX ACLs.
var ErrUnsupported = errors.New("access control lists are not supported on this platform")

// ACL sets and clears the access-control entry of the service principal on
// a single path.
type ACL interface {
	Set(path string, perm Perm) error
	Clear(path string) error
}

func (r Role) String() string {
	if r == RoleReadWrite {
		return "read-write"
	}
	return "read"
}

func (p Perm) String() string {
	var sb strings.Builder
	for _, bit := range []struct {
		perm Perm
		c    byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExecute, 'x'}} {
		if p&bit.perm != 0 {
			sb.WriteByte(bit.c)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
