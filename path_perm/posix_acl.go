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
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// Layout of the system.posix_acl_access extended attribute: a little-endian
// u32 version followed by {u16 tag, u16 perm, u32 id} entries.
const (
	aclXattrName    = "system.posix_acl_access"
	aclXattrVersion = 0x0002
	aclEntrySize    = 8
	aclUndefinedID  = 0xFFFFFFFF
)

const (
	tagUserObj  uint16 = 0x01
	tagUser     uint16 = 0x02
	tagGroupObj uint16 = 0x04
	tagGroup    uint16 = 0x08
	tagMask     uint16 = 0x10
	tagOther    uint16 = 0x20
)

type aclEntry struct {
	tag  uint16
	perm Perm
	id   uint32
}

func decodeACL(raw []byte) ([]aclEntry, error) {
	if len(raw) < 4 || (len(raw)-4)%aclEntrySize != 0 {
		return nil, errors.Errorf("ACL attribute has invalid length %d", len(raw))
	}
	if version := binary.LittleEndian.Uint32(raw); version != aclXattrVersion {
		return nil, errors.Errorf("unsupported ACL attribute version %d", version)
	}
	entries := make([]aclEntry, 0, (len(raw)-4)/aclEntrySize)
	for off := 4; off < len(raw); off += aclEntrySize {
		entries = append(entries, aclEntry{
			tag:  binary.LittleEndian.Uint16(raw[off:]),
			perm: Perm(binary.LittleEndian.Uint16(raw[off+2:])),
			id:   binary.LittleEndian.Uint32(raw[off+4:]),
		})
	}
	return entries, nil
}

func encodeACL(entries []aclEntry) []byte {
	raw := make([]byte, 0, 4+len(entries)*aclEntrySize)
	raw = binary.LittleEndian.AppendUint32(raw, aclXattrVersion)
	for _, e := range entries {
		raw = binary.LittleEndian.AppendUint16(raw, e.tag)
		raw = binary.LittleEndian.AppendUint16(raw, uint16(e.perm))
		raw = binary.LittleEndian.AppendUint32(raw, e.id)
	}
	return raw
}

// aclFromMode builds the minimal ACL equivalent to a file mode.
func aclFromMode(mode os.FileMode) []aclEntry {
	bits := uint16(mode.Perm())
	return []aclEntry{
		{tag: tagUserObj, perm: Perm(bits >> 6 & 7), id: aclUndefinedID},
		{tag: tagGroupObj, perm: Perm(bits >> 3 & 7), id: aclUndefinedID},
		{tag: tagOther, perm: Perm(bits & 7), id: aclUndefinedID},
	}
}

// withUser returns entries with the named-user entry for uid set to perm,
// or removed when remove is true. The mask is recomputed; it is dropped when
// no named entries are left so the ACL collapses back to the file mode.
func withUser(entries []aclEntry, uid uint32, perm Perm, remove bool) []aclEntry {
	result := make([]aclEntry, 0, len(entries)+2)
	for _, e := range entries {
		if e.tag == tagMask || (e.tag == tagUser && e.id == uid) {
			continue
		}
		result = append(result, e)
	}
	if !remove {
		result = append(result, aclEntry{tag: tagUser, perm: perm, id: uid})
	}

	named := false
	var mask Perm
	for _, e := range result {
		switch e.tag {
		case tagUser, tagGroup:
			named = true
			mask |= e.perm
		case tagGroupObj:
			mask |= e.perm
		}
	}
	if named {
		result = append(result, aclEntry{tag: tagMask, perm: mask, id: aclUndefinedID})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].tag != result[j].tag {
			return result[i].tag < result[j].tag
		}
		return result[i].id < result[j].id
	})
	return result
}

// userPerm returns the permissions of the named entry for uid, if any.
func userPerm(entries []aclEntry, uid uint32) (Perm, bool) {
	for _, e := range entries {
		if e.tag == tagUser && e.id == uid {
			return e.perm, true
		}
	}
	return 0, false
}
