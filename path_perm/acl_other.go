//go:build !linux

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

// PosixACL is only implemented on Linux.
type PosixACL struct {
	UID uint32
}

func (p PosixACL) Set(path string, perm Perm) error {
	return ErrUnsupported
}

func (p PosixACL) Clear(path string) error {
	return ErrUnsupported
}
