//go:build unix

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
	"os"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ensurePrivateDirectory makes sure path exists, is a directory owned by the
// current user and is not accessible to anyone else. All checks go through
// an os.Root so the directory cannot be swapped between check and use.
func ensurePrivateDirectory(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0700); err != nil {
			return errors.Wrap(err, "failed to create directory")
		}
	}

	root, err := os.OpenRoot(path)
	if err != nil {
		return errors.Wrap(err, "failed to open root directory")
	}
	defer root.Close()

	info, err := root.Stat(".")
	if err != nil {
		return errors.Wrap(err, "failed to stat directory")
	}
	if !info.IsDir() {
		return errors.New("path exists but is not a directory")
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return errors.New("failed to get system-specific file info")
	}
	if int(stat.Uid) != os.Getuid() {
		return errors.Errorf("directory is owned by UID %d, expected %d (current user)", stat.Uid, os.Getuid())
	}

	if perm := info.Mode().Perm(); perm != 0700 {
		log.Warningf("Directory %s has insecure permissions %o, fixing to 0700", path, perm)
		if err := root.Chmod(".", 0700); err != nil {
			return errors.Wrapf(err, "failed to fix permissions (has %o, need 0700)", perm)
		}
	}
	return nil
}
