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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pelicanplatform/bgxfer/param"
	"github.com/pelicanplatform/bgxfer/path_perm"
	"github.com/pelicanplatform/bgxfer/remote"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_client"
	"github.com/pelicanplatform/bgxfer/task_store"
)

type (
	// session bundles the client with the local resources it was built on.
	session struct {
		client *task_client.Client
		store  *task_store.Store
	}

	// taskView is the printable form of a task snapshot.
	taskView struct {
		Tid         string            `json:"tid" yaml:"tid"`
		Bundle      string            `json:"bundle" yaml:"bundle"`
		Action      string            `json:"action" yaml:"action"`
		Mode        string            `json:"mode" yaml:"mode"`
		URL         string            `json:"url" yaml:"url"`
		Title       string            `json:"title,omitempty" yaml:"title,omitempty"`
		State       string            `json:"state" yaml:"state"`
		Reason      string            `json:"reason" yaml:"reason"`
		Fault       string            `json:"fault" yaml:"fault"`
		Tries       uint32            `json:"tries" yaml:"tries"`
		Created     string            `json:"created" yaml:"created"`
		Modified    string            `json:"modified" yaml:"modified"`
		Transferred string            `json:"transferred" yaml:"transferred"`
		Files       []task.FileState  `json:"files,omitempty" yaml:"files,omitempty"`
		Extras      map[string]string `json:"extras,omitempty" yaml:"extras,omitempty"`
	}
)

func openStore() (*task_store.Store, error) {
	return task_store.Open(task_store.Options{
		Path:      param.Store_DatabasePath.GetString(),
		Encrypted: param.Store_Encrypted.GetBool(),
	})
}

// newSession opens the task database and builds a client for the service
// named by the Client.* parameters.
func newSession() (*session, error) {
	store, err := openStore()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open task database")
	}

	var perms *path_perm.Manager
	if param.Permissions_Enabled.GetBool() {
		uid := param.Permissions_ServiceUID.GetInt()
		if uid <= 0 {
			_ = store.Close()
			return nil, errors.Errorf("%s must name the service account when %s is set",
				param.Permissions_ServiceUID.GetName(), param.Permissions_Enabled.GetName())
		}
		perms = path_perm.NewManager(param.Permissions_BaseDir.GetString(), &path_perm.PosixACL{UID: uint32(uid)})
	}

	client, err := task_client.New(task_client.Options{
		Locator: &remote.SocketLocator{
			SocketPath:     param.Client_SocketPath.GetString(),
			ChannelPath:    param.Client_ChannelPath.GetString(),
			LoadTimeout:    param.Client_LoadTimeout.GetDuration(),
			PollInterval:   param.Client_PollInterval.GetDuration(),
			RequestTimeout: param.Client_RequestTimeout.GetDuration(),
		},
		Store:        store,
		Permissions:  perms,
		SDKVersion:   param.Client_SDKVersion.GetInt(),
		UID:          uint64(os.Getuid()),
		Bundle:       param.Client_Bundle.GetString(),
		MaxAttempts:  param.Client_MaxAttempts.GetInt(),
		TombstoneTTL: param.Client_TombstoneTTL.GetDuration(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{client: client, store: store}, nil
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		log.Debugln("Failed to close task client:", err)
	}
	if err := s.store.Close(); err != nil {
		log.Warningln("Failed to close task database:", err)
	}
}

// formatBytes renders a byte count with binary units.
func formatBytes(n int64) string {
	if n < 0 {
		return "unknown"
	}
	for _, unit := range []struct {
		size units.Base2Bytes
		name string
	}{
		{units.TiB, "TiB"},
		{units.GiB, "GiB"},
		{units.MiB, "MiB"},
		{units.KiB, "KiB"},
	} {
		if n >= int64(unit.size) {
			return fmt.Sprintf("%.2f %s", float64(n)/float64(unit.size), unit.name)
		}
	}
	return fmt.Sprintf("%d B", n)
}

func formatTime(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}

// totalSize sums the known file sizes; it is -1 while any size is unknown.
func totalSize(p task.Progress) int64 {
	if len(p.Sizes) == 0 {
		return -1
	}
	var total int64
	for _, size := range p.Sizes {
		if size < 0 {
			return -1
		}
		total += size
	}
	return total
}

func newTaskView(info *task.Info) taskView {
	transferred := formatBytes(int64(info.Progress.TotalProcessed))
	if total := totalSize(info.Progress); total >= 0 {
		transferred += " / " + formatBytes(total)
	}
	return taskView{
		Tid:         info.Tid,
		Bundle:      info.Bundle,
		Action:      info.Config.Action.String(),
		Mode:        info.Config.Mode.String(),
		URL:         info.Config.URL,
		Title:       info.Config.Title,
		State:       info.Progress.State.String(),
		Reason:      info.Reason.String(),
		Fault:       info.Faults.String(),
		Tries:       info.Tries,
		Created:     formatTime(info.Ctime),
		Modified:    formatTime(info.Mtime),
		Transferred: transferred,
		Files:       info.TaskStates,
		Extras:      info.Progress.Extras,
	}
}

// printOutput writes v as JSON when --json is given and as YAML otherwise.
func printOutput(w io.Writer, v interface{}) error {
	if outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// parseKeyValues turns repeated "key=value" flags into a map.
func parseKeyValues(flagName string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	result := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("--%s expects key=value, got %q", flagName, pair)
		}
		result[key] = value
	}
	return result, nil
}

func printTids(w io.Writer, tids []string) error {
	if outputJSON {
		return printOutput(w, tids)
	}
	for _, tid := range tids {
		if _, err := fmt.Fprintln(w, tid); err != nil {
			return err
		}
	}
	return nil
}
