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

package task

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// MaxURLLength is the longest url the service accepts.
	MaxURLLength = 8192
	// MaxTitleLength bounds the display title.
	MaxTitleLength = 256
	// MaxDescriptionLength bounds the display description.
	MaxDescriptionLength = 1024
)

type (
	// FileSpec describes one local file taking part in a transfer.
	FileSpec struct {
		Name       string `json:"name" yaml:"name"`
		URI        string `json:"uri" yaml:"uri"`
		Filename   string `json:"filename" yaml:"filename"`
		MimeType   string `json:"mimeType" yaml:"mimeType"`
		Fd         int32  `json:"fd" yaml:"-"`
		IsUserFile bool   `json:"isUserFile" yaml:"isUserFile"`
	}

	// FormItem is one multipart form field; exactly one of Value or File is set.
	FormItem struct {
		Name  string    `json:"name" yaml:"name"`
		Value string    `json:"value,omitempty" yaml:"value,omitempty"`
		File  *FileSpec `json:"file,omitempty" yaml:"file,omitempty"`
	}

	// Config is the immutable description of a task. It is fixed once the
	// service has accepted the task.
	Config struct {
		Action      Action            `json:"action" yaml:"action"`
		Mode        Mode              `json:"mode" yaml:"mode"`
		Version     Version           `json:"version" yaml:"version"`
		URL         string            `json:"url" yaml:"url"`
		Title       string            `json:"title" yaml:"title"`
		Description string            `json:"description" yaml:"description"`
		Method      string            `json:"method" yaml:"method"`
		Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
		Data        string            `json:"data,omitempty" yaml:"data,omitempty"`
		Forms       []FormItem        `json:"forms,omitempty" yaml:"forms,omitempty"`
		Files       []FileSpec        `json:"files,omitempty" yaml:"files,omitempty"`
		Saveas      string            `json:"saveas,omitempty" yaml:"saveas,omitempty"`
		Token       string            `json:"token,omitempty" yaml:"-"`
		Proxy       string            `json:"proxy,omitempty" yaml:"proxy,omitempty"`
		Network     Network           `json:"network" yaml:"network"`
		Metered     bool              `json:"metered" yaml:"metered"`
		Roaming     bool              `json:"roaming" yaml:"roaming"`
		Retry       bool              `json:"retry" yaml:"retry"`
		Redirect    bool              `json:"redirect" yaml:"redirect"`
		Overwrite   bool              `json:"overwrite" yaml:"overwrite"`
		Gauge       bool              `json:"gauge" yaml:"gauge"`
		Precise     bool              `json:"precise" yaml:"precise"`
		Multipart   bool              `json:"multipart" yaml:"multipart"`
		Priority    uint32            `json:"priority" yaml:"priority"`
		Begins      int64             `json:"begins" yaml:"begins"`
		Ends        int64             `json:"ends" yaml:"ends"`

		// MinSpeed is in bytes per second; the task fails with ReasonLowSpeed
		// when it stays below for MinSpeedDuration.
		MinSpeed          int64             `json:"minSpeed" yaml:"minSpeed"`
		MinSpeedDuration  time.Duration     `json:"minSpeedDuration" yaml:"minSpeedDuration"`
		ConnectionTimeout time.Duration     `json:"connectionTimeout" yaml:"connectionTimeout"`
		TotalTimeout      time.Duration     `json:"totalTimeout" yaml:"totalTimeout"`
		CertsPaths        []string          `json:"certsPaths,omitempty" yaml:"certsPaths,omitempty"`
		BodyFileNames     []string          `json:"bodyFileNames,omitempty" yaml:"bodyFileNames,omitempty"`
		Extras            map[string]string `json:"extras,omitempty" yaml:"extras,omitempty"`
	}

	// Progress mirrors the service's view of a running task.
	Progress struct {
		State          State             `json:"state" yaml:"state"`
		Index          uint32            `json:"index" yaml:"index"`
		Processed      uint64            `json:"processed" yaml:"processed"`
		TotalProcessed uint64            `json:"totalProcessed" yaml:"totalProcessed"`
		Sizes          []int64           `json:"sizes" yaml:"sizes"`
		Extras         map[string]string `json:"extras,omitempty" yaml:"extras,omitempty"`
	}

	// FileState is the outcome of one file in a multi-file task.
	FileState struct {
		Path         string `json:"path" yaml:"path"`
		ResponseCode uint32 `json:"responseCode" yaml:"responseCode"`
		Message      string `json:"message" yaml:"message"`
	}

	// Response is the HTTP response head of a task's request.
	Response struct {
		Tid        string              `json:"tid"`
		Version    string              `json:"version"`
		StatusCode int32               `json:"statusCode"`
		Reason     string              `json:"reason"`
		Headers    map[string][]string `json:"headers"`
	}

	// NotifyData is one progress-style notification for a task.
	NotifyData struct {
		Type       SubscribeType `json:"type"`
		TaskID     uint32        `json:"taskId"`
		Progress   Progress      `json:"progress"`
		Action     Action        `json:"action"`
		Version    Version       `json:"version"`
		TaskStates []FileState   `json:"taskStates,omitempty"`
	}

	// Info is a full snapshot of a task as returned by show/touch/query.
	Info struct {
		Tid        string      `json:"tid" yaml:"tid"`
		Bundle     string      `json:"bundle" yaml:"bundle"`
		UID        uint64      `json:"uid" yaml:"uid"`
		Ctime      int64       `json:"ctime" yaml:"ctime"`
		Mtime      int64       `json:"mtime" yaml:"mtime"`
		Reason     Reason      `json:"reason" yaml:"reason"`
		Faults     Fault       `json:"faults" yaml:"faults"`
		Tries      uint32      `json:"tries" yaml:"tries"`
		Config     Config      `json:"config" yaml:"config"`
		Progress   Progress    `json:"progress" yaml:"progress"`
		TaskStates []FileState `json:"taskStates,omitempty" yaml:"taskStates,omitempty"`
		MimeType   string      `json:"mimeType" yaml:"mimeType"`
	}

	// Filter narrows a search over the caller's tasks. Use NewFilter for a
	// filter that matches everything; Normalize fills in the time window.
	Filter struct {
		Bundle string `json:"bundle"`
		Before int64  `json:"before"`
		After  int64  `json:"after"`
		State  State  `json:"state"`
		Action Action `json:"action"`
		Mode   Mode   `json:"mode"`
	}
)

// Validate performs the checks done before any remote call and fills in
// defaults that depend on other fields. It never talks to the service.
func (c *Config) Validate() error {
	if c.URL == "" {
		return NewError(EParameterCheck, "url is empty")
	}
	if len(c.URL) > MaxURLLength {
		return NewError(EParameterCheck, fmt.Sprintf("url exceeds %d characters", MaxURLLength))
	}
	parsed, err := url.Parse(c.URL)
	if err != nil {
		return NewError(EParameterCheck, "url is malformed: "+err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return NewError(EParameterCheck, "url scheme must be http or https")
	}
	if c.Action != ActionUpload && c.Action != ActionDownload {
		return NewError(EParameterCheck, "action must be upload or download")
	}
	if c.Mode != ModeBackground && c.Mode != ModeForeground {
		return NewError(EParameterCheck, "mode must be background or foreground")
	}
	if c.Version != VersionLegacy && c.Version != VersionCurrent {
		c.Version = VersionCurrent
	}
	if len(c.Title) > MaxTitleLength {
		c.Title = c.Title[:MaxTitleLength]
	}
	if len(c.Description) > MaxDescriptionLength {
		c.Description = c.Description[:MaxDescriptionLength]
	}
	if c.Begins < 0 {
		return NewError(EParameterCheck, "begins must not be negative")
	}
	if c.Ends > 0 && c.Begins > c.Ends {
		return NewError(EParameterCheck, "begins is greater than ends")
	}
	if c.Ends == 0 {
		c.Ends = -1
	}
	if c.MinSpeed < 0 || c.MinSpeedDuration < 0 {
		return NewError(EParameterCheck, "minimum speed settings must not be negative")
	}
	if c.Method == "" {
		if c.Action == ActionUpload {
			c.Method = "PUT"
		} else {
			c.Method = "GET"
		}
	}
	c.Method = strings.ToUpper(c.Method)
	switch c.Action {
	case ActionUpload:
		if c.Method != "PUT" && c.Method != "POST" {
			return NewError(EParameterCheck, "upload method must be PUT or POST")
		}
		if len(c.Files) == 0 && len(c.Forms) == 0 {
			return NewError(EParameterCheck, "upload needs at least one file")
		}
	case ActionDownload:
		if c.Method != "GET" && c.Method != "POST" {
			return NewError(EParameterCheck, "download method must be GET or POST")
		}
		if len(c.Files) > 1 {
			return NewError(EParameterCheck, "download takes at most one file")
		}
	}
	for _, form := range c.Forms {
		if form.Name == "" {
			return NewError(EParameterCheck, "form item has no name")
		}
	}
	return nil
}

// LocalPaths lists every local path the service must be able to reach for
// this task: transfer files, file form items, certificates and the body
// capture files.
func (c *Config) LocalPaths() []string {
	var paths []string
	for _, file := range c.Files {
		if file.URI != "" {
			paths = append(paths, file.URI)
		}
	}
	for _, form := range c.Forms {
		if form.File != nil && form.File.URI != "" {
			paths = append(paths, form.File.URI)
		}
	}
	paths = append(paths, c.CertsPaths...)
	paths = append(paths, c.BodyFileNames...)
	return paths
}

// Writable reports whether the service needs write access to the local
// files of this task.
func (c *Config) Writable() bool {
	return c.Action == ActionDownload
}

// DefaultSearchWindow is how far back a search reaches when After is unset.
const DefaultSearchWindow = 24 * time.Hour

// NewFilter returns a filter matching every state, action and mode.
func NewFilter() Filter {
	return Filter{State: StateAny, Action: ActionAny, Mode: ModeAny}
}

// Normalize fills an unset time window relative to now (milliseconds since
// the epoch) and rejects inverted windows and unknown enum values.
func (f *Filter) Normalize(now int64) error {
	if f.Before <= 0 {
		f.Before = now
	}
	if f.After <= 0 {
		f.After = f.Before - DefaultSearchWindow.Milliseconds()
	}
	if f.After > f.Before {
		return NewError(EParameterCheck, "search window ends before it starts")
	}
	if _, ok := stateNames[f.State]; !ok {
		return NewError(EParameterCheck, "unknown task state in filter")
	}
	if f.Action > ActionAny {
		return NewError(EParameterCheck, "unknown task action in filter")
	}
	if f.Mode > ModeAny {
		return NewError(EParameterCheck, "unknown task mode in filter")
	}
	return nil
}
