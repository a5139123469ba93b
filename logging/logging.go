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

// Package logging configures the process-wide logrus logger from the
// Logging.* parameters. Entries logged before Setup runs are buffered and
// replayed once the destination is known.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log/term"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pelicanplatform/bgxfer/param"
)

// BufferedLogHook buffers log entries until they are flushed
type BufferedLogHook struct {
	mu      sync.Mutex
	entries []*log.Entry
	flushed bool
}

var (
	hookMu       sync.Mutex
	bufferedHook *BufferedLogHook
	logFHandle   *os.File
)

func (hook *BufferedLogHook) Fire(entry *log.Entry) error {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if !hook.flushed {
		hook.entries = append(hook.entries, entry)
	}
	return nil
}

func (hook *BufferedLogHook) Levels() []log.Level {
	return log.AllLevels
}

// drain marks the hook flushed and returns what it held.
func (hook *BufferedLogHook) drain() []*log.Entry {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	hook.flushed = true
	entries := hook.entries
	hook.entries = nil
	return entries
}

// SetupLogBuffering discards direct output and buffers every entry until
// Setup is called.
func SetupLogBuffering() {
	hookMu.Lock()
	defer hookMu.Unlock()
	log.SetOutput(io.Discard)
	log.SetLevel(log.TraceLevel)
	if bufferedHook == nil {
		bufferedHook = &BufferedLogHook{}
		log.AddHook(bufferedHook)
	}
}

// Setup applies Logging.Level, Logging.LogLocation and Logging.DisableColor
// and replays any buffered entries at or above the configured level.
func Setup() error {
	level, err := log.ParseLevel(param.Logging_Level.GetString())
	if err != nil {
		return errors.Wrap(err, "invalid Logging.Level")
	}

	hookMu.Lock()
	defer hookMu.Unlock()

	if logLocation := param.Logging_LogLocation.GetString(); logLocation != "" {
		if err := os.MkdirAll(filepath.Dir(logLocation), 0750); err != nil {
			return errors.Wrap(err, "failed to access/create log directory")
		}
		f, err := os.OpenFile(logLocation, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return errors.Wrap(err, "failed to access log file")
		}
		if logFHandle != nil {
			_ = logFHandle.Close()
		}
		logFHandle = f
		log.SetOutput(f)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:          true,
			DisableColors:          true,
			DisableLevelTruncation: true,
		})
	} else {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:          true,
			ForceColors:            !param.Logging_DisableColor.GetBool() && term.IsTerminal(os.Stderr),
			DisableColors:          param.Logging_DisableColor.GetBool(),
			DisableLevelTruncation: true,
		})
	}
	log.SetLevel(level)

	if bufferedHook != nil {
		for _, entry := range bufferedHook.drain() {
			if entry.Level > level {
				continue
			}
			if formatted, err := entry.String(); err == nil {
				_, _ = log.StandardLogger().Out.Write([]byte(formatted))
			}
		}
		log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
		bufferedHook = nil
	}
	return nil
}

// CloseLogger closes the log file opened by Setup, if any.
func CloseLogger() {
	hookMu.Lock()
	defer hookMu.Unlock()
	if logFHandle != nil {
		if err := logFHandle.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "failed to close log file:", err)
		}
		logFHandle = nil
	}
}
