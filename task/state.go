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

// Package task holds the value types shared by every piece of the transfer
// client: task configuration, progress snapshots, lifecycle states, failure
// reasons and the subscription vocabulary used on the notification channel.
//
// Nothing in this package performs I/O.
package task

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

type (
	// State is the lifecycle state of a task as reported by the service.
	// The client never moves a task between states on its own.
	State uint32

	// Action is the direction of a transfer.
	Action uint32

	// Mode decides whether a task may keep running while the owning
	// application is in the background.
	Mode uint32

	// Network is the network constraint of a task.
	Network uint32

	// Version selects the API vocabulary a caller was written against.
	Version uint32
)

const (
	StateInitialized State = 0x00
	StateWaiting     State = 0x10
	StateRunning     State = 0x20
	StateRetrying    State = 0x21
	StatePaused      State = 0x30
	StateStopped     State = 0x31
	StateCompleted   State = 0x40
	StateFailed      State = 0x41
	StateRemoved     State = 0x50
	StateAny         State = 0x60
)

const (
	ActionUpload   Action = 0
	ActionDownload Action = 1
	ActionAny      Action = 2
)

const (
	ModeBackground Mode = 0
	ModeForeground Mode = 1
	ModeAny        Mode = 2
)

const (
	NetworkAny      Network = 0
	NetworkWifi     Network = 1
	NetworkCellular Network = 2
)

const (
	// VersionLegacy is the first generation API (complete/fail event names).
	VersionLegacy Version = 9
	// VersionCurrent is the current API (completed/failed event names).
	VersionCurrent Version = 10
)

var stateNames = map[State]string{
	StateInitialized: "initialized",
	StateWaiting:     "waiting",
	StateRunning:     "running",
	StateRetrying:    "retrying",
	StatePaused:      "paused",
	StateStopped:     "stopped",
	StateCompleted:   "completed",
	StateFailed:      "failed",
	StateRemoved:     "removed",
	StateAny:         "any",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(0x%02x)", uint32(s))
}

// IsActive reports whether the service considers the task to be moving bytes.
func (s State) IsActive() bool {
	return s == StateRunning || s == StateRetrying
}

// IsTerminal reports whether no further transfer will happen for the task.
// The record still exists until the task reaches StateRemoved.
func (s State) IsTerminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateFailed, StateRemoved:
		return true
	}
	return false
}

// ParseState converts a state name (as printed by String) back to a State.
func ParseState(name string) (State, error) {
	for state, stateName := range stateNames {
		if stateName == name {
			return state, nil
		}
	}
	return StateAny, errors.Errorf("unknown task state %q", name)
}

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	case ActionAny:
		return "any"
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// ParseAction accepts "upload" or "download".
func ParseAction(name string) (Action, error) {
	switch name {
	case "upload":
		return ActionUpload, nil
	case "download":
		return ActionDownload, nil
	case "any", "":
		return ActionAny, nil
	}
	return ActionAny, errors.Errorf("unknown task action %q", name)
}

func (m Mode) String() string {
	switch m {
	case ModeBackground:
		return "background"
	case ModeForeground:
		return "foreground"
	case ModeAny:
		return "any"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode accepts "background" or "foreground".
func ParseMode(name string) (Mode, error) {
	switch name {
	case "background":
		return ModeBackground, nil
	case "foreground":
		return ModeForeground, nil
	case "any", "":
		return ModeAny, nil
	}
	return ModeAny, errors.Errorf("unknown task mode %q", name)
}

func (n Network) String() string {
	switch n {
	case NetworkAny:
		return "any"
	case NetworkWifi:
		return "wifi"
	case NetworkCellular:
		return "cellular"
	}
	return "network(" + strconv.Itoa(int(n)) + ")"
}

// FormatTid renders a service-assigned task id the way callers see it.
func FormatTid(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTid validates a decimal task id string.
func ParseTid(tid string) (uint32, error) {
	if tid == "" {
		return 0, NewError(EParameterCheck, "task id is empty")
	}
	id, err := strconv.ParseUint(tid, 10, 32)
	if err != nil {
		return 0, NewError(EParameterCheck, fmt.Sprintf("task id %q is not a decimal number", tid))
	}
	return uint32(id), nil
}
