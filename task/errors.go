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

	"github.com/pkg/errors"
)

// ExceptionCode is the numeric outcome of a control call as reported by the
// service or produced locally by parameter validation.
type ExceptionCode int32

const (
	EOK             ExceptionCode = 0
	EPermission     ExceptionCode = 201
	ENotSystemApp   ExceptionCode = 202
	EParameterCheck ExceptionCode = 401
	EUnsupported    ExceptionCode = 801
	EFileIO         ExceptionCode = 13400001
	EFilePath       ExceptionCode = 13400002
	EServiceError   ExceptionCode = 13400003
	EOther          ExceptionCode = 13499999
	ETaskQueue      ExceptionCode = 21900004
	ETaskMode       ExceptionCode = 21900005
	ETaskNotFound   ExceptionCode = 21900006
	ETaskState      ExceptionCode = 21900007
	EChannelNotOpen ExceptionCode = 21900008
	// EUnloadingSA means the service process died or is unloading; the
	// cached handle to it is no longer usable.
	EUnloadingSA ExceptionCode = 21900009
)

var codeMessages = map[ExceptionCode]string{
	EOK:             "ok",
	EPermission:     "permission denied",
	ENotSystemApp:   "caller is not a system application",
	EParameterCheck: "parameter verification failed",
	EUnsupported:    "capability not supported",
	EFileIO:         "file operation failed",
	EFilePath:       "bad file path",
	EServiceError:   "task service ability error",
	EOther:          "other error",
	ETaskQueue:      "application task queue full",
	ETaskMode:       "task mode does not match",
	ETaskNotFound:   "task not found",
	ETaskState:      "operation not permitted in current task state",
	EChannelNotOpen: "notification channel is not open",
	EUnloadingSA:    "task service is unloading",
}

func (c ExceptionCode) String() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return fmt.Sprintf("error code %d", int32(c))
}

// Error carries an ExceptionCode across package boundaries.
type Error struct {
	Code ExceptionCode
	Msg  string
}

// NewError builds a coded error; an empty msg falls back to the code's text.
func NewError(code ExceptionCode, msg string) *Error {
	if msg == "" {
		msg = code.String()
	}
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Msg, int32(e.Code))
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, task.ErrTaskNotFound).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrParameterCheck = &Error{Code: EParameterCheck}
	ErrTaskNotFound   = &Error{Code: ETaskNotFound}
	ErrServiceError   = &Error{Code: EServiceError}
	ErrChannelNotOpen = &Error{Code: EChannelNotOpen}
	ErrServiceDied    = &Error{Code: EUnloadingSA}
	ErrPermission     = &Error{Code: EPermission}
	ErrFileIO         = &Error{Code: EFileIO}
)

// CodeOf extracts the ExceptionCode from err. nil maps to EOK and errors
// without a code map to EOther.
func CodeOf(err error) ExceptionCode {
	if err == nil {
		return EOK
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return EOther
}

// IsTransient reports whether err may go away by reconnecting to the service.
func IsTransient(err error) bool {
	code := CodeOf(err)
	return code == EUnloadingSA || code == EChannelNotOpen
}
