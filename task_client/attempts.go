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

package task_client

import (
	"fmt"
	"strings"
	"time"
)

type timestampedError struct {
	err       error
	timestamp time.Time
}

// attemptLog collects the failures of one retried call so the final error
// can show every attempt, newest first.
type attemptLog struct {
	start  time.Time
	errors []timestampedError
}

func newAttemptLog() *attemptLog {
	return &attemptLog{start: time.Now()}
}

func (a *attemptLog) add(err error) {
	a.errors = append(a.errors, timestampedError{err, time.Now()})
}

func (a *attemptLog) len() int {
	return len(a.errors)
}

func (a *attemptLog) String() string {
	last := a.start
	formatted := make([]string, 0, len(a.errors))
	for idx, theError := range a.errors {
		errFmt := fmt.Sprintf("Attempt #%v: %s", idx+1, theError.err.Error())
		elapsed := theError.timestamp.Sub(last).Truncate(100 * time.Millisecond)
		if idx == 0 {
			errFmt += " (" + elapsed.String() + " since start)"
		} else {
			sinceStart := theError.timestamp.Sub(a.start).Truncate(100 * time.Millisecond)
			errFmt += " (" + elapsed.String() + " elapsed, " + sinceStart.String() + " since start)"
		}
		last = theError.timestamp
		formatted = append(formatted, errFmt)
	}
	for i, j := 0, len(formatted)-1; i < j; i, j = i+1, j-1 {
		formatted[i], formatted[j] = formatted[j], formatted[i]
	}
	return strings.Join(formatted, "; ")
}
