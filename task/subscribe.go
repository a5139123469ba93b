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
	"strconv"
)

// SubscribeType is the kind of event a listener registers for. The numeric
// values travel on the notification channel.
type SubscribeType uint32

const (
	SubscribeCompleted SubscribeType = iota
	SubscribeFailed
	SubscribeHeaderReceive
	SubscribePause
	SubscribeProgress
	SubscribeRemove
	SubscribeResume
	SubscribeResponse
	SubscribeFaultOccur
	SubscribeWait
	// SubscribeButt marks an unknown or unsupported event name.
	SubscribeButt
)

var (
	legacyEventNames = map[string]SubscribeType{
		"complete":      SubscribeCompleted,
		"fail":          SubscribeFailed,
		"headerReceive": SubscribeHeaderReceive,
		"pause":         SubscribePause,
		"progress":      SubscribeProgress,
		"remove":        SubscribeRemove,
		"resume":        SubscribeResume,
	}

	currentEventNames = map[string]SubscribeType{
		"completed":  SubscribeCompleted,
		"failed":     SubscribeFailed,
		"pause":      SubscribePause,
		"progress":   SubscribeProgress,
		"remove":     SubscribeRemove,
		"resume":     SubscribeResume,
		"response":   SubscribeResponse,
		"faultOccur": SubscribeFaultOccur,
		"wait":       SubscribeWait,
	}
)

// ParseSubscribeType resolves an event name in the vocabulary of version.
// Unknown names yield SubscribeButt; see ValidateSubscribeType.
func ParseSubscribeType(name string, version Version) SubscribeType {
	names := currentEventNames
	if version == VersionLegacy {
		names = legacyEventNames
	}
	if kind, ok := names[name]; ok {
		return kind
	}
	return SubscribeButt
}

// ValidateSubscribeType turns the unsupported sentinel into a parameter error.
func ValidateSubscribeType(name string, version Version) (SubscribeType, error) {
	kind := ParseSubscribeType(name, version)
	if kind == SubscribeButt {
		return kind, NewError(EParameterCheck, fmt.Sprintf("unsupported event type %q for API version %d", name, version))
	}
	return kind, nil
}

// Name is the inverse of ParseSubscribeType. An empty string means the kind
// has no name in that vocabulary.
func (s SubscribeType) Name(version Version) string {
	names := currentEventNames
	if version == VersionLegacy {
		names = legacyEventNames
	}
	for name, kind := range names {
		if kind == s {
			return name
		}
	}
	return ""
}

func (s SubscribeType) String() string {
	if name := s.Name(VersionCurrent); name != "" {
		return name
	}
	if name := s.Name(VersionLegacy); name != "" {
		return name
	}
	return "subscribe(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether s is one of the defined kinds.
func (s SubscribeType) Valid() bool {
	return s < SubscribeButt
}
