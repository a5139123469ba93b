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
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscribeType(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		version  Version
		expected SubscribeType
	}{
		{"legacy complete", "complete", VersionLegacy, SubscribeCompleted},
		{"legacy fail", "fail", VersionLegacy, SubscribeFailed},
		{"legacy header", "headerReceive", VersionLegacy, SubscribeHeaderReceive},
		{"current completed", "completed", VersionCurrent, SubscribeCompleted},
		{"current failed", "failed", VersionCurrent, SubscribeFailed},
		{"current response", "response", VersionCurrent, SubscribeResponse},
		{"current fault", "faultOccur", VersionCurrent, SubscribeFaultOccur},
		{"current wait", "wait", VersionCurrent, SubscribeWait},
		{"shared progress legacy", "progress", VersionLegacy, SubscribeProgress},
		{"shared progress current", "progress", VersionCurrent, SubscribeProgress},
		{"current name under legacy", "completed", VersionLegacy, SubscribeButt},
		{"legacy name under current", "complete", VersionCurrent, SubscribeButt},
		{"response not in legacy", "response", VersionLegacy, SubscribeButt},
		{"empty", "", VersionCurrent, SubscribeButt},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseSubscribeType(tc.event, tc.version))
		})
	}
}

func TestSubscribeTypeNameRoundTrip(t *testing.T) {
	for _, version := range []Version{VersionLegacy, VersionCurrent} {
		for kind := SubscribeCompleted; kind < SubscribeButt; kind++ {
			name := kind.Name(version)
			if name == "" {
				continue
			}
			assert.Equal(t, kind, ParseSubscribeType(name, version), "kind %d version %d", kind, version)
		}
	}
}

func TestValidateSubscribeType(t *testing.T) {
	_, err := ValidateSubscribeType("bogus", VersionCurrent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParameterCheck))

	kind, err := ValidateSubscribeType("remove", VersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, SubscribeRemove, kind)
}

func TestFaultOf(t *testing.T) {
	tests := []struct {
		reason   Reason
		sdk      int
		expected Fault
	}{
		{ReasonOK, 12, FaultNone},
		{ReasonNetworkOffline, 12, FaultDisconnected},
		{ReasonContinuousTaskTimeout, 12, FaultTimeout},
		{ReasonProtocolError, 12, FaultProtocol},
		{ReasonBuildRequestFailed, 12, FaultParam},
		{ReasonIOError, 12, FaultFsio},
		{ReasonDNS, 12, FaultDNS},
		{ReasonTCP, 12, FaultTCP},
		{ReasonConnectError, 12, FaultTCP},
		{ReasonSSL, 12, FaultSSL},
		{ReasonRedirectError, 12, FaultRedirect},
		{ReasonLowSpeed, 12, FaultLowSpeed},
		{ReasonUserOperation, 12, FaultOthers},
		// Older callers only know the coarse categories.
		{ReasonDNS, 11, FaultOthers},
		{ReasonTCP, 10, FaultOthers},
		{ReasonSSL, 9, FaultOthers},
		{ReasonRedirectError, 11, FaultOthers},
		{ReasonLowSpeed, 11, FaultOthers},
		{ReasonNetworkOffline, 9, FaultDisconnected},
		{ReasonIOError, 9, FaultFsio},
		{Reason(999), 12, FaultOthers},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, FaultOf(tc.reason, tc.sdk), "reason %d sdk %d", tc.reason, tc.sdk)
	}
}

func TestEveryReasonHasMessageAndFault(t *testing.T) {
	for r := ReasonOK; r <= ReasonLowSpeed; r++ {
		_, hasFault := reasonFaults[r]
		assert.True(t, hasFault, "reason %d has no fault mapping", r)
		if r != ReasonOK {
			assert.NotEmpty(t, r.Message(), "reason %d has no message", r)
		}
	}
	assert.True(t, strings.HasPrefix(Reason(500).Message(), "Unknown reason"))
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateRunning.IsActive())
	assert.True(t, StateRetrying.IsActive())
	assert.False(t, StatePaused.IsActive())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.False(t, StateWaiting.IsTerminal())

	state, err := ParseState("paused")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
	_, err = ParseState("sleeping")
	assert.Error(t, err)
}

func TestParseTid(t *testing.T) {
	id, err := ParseTid("123")
	require.NoError(t, err)
	assert.Equal(t, uint32(123), id)
	assert.Equal(t, "123", FormatTid(id))

	for _, bad := range []string{"", "abc", "-1", "99999999999"} {
		_, err := ParseTid(bad)
		assert.True(t, errors.Is(err, ErrParameterCheck), "tid %q", bad)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("download defaults", func(t *testing.T) {
		cfg := Config{Action: ActionDownload, URL: "https://example.com/file"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "GET", cfg.Method)
		assert.Equal(t, VersionCurrent, cfg.Version)
		assert.Equal(t, int64(-1), cfg.Ends)
	})

	t.Run("upload needs file", func(t *testing.T) {
		cfg := Config{Action: ActionUpload, URL: "https://example.com/up"}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Equal(t, EParameterCheck, CodeOf(err))
	})

	t.Run("upload defaults to put", func(t *testing.T) {
		cfg := Config{Action: ActionUpload, URL: "http://example.com/up", Files: []FileSpec{{URI: "/tmp/a"}}}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "PUT", cfg.Method)
	})

	t.Run("bad scheme", func(t *testing.T) {
		cfg := Config{Action: ActionDownload, URL: "ftp://example.com/file"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("range inverted", func(t *testing.T) {
		cfg := Config{Action: ActionDownload, URL: "https://example.com/file", Begins: 100, Ends: 10}
		assert.Error(t, cfg.Validate())
	})

	t.Run("url too long", func(t *testing.T) {
		cfg := Config{Action: ActionDownload, URL: "https://example.com/" + strings.Repeat("a", MaxURLLength)}
		assert.Error(t, cfg.Validate())
	})

	t.Run("title truncated", func(t *testing.T) {
		cfg := Config{Action: ActionDownload, URL: "https://example.com/file", Title: strings.Repeat("t", MaxTitleLength+10)}
		require.NoError(t, cfg.Validate())
		assert.Len(t, cfg.Title, MaxTitleLength)
	})
}

func TestLocalPaths(t *testing.T) {
	cfg := Config{
		Files:         []FileSpec{{URI: "/data/a"}, {URI: ""}},
		Forms:         []FormItem{{Name: "x", Value: "y"}, {Name: "f", File: &FileSpec{URI: "/data/b"}}},
		CertsPaths:    []string{"/data/ca.pem"},
		BodyFileNames: []string{"/data/body"},
	}
	assert.Equal(t, []string{"/data/a", "/data/b", "/data/ca.pem", "/data/body"}, cfg.LocalPaths())
}

func TestErrorCodes(t *testing.T) {
	err := errors.Wrap(NewError(ETaskNotFound, ""), "query")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	assert.False(t, errors.Is(err, ErrPermission))
	assert.Equal(t, ETaskNotFound, CodeOf(err))
	assert.Equal(t, EOK, CodeOf(nil))
	assert.Equal(t, EOther, CodeOf(errors.New("plain")))

	assert.True(t, IsTransient(NewError(EUnloadingSA, "")))
	assert.True(t, IsTransient(NewError(EChannelNotOpen, "")))
	assert.False(t, IsTransient(NewError(EFileIO, "")))
}

func TestFilterNormalize(t *testing.T) {
	now := int64(10 * 24 * 3600 * 1000)

	f := NewFilter()
	require.NoError(t, f.Normalize(now))
	assert.Equal(t, now, f.Before)
	assert.Equal(t, now-DefaultSearchWindow.Milliseconds(), f.After)

	f = NewFilter()
	f.After, f.Before = 500, 100
	assert.ErrorIs(t, f.Normalize(now), ErrParameterCheck)

	f = NewFilter()
	f.State = State(0x99)
	assert.ErrorIs(t, f.Normalize(now), ErrParameterCheck)

	f = NewFilter()
	f.Action = Action(7)
	assert.ErrorIs(t, f.Normalize(now), ErrParameterCheck)
}
