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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanplatform/bgxfer/param"
	"github.com/pelicanplatform/bgxfer/task"
)

func parseCreateFlags(t *testing.T, args ...string) (*pflag.FlagSet, *createOptions) {
	opts := &createOptions{}
	flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
	addCreateFlags(flags, opts)
	require.NoError(t, flags.Parse(args))
	return flags, opts
}

func TestBuildConfigFromFlags(t *testing.T) {
	param.Reset()
	t.Cleanup(param.Reset)
	require.NoError(t, param.MultiSet(map[string]interface{}{
		param.Transfer_MinSpeed.GetName():         "1KiB/s",
		param.Transfer_MinSpeedDuration.GetName(): "30s",
		param.Transfer_Gauge.GetName():            true,
	}))

	flags, opts := parseCreateFlags(t,
		"--action", "upload",
		"--file", "/data/report.csv",
		"-H", "X-Trace=abc",
		"--form", "kind=csv",
		"--form", "owner=ops",
		"--priority", "3",
		"--retry=false",
	)
	cfg, err := buildConfig(flags, opts, []string{"https://example.com/upload"})
	require.NoError(t, err)

	assert.Equal(t, task.ActionUpload, cfg.Action)
	assert.Equal(t, task.ModeBackground, cfg.Mode)
	assert.Equal(t, "https://example.com/upload", cfg.URL)
	require.Len(t, cfg.Files, 1)
	assert.Equal(t, "/data/report.csv", cfg.Files[0].URI)
	assert.Equal(t, "report.csv", cfg.Files[0].Filename)
	assert.Equal(t, map[string]string{"X-Trace": "abc"}, cfg.Headers)
	require.Len(t, cfg.Forms, 2)
	assert.Equal(t, "kind", cfg.Forms[0].Name)
	assert.Equal(t, "owner", cfg.Forms[1].Name)
	assert.Equal(t, uint32(3), cfg.Priority)
	assert.False(t, cfg.Retry)
	assert.True(t, cfg.Redirect)
	assert.True(t, cfg.Gauge)
	assert.Equal(t, int64(1024), cfg.MinSpeed)
	assert.Equal(t, 30*time.Second, cfg.MinSpeedDuration)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "PUT", cfg.Method)
}

func TestBuildConfigMinSpeedFlag(t *testing.T) {
	param.Reset()
	t.Cleanup(param.Reset)

	flags, opts := parseCreateFlags(t, "--min-speed", "2MB/m", "--min-speed-duration", "1m")
	cfg, err := buildConfig(flags, opts, []string{"https://example.com/f"})
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000/60), cfg.MinSpeed)
	assert.Equal(t, time.Minute, cfg.MinSpeedDuration)

	flags, opts = parseCreateFlags(t, "--min-speed", "slow")
	_, err = buildConfig(flags, opts, []string{"https://example.com/f"})
	assert.Error(t, err)
}

func TestBuildConfigFromFile(t *testing.T) {
	param.Reset()
	t.Cleanup(param.Reset)

	path := filepath.Join(t.TempDir(), "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
url: https://example.com/archive.tar
action: 1
mode: 1
title: nightly archive
method: post
data: '{"day": 7}'
headers:
  Accept: application/x-tar
`), 0600))

	flags, opts := parseCreateFlags(t, "--from", path, "--title", "override")
	cfg, err := buildConfig(flags, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, task.ActionDownload, cfg.Action)
	assert.Equal(t, task.ModeForeground, cfg.Mode)
	assert.Equal(t, "override", cfg.Title)
	assert.Equal(t, `{"day": 7}`, cfg.Data)
	assert.Equal(t, "application/x-tar", cfg.Headers["Accept"])
	assert.True(t, cfg.Retry)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "POST", cfg.Method)
}

func TestBuildConfigErrors(t *testing.T) {
	flags, opts := parseCreateFlags(t)
	_, err := buildConfig(flags, opts, nil)
	assert.ErrorContains(t, err, "url is required")

	flags, opts = parseCreateFlags(t, "--action", "sideways")
	_, err = buildConfig(flags, opts, []string{"https://example.com"})
	assert.Error(t, err)

	flags, opts = parseCreateFlags(t, "-H", "novalue")
	_, err = buildConfig(flags, opts, []string{"https://example.com"})
	assert.ErrorContains(t, err, "key=value")

	flags, opts = parseCreateFlags(t, "--from", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err = buildConfig(flags, opts, nil)
	assert.Error(t, err)
}

func TestBuildFilter(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	filter, err := buildFilter(&searchOptions{state: "any", action: "any", mode: "any"}, now)
	require.NoError(t, err)
	assert.Equal(t, task.StateAny, filter.State)
	assert.Equal(t, now.UnixMilli(), filter.Before)
	assert.Equal(t, now.Add(-24*time.Hour).UnixMilli(), filter.After)

	filter, err = buildFilter(&searchOptions{
		bundle: "com.example",
		state:  "paused",
		action: "download",
		mode:   "foreground",
		since:  time.Hour,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, "com.example", filter.Bundle)
	assert.Equal(t, task.StatePaused, filter.State)
	assert.Equal(t, task.ActionDownload, filter.Action)
	assert.Equal(t, task.ModeForeground, filter.Mode)
	assert.Equal(t, now.Add(-time.Hour).UnixMilli(), filter.After)

	_, err = buildFilter(&searchOptions{state: "sleeping", action: "any", mode: "any"}, now)
	assert.Error(t, err)
	_, err = buildFilter(&searchOptions{state: "any", action: "any", mode: "any", before: "yesterday"}, now)
	assert.Error(t, err)
	// A window that closes before it opens.
	_, err = buildFilter(&searchOptions{state: "any", action: "any", mode: "any",
		since: time.Hour, before: now.Add(-2 * time.Hour).Format(time.RFC3339)}, now)
	assert.Error(t, err)
}

func TestProgressBarsCompletion(t *testing.T) {
	bars := newProgressBars()
	bars.track("1", "a.bin", task.Progress{State: task.StateRunning, Sizes: []int64{100}})
	bars.track("2", "b.bin", task.Progress{State: task.StateCompleted, TotalProcessed: 50, Sizes: []int64{50}})
	assert.Equal(t, []string{"1"}, bars.unfinished())

	bars.update("1", task.Progress{State: task.StateRunning, TotalProcessed: 40, Sizes: []int64{100}})
	select {
	case <-bars.allDone:
		t.Fatal("set finished while a task is still running")
	default:
	}
	stat := bars.snapshot()["1"]
	assert.Equal(t, int64(40), stat.xfer)
	assert.Equal(t, int64(100), stat.size)

	// Unknown tasks are ignored.
	bars.update("9", task.Progress{State: task.StateFailed})

	bars.update("1", task.Progress{State: task.StateFailed, TotalProcessed: 40})
	select {
	case <-bars.allDone:
	default:
		t.Fatal("set not finished after the last task failed")
	}
	// A second terminal update must not close the channel again.
	bars.update("1", task.Progress{State: task.StateRemoved})
	assert.Equal(t, task.StateRemoved, bars.state("1"))
	assert.Equal(t, int64(100), bars.snapshot()["1"].size)
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.50 KiB", formatBytes(1536))
	assert.Equal(t, "2.00 GiB", formatBytes(2<<30))
	assert.Equal(t, "unknown", formatBytes(-1))
	assert.Equal(t, int64(-1), totalSize(task.Progress{}))
	assert.Equal(t, int64(-1), totalSize(task.Progress{Sizes: []int64{10, -1}}))
	assert.Equal(t, int64(30), totalSize(task.Progress{Sizes: []int64{10, 20}}))
}

func TestPrintTaskView(t *testing.T) {
	info := &task.Info{
		Tid:    "42",
		Bundle: "com.example",
		Reason: task.ReasonOK,
		Config: task.Config{Action: task.ActionDownload, URL: "https://example.com/f"},
		Progress: task.Progress{
			State:          task.StateRunning,
			TotalProcessed: 1024,
			Sizes:          []int64{4096},
		},
	}
	view := newTaskView(info)
	assert.Equal(t, "running", view.State)
	assert.Equal(t, "1.00 KiB / 4.00 KiB", view.Transferred)

	var out bytes.Buffer
	outputJSON = false
	require.NoError(t, printOutput(&out, view))
	assert.Contains(t, out.String(), "tid: \"42\"")
	assert.Contains(t, out.String(), "state: running")

	out.Reset()
	outputJSON = true
	t.Cleanup(func() { outputJSON = false })
	require.NoError(t, printOutput(&out, view))
	assert.Contains(t, out.String(), `"state": "running"`)
}

func TestWatchKinds(t *testing.T) {
	kinds, err := watchKinds(nil)
	require.NoError(t, err)
	assert.Contains(t, kinds, task.SubscribeFaultOccur)
	assert.Contains(t, kinds, task.SubscribeWait)

	kinds, err = watchKinds([]string{"progress", "faultOccur", "progress", "wait"})
	require.NoError(t, err)
	assert.Equal(t, []task.SubscribeType{task.SubscribeProgress, task.SubscribeFaultOccur, task.SubscribeWait}, kinds)

	// legacy names belong to the older API vocabulary
	_, err = watchKinds([]string{"complete"})
	require.Error(t, err)
	assert.Equal(t, task.EParameterCheck, task.CodeOf(err))

	_, err = watchKinds([]string{"response"})
	assert.Error(t, err)
}
