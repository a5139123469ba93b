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
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/bgxfer/param"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_client"
)

var (
	watchToken  string
	watchQuiet  bool
	watchEvents []string

	watchCmd = &cobra.Command{
		Use:   "watch <task-id>...",
		Short: "Follow tasks until they finish",
		Long: `Attach to the given tasks and display their progress until every one
of them has completed, failed, stopped or been removed. The command exits
non-zero if any task did not complete.`,
		Args: cobra.MinimumNArgs(1),
		RunE: watchMain,
	}

	// watchedKinds are followed when --events is not given.
	watchedKinds = []task.SubscribeType{
		task.SubscribeProgress,
		task.SubscribeCompleted,
		task.SubscribeFailed,
		task.SubscribePause,
		task.SubscribeResume,
		task.SubscribeRemove,
		task.SubscribeFaultOccur,
		task.SubscribeWait,
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Token the tasks were created with")
	watchCmd.Flags().BoolVarP(&watchQuiet, "quiet", "q", false, "Do not draw progress bars")
	watchCmd.Flags().StringSliceVar(&watchEvents, "events", nil,
		"Notifications to follow, e.g. progress,completed,faultOccur (default: all task events)")
	rootCmd.AddCommand(watchCmd)
}

func taskLabel(info *task.Info) string {
	if info.Config.Title != "" {
		return info.Config.Title
	}
	for _, file := range info.Config.Files {
		if file.URI != "" {
			return filepath.Base(file.URI)
		}
	}
	return info.Config.URL
}

// watchKinds resolves --events names. Response events are not task
// notifications and are rejected; the result never repeats a kind.
func watchKinds(names []string) ([]task.SubscribeType, error) {
	if len(names) == 0 {
		return watchedKinds, nil
	}
	seen := make(map[task.SubscribeType]bool, len(names))
	kinds := make([]task.SubscribeType, 0, len(names))
	for _, name := range names {
		kind, err := task.ValidateSubscribeType(name, task.VersionCurrent)
		if err != nil {
			return nil, err
		}
		if kind == task.SubscribeResponse {
			return nil, errors.Errorf("%q is not a task notification", name)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// watchListener feeds notifications into the progress set.
func watchListener(bars *progressBars) *task_client.NotifyFuncs {
	return &task_client.NotifyFuncs{
		Data: func(nd *task.NotifyData) {
			progress := nd.Progress
			if nd.Type == task.SubscribeRemove {
				progress.State = task.StateRemoved
			}
			bars.update(task.FormatTid(nd.TaskID), progress)
		},
		Faults: func(tid string, kind task.SubscribeType, reason task.Reason, fault task.Fault) {
			log.Warnf("Task %s: %s fault (%s)", tid, fault, reason)
		},
		Wait: func(tid string, reason task.WaitingReason) {
			log.Infof("Task %s is waiting: %s", tid, reason)
		},
	}
}

// pollTasks refreshes every unfinished task from the service. It covers
// notifications the service never sends, such as for gauge-less tasks.
func pollTasks(ctx context.Context, client *task_client.Client, bars *progressBars, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, tid := range bars.unfinished() {
				info, err := client.Show(ctx, tid)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if errors.Is(err, task.ErrTaskNotFound) {
						bars.update(tid, task.Progress{State: task.StateRemoved})
						continue
					}
					log.Debugf("Failed to refresh task %s: %v", tid, err)
					continue
				}
				bars.update(tid, info.Progress)
			}
		}
	}
}

func watchMain(cmd *cobra.Command, args []string) error {
	kinds, err := watchKinds(watchEvents)
	if err != nil {
		return err
	}
	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	bars := newProgressBars()
	listener := watchListener(bars)
	for _, tid := range args {
		info, err := sess.client.GetTask(ctx, tid, watchToken)
		if err != nil {
			return errors.Wrapf(err, "failed to attach to task %s", tid)
		}
		bars.track(tid, taskLabel(info), info.Progress)
		for _, kind := range kinds {
			if err := sess.client.AddNotifyListener(ctx, tid, kind, listener); err != nil {
				return errors.Wrapf(err, "failed to follow %s events of task %s", kind, tid)
			}
		}
	}

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		g.Add(func() error {
			select {
			case <-bars.allDone:
			case <-ctx.Done():
			}
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		pollCtx, pollCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return pollTasks(pollCtx, sess.client, bars, param.Watch_PollInterval.GetDuration())
		}, func(error) {
			pollCancel()
		})
	}
	if !watchQuiet {
		displayCtx, displayCancel := context.WithCancel(ctx)
		g.Add(func() error {
			return bars.display(displayCtx)
		}, func(error) {
			displayCancel()
		})
	}

	runErr := g.Run()
	var sigErr run.SignalError
	if errors.As(runErr, &sigErr) {
		log.Infof("Stopped watching on %v; the tasks keep running", sigErr.Signal)
		return nil
	}
	if runErr != nil {
		return runErr
	}
	return summarize(cmd, bars)
}

// summarize prints the final state of every watched task and fails unless
// all of them completed.
func summarize(cmd *cobra.Command, bars *progressBars) error {
	var views []map[string]string
	incomplete := 0
	for tid, stat := range bars.snapshot() {
		if stat.state != task.StateCompleted {
			incomplete++
		}
		views = append(views, map[string]string{
			"tid":         tid,
			"state":       stat.state.String(),
			"transferred": formatBytes(stat.xfer),
		})
	}
	if err := printOutput(cmd.OutOrStdout(), views); err != nil {
		return err
	}
	if incomplete > 0 {
		return errors.Errorf("%d of %d tasks did not complete", incomplete, len(views))
	}
	return nil
}
