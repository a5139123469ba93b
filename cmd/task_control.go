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
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pelicanplatform/bgxfer/task_client"
)

// controlParallelism bounds how many tasks one control command drives at once.
const controlParallelism = 4

type controlOp func(c *task_client.Client, ctx context.Context, tid string) error

func newControlCmd(verb, done, short string, op controlOp) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := newSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			return runControl(cmd, sess.client, verb, done, op, args)
		},
	}
}

// runControl applies op to every tid. A failure on one task does not stop
// the others; the first error is returned.
func runControl(cmd *cobra.Command, client *task_client.Client, verb, done string, op controlOp, tids []string) error {
	var egrp errgroup.Group
	egrp.SetLimit(controlParallelism)
	results := make([]error, len(tids))
	for idx, tid := range tids {
		egrp.Go(func() error {
			results[idx] = op(client, cmd.Context(), tid)
			return nil
		})
	}
	_ = egrp.Wait()

	var firstErr error
	for idx, tid := range tids {
		if err := results[idx]; err != nil {
			log.Errorf("Failed to %s task %s: %v", verb, tid, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "failed to %s task %s", verb, tid)
			}
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tid, done)
	}
	return firstErr
}

func init() {
	rootCmd.AddCommand(
		newControlCmd("start", "started", "Start tasks", (*task_client.Client).Start),
		newControlCmd("pause", "paused", "Pause running tasks", (*task_client.Client).Pause),
		newControlCmd("resume", "resumed", "Resume paused tasks", (*task_client.Client).Resume),
		newControlCmd("stop", "stopped", "Stop tasks", (*task_client.Client).Stop),
		newControlCmd("remove", "removed", "Remove tasks and release their files", (*task_client.Client).Remove),
	)
}
