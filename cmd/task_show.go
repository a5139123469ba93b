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

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_client"
)

var (
	showRaw    bool
	touchToken string

	showCmd = &cobra.Command{
		Use:   "show <task-id>...",
		Short: "Show the state of your tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchMain(cmd, args, func(c *task_client.Client, ctx context.Context, tid string) (*task.Info, error) {
				return c.Show(ctx, tid)
			})
		},
	}

	touchCmd = &cobra.Command{
		Use:   "touch <task-id>...",
		Short: "Show tasks protected by a token",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if touchToken == "" {
				return errors.New("--token is required")
			}
			return fetchMain(cmd, args, func(c *task_client.Client, ctx context.Context, tid string) (*task.Info, error) {
				return c.Touch(ctx, tid, touchToken)
			})
		},
	}

	queryCmd = &cobra.Command{
		Use:   "query <task-id>...",
		Short: "Show any task (privileged callers only)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fetchMain(cmd, args, func(c *task_client.Client, ctx context.Context, tid string) (*task.Info, error) {
				return c.Query(ctx, tid)
			})
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{showCmd, touchCmd, queryCmd} {
		cmd.Flags().BoolVar(&showRaw, "raw", false, "Print the full task snapshot instead of a summary")
		rootCmd.AddCommand(cmd)
	}
	touchCmd.Flags().StringVar(&touchToken, "token", "", "Token the task was created with")
}

func fetchMain(cmd *cobra.Command, tids []string, fetch func(*task_client.Client, context.Context, string) (*task.Info, error)) error {
	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	var output []interface{}
	for _, tid := range tids {
		info, err := fetch(sess.client, cmd.Context(), tid)
		if err != nil {
			return errors.Wrapf(err, "failed to fetch task %s", tid)
		}
		if showRaw {
			output = append(output, info)
		} else {
			output = append(output, newTaskView(info))
		}
	}
	if len(output) == 1 {
		return printOutput(cmd.OutOrStdout(), output[0])
	}
	return printOutput(cmd.OutOrStdout(), output)
}
