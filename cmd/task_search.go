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
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pelicanplatform/bgxfer/param"
	"github.com/pelicanplatform/bgxfer/task"
	"github.com/pelicanplatform/bgxfer/task_store"
)

type searchOptions struct {
	bundle string
	state  string
	action string
	mode   string
	since  time.Duration
	before string
	local  bool
}

var (
	searchOpts   searchOptions
	historyLimit int

	searchCmd = &cobra.Command{
		Use:   "search",
		Short: "List the ids of your tasks",
		Long: `List the ids of your tasks that match the given filters. By default the
service is asked; --local answers from the local task database instead.
Without --since only tasks created in the last 24 hours are listed.`,
		Args: cobra.NoArgs,
		RunE: searchMain,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Summarize recent tasks from the local task database",
		Args:  cobra.NoArgs,
		RunE:  historyMain,
	}
)

func init() {
	flags := searchCmd.Flags()
	flags.StringVar(&searchOpts.bundle, "bundle", "", "Only tasks of this application bundle")
	flags.StringVar(&searchOpts.state, "state", "any", "Only tasks in this state")
	flags.StringVar(&searchOpts.action, "action", "any", "Only upload or download tasks")
	flags.StringVar(&searchOpts.mode, "mode", "any", "Only background or foreground tasks")
	flags.DurationVar(&searchOpts.since, "since", 0, "Only tasks created within this long")
	flags.StringVar(&searchOpts.before, "before", "", "Only tasks created before this RFC3339 time")
	flags.BoolVar(&searchOpts.local, "local", false, "Search the local task database instead of the service")
	rootCmd.AddCommand(searchCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of tasks to show")
	rootCmd.AddCommand(historyCmd)
}

// buildFilter turns the search flags into a normalized filter.
func buildFilter(opts *searchOptions, now time.Time) (task.Filter, error) {
	filter := task.NewFilter()
	filter.Bundle = opts.bundle
	var err error
	if filter.State, err = task.ParseState(opts.state); err != nil {
		return filter, err
	}
	if filter.Action, err = task.ParseAction(opts.action); err != nil {
		return filter, err
	}
	if filter.Mode, err = task.ParseMode(opts.mode); err != nil {
		return filter, err
	}
	if opts.before != "" {
		before, err := time.Parse(time.RFC3339, opts.before)
		if err != nil {
			return filter, errors.Wrap(err, "invalid --before")
		}
		filter.Before = before.UnixMilli()
	}
	if opts.since > 0 {
		filter.After = now.Add(-opts.since).UnixMilli()
	}
	if err := filter.Normalize(now.UnixMilli()); err != nil {
		return filter, err
	}
	return filter, nil
}

func searchMain(cmd *cobra.Command, args []string) error {
	filter, err := buildFilter(&searchOpts, time.Now())
	if err != nil {
		return err
	}

	if searchOpts.local {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		ids, err := store.Search(uint64(os.Getuid()), filter)
		if err != nil {
			return err
		}
		tids := make([]string, 0, len(ids))
		for _, id := range ids {
			tids = append(tids, task.FormatTid(id))
		}
		return printTids(cmd.OutOrStdout(), tids)
	}

	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	tids, err := sess.client.Search(cmd.Context(), filter)
	if err != nil {
		return errors.Wrap(err, "search failed")
	}
	return printTids(cmd.OutOrStdout(), tids)
}

func historyMain(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	uid := uint64(os.Getuid())
	records, err := store.Query(task_store.Query{UID: &uid, Limit: historyLimit})
	if err != nil {
		return err
	}
	views := make([]taskView, 0, len(records))
	for _, rec := range records {
		views = append(views, newTaskView(rec.Info(param.Client_SDKVersion.GetInt())))
	}
	return printOutput(cmd.OutOrStdout(), views)
}
