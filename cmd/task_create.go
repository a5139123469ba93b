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
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/pelicanplatform/bgxfer/byte_rate"
	"github.com/pelicanplatform/bgxfer/param"
	"github.com/pelicanplatform/bgxfer/task"
)

type createOptions struct {
	fromFile    string
	action      string
	mode        string
	method      string
	title       string
	description string
	data        string
	saveas      string
	token       string
	proxy       string
	files       []string
	forms       []string
	headers     []string
	certs       []string
	extras      []string
	minSpeed    string
	minSpeedFor time.Duration
	connTimeout time.Duration
	timeout     time.Duration
	priority    uint32
	retry       bool
	redirect    bool
	overwrite   bool
	metered     bool
	roaming     bool
	multipart   bool
	start       bool
}

var (
	createOpts createOptions

	createCmd = &cobra.Command{
		Use:   "create <url>",
		Short: "Create a transfer task",
		Long: `Create an upload or download task. Local files named with --file are
made reachable by the service before the task is submitted. The task
settings may also be read from a YAML file with --from; flags given on
the command line override the file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: createMain,
	}
)

func init() {
	addCreateFlags(createCmd.Flags(), &createOpts)
	rootCmd.AddCommand(createCmd)
}

func addCreateFlags(flags *pflag.FlagSet, opts *createOptions) {
	flags.StringVar(&opts.fromFile, "from", "", "Read the task settings from a YAML file")
	flags.StringVarP(&opts.action, "action", "a", "download", "Transfer direction: upload or download")
	flags.StringVar(&opts.mode, "mode", "background", "Task mode: background or foreground")
	flags.StringVarP(&opts.method, "method", "X", "", "HTTP method (default PUT for uploads, GET for downloads)")
	flags.StringVar(&opts.title, "title", "", "Display title")
	flags.StringVar(&opts.description, "description", "", "Display description")
	flags.StringVar(&opts.data, "data", "", "Request body for POST downloads")
	flags.StringVar(&opts.saveas, "saveas", "", "Destination path of a download")
	flags.StringVar(&opts.token, "token", "", "Token other applications must present to see the task")
	flags.StringVar(&opts.proxy, "proxy", "", "HTTP proxy for the transfer")
	flags.StringArrayVarP(&opts.files, "file", "f", nil, "Local file taking part in the transfer (repeatable)")
	flags.StringArrayVar(&opts.forms, "form", nil, "Multipart form value name=value (repeatable)")
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, "Request header name=value (repeatable)")
	flags.StringArrayVar(&opts.certs, "cert", nil, "Certificate file trusted for the transfer (repeatable)")
	flags.StringArrayVar(&opts.extras, "extra", nil, "Opaque key=value kept with the task (repeatable)")
	flags.StringVar(&opts.minSpeed, "min-speed", "", "Fail the task below this rate, e.g. 16KiB/s (default Transfer.MinSpeed)")
	flags.DurationVar(&opts.minSpeedFor, "min-speed-duration", 0, "How long the rate may stay below --min-speed")
	flags.DurationVar(&opts.connTimeout, "connect-timeout", 0, "Connection timeout")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Total timeout of the transfer")
	flags.Uint32Var(&opts.priority, "priority", 0, "Scheduling priority, lower runs first")
	flags.BoolVar(&opts.retry, "retry", true, "Retry the transfer after network errors")
	flags.BoolVar(&opts.redirect, "redirect", true, "Follow HTTP redirects")
	flags.BoolVar(&opts.overwrite, "overwrite", false, "Overwrite an existing download destination")
	flags.BoolVar(&opts.metered, "metered", false, "Allow metered networks")
	flags.BoolVar(&opts.roaming, "roaming", false, "Allow roaming networks")
	flags.BoolVar(&opts.multipart, "multipart", false, "Send uploads as multipart/form-data")
	flags.BoolVar(&opts.start, "start", false, "Start the task after creating it")
}

func loadTaskFile(path string) (*task.Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read task file")
	}
	cfg := &task.Config{Retry: true, Redirect: true}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse task file %s", path)
	}
	return cfg, nil
}

func fileSpec(path string) (task.FileSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return task.FileSpec{}, errors.Wrapf(err, "failed to resolve %s", path)
	}
	return task.FileSpec{
		Name:       "file",
		URI:        abs,
		Filename:   filepath.Base(abs),
		IsUserFile: true,
	}, nil
}

// buildConfig merges the task file, the flags that were set and the
// configured defaults into a task configuration.
func buildConfig(flags *pflag.FlagSet, opts *createOptions, args []string) (*task.Config, error) {
	var cfg *task.Config
	if opts.fromFile != "" {
		var err error
		if cfg, err = loadTaskFile(opts.fromFile); err != nil {
			return nil, err
		}
	} else {
		cfg = &task.Config{}
	}
	fromFlags := func(name string) bool {
		return opts.fromFile == "" || flags.Changed(name)
	}

	if len(args) == 1 {
		cfg.URL = args[0]
	}
	if cfg.URL == "" {
		return nil, errors.New("a url is required")
	}
	if fromFlags("action") {
		action, err := task.ParseAction(opts.action)
		if err != nil {
			return nil, err
		}
		cfg.Action = action
	}
	if fromFlags("mode") {
		mode, err := task.ParseMode(opts.mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
	}
	if fromFlags("retry") {
		cfg.Retry = opts.retry
	}
	if fromFlags("redirect") {
		cfg.Redirect = opts.redirect
	}
	if !flags.Changed("method") && opts.fromFile != "" {
		opts.method = cfg.Method
	}
	cfg.Method = opts.method

	setString := func(name string, dst *string, value string) {
		if flags.Changed(name) {
			*dst = value
		}
	}
	setString("title", &cfg.Title, opts.title)
	setString("description", &cfg.Description, opts.description)
	setString("data", &cfg.Data, opts.data)
	setString("saveas", &cfg.Saveas, opts.saveas)
	setString("token", &cfg.Token, opts.token)
	setString("proxy", &cfg.Proxy, opts.proxy)

	for _, path := range opts.files {
		spec, err := fileSpec(path)
		if err != nil {
			return nil, err
		}
		cfg.Files = append(cfg.Files, spec)
	}
	for _, pair := range opts.forms {
		form, err := parseKeyValues("form", []string{pair})
		if err != nil {
			return nil, err
		}
		for name, value := range form {
			cfg.Forms = append(cfg.Forms, task.FormItem{Name: name, Value: value})
		}
	}
	headers, err := parseKeyValues("header", opts.headers)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string)
		}
		cfg.Headers[key] = value
	}
	extras, err := parseKeyValues("extra", opts.extras)
	if err != nil {
		return nil, err
	}
	for key, value := range extras {
		if cfg.Extras == nil {
			cfg.Extras = make(map[string]string)
		}
		cfg.Extras[key] = value
	}
	for _, cert := range opts.certs {
		abs, err := filepath.Abs(cert)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve %s", cert)
		}
		cfg.CertsPaths = append(cfg.CertsPaths, abs)
	}

	switch {
	case flags.Changed("min-speed"):
		rate, err := byte_rate.ParseRate(opts.minSpeed)
		if err != nil {
			return nil, errors.Wrap(err, "invalid --min-speed")
		}
		cfg.MinSpeed = rate.BytesPerSecond()
	case cfg.MinSpeed == 0:
		cfg.MinSpeed = param.Transfer_MinSpeed.GetByteRate().BytesPerSecond()
	}
	switch {
	case flags.Changed("min-speed-duration"):
		cfg.MinSpeedDuration = opts.minSpeedFor
	case cfg.MinSpeedDuration == 0:
		cfg.MinSpeedDuration = param.Transfer_MinSpeedDuration.GetDuration()
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectionTimeout = opts.connTimeout
	}
	if flags.Changed("timeout") {
		cfg.TotalTimeout = opts.timeout
	}
	if flags.Changed("priority") {
		cfg.Priority = opts.priority
	}
	if flags.Changed("overwrite") {
		cfg.Overwrite = opts.overwrite
	}
	if flags.Changed("metered") {
		cfg.Metered = opts.metered
	}
	if flags.Changed("roaming") {
		cfg.Roaming = opts.roaming
	}
	if flags.Changed("multipart") {
		cfg.Multipart = opts.multipart
	}
	if opts.fromFile == "" {
		cfg.Gauge = param.Transfer_Gauge.GetBool()
	}
	return cfg, nil
}

func createMain(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd.Flags(), &createOpts, args)
	if err != nil {
		return err
	}
	sess, err := newSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := cmd.Context()
	tid, err := sess.client.Create(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	if createOpts.start {
		if err := sess.client.Start(ctx, tid); err != nil {
			return errors.Wrapf(err, "created task %s but failed to start it", tid)
		}
	}
	return printTids(cmd.OutOrStdout(), []string{tid})
}
