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

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/bgxfer/logging"
	"github.com/pelicanplatform/bgxfer/param"
)

var (
	cfgFile    string
	debug      bool
	outputJSON bool

	rootCmd = &cobra.Command{
		Use:   "bgxfer",
		Short: "Drive the background transfer service",
		Long: `bgxfer creates and controls upload and download tasks run by the
background transfer service, and follows their progress over the
service's notification channel.`,
		SilenceUsage:      true,
		PersistentPreRunE: initClientConfig,
	}
)

func Execute() error {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		log.Errorln("bgxfer failed:", err)
	}
	logging.CloseLogger()
	return err
}

// initClientConfig loads the configuration once flags are parsed and then
// applies the logging settings.
func initClientConfig(cmd *cobra.Command, args []string) error {
	if _, err := param.InitConfig(cfgFile); err != nil {
		return err
	}
	if debug {
		if err := param.Set(param.Logging_Level.GetName(), "debug"); err != nil {
			return err
		}
	}
	return logging.Setup()
}

func init() {
	logging.SetupLogBuffering()
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bgxfer/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results in JSON format")
	// Registered for --help only; main handles it.
	rootCmd.PersistentFlags().Bool("version", false, "Print the version and exit")

	rootCmd.PersistentFlags().StringP("log", "l", "", "Specified log output file")
	if err := viper.BindPFlag(param.Logging_LogLocation.GetName(), rootCmd.PersistentFlags().Lookup("log")); err != nil {
		panic(err)
	}
	rootCmd.PersistentFlags().String("socket", "", "Unix socket of the transfer service")
	if err := viper.BindPFlag(param.Client_SocketPath.GetName(), rootCmd.PersistentFlags().Lookup("socket")); err != nil {
		panic(err)
	}
	rootCmd.PersistentFlags().String("database", "", "Path of the local task database")
	if err := viper.BindPFlag(param.Store_DatabasePath.GetName(), rootCmd.PersistentFlags().Lookup("database")); err != nil {
		panic(err)
	}
}
