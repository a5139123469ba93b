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

package param

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by bgxfer.
const EnvPrefix = "BGXFER"

// SetDefaults installs the default value of every parameter into v.
func SetDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	stateDir := filepath.Join(home, ".bgxfer")

	v.SetDefault(Client_SocketPath.GetName(), "/run/bgxfer/service.sock")
	v.SetDefault(Client_ChannelPath.GetName(), "/run/bgxfer/channel.sock")
	v.SetDefault(Client_Bundle.GetName(), "bgxfer")
	v.SetDefault(Client_SDKVersion.GetName(), 12)
	v.SetDefault(Client_LoadTimeout.GetName(), 10*time.Second)
	v.SetDefault(Client_PollInterval.GetName(), 100*time.Millisecond)
	v.SetDefault(Client_RequestTimeout.GetName(), 30*time.Second)
	v.SetDefault(Client_MaxAttempts.GetName(), 5)
	v.SetDefault(Client_TombstoneTTL.GetName(), time.Minute)

	v.SetDefault(Store_DatabasePath.GetName(), filepath.Join(stateDir, "tasks.db"))
	v.SetDefault(Store_Encrypted.GetName(), false)

	v.SetDefault(Permissions_Enabled.GetName(), false)
	v.SetDefault(Permissions_BaseDir.GetName(), filepath.Join(stateDir, "files"))
	v.SetDefault(Permissions_ServiceUID.GetName(), 0)

	v.SetDefault(Transfer_MinSpeed.GetName(), "0")
	v.SetDefault(Transfer_MinSpeedDuration.GetName(), 0)
	v.SetDefault(Transfer_Gauge.GetName(), true)

	v.SetDefault(Watch_PollInterval.GetName(), 2*time.Second)

	v.SetDefault(Logging_Level.GetName(), "Warning")
	v.SetDefault(Logging_LogLocation.GetName(), "")
	v.SetDefault(Logging_DisableColor.GetName(), false)
}

// InitConfig loads defaults, the config file and the environment into the
// global viper instance and refreshes the snapshot. An explicit configFile
// must exist; otherwise $BGXFER_CONFIG_FILE and then
// $HOME/.bgxfer/config.yaml are tried.
func InitConfig(configFile string) (*Config, error) {
	v := viper.GetViper()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("$HOME/.bgxfer")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "failed to read config file")
			}
		}
	}
	return Refresh()
}
