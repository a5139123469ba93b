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
	"time"

	"github.com/pelicanplatform/bgxfer/byte_rate"
)

type Config struct {
	Client struct {
		Bundle         string        `mapstructure:"bundle" yaml:"Bundle"`
		ChannelPath    string        `mapstructure:"channelpath" yaml:"ChannelPath"`
		LoadTimeout    time.Duration `mapstructure:"loadtimeout" yaml:"LoadTimeout"`
		MaxAttempts    int           `mapstructure:"maxattempts" yaml:"MaxAttempts"`
		PollInterval   time.Duration `mapstructure:"pollinterval" yaml:"PollInterval"`
		RequestTimeout time.Duration `mapstructure:"requesttimeout" yaml:"RequestTimeout"`
		SDKVersion     int           `mapstructure:"sdkversion" yaml:"SDKVersion"`
		SocketPath     string        `mapstructure:"socketpath" yaml:"SocketPath"`
		TombstoneTTL   time.Duration `mapstructure:"tombstonettl" yaml:"TombstoneTTL"`
	} `mapstructure:"client" yaml:"Client"`
	Logging struct {
		DisableColor bool   `mapstructure:"disablecolor" yaml:"DisableColor"`
		Level        string `mapstructure:"level" yaml:"Level"`
		LogLocation  string `mapstructure:"loglocation" yaml:"LogLocation"`
	} `mapstructure:"logging" yaml:"Logging"`
	Permissions struct {
		BaseDir    string `mapstructure:"basedir" yaml:"BaseDir"`
		Enabled    bool   `mapstructure:"enabled" yaml:"Enabled"`
		ServiceUID int    `mapstructure:"serviceuid" yaml:"ServiceUID"`
	} `mapstructure:"permissions" yaml:"Permissions"`
	Store struct {
		DatabasePath string `mapstructure:"databasepath" yaml:"DatabasePath"`
		Encrypted    bool   `mapstructure:"encrypted" yaml:"Encrypted"`
	} `mapstructure:"store" yaml:"Store"`
	Transfer struct {
		Gauge            bool               `mapstructure:"gauge" yaml:"Gauge"`
		MinSpeed         byte_rate.ByteRate `mapstructure:"minspeed" yaml:"MinSpeed"`
		MinSpeedDuration time.Duration      `mapstructure:"minspeedduration" yaml:"MinSpeedDuration"`
	} `mapstructure:"transfer" yaml:"Transfer"`
	Watch struct {
		PollInterval time.Duration `mapstructure:"pollinterval" yaml:"PollInterval"`
	} `mapstructure:"watch" yaml:"Watch"`
}
