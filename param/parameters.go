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
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pelicanplatform/bgxfer/byte_rate"
)

type StringParam struct {
	name string
}

type BoolParam struct {
	name string
}

type IntParam struct {
	name string
}

type DurationParam struct {
	name string
}

type ByteRateParam struct {
	name string
}

var (
	Client_SocketPath     = StringParam{"Client.SocketPath"}
	Client_ChannelPath    = StringParam{"Client.ChannelPath"}
	Client_Bundle         = StringParam{"Client.Bundle"}
	Client_SDKVersion     = IntParam{"Client.SDKVersion"}
	Client_LoadTimeout    = DurationParam{"Client.LoadTimeout"}
	Client_PollInterval   = DurationParam{"Client.PollInterval"}
	Client_RequestTimeout = DurationParam{"Client.RequestTimeout"}
	Client_MaxAttempts    = IntParam{"Client.MaxAttempts"}
	Client_TombstoneTTL   = DurationParam{"Client.TombstoneTTL"}

	Store_DatabasePath = StringParam{"Store.DatabasePath"}
	Store_Encrypted    = BoolParam{"Store.Encrypted"}

	Permissions_Enabled    = BoolParam{"Permissions.Enabled"}
	Permissions_BaseDir    = StringParam{"Permissions.BaseDir"}
	Permissions_ServiceUID = IntParam{"Permissions.ServiceUID"}

	Transfer_MinSpeed         = ByteRateParam{"Transfer.MinSpeed"}
	Transfer_MinSpeedDuration = DurationParam{"Transfer.MinSpeedDuration"}
	Transfer_Gauge            = BoolParam{"Transfer.Gauge"}

	Watch_PollInterval = DurationParam{"Watch.PollInterval"}

	Logging_Level        = StringParam{"Logging.Level"}
	Logging_LogLocation  = StringParam{"Logging.LogLocation"}
	Logging_DisableColor = BoolParam{"Logging.DisableColor"}
)

// allParameterNames lists every key above; BindAllParameters binds them to
// their BGXFER_* environment variables.
var allParameterNames = []string{
	"Client.SocketPath",
	"Client.ChannelPath",
	"Client.Bundle",
	"Client.SDKVersion",
	"Client.LoadTimeout",
	"Client.PollInterval",
	"Client.RequestTimeout",
	"Client.MaxAttempts",
	"Client.TombstoneTTL",
	"Store.DatabasePath",
	"Store.Encrypted",
	"Permissions.Enabled",
	"Permissions.BaseDir",
	"Permissions.ServiceUID",
	"Transfer.MinSpeed",
	"Transfer.MinSpeedDuration",
	"Transfer.Gauge",
	"Watch.PollInterval",
	"Logging.Level",
	"Logging.LogLocation",
	"Logging.DisableColor",
}

// paramNameToEnvVar converts a parameter name (e.g., "Client.SocketPath") to
// its environment variable (e.g., "BGXFER_CLIENT_SOCKETPATH").
func paramNameToEnvVar(paramName string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(paramName, ".", "_"))
}

func (sP StringParam) GetString() string {
	config := getOrCreateConfig()
	switch sP.name {
	case "Client.SocketPath":
		return config.Client.SocketPath
	case "Client.ChannelPath":
		return config.Client.ChannelPath
	case "Client.Bundle":
		return config.Client.Bundle
	case "Store.DatabasePath":
		return config.Store.DatabasePath
	case "Permissions.BaseDir":
		return config.Permissions.BaseDir
	case "Logging.Level":
		return config.Logging.Level
	case "Logging.LogLocation":
		return config.Logging.LogLocation
	}
	return ""
}

func (sP StringParam) GetName() string {
	return sP.name
}

func (sP StringParam) IsSet() bool {
	return viper.IsSet(sP.name)
}

func (sP StringParam) GetEnvVarName() string {
	return paramNameToEnvVar(sP.name)
}

func (iP IntParam) GetInt() int {
	config := getOrCreateConfig()
	switch iP.name {
	case "Client.SDKVersion":
		return config.Client.SDKVersion
	case "Client.MaxAttempts":
		return config.Client.MaxAttempts
	case "Permissions.ServiceUID":
		return config.Permissions.ServiceUID
	}
	return 0
}

func (iP IntParam) GetName() string {
	return iP.name
}

func (iP IntParam) IsSet() bool {
	return viper.IsSet(iP.name)
}

func (iP IntParam) GetEnvVarName() string {
	return paramNameToEnvVar(iP.name)
}

func (bP BoolParam) GetBool() bool {
	config := getOrCreateConfig()
	switch bP.name {
	case "Store.Encrypted":
		return config.Store.Encrypted
	case "Permissions.Enabled":
		return config.Permissions.Enabled
	case "Transfer.Gauge":
		return config.Transfer.Gauge
	case "Logging.DisableColor":
		return config.Logging.DisableColor
	}
	return false
}

func (bP BoolParam) GetName() string {
	return bP.name
}

func (bP BoolParam) IsSet() bool {
	return viper.IsSet(bP.name)
}

func (bP BoolParam) GetEnvVarName() string {
	return paramNameToEnvVar(bP.name)
}

func (dP DurationParam) GetDuration() time.Duration {
	config := getOrCreateConfig()
	switch dP.name {
	case "Client.LoadTimeout":
		return config.Client.LoadTimeout
	case "Client.PollInterval":
		return config.Client.PollInterval
	case "Client.RequestTimeout":
		return config.Client.RequestTimeout
	case "Client.TombstoneTTL":
		return config.Client.TombstoneTTL
	case "Transfer.MinSpeedDuration":
		return config.Transfer.MinSpeedDuration
	case "Watch.PollInterval":
		return config.Watch.PollInterval
	}
	return 0
}

func (dP DurationParam) GetName() string {
	return dP.name
}

func (dP DurationParam) IsSet() bool {
	return viper.IsSet(dP.name)
}

func (dP DurationParam) GetEnvVarName() string {
	return paramNameToEnvVar(dP.name)
}

func (bRP ByteRateParam) GetByteRate() byte_rate.ByteRate {
	config := getOrCreateConfig()
	switch bRP.name {
	case "Transfer.MinSpeed":
		return config.Transfer.MinSpeed
	}
	return 0
}

func (bRP ByteRateParam) GetName() string {
	return bRP.name
}

func (bRP ByteRateParam) IsSet() bool {
	return viper.IsSet(bRP.name)
}

func (bRP ByteRateParam) GetEnvVarName() string {
	return paramNameToEnvVar(bRP.name)
}
