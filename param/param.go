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

// Package param holds the typed configuration parameters of bgxfer. Values
// come from viper (defaults, the yaml config file and BGXFER_* environment
// variables) and are decoded into a cached Config snapshot that the
// accessors read.
package param

import (
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/pelicanplatform/bgxfer/byte_rate"
)

var (
	viperConfig atomic.Pointer[Config]
	configMutex sync.Mutex
)

// Refresh reloads the cached configuration from viper's global instance.
// Code that mutates viper directly must call it afterwards.
func Refresh() (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()
	newConfig, err := DecodeConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	viperConfig.Store(newConfig)
	return newConfig, nil
}

// BindAllParameters binds every known key to its environment variable so
// env-only values show up in AllSettings.
func BindAllParameters(v *viper.Viper) {
	if v == nil {
		return
	}
	for _, key := range allParameterNames {
		_ = v.BindEnv(key, paramNameToEnvVar(key))
	}
}

// stringToByteRateHookFunc converts rate strings such as "64KiB/s" into a
// ByteRate. Plain numbers are bytes per second.
func stringToByteRateHookFunc() mapstructure.DecodeHookFunc {
	byteRateType := reflect.TypeOf(byte_rate.ByteRate(0))
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != byteRateType {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			raw := data.(string)
			if raw == "" {
				return byte_rate.ByteRate(0), nil
			}
			rate, err := byte_rate.ParseRate(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse byte rate '%s'", raw)
			}
			return rate, nil
		case reflect.Int, reflect.Int64, reflect.Float64:
			return byte_rate.ByteRate(reflect.ValueOf(data).Convert(reflect.TypeOf(float64(0))).Float()), nil
		}
		return data, nil
	}
}

func decode(settings map[string]any) (*Config, error) {
	newConfig := new(Config)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToByteRateHookFunc(),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
		Result: newConfig,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, err
	}
	return newConfig, nil
}

// DecodeConfig decodes a viper instance into a new Config without touching
// the cached snapshot.
func DecodeConfig(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("nil viper instance")
	}
	BindAllParameters(v)
	settings := v.AllSettings()
	// AllSettings can omit values bound only to flags; overlay every known key.
	for _, key := range allParameterNames {
		if val := v.Get(key); val != nil {
			setLowercasePath(settings, strings.Split(key, "."), val)
		}
	}
	return decode(settings)
}

func setLowercasePath(root map[string]any, path []string, val any) {
	m := root
	for _, part := range path[:len(path)-1] {
		k := strings.ToLower(part)
		if next, ok := m[k].(map[string]any); ok {
			m = next
			continue
		}
		next := make(map[string]any)
		m[k] = next
		m = next
	}
	m[strings.ToLower(path[len(path)-1])] = val
}

// getOrCreateConfig returns the cached config, decoding it from viper on
// first use.
func getOrCreateConfig() *Config {
	if config := viperConfig.Load(); config != nil {
		return config
	}
	configMutex.Lock()
	defer configMutex.Unlock()
	if config := viperConfig.Load(); config != nil {
		return config
	}
	newConfig, err := DecodeConfig(viper.GetViper())
	if err != nil {
		return new(Config)
	}
	viperConfig.Store(newConfig)
	return newConfig
}

// Set sets one parameter in viper and refreshes the snapshot.
func Set(key string, value interface{}) error {
	return MultiSet(map[string]interface{}{key: value})
}

// MultiSet sets several parameters and refreshes the snapshot once.
func MultiSet(keyValues map[string]interface{}) error {
	configMutex.Lock()
	defer configMutex.Unlock()
	for key, value := range keyValues {
		viper.Set(key, value)
	}
	newConfig, err := DecodeConfig(viper.GetViper())
	if err != nil {
		return err
	}
	viperConfig.Store(newConfig)
	return nil
}

// Reset clears viper and the cached snapshot. Intended for tests.
func Reset() {
	configMutex.Lock()
	defer configMutex.Unlock()
	viper.Reset()
	viperConfig.Store(nil)
}
