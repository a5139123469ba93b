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
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	require.NoError(t, Set(Client_SocketPath.GetName(), "/tmp/svc.sock"))
	assert.Equal(t, "/tmp/svc.sock", viper.GetString("Client.SocketPath"))
	assert.Equal(t, "/tmp/svc.sock", Client_SocketPath.GetString())
	assert.True(t, Client_SocketPath.IsSet())
	assert.False(t, Client_ChannelPath.IsSet())
}

func TestMultiSet(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	require.NoError(t, MultiSet(map[string]interface{}{
		Client_MaxAttempts.GetName():  3,
		Client_LoadTimeout.GetName():  "250ms",
		Store_Encrypted.GetName():     "true",
		Permissions_BaseDir.GetName(): "/data/app",
	}))
	assert.Equal(t, 3, Client_MaxAttempts.GetInt())
	assert.Equal(t, 250*time.Millisecond, Client_LoadTimeout.GetDuration())
	assert.True(t, Store_Encrypted.GetBool())
	assert.Equal(t, "/data/app", Permissions_BaseDir.GetString())
}

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	SetDefaults(viper.GetViper())
	_, err := Refresh()
	require.NoError(t, err)

	assert.Equal(t, 5, Client_MaxAttempts.GetInt())
	assert.Equal(t, 12, Client_SDKVersion.GetInt())
	assert.Equal(t, 10*time.Second, Client_LoadTimeout.GetDuration())
	assert.Equal(t, time.Minute, Client_TombstoneTTL.GetDuration())
	assert.Equal(t, "Warning", Logging_Level.GetString())
	assert.Equal(t, "tasks.db", filepath.Base(Store_DatabasePath.GetString()))
	assert.Zero(t, Transfer_MinSpeed.GetByteRate())
}

func TestEnvironmentOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	t.Setenv("BGXFER_CLIENT_MAXATTEMPTS", "7")
	t.Setenv("BGXFER_TRANSFER_MINSPEED", "2KiB/s")

	SetDefaults(viper.GetViper())
	_, err := Refresh()
	require.NoError(t, err)
	assert.Equal(t, 7, Client_MaxAttempts.GetInt())
	assert.InDelta(t, 2048, float64(Transfer_MinSpeed.GetByteRate()), 0.01)
	assert.Equal(t, "BGXFER_CLIENT_MAXATTEMPTS", Client_MaxAttempts.GetEnvVarName())
}

func TestByteRateDecode(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	require.NoError(t, Set(Transfer_MinSpeed.GetName(), "64KiB/s"))
	assert.InDelta(t, 65536, float64(Transfer_MinSpeed.GetByteRate()), 0.01)

	require.NoError(t, Set(Transfer_MinSpeed.GetName(), 1000))
	assert.InDelta(t, 1000, float64(Transfer_MinSpeed.GetByteRate()), 0.01)

	assert.Error(t, Set(Transfer_MinSpeed.GetName(), "brisk"))
}

func TestInitConfigFile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	path := filepath.Join(t.TempDir(), "bgxfer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
Client:
  SocketPath: /var/run/xfer.sock
  LoadTimeout: 3s
Permissions:
  Enabled: true
  ServiceUID: 3815
Logging:
  Level: debug
`), 0600))

	config, err := InitConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/run/xfer.sock", config.Client.SocketPath)
	assert.Equal(t, "/var/run/xfer.sock", Client_SocketPath.GetString())
	assert.Equal(t, 3*time.Second, Client_LoadTimeout.GetDuration())
	assert.True(t, Permissions_Enabled.GetBool())
	assert.Equal(t, 3815, Permissions_ServiceUID.GetInt())
	assert.Equal(t, "debug", Logging_Level.GetString())
	// Untouched keys keep their defaults.
	assert.Equal(t, "/run/bgxfer/channel.sock", Client_ChannelPath.GetString())
}

func TestInitConfigMissingFile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	_, err := InitConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
