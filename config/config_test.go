package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 4, c.Client.PoolSize)
	assert.Equal(t, 2, c.Client.ReconnectMax)
	assert.Equal(t, 5*time.Second, c.Client.OperationTimeout)
	assert.Equal(t, 30*time.Second, c.Client.LivenessInterval)
	assert.Equal(t, int64(10), c.Server.RegistryTTL)
	assert.Equal(t, "info", c.Log.Level)
}

func TestFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  pool_size: 8
  operation_timeout: 2s
  trace_io: true
server:
  address: ":32636"
  etcd_endpoints: ["localhost:2379"]
stage:
  affinity: [0, 1]
log:
  level: debug
`), 0o600))

	c, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Client.PoolSize)
	assert.Equal(t, 2*time.Second, c.Client.OperationTimeout)
	assert.True(t, c.Client.TraceIO)
	assert.Equal(t, 2, c.Client.ReconnectMax)
	assert.Equal(t, ":32636", c.Server.AdvertiseAddr)
	assert.Equal(t, []string{"localhost:2379"}, c.Server.EtcdEndpoints)
	assert.Equal(t, []int{0, 1}, c.Stage.Affinity)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"client": {"reconnect_max": 3, "idle_timeout": "90s"}}`), 0o600))

	c, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Client.ReconnectMax)
	assert.Equal(t, 90*time.Second, c.Client.IdleTimeout)
}

func TestFromFileErrors(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))
	_, err = FromFile(path)
	assert.Error(t, err)
}
