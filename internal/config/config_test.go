package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 6379, c.Port)
	assert.Equal(t, ".", c.Dir)
	assert.Equal(t, "empty.rdb", c.DBFilename)
	assert.False(t, c.IsReplica())
}

func TestCaseInsensitiveFlagToken(t *testing.T) {
	c, err := Parse([]string{"--PORT", "7000", "--Dir", "/tmp/data"})
	require.NoError(t, err)
	assert.Equal(t, 7000, c.Port)
	assert.Equal(t, "/tmp/data", c.Dir)
}

func TestReplicaOf(t *testing.T) {
	c, err := Parse([]string{"--replicaof", "localhost 6379"})
	require.NoError(t, err)
	host, port, ok := c.ReplicaOfAddr()
	require.True(t, ok)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 6379, port)
	assert.True(t, c.IsReplica())
}

func TestUnknownFlagsAreIgnored(t *testing.T) {
	c, err := Parse([]string{"--bogus", "value", "--port", "9999"})
	require.NoError(t, err)
	assert.Equal(t, 9999, c.Port)
}

func TestConfigFileLayerUnderExplicitFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redis.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 6400
dir = "/var/lib/redis"
dbfilename = "dump.rdb"
`), 0o644))

	c, err := Parse([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, 6400, c.Port)
	assert.Equal(t, "/var/lib/redis", c.Dir)
	assert.Equal(t, "dump.rdb", c.DBFilename)

	c, err = Parse([]string{"--config", path, "--port", "6500"})
	require.NoError(t, err)
	assert.Equal(t, 6500, c.Port, "an explicit flag must win over the config file")
	assert.Equal(t, "/var/lib/redis", c.Dir)
}
