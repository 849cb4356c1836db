package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardgate/internal/gateway"
	"shardgate/internal/rest"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, rest.DefaultAPIBase, c.API.Base)
	assert.Equal(t, rest.DefaultAPIVersion, c.API.Version)
	assert.Equal(t, rest.DefaultRetries, c.API.Retries)
	assert.Equal(t, rest.DefaultBackoffMin, c.API.BackoffMin)
	assert.Equal(t, float64(rest.DefaultGlobalRPS), c.API.GlobalRPS)
	assert.Equal(t, 10, c.Gateway.Version)
	assert.True(t, c.Gateway.Shards.Auto())
	assert.Equal(t, gateway.IntentsNonPrivileged, c.Gateway.Intents)
	assert.Equal(t, 5*time.Second, c.Gateway.IdentifyInterval)
	assert.Equal(t, "info", c.Log.Level)

	assert.ErrorIs(t, c.RequireToken(), ErrMissingToken)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "shardgate.yaml", `
token: abc
api:
  retries: 5
  backoff_min: 100ms
  backoff_max: 2s
  global_rps: 10
gateway:
  shards: [0, 2, 2]
  total_shards: 4
  intents: [guilds, guild_messages, message_content]
  identify_interval: 6s
  compress: true
session:
  redis_addr: localhost:6379
  keep: true
log:
  level: debug
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "abc", c.Token)
	assert.NoError(t, c.RequireToken())
	assert.Equal(t, 5, c.API.Retries)
	assert.Equal(t, 100*time.Millisecond, c.API.BackoffMin)
	assert.Equal(t, 2*time.Second, c.API.BackoffMax)
	assert.Equal(t, float64(10), c.API.GlobalRPS)
	assert.Equal(t, []int{0, 2}, c.Gateway.Shards.IDs)
	assert.Equal(t, 4, c.Gateway.TotalShards)
	assert.Equal(t, gateway.IntentGuilds|gateway.IntentGuildMessages|gateway.IntentMessageContent, c.Gateway.Intents)
	assert.Equal(t, 6*time.Second, c.Gateway.IdentifyInterval)
	assert.True(t, c.Gateway.Compress)
	assert.Equal(t, "localhost:6379", c.Session.RedisAddr)
	assert.True(t, c.Session.Keep)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "shardgate.json", `{"token": "from-file", "gateway": {"shards": 2}}`)

	t.Setenv("SHARDGATE_TOKEN", "from-env")
	t.Setenv("SHARDGATE_API_RETRIES", "7")
	t.Setenv("SHARDGATE_GATEWAY_INTENTS", "513")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", c.Token)
	assert.Equal(t, 7, c.API.Retries)
	assert.Equal(t, gateway.Intents(513), c.Gateway.Intents)
	assert.Equal(t, gateway.ShardSpec{Count: 2}, c.Gateway.Shards)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"negative retries", "api:\n  retries: -1\n", "api.retries"},
		{"backoff order", "api:\n  backoff_min: 5s\n  backoff_max: 1s\n", "api.backoff_min"},
		{"global rps", "api:\n  global_rps: 0\n", "api.global_rps"},
		{"shard count", "gateway:\n  shards: 0\n", "count must be positive"},
		{"shard outside total", "gateway:\n  shards: [3]\n  total_shards: 2\n", "outside gateway.total_shards"},
		{"unknown intent", "gateway:\n  intents: [guilds, nope]\n", "unknown intents nope"},
		{"large threshold", "gateway:\n  large_threshold: 10\n", "large_threshold"},
		{"log level", "log:\n  level: loud\n", "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "shardgate.yaml", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseShards(t *testing.T) {
	tests := []struct {
		raw  any
		want gateway.ShardSpec
	}{
		{nil, gateway.ShardSpec{}},
		{"auto", gateway.ShardSpec{}},
		{"AUTO", gateway.ShardSpec{}},
		{"3", gateway.ShardSpec{Count: 3}},
		{3, gateway.ShardSpec{Count: 3}},
		{"0,1, 5", gateway.ShardSpec{IDs: []int{0, 1, 5}}},
		{"[4]", gateway.ShardSpec{IDs: []int{4}}},
		{[]any{1, 3}, gateway.ShardSpec{IDs: []int{1, 3}}},
		{[]string{"2"}, gateway.ShardSpec{IDs: []int{2}}},
	}

	for _, tt := range tests {
		got, err := ParseShards(tt.raw)
		require.NoError(t, err, "%v", tt.raw)
		assert.Equal(t, tt.want, got, "%v", tt.raw)
	}

	for _, raw := range []any{"many", "1,x", []any{-1}, -2, map[string]any{}} {
		_, err := ParseShards(raw)
		assert.Error(t, err, "%v", raw)
	}
}

func TestParseIntents(t *testing.T) {
	i, err := ParseIntents("guilds, guild_messages")
	require.NoError(t, err)
	assert.Equal(t, gateway.IntentGuilds|gateway.IntentGuildMessages, i)

	i, err = ParseIntents(3)
	require.NoError(t, err)
	assert.Equal(t, gateway.Intents(3), i)

	i, err = ParseIntents([]any{"all"})
	require.NoError(t, err)
	assert.Equal(t, gateway.IntentsAll, i)

	_, err = ParseIntents("guilds,bogus")
	assert.ErrorContains(t, err, "bogus")
}
