package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/envelope"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, envelope.DefaultChannel, cfg.Channel)
	assert.Empty(t, cfg.Warnings())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
logLevel: debug
broker:
  kind: redis
  addr: localhost:6379
lock:
  backend: redis
  addr: localhost:6379
  ttl: 15s
entitlements:
  enabled:
    17: [ChatBot, SystemBot]
  cacheTTL: 30s
hub:
  workers: 4
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BrokerRedis, cfg.Broker.Kind)
	assert.Equal(t, 15*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 4, cfg.Hub.Workers)
	// untouched sections keep their defaults
	assert.Equal(t, 256, cfg.Hub.SendBuffer)
	assert.Equal(t, time.Minute, cfg.Roster.TTL)
	assert.Equal(t, []string{"ChatBot", "SystemBot"}, cfg.Entitlements.Enabled[17])

	assert.Len(t, cfg.Warnings(), 1)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)

	_, err = Parse([]byte("listen: ["))
	assert.ErrorIs(t, err, ErrConfigFileUnmarshallable)
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"listen":       {func(c *Config) { c.Listen = "" }, ErrListenMissing},
		"channel":      {func(c *Config) { c.Channel = "" }, ErrChannelMissing},
		"broker kind":  {func(c *Config) { c.Broker.Kind = "zeromq" }, ErrUnknownBroker},
		"nats addr":    {func(c *Config) { c.Broker.Kind = BrokerNATS }, ErrBrokerAddrMissing},
		"kafka":        {func(c *Config) { c.Broker.Kind = BrokerKafka }, ErrKafkaBrokersMissing},
		"lock backend": {func(c *Config) { c.Lock.Backend = "etcd" }, ErrUnknownBackend},
		"roster addr":  {func(c *Config) { c.Roster.Backend = BackendRedis }, ErrStoreAddrMissing},
		"lock ttl":     {func(c *Config) { c.Lock.TTL = 0 }, ErrTTLInvalid},
		"tracing":      {func(c *Config) { c.Tracing = "jaeger" }, ErrUnknownTracing},
		"workers":      {func(c *Config) { c.Hub.Workers = 0 }, ErrHubWorkersInvalid},
		"send buffer":  {func(c *Config) { c.Hub.SendBuffer = -1 }, ErrHubSendBufferInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.want)
		})
	}

	cfg := Default()
	cfg.Entitlements.Enabled = map[int64][]string{1: {"User"}}
	assert.Error(t, cfg.Validate())
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())
}

func TestParseSources(t *testing.T) {
	got, err := ParseSources([]string{"ChatBot"})
	require.NoError(t, err)
	assert.Equal(t, []envelope.SourceType{envelope.SourceChatBot}, got)

	_, err = ParseSources([]string{"Robot"})
	assert.Error(t, err)
}
