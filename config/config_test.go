package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerdht.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:6881", cfg.DHT.Listen)
	assert.Equal(t, 8, cfg.DHT.K)
	assert.Equal(t, 15*time.Second, cfg.DHT.QueryTimeout)
	assert.Equal(t, DefaultRouters, cfg.DHT.BootstrapRouters)
	assert.Equal(t, 10*time.Second, cfg.Tracker.Timeout)
	assert.Equal(t, datasize.MB, cfg.Tracker.MaxResponseSize)
	assert.Empty(t, cfg.Tracker.URLs)
	assert.False(t, cfg.DHT.UPnP)
	assert.Empty(t, cfg.File)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
log_level: debug
log_format: json
nodes_file: /var/lib/peerdht/nodes.dat
dht:
  listen: "127.0.0.1:7000"
  k: 16
  query_timeout: 5s
  bucket_refresh: 10m
  bootstrap_routers:
    - "router.example.org:6881"
tracker:
  urls:
    - "http://tracker.example/announce"
  timeout: 3s
  max_response_size: 2MB
metrics:
  listen: "127.0.0.1:9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/var/lib/peerdht/nodes.dat", cfg.NodesFile)
	assert.Equal(t, "127.0.0.1:7000", cfg.DHT.Listen)
	assert.Equal(t, 16, cfg.DHT.K)
	assert.Equal(t, 3, cfg.DHT.Alpha, "unset keys keep their defaults")
	assert.Equal(t, 5*time.Second, cfg.DHT.QueryTimeout)
	assert.Equal(t, 10*time.Minute, cfg.DHT.BucketRefresh)
	assert.Equal(t, []string{"router.example.org:6881"}, cfg.DHT.BootstrapRouters)
	assert.Equal(t, []string{"http://tracker.example/announce"}, cfg.Tracker.URLs)
	assert.Equal(t, 3*time.Second, cfg.Tracker.Timeout)
	assert.Equal(t, 2*datasize.MB, cfg.Tracker.MaxResponseSize)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "dht:\n  k: 16\n")
	t.Setenv("PEERDHT_DHT_K", "20")
	t.Setenv("PEERDHT_DHT_QUERY_TIMEOUT", "2s")
	t.Setenv("PEERDHT_LOG_LEVEL", "warn")
	t.Setenv("PEERDHT_TRACKER_URLS", "http://a.example/announce,http://b.example/announce")
	t.Setenv("PEERDHT_DHT_UPNP", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.DHT.K)
	assert.Equal(t, 2*time.Second, cfg.DHT.QueryTimeout)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, []string{"http://a.example/announce", "http://b.example/announce"}, cfg.Tracker.URLs)
	assert.True(t, cfg.DHT.UPnP)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = Load(writeFile(t, "dht: [unbalanced"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "dht:\n  k: 0\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
		{"listen", func(c *Config) { c.DHT.Listen = "6881" }},
		{"k", func(c *Config) { c.DHT.K = 0 }},
		{"query timeout", func(c *Config) { c.DHT.QueryTimeout = 0 }},
		{"router", func(c *Config) { c.DHT.BootstrapRouters = []string{"no-port"} }},
		{"tracker timeout", func(c *Config) { c.Tracker.Timeout = 0 }},
		{"tracker size", func(c *Config) { c.Tracker.MaxResponseSize = 0 }},
		{"tracker scheme", func(c *Config) { c.Tracker.URLs = []string{"udp://t.example:80"} }},
		{"metrics listen", func(c *Config) { c.Metrics.Listen = "nope" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DHT.K = 12
	cfg.DHT.PeerTTL = 45 * time.Minute
	cfg.Tracker.URLs = []string{"https://tracker.example/announce"}
	cfg.Tracker.MaxResponseSize = 512 * datasize.KB

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	loaded.File = ""
	assert.Equal(t, cfg, loaded)
}

func TestEngineConfig(t *testing.T) {
	cfg := Default()
	cfg.DHT.K = 10
	cfg.DHT.BootstrapRouters = []string{"r.example:1"}

	ec := cfg.EngineConfig()
	assert.Equal(t, 10, ec.K)
	assert.Equal(t, []string{"r.example:1"}, ec.BootstrapRouters)
	assert.Equal(t, cfg.DHT.QueryTimeout, ec.QueryTimeout)
	require.NoError(t, ec.Validate())

	// The engine config owns its router slice.
	ec.BootstrapRouters[0] = "changed:1"
	assert.Equal(t, "r.example:1", cfg.DHT.BootstrapRouters[0])
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	require.NoError(t, cfg.ConfigureLogging())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	cfg.LogLevel = "bogus"
	assert.Error(t, cfg.ConfigureLogging())
}
