// Package config loads peerdht settings from a YAML file, environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/peerdht/dht"
	"github.com/opd-ai/peerdht/tracker"
)

// EnvPrefix prefixes every environment override, e.g. PEERDHT_DHT_LISTEN.
const EnvPrefix = "PEERDHT"

// DefaultRouters are well-known public DHT bootstrap routers.
var DefaultRouters = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Config is the complete peerdht configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	// NodesFile persists the routing table across restarts when set.
	NodesFile string `mapstructure:"nodes_file" yaml:"nodes_file"`

	DHT     DHTConfig     `mapstructure:"dht" yaml:"dht"`
	Tracker TrackerConfig `mapstructure:"tracker" yaml:"tracker"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// DHTConfig configures the DHT engine and its UDP socket.
type DHTConfig struct {
	Listen              string        `mapstructure:"listen" yaml:"listen"`
	K                   int           `mapstructure:"k" yaml:"k"`
	Alpha               int           `mapstructure:"alpha" yaml:"alpha"`
	MaxLookupQueries    int           `mapstructure:"max_lookup_queries" yaml:"max_lookup_queries"`
	QueryTimeout        time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	QueriesPerSecond    float64       `mapstructure:"queries_per_second" yaml:"queries_per_second"`
	QueryBurst          int           `mapstructure:"query_burst" yaml:"query_burst"`
	TokenRotation       time.Duration `mapstructure:"token_rotation" yaml:"token_rotation"`
	BucketRefresh       time.Duration `mapstructure:"bucket_refresh" yaml:"bucket_refresh"`
	QuestionableAfter   time.Duration `mapstructure:"questionable_after" yaml:"questionable_after"`
	BootstrapRouters    []string      `mapstructure:"bootstrap_routers" yaml:"bootstrap_routers"`
	BootstrapRetries    int           `mapstructure:"bootstrap_retries" yaml:"bootstrap_retries"`
	PeerStoreSize       int           `mapstructure:"peer_store_size" yaml:"peer_store_size"`
	PeerTTL             time.Duration `mapstructure:"peer_ttl" yaml:"peer_ttl"`
	MaxPeersPerInfoHash int           `mapstructure:"max_peers_per_info_hash" yaml:"max_peers_per_info_hash"`
	// UPnP maps the listen port on the local gateway.
	UPnP bool `mapstructure:"upnp" yaml:"upnp"`
}

// TrackerConfig configures the HTTP tracker clients.
type TrackerConfig struct {
	URLs            []string          `mapstructure:"urls" yaml:"urls"`
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	MaxResponseSize datasize.ByteSize `mapstructure:"max_response_size" yaml:"max_response_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint; empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := dht.DefaultConfig()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DHT: DHTConfig{
			Listen:              "0.0.0.0:6881",
			K:                   d.K,
			Alpha:               d.Alpha,
			MaxLookupQueries:    d.MaxLookupQueries,
			QueryTimeout:        d.QueryTimeout,
			QueriesPerSecond:    d.QueriesPerSecond,
			QueryBurst:          d.QueryBurst,
			TokenRotation:       d.TokenRotation,
			BucketRefresh:       d.BucketRefresh,
			QuestionableAfter:   d.QuestionableAfter,
			BootstrapRouters:    append([]string(nil), DefaultRouters...),
			BootstrapRetries:    d.BootstrapRetries,
			PeerStoreSize:       d.PeerStoreSize,
			PeerTTL:             d.PeerTTL,
			MaxPeersPerInfoHash: d.MaxPeersPerInfoHash,
		},
		Tracker: TrackerConfig{
			Timeout:         tracker.DefaultTimeout,
			UserAgent:       tracker.DefaultUserAgent,
			MaxResponseSize: datasize.MB,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("nodes_file", d.NodesFile)

	v.SetDefault("dht.listen", d.DHT.Listen)
	v.SetDefault("dht.k", d.DHT.K)
	v.SetDefault("dht.alpha", d.DHT.Alpha)
	v.SetDefault("dht.max_lookup_queries", d.DHT.MaxLookupQueries)
	v.SetDefault("dht.query_timeout", d.DHT.QueryTimeout.String())
	v.SetDefault("dht.queries_per_second", d.DHT.QueriesPerSecond)
	v.SetDefault("dht.query_burst", d.DHT.QueryBurst)
	v.SetDefault("dht.token_rotation", d.DHT.TokenRotation.String())
	v.SetDefault("dht.bucket_refresh", d.DHT.BucketRefresh.String())
	v.SetDefault("dht.questionable_after", d.DHT.QuestionableAfter.String())
	v.SetDefault("dht.bootstrap_routers", d.DHT.BootstrapRouters)
	v.SetDefault("dht.bootstrap_retries", d.DHT.BootstrapRetries)
	v.SetDefault("dht.peer_store_size", d.DHT.PeerStoreSize)
	v.SetDefault("dht.peer_ttl", d.DHT.PeerTTL.String())
	v.SetDefault("dht.max_peers_per_info_hash", d.DHT.MaxPeersPerInfoHash)
	v.SetDefault("dht.upnp", d.DHT.UPnP)

	v.SetDefault("tracker.urls", []string{})
	v.SetDefault("tracker.timeout", d.Tracker.Timeout.String())
	v.SetDefault("tracker.user_agent", d.Tracker.UserAgent)
	v.SetDefault("tracker.max_response_size", d.Tracker.MaxResponseSize.String())

	v.SetDefault("metrics.listen", d.Metrics.Listen)
}

// Load reads the configuration. An explicit path must exist; without one
// the usual locations are searched and a missing file means defaults.
// Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("peerdht")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/peerdht/")
		v.AddConfigPath("$HOME/.peerdht")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "config.Load",
		"file":     cfg.File,
	}).Debug("Configuration loaded")

	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if _, _, err := net.SplitHostPort(c.DHT.Listen); err != nil {
		return fmt.Errorf("invalid dht.listen %q: %w", c.DHT.Listen, err)
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("dht: %w", err)
	}
	for _, r := range c.DHT.BootstrapRouters {
		if _, _, err := net.SplitHostPort(r); err != nil {
			return fmt.Errorf("invalid bootstrap router %q: %w", r, err)
		}
	}
	if c.Tracker.Timeout <= 0 {
		return fmt.Errorf("tracker.timeout must be positive")
	}
	if c.Tracker.MaxResponseSize == 0 {
		return fmt.Errorf("tracker.max_response_size must be positive")
	}
	for _, u := range c.Tracker.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("tracker url %q is not http or https", u)
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen %q: %w", c.Metrics.Listen, err)
		}
	}
	return nil
}

// EngineConfig maps the DHT section onto an engine configuration.
func (c *Config) EngineConfig() *dht.Config {
	d := dht.DefaultConfig()
	d.K = c.DHT.K
	d.Alpha = c.DHT.Alpha
	d.MaxLookupQueries = c.DHT.MaxLookupQueries
	d.QueryTimeout = c.DHT.QueryTimeout
	d.QueriesPerSecond = c.DHT.QueriesPerSecond
	d.QueryBurst = c.DHT.QueryBurst
	d.TokenRotation = c.DHT.TokenRotation
	d.BucketRefresh = c.DHT.BucketRefresh
	d.QuestionableAfter = c.DHT.QuestionableAfter
	d.BootstrapRouters = append([]string(nil), c.DHT.BootstrapRouters...)
	d.BootstrapRetries = c.DHT.BootstrapRetries
	d.PeerStoreSize = c.DHT.PeerStoreSize
	d.PeerTTL = c.DHT.PeerTTL
	d.MaxPeersPerInfoHash = c.DHT.MaxPeersPerInfoHash
	return d
}

// TrackerOptions returns the tracker client options for this configuration.
func (c *Config) TrackerOptions() []tracker.Option {
	return []tracker.Option{
		tracker.WithTimeout(c.Tracker.Timeout),
		tracker.WithUserAgent(c.Tracker.UserAgent),
		tracker.WithMaxResponseSize(c.Tracker.MaxResponseSize),
	}
}

// ConfigureLogging applies the log level and format to the standard logrus
// logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Config.WriteYAML",
		"file":     path,
	}).Info("Configuration written")
	return nil
}
