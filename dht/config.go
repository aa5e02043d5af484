package dht

import (
	"fmt"
	"time"
)

// Lookup and protocol defaults.
const (
	DefaultK                = 8
	DefaultAlpha            = 3
	DefaultMaxLookupQueries = 64
	DefaultQueryTimeout     = 15 * time.Second
	DefaultBucketRefresh    = 15 * time.Minute
	DefaultTickInterval     = time.Second
	DefaultQueriesPerSecond = 100
	DefaultQueryBurst       = 25
	DefaultBootstrapRetries = 5
)

// Config holds the tunables of a DHT engine.
type Config struct {
	// Bucket size and lookup width
	K                int
	Alpha            int
	MaxLookupQueries int

	// How long to wait for a reply before a query times out
	QueryTimeout time.Duration

	// Outbound query rate limit
	QueriesPerSecond float64
	QueryBurst       int

	// Token secret rotation period
	TokenRotation time.Duration

	// How long a bucket may go unchanged before it is refreshed
	BucketRefresh time.Duration

	// How long a node may be silent before it becomes questionable
	QuestionableAfter time.Duration

	// How often the periodic maintenance timer fires
	TickInterval time.Duration

	// Well-known host:port routers used when no saved nodes are available
	BootstrapRouters []string

	// Bootstrap retry schedule used while the routing table stays empty
	BootstrapRetries         int
	BootstrapInitialInterval time.Duration
	BootstrapMaxInterval     time.Duration

	// Local peer store bounds
	PeerStoreSize       int
	PeerTTL             time.Duration
	MaxPeersPerInfoHash int
}

// DefaultConfig returns sensible defaults for a DHT engine.
func DefaultConfig() *Config {
	return &Config{
		K:                        DefaultK,
		Alpha:                    DefaultAlpha,
		MaxLookupQueries:         DefaultMaxLookupQueries,
		QueryTimeout:             DefaultQueryTimeout,
		QueriesPerSecond:         DefaultQueriesPerSecond,
		QueryBurst:               DefaultQueryBurst,
		TokenRotation:            DefaultTokenRotation,
		BucketRefresh:            DefaultBucketRefresh,
		QuestionableAfter:        DefaultQuestionableAfter,
		TickInterval:             DefaultTickInterval,
		BootstrapRetries:         DefaultBootstrapRetries,
		BootstrapInitialInterval: 5 * time.Second,
		BootstrapMaxInterval:     2 * time.Minute,
		PeerStoreSize:            DefaultPeerStoreSize,
		PeerTTL:                  DefaultPeerTTL,
		MaxPeersPerInfoHash:      DefaultMaxPeersPerInfoHash,
	}
}

// Validate reports the first out-of-range value.
func (c *Config) Validate() error {
	switch {
	case c.K <= 0:
		return &ArgumentError{Name: "K", Reason: "must be positive"}
	case c.Alpha <= 0:
		return &ArgumentError{Name: "Alpha", Reason: "must be positive"}
	case c.MaxLookupQueries < c.Alpha:
		return &ArgumentError{Name: "MaxLookupQueries", Reason: fmt.Sprintf("must be at least Alpha (%d)", c.Alpha)}
	case c.QueryTimeout <= 0:
		return &ArgumentError{Name: "QueryTimeout", Reason: "must be positive"}
	case c.QueriesPerSecond <= 0:
		return &ArgumentError{Name: "QueriesPerSecond", Reason: "must be positive"}
	case c.QueryBurst <= 0:
		return &ArgumentError{Name: "QueryBurst", Reason: "must be positive"}
	case c.TickInterval <= 0:
		return &ArgumentError{Name: "TickInterval", Reason: "must be positive"}
	case c.BootstrapRetries < 0:
		return &ArgumentError{Name: "BootstrapRetries", Reason: "must not be negative"}
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.K == 0 {
		c.K = d.K
	}
	if c.Alpha == 0 {
		c.Alpha = d.Alpha
	}
	if c.MaxLookupQueries == 0 {
		c.MaxLookupQueries = d.MaxLookupQueries
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.QueriesPerSecond == 0 {
		c.QueriesPerSecond = d.QueriesPerSecond
	}
	if c.QueryBurst == 0 {
		c.QueryBurst = d.QueryBurst
	}
	if c.TokenRotation == 0 {
		c.TokenRotation = d.TokenRotation
	}
	if c.BucketRefresh == 0 {
		c.BucketRefresh = d.BucketRefresh
	}
	if c.QuestionableAfter == 0 {
		c.QuestionableAfter = d.QuestionableAfter
	}
	if c.TickInterval == 0 {
		c.TickInterval = d.TickInterval
	}
	if c.BootstrapInitialInterval == 0 {
		c.BootstrapInitialInterval = d.BootstrapInitialInterval
	}
	if c.BootstrapMaxInterval == 0 {
		c.BootstrapMaxInterval = d.BootstrapMaxInterval
	}
	if c.PeerStoreSize == 0 {
		c.PeerStoreSize = d.PeerStoreSize
	}
	if c.PeerTTL == 0 {
		c.PeerTTL = d.PeerTTL
	}
	if c.MaxPeersPerInfoHash == 0 {
		c.MaxPeersPerInfoHash = d.MaxPeersPerInfoHash
	}
	return c
}
