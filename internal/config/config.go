// Package config loads the relayer TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Default bootstrap relays used when neither a config file nor RELAY_URLS is
// supplied.
var DefaultBootstrapRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.snort.social",
}

// DefaultAllowedKinds is the closed set of message kinds the relayer cares
// about when no explicit filter is configured.
var DefaultAllowedKinds = []int{30931, 30932, 30933, 30934}

const (
	DefaultExplorerBase = "https://app.hyperliquid.xyz/explorer/transaction"
	DefaultKVPath       = "./data/rocksdb"
)

type RelayConfig struct {
	BootstrapRelays     []string `toml:"bootstrap_relays"`
	MaxConnections      int      `toml:"max_connections"`
	HealthCheckInterval uint64   `toml:"health_check_interval"`
}

type DeduplicationConfig struct {
	HotsetSize    int    `toml:"hotset_size"`
	BloomCapacity uint64 `toml:"bloom_capacity"`
	LRUSize       int    `toml:"lru_size"`
	// Kept as rocksdb_path for compatibility with existing deployments even
	// though the store is a single-file embedded KV.
	KVPath string `toml:"rocksdb_path"`
}

type OutputConfig struct {
	WebsocketEnabled bool   `toml:"websocket_enabled"`
	WebsocketPort    uint16 `toml:"websocket_port"`
	BatchSize        int    `toml:"batch_size"`
	MaxLatencyMS     uint64 `toml:"max_latency_ms"`
}

type FilterConfig struct {
	AllowedKinds []int `toml:"allowed_kinds"`
}

type MonitoringConfig struct {
	PrometheusPort uint16 `toml:"prometheus_port"`
	LogLevel       string `toml:"log_level"`
}

type PostgresConfig struct {
	DSN            string `toml:"dsn"`
	MaxConnections int    `toml:"max_connections"`
}

type NostrConfig struct {
	// Platform secret key (hex) used to decrypt inbound and encrypt outbound
	// signal payloads.
	SecretKey string `toml:"secret_key"`
}

type SettlementConfig struct {
	ExplorerBase string        `toml:"explorer_base"`
	PollSecs     uint64        `toml:"poll_secs"`
	BatchLimit   int           `toml:"batch_limit"`
	Token        string        `toml:"token"`
	Credit       *CreditConfig `toml:"credit"`
}

type CreditConfig struct {
	LeaderRate       float64 `toml:"leader_rate"`
	FollowerRate     float64 `toml:"follower_rate"`
	MinCredit        float64 `toml:"min_credit"`
	ProfitMultiplier float64 `toml:"profit_multiplier"`
	TestMultiplier   float64 `toml:"test_multiplier"`
	Enable           bool    `toml:"enable"`
}

type Config struct {
	Relay         RelayConfig         `toml:"relay"`
	Deduplication DeduplicationConfig `toml:"deduplication"`
	Output        OutputConfig        `toml:"output"`
	Filters       FilterConfig        `toml:"filters"`
	Postgres      *PostgresConfig     `toml:"postgres"`
	Nostr         *NostrConfig        `toml:"nostr"`
	Settlement    *SettlementConfig   `toml:"settlement"`
	Monitoring    MonitoringConfig    `toml:"monitoring"`
}

// Default returns a runnable configuration with no database, no platform
// keys and no settlement worker. Relay URLs fall back to RELAY_URLS when set.
func Default() *Config {
	cfg := &Config{
		Relay: RelayConfig{
			BootstrapRelays:     relaysFromEnv(),
			MaxConnections:      10000,
			HealthCheckInterval: 30,
		},
		Deduplication: DeduplicationConfig{
			HotsetSize:    10000,
			BloomCapacity: 1000000,
			LRUSize:       100000,
			KVPath:        DefaultKVPath,
		},
		Output: OutputConfig{
			WebsocketEnabled: true,
			WebsocketPort:    8080,
			BatchSize:        100,
			MaxLatencyMS:     100,
		},
		Filters: FilterConfig{
			AllowedKinds: append([]int(nil), DefaultAllowedKinds...),
		},
		Monitoring: MonitoringConfig{
			PrometheusPort: 9090,
			LogLevel:       "info",
		},
	}
	return cfg
}

// LoadFile reads and decodes the TOML config at path, applying defaults for
// every omitted field.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Relay.BootstrapRelays) == 0 {
		c.Relay.BootstrapRelays = relaysFromEnv()
	}
	if c.Relay.MaxConnections == 0 {
		c.Relay.MaxConnections = 10000
	}
	if c.Relay.HealthCheckInterval == 0 {
		c.Relay.HealthCheckInterval = 30
	}
	if c.Deduplication.HotsetSize == 0 {
		c.Deduplication.HotsetSize = 10000
	}
	if c.Deduplication.BloomCapacity == 0 {
		c.Deduplication.BloomCapacity = 1000000
	}
	if c.Deduplication.LRUSize == 0 {
		c.Deduplication.LRUSize = 100000
	}
	if c.Deduplication.KVPath == "" {
		c.Deduplication.KVPath = DefaultKVPath
	}
	if c.Output.WebsocketPort == 0 {
		c.Output.WebsocketPort = 8080
	}
	if c.Output.BatchSize == 0 {
		c.Output.BatchSize = 100
	}
	if c.Output.MaxLatencyMS == 0 {
		c.Output.MaxLatencyMS = 100
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Monitoring.LogLevel == "" {
		c.Monitoring.LogLevel = "info"
	}
	if c.Postgres != nil && c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 5
	}
	if s := c.Settlement; s != nil {
		if s.ExplorerBase == "" {
			s.ExplorerBase = DefaultExplorerBase
		}
		if s.PollSecs == 0 {
			s.PollSecs = 30
		}
		if s.BatchLimit == 0 {
			s.BatchLimit = 50
		}
		if cr := s.Credit; cr != nil {
			if cr.LeaderRate == 0 {
				cr.LeaderRate = 0.002
			}
			if cr.FollowerRate == 0 {
				cr.FollowerRate = 0.001
			}
			if cr.MinCredit == 0 {
				cr.MinCredit = 0.5
			}
			if cr.ProfitMultiplier == 0 {
				cr.ProfitMultiplier = 1.2
			}
			if cr.TestMultiplier == 0 {
				cr.TestMultiplier = 0.1
			}
		}
	}
}

func relaysFromEnv() []string {
	env, ok := os.LookupEnv("RELAY_URLS")
	if !ok {
		return append([]string(nil), DefaultBootstrapRelays...)
	}

	var urls []string
	for _, u := range strings.Split(env, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return append([]string(nil), DefaultBootstrapRelays...)
	}
	return urls
}
