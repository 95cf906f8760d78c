// Package config loads meridiand's configuration via viper: YAML or
// TOML on disk, overridable by MERIDIAN_-prefixed environment
// variables, unmarshaled into a typed tree and validated before the
// composition root wires anything up.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Regions    RegionsConfig    `mapstructure:"regions"`
	Raft       RaftConfig       `mapstructure:"raft"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	ViewFanout ViewFanoutConfig `mapstructure:"view_fanout"`
	Repair     RepairConfig     `mapstructure:"repair"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	NodeID uint64 `mapstructure:"node_id"`
	Colo   string `mapstructure:"colo"`
}

// StoreConfig describes the store-version this node ingests for: its
// partition count and the local version-topic name a partition
// produces resolved writes onto once accepted.
type StoreConfig struct {
	Name          string        `mapstructure:"name"`
	NumPartitions int           `mapstructure:"num_partitions"`
	LocalTopic    string        `mapstructure:"local_topic"`
	QuorumRegions int           `mapstructure:"quorum_regions"`
	RewindWindow  time.Duration `mapstructure:"rewind_window"`
}

// RegionsConfig maps every participating region to its own kafka
// client and the real-time topic this node consumes for that region.
type RegionsConfig struct {
	Sources map[string]RegionSourceConfig `mapstructure:"sources"`
}

type RegionSourceConfig struct {
	Kafka KafkaClientConfig `mapstructure:"kafka"`
	Topic string            `mapstructure:"topic"`
}

type KafkaClientConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

type RaftConfig struct {
	Address       string            `mapstructure:"address"`
	PeerAddresses map[string]string `mapstructure:"peer_addresses"` // node id (string) -> address
	TickInterval  time.Duration     `mapstructure:"tick_interval"`
}

type StorageConfig struct {
	Driver  string `mapstructure:"driver"` // "sqlite" only, for now
	BaseDir string `mapstructure:"base_dir"`
}

type ChunkingConfig struct {
	MaxChunkSize int `mapstructure:"max_chunk_size"`
}

type ViewFanoutConfig struct {
	AMQP AMQPFanoutConfig `mapstructure:"amqp"`
}

type AMQPFanoutConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Exchange      string `mapstructure:"exchange"`
	RoutingPrefix string `mapstructure:"routing_prefix"`
}

type RepairConfig struct {
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("meridian")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.quorum_regions", 1)
	v.SetDefault("store.rewind_window", "24h")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("chunking.max_chunk_size", 950*1024)
	v.SetDefault("raft.tick_interval", "20ms")
	v.SetDefault("repair.base_backoff", "500ms")
	v.SetDefault("repair.max_backoff", "5m")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9090")
}

func (c Config) Validate() error {
	if c.Server.NodeID == 0 {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Store.Name == "" {
		return fmt.Errorf("store.name is required")
	}
	if c.Store.NumPartitions <= 0 {
		return fmt.Errorf("store.num_partitions must be > 0")
	}
	if c.Store.NumPartitions > 255 {
		return fmt.Errorf("store.num_partitions must be <= 255")
	}
	if c.Store.LocalTopic == "" {
		return fmt.Errorf("store.local_topic is required")
	}
	if len(c.Regions.Sources) == 0 {
		return fmt.Errorf("regions.sources must configure at least one region")
	}
	for region, src := range c.Regions.Sources {
		if src.Topic == "" {
			return fmt.Errorf("regions.sources.%s.topic is required", region)
		}
		if len(src.Kafka.Brokers) == 0 {
			return fmt.Errorf("regions.sources.%s.kafka.brokers is required", region)
		}
	}
	if c.Raft.Address == "" {
		return fmt.Errorf("raft.address is required")
	}
	if len(c.Raft.PeerAddresses) == 0 {
		return fmt.Errorf("raft.peer_addresses must configure at least one peer")
	}
	if c.ViewFanout.AMQP.Enabled {
		if c.ViewFanout.AMQP.Exchange == "" {
			return fmt.Errorf("view_fanout.amqp.exchange is required when enabled")
		}
		if c.ViewFanout.AMQP.URL == "" {
			return fmt.Errorf("view_fanout.amqp.url is required when enabled")
		}
	}
	return nil
}
