package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("MERIDIAN_STORE_QUORUM_REGIONS", "2")

	path := filepath.Join(t.TempDir(), "meridian.yaml")
	content := []byte(`
server:
  node_id: 1
  colo: us-east
store:
  name: user-profiles
  num_partitions: 4
  local_topic: user-profiles_v1
regions:
  sources:
    east:
      topic: user-profiles_rt_east
      kafka:
        brokers: ["east-broker:9092"]
    west:
      topic: user-profiles_rt_west
      kafka:
        brokers: ["west-broker:9092"]
raft:
  address: 127.0.0.1:7000
  peer_addresses:
    "1": 127.0.0.1:7000
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Store.QuorumRegions != 2 {
		t.Fatalf("expected env override to set quorum_regions=2, got %d", cfg.Store.QuorumRegions)
	}
	if len(cfg.Regions.Sources) != 2 {
		t.Fatalf("expected two region sources, got %d", len(cfg.Regions.Sources))
	}
	if cfg.Chunking.MaxChunkSize != 950*1024 {
		t.Fatalf("expected default max_chunk_size, got %d", cfg.Chunking.MaxChunkSize)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meridian.toml")
	content := []byte(`
[server]
node_id = 2
colo = "us-west"

[store]
name = "user-profiles"
num_partitions = 4
local_topic = "user-profiles_v1"

[regions.sources.east]
topic = "user-profiles_rt_east"
[regions.sources.east.kafka]
brokers = ["east-broker:9092"]

[raft]
address = "127.0.0.1:7000"
[raft.peer_addresses]
"1" = "127.0.0.1:7000"
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Server.NodeID != 2 {
		t.Fatalf("unexpected node id: %d", cfg.Server.NodeID)
	}
}

func TestValidateRequiresAtLeastOneRegion(t *testing.T) {
	cfg := Config{
		Server: ServerConfig{NodeID: 1},
		Store:  StoreConfig{Name: "s", NumPartitions: 1, LocalTopic: "s_v1"},
		Raft:   RaftConfig{Address: "a", PeerAddresses: map[string]string{"1": "a"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error with no region sources configured")
	}
}

func TestValidateRejectsTooManyPartitions(t *testing.T) {
	cfg := Config{
		Server: ServerConfig{NodeID: 1},
		Store:  StoreConfig{Name: "s", NumPartitions: 256, LocalTopic: "s_v1"},
		Regions: RegionsConfig{Sources: map[string]RegionSourceConfig{
			"east": {Topic: "rt", Kafka: KafkaClientConfig{Brokers: []string{"b:9092"}}},
		}},
		Raft: RaftConfig{Address: "a", PeerAddresses: map[string]string{"1": "a"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for num_partitions > 255")
	}
}

func TestValidateRequiresAMQPExchangeWhenFanoutEnabled(t *testing.T) {
	cfg := Config{
		Server: ServerConfig{NodeID: 1},
		Store:  StoreConfig{Name: "s", NumPartitions: 1, LocalTopic: "s_v1"},
		Regions: RegionsConfig{Sources: map[string]RegionSourceConfig{
			"east": {Topic: "rt", Kafka: KafkaClientConfig{Brokers: []string{"b:9092"}}},
		}},
		Raft:       RaftConfig{Address: "a", PeerAddresses: map[string]string{"1": "a"}},
		ViewFanout: ViewFanoutConfig{AMQP: AMQPFanoutConfig{Enabled: true}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when amqp fanout enabled without exchange/url")
	}
}
