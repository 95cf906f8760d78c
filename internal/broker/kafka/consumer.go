// Package kafka is the default broker.PartitionedLog and
// broker.Producer implementation, backed by franz-go. Unlike a
// consumer-group client, Consumer is handed explicit
// (topic, partition, offset) assignments by the ingestion task's own
// partition ownership (see internal/partition, internal/raftengine)
// rather than negotiating a rebalance itself.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"meridian/internal/broker"
	"meridian/internal/domain"
)

type Config struct {
	Brokers  []string
	ClientID string
	Auth     AuthConfig
	Fetch    FetchConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	return nil
}

// Consumer implements broker.PartitionedLog using direct partition
// offset assignment: Subscribe adds one more (topic, partition) to
// the client's live assignment set at exactly the given offset,
// mirroring kgo.ConsumePartitions rather than a consumer-group join.
type Consumer struct {
	cfg    Config
	client *kgo.Client

	mu          sync.Mutex
	assignments map[assignmentKey]kgo.Offset
}

type assignmentKey struct {
	topic     string
	partition domain.PartitionID
}

func NewConsumer(cfg Config, opts ...kgo.Opt) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := buildClientOpts(cfg)
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Consumer{cfg: cfg, client: cl, assignments: make(map[assignmentKey]kgo.Offset)}, nil
}

func buildClientOpts(cfg Config) []kgo.Opt {
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		// SASL mechanism wiring is left to the caller-supplied kgo.Opt
		// list (opts... in NewConsumer/NewProducer); franz-go's
		// mechanism types live outside this package's narrow config.
		_ = cfg.Auth.SASL.Mechanism
	}
	return kopts
}

var (
	_ broker.PartitionedLog     = (*Consumer)(nil)
	_ broker.OffsetTimeResolver = (*Consumer)(nil)
)

// OffsetForTime resolves atMillis to a concrete offset via the admin
// API's ListOffsetsAfterMilli, used by topic-switch rewind and by the
// repair service when retrying a resubscribe.
func (c *Consumer) OffsetForTime(ctx context.Context, topic string, partition domain.PartitionID, atMillis int64) (int64, error) {
	admin := kadm.NewClient(c.client)
	listed, err := admin.ListOffsetsAfterMilli(ctx, atMillis, topic)
	if err != nil {
		return 0, fmt.Errorf("list offsets after %d for %s: %w", atMillis, topic, err)
	}
	offset, ok := listed.Lookup(topic, int32(partition))
	if !ok {
		return 0, fmt.Errorf("no offset listed for %s partition %d", topic, partition)
	}
	if offset.Err != nil {
		return 0, fmt.Errorf("list offsets for %s partition %d: %w", topic, partition, offset.Err)
	}
	return offset.Offset, nil
}

// Subscribe adds partition at offset to the live assignment and
// re-applies the full assignment set to the client. franz-go direct
// consumption takes the whole set at once (kgo.ConsumePartitions), so
// this recomputes it under lock rather than assigning incrementally.
func (c *Consumer) Subscribe(ctx context.Context, topic string, partition domain.PartitionID, offset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignments[assignmentKey{topic, partition}] = kgo.NewOffset().At(offset)
	c.client.AddConsumePartitions(c.toPartitionMap())
	return nil
}

func (c *Consumer) Unsubscribe(topic string, partition domain.PartitionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.assignments, assignmentKey{topic, partition})
	c.client.RemoveConsumePartitions(map[string][]int32{topic: {int32(partition)}})
	return nil
}

func (c *Consumer) toPartitionMap() map[string]map[int32]kgo.Offset {
	out := map[string]map[int32]kgo.Offset{}
	for k, off := range c.assignments {
		if out[k.topic] == nil {
			out[k.topic] = map[int32]kgo.Offset{}
		}
		out[k.topic][int32(k.partition)] = off
	}
	return out
}

func (c *Consumer) Poll(ctx context.Context, maxRecords int) ([]domain.ConsumedRecord, error) {
	fetches := c.client.PollRecords(ctx, maxRecords)
	if errs := fetches.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("poll kafka records: %w", errs[0].Err)
	}
	var out []domain.ConsumedRecord
	fetches.EachRecord(func(rec *kgo.Record) {
		out = append(out, decodeRecord(rec))
	})
	return out, nil
}

func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

func decodeRecord(rec *kgo.Record) domain.ConsumedRecord {
	headers := headerMap(rec.Headers)
	partition := domain.PartitionID(rec.Partition)

	if kind, ok := headers[broker.HeaderControl]; ok {
		return domain.ConsumedRecord{
			Partition: partition,
			Offset:    rec.Offset,
			Timestamp: rec.Timestamp,
			Control:   decodeControl(kind, headers, rec.Value, partition, rec.Offset),
		}
	}

	write := &domain.IncomingWrite{
		Key:            domain.Key(rec.Key),
		Value:          rec.Value,
		Operation:      decodeOperation(headers[broker.HeaderOperation]),
		OpTimestamp:    parseInt64(headers[broker.HeaderWriteTimestamp]),
		OriginRegion:   domain.RegionID(headers[broker.HeaderOriginRegion]),
		UpstreamOffset: rec.Offset,
		Partition:      partition,
		ValueSchemaID:  int32(parseInt64(headers[broker.HeaderValueSchemaID])),
		UpdateSchemaID: int32(parseInt64(headers[broker.HeaderUpdateSchemaID])),
	}
	return domain.ConsumedRecord{Partition: partition, Offset: rec.Offset, Timestamp: rec.Timestamp, Write: write}
}

func decodeControl(kind string, headers map[string]string, value []byte, partition domain.PartitionID, offset int64) *domain.ControlMessage {
	cm := &domain.ControlMessage{AtOffset: offset, Partition: partition}
	switch kind {
	case broker.ControlStartOfPush:
		cm.Kind = domain.ControlStartOfPush
	case broker.ControlEndOfPush:
		cm.Kind = domain.ControlEndOfPush
	case broker.ControlTopicSwitch:
		cm.Kind = domain.ControlTopicSwitch
		ts := &domain.TopicSwitch{RewindStartTimestamp: parseInt64(headers[broker.HeaderWriteTimestamp])}
		var sources map[string]string
		if len(value) > 0 && json.Unmarshal(value, &sources) == nil {
			ts.NewSourceTopics = make(map[domain.RegionID]string, len(sources))
			for region, topic := range sources {
				ts.NewSourceTopics[domain.RegionID(region)] = topic
			}
		}
		cm.TopicSwitch = ts
	}
	return cm
}

func decodeOperation(raw string) domain.OperationType {
	switch raw {
	case broker.OperationDeleteHeader:
		return domain.OperationDelete
	case broker.OperationUpdateHeader:
		return domain.OperationUpdate
	default:
		return domain.OperationPut
	}
}

func headerMap(headers []kgo.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
