package viewfanout

import (
	"context"
	"sync"
	"testing"

	"meridian/internal/broker"
	"meridian/internal/domain"
)

type recordingProducer struct {
	mu      sync.Mutex
	records []producedRecord
	next    int64
}

type producedRecord struct {
	topic     string
	partition domain.PartitionID
	key       domain.Key
	headers   map[string]string
}

func (p *recordingProducer) Produce(_ context.Context, topic string, partition domain.PartitionID, key domain.Key, _ []byte, headers map[string]string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, producedRecord{topic: topic, partition: partition, key: key, headers: headers})
	p.next++
	return p.next, nil
}

func (p *recordingProducer) Close() error { return nil }

var _ broker.Producer = (*recordingProducer)(nil)

func TestKafkaMirrorViewWriterReroutesToViewTopicPartitionCount(t *testing.T) {
	producer := &recordingProducer{}
	w := NewKafkaMirrorViewWriter(producer, "user-profiles_view", 8)

	// Source partition is 63, far outside the view topic's 8 partitions;
	// the writer must rehash against numPartitions rather than reuse it.
	err := w.Write(context.Background(), domain.PartitionID(63), domain.Key("user-42"), domain.Decision{
		Outcome:  domain.OutcomeApplied,
		NewValue: []byte(`{"name":"ada"}`),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if len(producer.records) != 1 {
		t.Fatalf("expected exactly one produced record, got %d", len(producer.records))
	}
	rec := producer.records[0]
	if rec.topic != "user-profiles_view" {
		t.Fatalf("unexpected topic: %q", rec.topic)
	}
	if rec.partition < 0 || int(rec.partition) >= 8 {
		t.Fatalf("expected partition in [0,8), got %d", rec.partition)
	}
	if rec.headers["outcome"] != "applied" {
		t.Fatalf("expected outcome header, got %v", rec.headers)
	}
}

func TestKafkaMirrorViewWriterIsDeterministicPerKey(t *testing.T) {
	producer := &recordingProducer{}
	w := NewKafkaMirrorViewWriter(producer, "user-profiles_view", 16)

	for i := 0; i < 3; i++ {
		if err := w.Write(context.Background(), 0, domain.Key("stable-key"), domain.Decision{}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	first := producer.records[0].partition
	for i, rec := range producer.records {
		if rec.partition != first {
			t.Fatalf("record %d: expected stable partition %d, got %d", i, first, rec.partition)
		}
	}
}

func TestKafkaMirrorViewWriterName(t *testing.T) {
	w := NewKafkaMirrorViewWriter(&recordingProducer{}, "user-profiles_view", 4)
	if got, want := w.Name(), "kafka_mirror:user-profiles_view"; got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}
}
