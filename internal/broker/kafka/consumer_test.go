package kafka

import (
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"meridian/internal/broker"
	"meridian/internal/domain"
)

func TestDecodeRecordPut(t *testing.T) {
	rec := &kgo.Record{
		Topic: "store_v1_rt_us", Partition: 3, Offset: 42,
		Key: []byte("k1"), Value: []byte("v1"),
		Headers: []kgo.RecordHeader{
			{Key: broker.HeaderOperation, Value: []byte(broker.OperationPutHeader)},
			{Key: broker.HeaderWriteTimestamp, Value: []byte("100")},
			{Key: broker.HeaderOriginRegion, Value: []byte("us-east")},
			{Key: broker.HeaderValueSchemaID, Value: []byte("1")},
		},
	}
	cr := decodeRecord(rec)
	if cr.Write == nil {
		t.Fatal("expected a write record")
	}
	if cr.Write.Operation != domain.OperationPut {
		t.Fatalf("expected PUT, got %v", cr.Write.Operation)
	}
	if cr.Write.OpTimestamp != 100 || cr.Write.OriginRegion != "us-east" || cr.Write.ValueSchemaID != 1 {
		t.Fatalf("unexpected decoded write: %+v", cr.Write)
	}
	if cr.Partition != 3 || cr.Offset != 42 {
		t.Fatalf("unexpected position: partition=%d offset=%d", cr.Partition, cr.Offset)
	}
}

func TestDecodeRecordTopicSwitch(t *testing.T) {
	rec := &kgo.Record{
		Topic: "store_v1_rt_us", Partition: 0, Offset: 5,
		Headers: []kgo.RecordHeader{
			{Key: broker.HeaderControl, Value: []byte(broker.ControlTopicSwitch)},
			{Key: broker.HeaderWriteTimestamp, Value: []byte("1700000000000")},
		},
	}
	cr := decodeRecord(rec)
	if cr.Control == nil || cr.Control.Kind != domain.ControlTopicSwitch {
		t.Fatalf("expected topic switch control message, got %+v", cr.Control)
	}
	if cr.Control.TopicSwitch.RewindStartTimestamp != 1700000000000 {
		t.Fatalf("unexpected rewind timestamp: %+v", cr.Control.TopicSwitch)
	}
}

func TestToPartitionMapReflectsAssignments(t *testing.T) {
	c := &Consumer{assignments: make(map[assignmentKey]kgo.Offset)}
	c.assignments[assignmentKey{"t", 1}] = kgo.NewOffset().At(10)
	m := c.toPartitionMap()
	if len(m["t"]) != 1 {
		t.Fatalf("expected one tracked partition, got %v", m)
	}
}
