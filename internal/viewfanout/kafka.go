package viewfanout

import (
	"context"
	"strconv"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/hashroute"
)

// KafkaMirrorViewWriter fans resolved records out to a separate view
// topic via the same broker.Producer contract the ingestion task uses
// for its own local version topic produce, so a view built by mirroring
// the store's write stream needs no broker client of its own. The view
// topic is not required to share the source store's partition count,
// so the source partition number is never reused directly: the key is
// rehashed against the view topic's own partition count.
type KafkaMirrorViewWriter struct {
	producer      broker.Producer
	topic         string
	numPartitions int
}

func NewKafkaMirrorViewWriter(producer broker.Producer, topic string, numPartitions int) *KafkaMirrorViewWriter {
	return &KafkaMirrorViewWriter{producer: producer, topic: topic, numPartitions: numPartitions}
}

func (w *KafkaMirrorViewWriter) Name() string { return "kafka_mirror:" + w.topic }

func (w *KafkaMirrorViewWriter) Write(ctx context.Context, _ domain.PartitionID, key domain.Key, decision domain.Decision) error {
	headers := map[string]string{"outcome": decision.Outcome.String()}
	if decision.NewRMD.SchemaID != 0 {
		headers[broker.HeaderValueSchemaID] = strconv.Itoa(int(decision.NewRMD.SchemaID))
	}
	viewPartition := hashroute.PartitionForKey(key, w.numPartitions)
	_, err := w.producer.Produce(ctx, w.topic, viewPartition, key, decision.NewValue, headers)
	return err
}
