// Package broker defines the narrow partitioned-log interfaces the
// ingestion engine consumes from and produces to. The broker's own
// storage, replication, and partitioning internals are out of scope;
// this package only specifies subscribe-at-offset consumption and
// keyed production, plus the header conventions used to carry write
// metadata (operation kind, write timestamp, origin region, control
// messages) alongside a record's key and value.
package broker

import (
	"context"

	"meridian/internal/domain"
)

// Header keys carried on every real-time topic record, populated by
// whichever region originated the write and read back verbatim by
// every other region's ingestion task.
const (
	HeaderOperation      = "op"
	HeaderWriteTimestamp = "write_ts"
	HeaderOriginRegion   = "origin_region"
	HeaderValueSchemaID  = "value_schema_id"
	HeaderUpdateSchemaID = "update_schema_id"
	HeaderControl        = "control"
	HeaderRMD            = "rmd"
)

const (
	OperationPutHeader    = "PUT"
	OperationDeleteHeader = "DELETE"
	OperationUpdateHeader = "UPDATE"

	ControlStartOfPush  = "SOP"
	ControlEndOfPush    = "EOP"
	ControlTopicSwitch  = "TOPIC_SWITCH"
)

// PartitionedLog is the consumption side of the broker contract: a
// caller subscribes a partition at a starting offset and polls
// records from every partition it has subscribed to, in whatever
// order the broker delivers them (no cross-partition ordering
// guarantee is assumed or required).
type PartitionedLog interface {
	Subscribe(ctx context.Context, topic string, partition domain.PartitionID, offset int64) error
	Unsubscribe(topic string, partition domain.PartitionID) error
	Poll(ctx context.Context, maxRecords int) ([]domain.ConsumedRecord, error)
	Close() error
}

// Producer is the production side: append a keyed record to a topic
// partition and learn the offset it landed at, needed to satisfy the
// engine's local-produce-order invariant.
type Producer interface {
	Produce(ctx context.Context, topic string, partition domain.PartitionID, key domain.Key, value []byte, headers map[string]string) (int64, error)
	Close() error
}

// OffsetTimeResolver resolves a rewind timestamp to a concrete offset
// for a topic partition, used by a topic switch's per-region rewind
// and by the repair service's resubscribe retries.
type OffsetTimeResolver interface {
	OffsetForTime(ctx context.Context, topic string, partition domain.PartitionID, atMillis int64) (int64, error)
}
