// Package domain holds the value types shared across the ingestion
// engine: records as they arrive from a partitioned log, replication
// metadata, and the decisions the conflict resolver hands back to the
// ingestion task.
package domain

import "time"

// RegionID identifies a colo/fabric participating in active/active
// replication. It is opaque outside this package; comparisons are by
// value.
type RegionID string

// PartitionID is a version-topic partition number.
type PartitionID int32

// Key is an opaque record key. The engine never interprets its bytes;
// only length and equality matter.
type Key []byte

// String renders the key for logging. Keys are not assumed to be
// printable, so this is best-effort.
func (k Key) String() string {
	if len(k) > 32 {
		return string(k[:32]) + "..."
	}
	return string(k)
}

// OperationType is the write kind carried by an incoming record.
type OperationType int8

const (
	OperationPut OperationType = iota
	OperationDelete
	OperationUpdate
)

func (t OperationType) String() string {
	switch t {
	case OperationPut:
		return "PUT"
	case OperationDelete:
		return "DELETE"
	case OperationUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// IncomingWrite is a PUT/DELETE/UPDATE as consumed off a real-time
// topic, before conflict resolution.
type IncomingWrite struct {
	Key           Key
	Value         []byte // nil for DELETE, write-compute bytes for UPDATE
	ValueSchemaID int32
	UpdateSchemaID int32
	Operation     OperationType
	OpTimestamp   int64 // logical write time, ms since epoch
	OriginRegion  RegionID
	UpstreamOffset int64 // this write's offset in its region-of-origin's real-time topic
	Partition     PartitionID
}

// ExistingRecord is what the resolver reads back from storage (or the
// transient cache) before applying an incoming write.
type ExistingRecord struct {
	Value   []byte // nil if the record does not exist or is a tombstone
	RMD     ReplicationMetadata
	Found   bool // true if a record (live or tombstoned) exists at all
	Deleted bool // true if the existing record is a tombstone
}

// FieldUpdate is one field's resolved value plus the timestamp that
// justified writing it, produced by a WriteComputeDecoder.
type FieldUpdate struct {
	FieldName string
	Value     []byte
	WriteTS   int64
}

// StorageOperationType tells the ingestion task which storage calls
// are actually necessary for an Applied decision, mirroring the
// value/RMD-emptiness dispatch used upstream of this engine.
type StorageOperationType int8

const (
	StorageOpSkip StorageOperationType = iota
	StorageOpValueAndRMD
	StorageOpValueOnly
	StorageOpRMDOnly
	StorageOpDelete
	StorageOpDeleteWithRMD
)

// ResolutionOutcome classifies what the merge resolver decided.
type ResolutionOutcome int8

const (
	OutcomeApplied ResolutionOutcome = iota
	OutcomeIgnoredStale
	OutcomeIgnoredTieLoss
	OutcomeDeleted
)

func (o ResolutionOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnoredStale:
		return "ignored_stale"
	case OutcomeIgnoredTieLoss:
		return "ignored_tie_loss"
	case OutcomeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Decision is the resolver's verdict for one incoming write against
// one existing record.
type Decision struct {
	Outcome   ResolutionOutcome
	NewValue  []byte
	NewRMD    ReplicationMetadata
	StorageOp StorageOperationType
}

// ControlMessageKind enumerates the control messages the ingestion
// task reacts to on a real-time topic.
type ControlMessageKind int8

const (
	ControlNone ControlMessageKind = iota
	ControlStartOfPush
	ControlEndOfPush
	ControlTopicSwitch
)

// TopicSwitch carries a rewind request: consumption of the named
// upstream topics should resume at RewindStartTimestamp (ms since
// epoch, 0 meaning "from the beginning").
type TopicSwitch struct {
	NewSourceTopics      map[RegionID]string
	RewindStartTimestamp int64
}

// ControlMessage wraps a control-message record.
type ControlMessage struct {
	Kind        ControlMessageKind
	TopicSwitch *TopicSwitch
	AtOffset    int64
	Partition   PartitionID
}

// ConsumedRecord is a raw record off a partitioned log, prior to any
// interpretation. Exactly one of Write or Control is meaningful.
type ConsumedRecord struct {
	Partition PartitionID
	Offset    int64
	Timestamp time.Time
	Write     *IncomingWrite
	Control   *ControlMessage
}

// ManifestSchemaID marks a value as a ChunkedValueManifest rather than
// a normal (possibly first-chunk) value. Callers of a chunking-aware
// storage engine never see this id; it is internal to that layer.
const ManifestSchemaID int32 = -1

// ChunkedValueManifest records the ordered chunk keys a large value
// was split across, so a chunking adapter can reassemble it without
// the caller ever knowing chunking happened. RMD payloads are stored
// unchunked.
type ChunkedValueManifest struct {
	SchemaID  int32
	ChunkKeys []Key
	TotalSize int64
	Checksum  string
}

// Role describes a partition's place in the leader/follower topology.
type Role int8

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}
