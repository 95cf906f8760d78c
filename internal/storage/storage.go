// Package storage defines the narrow persistence interface the
// ingestion engine depends on. The persistent key-value store's own
// internals (compaction, page format, replication of the store
// itself) are out of scope; this package only specifies the contract
// callers need: latest value and replication metadata per
// (partition, key), plus a small amount of per-partition version
// state used to resume consumption after a restart.
package storage

import (
	"context"
	"errors"

	"meridian/internal/domain"
)

// ErrNotFound is returned by Get/GetRMD when no record exists for a key.
var ErrNotFound = errors.New("storage: not found")

// VersionState is the small amount of per-partition bookkeeping the
// engine needs to survive a restart without replaying from scratch:
// the latest applied local offset and each region's upstream offset.
type VersionState struct {
	Partition       domain.PartitionID
	LocalOffset     int64
	UpstreamOffsets map[domain.RegionID]int64
	Role            domain.Role
	EndOfPushSeen   bool
}

// Engine is the storage contract the ingestion task, the chunking
// adapter, and the transient cache all fall back to. All methods are
// safe to call concurrently for different keys; callers serialize
// same-key access themselves (see internal/keylock).
type Engine interface {
	Put(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32) error
	PutWithRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32, rmdBytes []byte) error
	PutRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, rmdBytes []byte) error
	Delete(ctx context.Context, partition domain.PartitionID, key domain.Key) error
	DeleteWithRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, rmdBytes []byte) error

	Get(ctx context.Context, partition domain.PartitionID, key domain.Key) ([]byte, int32, error)
	GetRMD(ctx context.Context, partition domain.PartitionID, key domain.Key) ([]byte, error)

	GetVersionState(ctx context.Context, partition domain.PartitionID) (VersionState, error)
	PutVersionState(ctx context.Context, state VersionState) error

	Close() error
}
