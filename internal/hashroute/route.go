// Package hashroute assigns record keys to partitions by a stable
// hash, independent of any particular broker's own partitioner so the
// ingestion engine and any co-located producer agree on partition
// ownership.
package hashroute

import (
	"hash/fnv"

	"meridian/internal/domain"
)

// PartitionForKey returns the partition index in [0, numPartitions)
// that owns key. numPartitions must be > 0.
func PartitionForKey(key domain.Key, numPartitions int) domain.PartitionID {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return domain.PartitionID(h.Sum64() % uint64(numPartitions))
}
