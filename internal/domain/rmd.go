package domain

// TimestampMode selects between a single scalar last-write timestamp
// for the whole value and a per-field timestamp map produced by
// write-compute (partial-update) merges.
type TimestampMode int8

const (
	TimestampScalar TimestampMode = iota
	TimestampPerField
)

// ReplicationMetadata is the per-key bookkeeping active/active
// replication needs to resolve conflicting writes arriving from
// different regions out of order: a write timestamp (scalar or
// per-field) and an offset vector recording how far into each
// region's real-time topic this key has been advanced.
type ReplicationMetadata struct {
	SchemaID        int32
	Mode            TimestampMode
	ScalarTimestamp int64
	FieldTimestamps map[string]int64 // only set when Mode == TimestampPerField
	OffsetVector    map[RegionID]int64
}

// Clone returns a deep copy so callers can mutate the result without
// aliasing cached or stored metadata.
func (r ReplicationMetadata) Clone() ReplicationMetadata {
	out := ReplicationMetadata{SchemaID: r.SchemaID, Mode: r.Mode, ScalarTimestamp: r.ScalarTimestamp}
	if r.FieldTimestamps != nil {
		out.FieldTimestamps = make(map[string]int64, len(r.FieldTimestamps))
		for k, v := range r.FieldTimestamps {
			out.FieldTimestamps[k] = v
		}
	}
	if r.OffsetVector != nil {
		out.OffsetVector = make(map[RegionID]int64, len(r.OffsetVector))
		for k, v := range r.OffsetVector {
			out.OffsetVector[k] = v
		}
	}
	return out
}

// EffectiveTimestamp returns the timestamp that should be compared
// against an incoming write's OpTimestamp: the scalar timestamp, or
// the maximum of the per-field timestamps when in per-field mode.
func (r ReplicationMetadata) EffectiveTimestamp() int64 {
	if r.Mode == TimestampScalar {
		return r.ScalarTimestamp
	}
	var max int64
	first := true
	for _, ts := range r.FieldTimestamps {
		if first || ts > max {
			max = ts
			first = false
		}
	}
	return max
}

// AdvanceOffset returns a copy of the offset vector with region's
// entry raised to offset if offset is greater than the current value.
func (r ReplicationMetadata) AdvanceOffset(region RegionID, offset int64) ReplicationMetadata {
	out := r.Clone()
	if out.OffsetVector == nil {
		out.OffsetVector = make(map[RegionID]int64, 1)
	}
	if offset > out.OffsetVector[region] {
		out.OffsetVector[region] = offset
	}
	return out
}
