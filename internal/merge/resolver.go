// Package merge implements the active/active conflict resolver (C3):
// a pure function deciding, for one key, whether an incoming write
// should be applied against the record and replication metadata
// already on hand. It performs no I/O and knows nothing about
// storage, brokers, or locking — those are the caller's concern.
package merge

import (
	"bytes"
	"fmt"

	"meridian/internal/domain"
	"meridian/internal/rmd"
)

// WriteComputeDecoder extracts field-level updates from write-compute
// (partial update) payloads and applies accepted field updates back
// onto a full record. It is the abstract collaborator standing in for
// schema-aware decoding: this package never parses a value's schema
// itself. Write-compute is defined only at the root level of a
// record; nested-field updates are not supported.
type WriteComputeDecoder interface {
	Extract(writeComputeBytes []byte, updateSchemaID int32) ([]domain.FieldUpdate, error)
	ApplyFields(existingValue []byte, valueSchemaID int32, fields []domain.FieldUpdate) ([]byte, error)
}

// Resolver applies the last-writer-wins policy described by the
// engine's data model: newer logical timestamp wins; equal timestamps
// are broken by lexicographic comparison of the candidate value bytes,
// except that a DELETE always wins a tie against a PUT.
type Resolver struct {
	decoder WriteComputeDecoder
}

func NewResolver(decoder WriteComputeDecoder) *Resolver {
	return &Resolver{decoder: decoder}
}

// Resolve decides the outcome of applying incoming against existing.
func (r *Resolver) Resolve(existing domain.ExistingRecord, incoming domain.IncomingWrite) (domain.Decision, error) {
	switch incoming.Operation {
	case domain.OperationUpdate:
		return r.resolveUpdate(existing, incoming)
	default:
		return r.resolveScalar(existing, incoming)
	}
}

func (r *Resolver) resolveScalar(existing domain.ExistingRecord, incoming domain.IncomingWrite) (domain.Decision, error) {
	priorTS := existing.RMD.EffectiveTimestamp()

	var apply bool
	tie := incoming.OpTimestamp == priorTS
	switch {
	case incoming.OpTimestamp > priorTS:
		apply = true
	case incoming.OpTimestamp < priorTS:
		apply = false
	default: // tie
		apply = breakTie(existing, incoming)
	}

	if !apply {
		outcome := domain.OutcomeIgnoredStale
		if tie {
			outcome = domain.OutcomeIgnoredTieLoss
		}
		return domain.Decision{Outcome: outcome, StorageOp: domain.StorageOpSkip}, nil
	}

	newRMD := existing.RMD.AdvanceOffset(incoming.OriginRegion, incoming.UpstreamOffset)
	newRMD.Mode = domain.TimestampScalar
	newRMD.ScalarTimestamp = incoming.OpTimestamp
	newRMD.FieldTimestamps = nil

	if incoming.Operation == domain.OperationDelete {
		if err := postCheckRMD(existing, newRMD); err != nil {
			return domain.Decision{}, err
		}
		return domain.Decision{
			Outcome:   domain.OutcomeDeleted,
			NewRMD:    newRMD,
			StorageOp: deleteStorageOp(existing),
		}, nil
	}

	newRMD.SchemaID = incoming.ValueSchemaID
	if err := postCheckRMD(existing, newRMD); err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{
		Outcome:   domain.OutcomeApplied,
		NewValue:  incoming.Value,
		NewRMD:    newRMD,
		StorageOp: putStorageOp(existing, incoming),
	}, nil
}

// postCheckRMD validates the metadata this package is about to hand
// back to a caller against the invariants an accepted write must
// preserve: an offset vector never regresses, and the timestamp(s)
// this RMD claims to carry agree with the effective timestamp used to
// accept it in the first place. A violation here means a caller
// upstream handed in metadata this resolver should never have been
// asked to advance.
func postCheckRMD(existing domain.ExistingRecord, newRMD domain.ReplicationMetadata) error {
	if got, want := rmd.OffsetVectorSum(newRMD.OffsetVector), rmd.OffsetVectorSum(existing.RMD.OffsetVector); got < want {
		return fmt.Errorf("merge: offset vector regressed: sum %d < prior sum %d", got, want)
	}
	var maxTS int64
	for i, ts := range rmd.Timestamps(newRMD) {
		if i == 0 || ts > maxTS {
			maxTS = ts
		}
	}
	if maxTS != newRMD.EffectiveTimestamp() {
		return fmt.Errorf("merge: rmd timestamp set disagrees with effective timestamp: max=%d effective=%d", maxTS, newRMD.EffectiveTimestamp())
	}
	return nil
}

// breakTie resolves an equal-timestamp collision. A DELETE beats a PUT
// regardless of value bytes, in either direction: an incoming DELETE
// beats an existing live value, and an incoming PUT never resurrects
// an existing tombstone at the same timestamp. Otherwise the write
// with lexicographically greater value bytes wins, giving every
// region a way to agree on the same outcome without further
// coordination.
func breakTie(existing domain.ExistingRecord, incoming domain.IncomingWrite) bool {
	if incoming.Operation == domain.OperationDelete {
		return !existing.Deleted
	}
	if existing.Deleted {
		return false
	}
	return bytes.Compare(incoming.Value, existing.Value) > 0
}

func putStorageOp(existing domain.ExistingRecord, incoming domain.IncomingWrite) domain.StorageOperationType {
	hasValue := len(incoming.Value) > 0
	switch {
	case hasValue:
		return domain.StorageOpValueAndRMD
	case !existing.Found:
		return domain.StorageOpSkip
	default:
		return domain.StorageOpRMDOnly
	}
}

func deleteStorageOp(existing domain.ExistingRecord) domain.StorageOperationType {
	if !existing.Found {
		// Bootstrap/batch semantics: a delete of a key we never saw
		// has no prior RMD and is classified as a plain delete, which
		// stores no RMD; the ingestion task upgrades it to a delete
		// with RMD once end-of-push has been seen.
		return domain.StorageOpDelete
	}
	return domain.StorageOpDeleteWithRMD
}

func (r *Resolver) resolveUpdate(existing domain.ExistingRecord, incoming domain.IncomingWrite) (domain.Decision, error) {
	if r.decoder == nil {
		return domain.Decision{}, fmt.Errorf("merge: update operation requires a write-compute decoder")
	}

	updates, err := r.decoder.Extract(incoming.Value, incoming.UpdateSchemaID)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("merge: extract write-compute fields: %w", err)
	}

	baseline := existing.RMD.EffectiveTimestamp()
	fieldTimestamps := make(map[string]int64, len(existing.RMD.FieldTimestamps)+len(updates))
	for field, ts := range existing.RMD.FieldTimestamps {
		fieldTimestamps[field] = ts
	}

	var accepted []domain.FieldUpdate
	for _, u := range updates {
		priorFieldTS, tracked := fieldTimestamps[u.FieldName]
		if !tracked {
			priorFieldTS = baseline
		}
		if u.WriteTS > priorFieldTS {
			accepted = append(accepted, u)
			fieldTimestamps[u.FieldName] = u.WriteTS
		}
	}

	if len(accepted) == 0 {
		return domain.Decision{Outcome: domain.OutcomeIgnoredStale, StorageOp: domain.StorageOpSkip}, nil
	}

	newValue, err := r.decoder.ApplyFields(existing.Value, existing.RMD.SchemaID, accepted)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("merge: apply write-compute fields: %w", err)
	}

	newRMD := existing.RMD.AdvanceOffset(incoming.OriginRegion, incoming.UpstreamOffset)
	newRMD.Mode = domain.TimestampPerField
	newRMD.FieldTimestamps = fieldTimestamps
	newRMD.SchemaID = existing.RMD.SchemaID

	if err := postCheckRMD(existing, newRMD); err != nil {
		return domain.Decision{}, err
	}
	return domain.Decision{
		Outcome:   domain.OutcomeApplied,
		NewValue:  newValue,
		NewRMD:    newRMD,
		StorageOp: domain.StorageOpValueAndRMD,
	}, nil
}
