package ingestion

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure the caller should retry without any
// change of state: a broker timeout, a storage engine momentarily
// unavailable. Mirrors the teacher's retryable/Temporary() dispatch,
// but as a concrete wrapped-error type rather than an interface a
// third-party error type happens to implement.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }
func (e *TransientError) Retryable() bool { return true }

// PoisonedRecordError marks a single record that can never be applied
// no matter how many times it is retried — malformed write-compute
// bytes, a schema id the resolver has no decoder for. The ingestion
// task must skip past it (after logging) rather than stall the
// partition retrying forever.
type PoisonedRecordError struct {
	Partition int32
	Offset    int64
	Cause     error
}

func (e *PoisonedRecordError) Error() string {
	return fmt.Sprintf("poisoned record at partition=%d offset=%d: %v", e.Partition, e.Offset, e.Cause)
}
func (e *PoisonedRecordError) Unwrap() error   { return e.Cause }
func (e *PoisonedRecordError) Retryable() bool { return false }

// PartitionFatalError means this partition's consumption cannot
// continue safely and must be dropped and resubscribed from scratch
// (or handed to another replica) rather than retried in place.
type PartitionFatalError struct {
	Partition int32
	Cause     error
}

func (e *PartitionFatalError) Error() string {
	return fmt.Sprintf("partition %d fatal: %v", e.Partition, e.Cause)
}
func (e *PartitionFatalError) Unwrap() error   { return e.Cause }
func (e *PartitionFatalError) Retryable() bool { return false }

// VersionFatalError means the version (this store's whole current
// generation of data) can no longer make progress — e.g. a topic
// switch aborted because too many source regions were unreachable, or
// stored RMD that fails to decode.
// Every partition of this version must stop.
type VersionFatalError struct {
	Cause error
}

func (e *VersionFatalError) Error() string  { return fmt.Sprintf("version fatal: %v", e.Cause) }
func (e *VersionFatalError) Unwrap() error  { return e.Cause }
func (e *VersionFatalError) Retryable() bool { return false }

// Retryable reports whether err, or a cause anywhere in its chain
// exposing a Retryable() bool, permits a caller to retry the
// operation that produced it. Errors that don't implement the
// interface are treated as non-retryable, matching the teacher's
// bias toward failing safe over retrying blindly.
type retryableError interface {
	error
	Retryable() bool
}

func Retryable(err error) bool {
	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return false
}
