// Package ingestion implements the active/active ingestion task (C7):
// per store-version, one Task per partition drives the poll → resolve
// → persist → produce loop tying together the merge resolver, the
// chunking-aware storage engine, the key lock manager, the transient
// cache, the raft-ordered local commit log, and the view fanout.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"meridian/internal/broker"
	"meridian/internal/clustermeta"
	"meridian/internal/domain"
	"meridian/internal/keylock"
	"meridian/internal/merge"
	"meridian/internal/metrics"
	"meridian/internal/partition"
	"meridian/internal/raftengine"
	"meridian/internal/repair"
	"meridian/internal/rmd"
	"meridian/internal/storage"
	"meridian/internal/transient"
	"meridian/internal/viewfanout"
)

// RegionSource is one region's real-time topic feed for a partition.
type RegionSource struct {
	Region domain.RegionID
	Topic  string
}

// Config wires one partition's worth of collaborators together. Repair
// and Clusters may be nil. RewindWindow is not read by the task: a
// server-decided topic-switch rewind always resolves from timestamp 0.
type Config struct {
	Partition      domain.PartitionID
	NumPartitions  int
	LocalTopic     string
	Sources        []RegionSource
	QuorumRegions  int // R, used by the topic-switch abort threshold
	RewindWindow   time.Duration

	Consumer   broker.PartitionedLog
	Producer   broker.Producer
	OffsetTime broker.OffsetTimeResolver

	Storage  storage.Engine
	Resolver *merge.Resolver
	Locks    *keylock.Manager
	Cache    *transient.Cache
	Fanout   *viewfanout.Fanout
	Raft     *raftengine.Engine
	Repair   *repair.Service
	Clusters *clustermeta.Mapping

	Logger zerolog.Logger
}

// Task owns one partition's active/active ingestion loop.
type Task struct {
	cfg   Config
	state *partition.State
}

func NewTask(cfg Config) *Task {
	return &Task{
		cfg:   cfg,
		state: partition.NewState(cfg.Partition),
	}
}

func (t *Task) State() *partition.State { return t.state }

// Start subscribes to every configured region source at its
// checkpointed upstream offset (or the beginning, if none is known
// yet). The composition root is responsible for dispatching the
// shared raft engine's committed entries to this task's
// ApplyCommitted, keyed by partition, so that partition's commit
// order becomes this task's persist+produce order, satisfying I6.
func (t *Task) Start(ctx context.Context) error {
	vs, err := t.cfg.Storage.GetVersionState(ctx, t.cfg.Partition)
	if err == nil {
		t.state.SetLocalOffset(vs.LocalOffset)
		for region, offset := range vs.UpstreamOffsets {
			t.state.AdvanceUpstream(region, offset)
		}
		if vs.EndOfPushSeen {
			t.state.MarkEndOfPush()
		}
		if vs.Role == domain.RoleLeader {
			t.state.PromoteToLeader()
		}
	}

	for _, src := range t.cfg.Sources {
		offset := t.state.UpstreamOffset(src.Region)
		if offset < 0 {
			offset = 0
		}
		if err := t.cfg.Consumer.Subscribe(ctx, src.Topic, t.cfg.Partition, offset); err != nil {
			return fmt.Errorf("subscribe %s/%d: %w", src.Topic, t.cfg.Partition, err)
		}
	}
	return nil
}

// Run polls records until ctx is canceled, resolving each one and
// proposing the accepted decisions into the raft log in the order
// they were resolved. ApplyCommitted performs the actual persist,
// fanout, and local-VT produce for each committed entry.
func (t *Task) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		records, err := t.cfg.Consumer.Poll(ctx, 500)
		if err != nil {
			return &TransientError{Cause: err}
		}
		for _, rec := range records {
			if err := t.handleRecord(ctx, rec); err != nil {
				var poisoned *PoisonedRecordError
				if isPoisoned(err, &poisoned) {
					metrics.ObservePoisonedRecord(fmt.Sprintf("%d", t.cfg.Partition))
					t.cfg.Logger.Error().Err(err).Msg("skipping poisoned record")
					continue
				}
				var fatal *PartitionFatalError
				if isPartitionFatal(err, &fatal) {
					t.state.MarkLagging()
					return err
				}
				return err
			}
		}
	}
}

func isPoisoned(err error, target **PoisonedRecordError) bool {
	pe, ok := err.(*PoisonedRecordError)
	if ok {
		*target = pe
	}
	return ok
}

func isPartitionFatal(err error, target **PartitionFatalError) bool {
	pe, ok := err.(*PartitionFatalError)
	if ok {
		*target = pe
	}
	return ok
}

func (t *Task) handleRecord(ctx context.Context, rec domain.ConsumedRecord) error {
	if rec.Control != nil {
		return t.handleControl(ctx, rec.Control)
	}
	return t.handleWrite(ctx, rec)
}

func (t *Task) handleWrite(ctx context.Context, rec domain.ConsumedRecord) error {
	write := *rec.Write
	if write.OpTimestamp < 0 {
		// Open question (b): a negative logical timestamp falls back to
		// the broker-assigned message timestamp. Not ideal — a clock
		// skew between the origin region and this broker leaks into the
		// resolver — but it matches the source system's behavior.
		write.OpTimestamp = rec.Timestamp.UnixNano() / int64(time.Millisecond)
	}

	key := write.Key
	t.cfg.Locks.Lock(key)
	defer t.cfg.Locks.Unlock(key)

	existing, err := t.loadExisting(ctx, key)
	if err != nil {
		var vfe *VersionFatalError
		if errors.As(err, &vfe) {
			return vfe
		}
		return &PartitionFatalError{Partition: int32(t.cfg.Partition), Cause: err}
	}

	start := time.Now()
	decision, err := t.cfg.Resolver.Resolve(existing, write)
	metrics.ObserveDecision(decision.Outcome.String(), time.Since(start))
	if err != nil {
		return &PoisonedRecordError{Partition: int32(t.cfg.Partition), Offset: rec.Offset, Cause: err}
	}

	t.state.AdvanceUpstream(write.OriginRegion, write.UpstreamOffset)

	if decision.Outcome != domain.OutcomeApplied && decision.Outcome != domain.OutcomeDeleted {
		return nil
	}

	// EOP-gated delete: before EOP, a delete of a key never seen here
	// is stored without RMD (bootstrap semantics). Once EOP has been
	// observed it always carries RMD, so a later, older, out-of-order
	// write for the same key has a tombstone to lose its tie against.
	if decision.Outcome == domain.OutcomeDeleted && !existing.Found && t.state.EndOfPushSeen() {
		decision.StorageOp = domain.StorageOpDeleteWithRMD
	}

	// I2: the transient cache reflects the resolved state before the
	// local VT produce is even proposed, so a later record for the
	// same key in this same poll batch reads its own write.
	t.cfg.Cache.Put(t.cfg.Partition, key, domain.ExistingRecord{
		Value:   decision.NewValue,
		RMD:     decision.NewRMD,
		Found:   true,
		Deleted: decision.Outcome == domain.OutcomeDeleted,
	}, t.state.LocalOffset()+1)

	rmdBytes, err := rmd.Encode(decision.NewRMD)
	if err != nil {
		return &PoisonedRecordError{Partition: int32(t.cfg.Partition), Offset: rec.Offset, Cause: err}
	}

	entry := raftengine.LogEntry{
		Key:           []byte(key),
		Value:         decision.NewValue,
		ValueSchemaID: decision.NewRMD.SchemaID,
		RMD:           rmdBytes,
		Outcome:       decision.Outcome.String(),
		StorageOp:     int8(decision.StorageOp),
	}
	cmd := raftengine.Command{PartitionID: uint32(t.cfg.Partition), Entry: entry}
	if err := t.cfg.Raft.Propose(ctx, cmd); err != nil {
		if errors.Is(err, raftengine.ErrNotLeader) {
			return &TransientError{Cause: err}
		}
		return &PartitionFatalError{Partition: int32(t.cfg.Partition), Cause: err}
	}
	return nil
}

// loadExisting is the coherency rule from C5: a cache hit is
// authoritative; only a miss falls through to storage.
func (t *Task) loadExisting(ctx context.Context, key domain.Key) (domain.ExistingRecord, error) {
	if rec, ok := t.cfg.Cache.Get(t.cfg.Partition, key); ok {
		metrics.ObserveCacheHit()
		return rec, nil
	}
	metrics.ObserveCacheMiss()

	value, _, err := t.cfg.Storage.Get(ctx, t.cfg.Partition, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		value = nil
	default:
		return domain.ExistingRecord{}, err
	}

	rmdBytes, err := t.cfg.Storage.GetRMD(ctx, t.cfg.Partition, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		// No RMD at all: this key has never been seen by this replica.
		return domain.ExistingRecord{}, nil
	default:
		return domain.ExistingRecord{}, err
	}

	md, err := rmd.Decode(rmdBytes)
	if err != nil {
		// An unknown or truncated RMD schema means this store-version's
		// data is corrupt in a way no single partition caused and no
		// single partition can repair by itself: every partition of this
		// version must stop, not just the one that happened to read it.
		return domain.ExistingRecord{}, &VersionFatalError{Cause: fmt.Errorf("malformed rmd for key %q: %w", key, err)}
	}
	return domain.ExistingRecord{Value: value, RMD: md, Found: true, Deleted: value == nil}, nil
}
