package ingestion

import (
	"context"
	"fmt"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/metrics"
	"meridian/internal/raftengine"
	"meridian/internal/repair"
	"meridian/internal/storage"
)

func (t *Task) handleControl(ctx context.Context, cm *domain.ControlMessage) error {
	switch cm.Kind {
	case domain.ControlStartOfPush:
		t.cfg.Logger.Info().Int32("partition", int32(t.cfg.Partition)).Msg("start of push")
		return nil
	case domain.ControlEndOfPush:
		t.state.MarkEndOfPush()
		t.cfg.Logger.Info().Int32("partition", int32(t.cfg.Partition)).Msg("end of push")
		return nil
	case domain.ControlTopicSwitch:
		return t.handleTopicSwitch(ctx, cm.TopicSwitch)
	default:
		return nil
	}
}

// handleTopicSwitch persists the switch, unsubscribes the current
// sources if this replica is leader, then resolves and resubscribes
// each new source. A region whose offset cannot be resolved is handed
// to the repair service and consumption continues without it, unless
// too many regions failed to make the switch safe: at that point the
// whole switch aborts and no partial resubscription is left standing.
func (t *Task) handleTopicSwitch(ctx context.Context, ts *domain.TopicSwitch) error {
	t.state.SetPendingTopicSwitch(ts)

	if t.state.IsLeader() {
		for _, src := range t.cfg.Sources {
			_ = t.cfg.Consumer.Unsubscribe(src.Topic, t.cfg.Partition)
		}
	}

	unreachable := 0
	type resolved struct {
		region domain.RegionID
		topic  string
		offset int64
	}
	var ready []resolved

	quorumThreshold := (t.cfg.QuorumRegions + 1 + 1) / 2 // ceil((R+1)/2)

	for region, topic := range ts.NewSourceTopics {
		if offset := t.state.UpstreamOffset(region); offset >= 0 {
			ready = append(ready, resolved{region: region, topic: topic, offset: offset})
			continue
		}

		rewindAt := ts.RewindStartTimestamp
		if rewindAt < 0 {
			// REWIND_TIME_DECIDED_BY_SERVER: resolve from timestamp 0,
			// the start of the new source topic. This task tracks only
			// whether EOP was seen, not the EOP or SOP timestamp, and
			// Config.RewindWindow is not applied here.
			rewindAt = 0
		}

		offset, err := t.cfg.OffsetTime.OffsetForTime(ctx, topic, t.cfg.Partition, rewindAt)
		if err != nil {
			unreachable++
			warn := t.cfg.Logger.Warn().Str("region", string(region)).Str("topic", topic).Err(err)
			if t.cfg.Clusters != nil {
				if clusterID, cErr := t.cfg.Clusters.KafkaClusterID(region); cErr == nil {
					warn = warn.Str("kafka_cluster", clusterID)
				}
			}
			warn.Msg("region unreachable during topic switch, registering repair task")
			if t.cfg.Repair != nil {
				metrics.ObserveRepairEnqueued()
				t.cfg.Repair.Enqueue(repair.Task{
					Partition:       t.cfg.Partition,
					Region:          region,
					Topic:           topic,
					RewindTimestamp: rewindAt,
				})
			}
			continue
		}
		ready = append(ready, resolved{region: region, topic: topic, offset: offset})
	}

	if unreachable >= quorumThreshold {
		return &VersionFatalError{Cause: fmt.Errorf("topic switch aborted: %d/%d regions unreachable, quorum threshold %d", unreachable, t.cfg.QuorumRegions, quorumThreshold)}
	}

	for _, r := range ready {
		if err := t.cfg.Consumer.Subscribe(ctx, r.topic, t.cfg.Partition, r.offset); err != nil {
			return &PartitionFatalError{Partition: int32(t.cfg.Partition), Cause: err}
		}
		t.state.AdvanceUpstream(r.region, r.offset)
	}
	return nil
}

// ApplyCommitted is one partition-worth of a raft engine's ApplyFunc:
// the composition root fans a single Engine's callback out to the
// Task owning each committed entry's partition. It runs once per
// committed log entry, in commit order, and is where the actual
// storage persist, view fanout, local VT produce, and version-state
// checkpoint happen — making the raft commit order the local produce
// order (I6) without needing a separate per-partition produce queue.
// The checkpoint written here is what Task.Start rehydrates from on
// the next restart.
func (t *Task) ApplyCommitted(partitionID uint32, index uint64, cmd raftengine.Command) {
	if domain.PartitionID(partitionID) != t.cfg.Partition {
		return
	}
	ctx := context.Background()
	entry := cmd.Entry
	key := domain.Key(entry.Key)

	if err := t.persist(ctx, key, entry); err != nil {
		t.cfg.Logger.Error().Err(err).Int32("partition", int32(t.cfg.Partition)).Msg("storage operation failed for committed entry")
		return
	}

	decision := domain.Decision{NewValue: entry.Value, StorageOp: domain.StorageOperationType(entry.StorageOp)}
	if errs := t.cfg.Fanout.Dispatch(ctx, t.cfg.Partition, key, decision); len(errs) > 0 {
		for _, e := range errs {
			metrics.ObserveViewSinkError(e.Sink)
			t.cfg.Logger.Warn().Str("sink", e.Sink).Err(e.Err).Msg("view fanout sink failed")
		}
	}

	headers := map[string]string{broker.HeaderOperation: broker.OperationPutHeader}
	if entry.Outcome == domain.OutcomeDeleted.String() {
		headers[broker.HeaderOperation] = broker.OperationDeleteHeader
	}
	offset, err := t.cfg.Producer.Produce(ctx, t.cfg.LocalTopic, t.cfg.Partition, key, entry.Value, headers)
	if err != nil {
		t.cfg.Logger.Error().Err(err).Msg("local VT produce failed")
		return
	}
	metrics.ObserveLocalProduce()

	t.state.SetLocalOffset(offset)
	t.cfg.Cache.EvictThrough(t.cfg.Partition, int64(index))

	snap := t.state.Snapshot()
	vs := storage.VersionState{
		Partition:       snap.Partition,
		LocalOffset:     snap.LocalOffset,
		UpstreamOffsets: snap.UpstreamOffsets,
		Role:            snap.Role,
		EndOfPushSeen:   snap.EndOfPushSeen,
	}
	if err := t.cfg.Storage.PutVersionState(ctx, vs); err != nil {
		t.cfg.Logger.Warn().Err(err).Msg("failed to checkpoint version state")
	}
}

func (t *Task) persist(ctx context.Context, key domain.Key, entry raftengine.LogEntry) error {
	switch domain.StorageOperationType(entry.StorageOp) {
	case domain.StorageOpSkip:
		return nil
	case domain.StorageOpValueAndRMD:
		return t.cfg.Storage.PutWithRMD(ctx, t.cfg.Partition, key, entry.Value, entry.ValueSchemaID, entry.RMD)
	case domain.StorageOpValueOnly:
		return t.cfg.Storage.Put(ctx, t.cfg.Partition, key, entry.Value, entry.ValueSchemaID)
	case domain.StorageOpRMDOnly:
		return t.cfg.Storage.PutRMD(ctx, t.cfg.Partition, key, entry.RMD)
	case domain.StorageOpDelete:
		return t.cfg.Storage.Delete(ctx, t.cfg.Partition, key)
	case domain.StorageOpDeleteWithRMD:
		return t.cfg.Storage.DeleteWithRMD(ctx, t.cfg.Partition, key, entry.RMD)
	default:
		return nil
	}
}
