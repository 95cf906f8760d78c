package merge

import (
	"testing"
	"testing/quick"

	"meridian/internal/domain"
)

func TestResolveNewerTimestampWins(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{Found: true, Value: []byte("old"), RMD: domain.ReplicationMetadata{ScalarTimestamp: 100}}
	incoming := domain.IncomingWrite{Operation: domain.OperationPut, Value: []byte("new"), OpTimestamp: 200, OriginRegion: "west", UpstreamOffset: 5}

	d, err := r.Resolve(existing, incoming)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied, got %v", d.Outcome)
	}
	if string(d.NewValue) != "new" {
		t.Fatalf("expected new value applied, got %q", d.NewValue)
	}
	if d.NewRMD.OffsetVector["west"] != 5 {
		t.Fatalf("expected offset vector advanced, got %v", d.NewRMD.OffsetVector)
	}
}

func TestResolveOlderTimestampIgnored(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{Found: true, Value: []byte("current"), RMD: domain.ReplicationMetadata{ScalarTimestamp: 200}}
	incoming := domain.IncomingWrite{Operation: domain.OperationPut, Value: []byte("late"), OpTimestamp: 100}

	d, err := r.Resolve(existing, incoming)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeIgnoredStale {
		t.Fatalf("expected ignored_stale, got %v", d.Outcome)
	}
}

func TestResolveTieBreaksOnLexicographicValue(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{Found: true, Value: []byte("aaa"), RMD: domain.ReplicationMetadata{ScalarTimestamp: 100}}

	winner := domain.IncomingWrite{Operation: domain.OperationPut, Value: []byte("zzz"), OpTimestamp: 100}
	d, err := r.Resolve(existing, winner)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected lexicographically greater value to win tie, got %v", d.Outcome)
	}

	loser := domain.IncomingWrite{Operation: domain.OperationPut, Value: []byte("aaa"), OpTimestamp: 100}
	d, err = r.Resolve(existing, loser)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeIgnoredTieLoss && d.Outcome != domain.OutcomeIgnoredStale {
		t.Fatalf("expected equal-and-not-greater value to lose tie, got %v", d.Outcome)
	}
}

func TestResolveDeleteBeatsPutAtTie(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{Found: true, Value: []byte("zzz"), RMD: domain.ReplicationMetadata{ScalarTimestamp: 100}}
	incoming := domain.IncomingWrite{Operation: domain.OperationDelete, OpTimestamp: 100}

	d, err := r.Resolve(existing, incoming)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeDeleted {
		t.Fatalf("expected delete to beat put at tie regardless of value bytes, got %v", d.Outcome)
	}
}

func TestResolvePutDoesNotResurrectTombstoneAtTie(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{Found: true, Deleted: true, RMD: domain.ReplicationMetadata{ScalarTimestamp: 100}}
	incoming := domain.IncomingWrite{Operation: domain.OperationPut, Value: []byte("resurrect"), OpTimestamp: 100}

	d, err := r.Resolve(existing, incoming)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome == domain.OutcomeApplied {
		t.Fatalf("tombstone must survive a same-timestamp put")
	}
}

func TestResolveReplayedDeleteAtTieIsIgnored(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{Found: true, Deleted: true, RMD: domain.ReplicationMetadata{ScalarTimestamp: 100}}
	incoming := domain.IncomingWrite{Operation: domain.OperationDelete, OpTimestamp: 100}

	d, err := r.Resolve(existing, incoming)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeIgnoredTieLoss {
		t.Fatalf("expected a replayed delete at the same timestamp as an already-applied delete to be ignored, got %v", d.Outcome)
	}
}

func TestResolveUpdateAppliesOnlyNewerFields(t *testing.T) {
	r := NewResolver(JSONWriteComputeDecoder{})
	existing := domain.ExistingRecord{
		Found: true,
		Value: []byte(`{"a":"1","b":"2"}`),
		RMD: domain.ReplicationMetadata{
			Mode:            domain.TimestampPerField,
			FieldTimestamps: map[string]int64{"a": 50, "b": 200},
		},
	}
	writeCompute := []byte(`{"write_ts":100,"fields":{"a":"9","b":"9"}}`)
	incoming := domain.IncomingWrite{Operation: domain.OperationUpdate, Value: writeCompute}

	d, err := r.Resolve(existing, incoming)
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != domain.OutcomeApplied {
		t.Fatalf("expected applied, got %v", d.Outcome)
	}
	if d.NewRMD.FieldTimestamps["a"] != 100 {
		t.Fatalf("field a should advance to 100, got %d", d.NewRMD.FieldTimestamps["a"])
	}
	if d.NewRMD.FieldTimestamps["b"] != 200 {
		t.Fatalf("field b (200) should not regress to 100, got %d", d.NewRMD.FieldTimestamps["b"])
	}
}

// TestResolveDeterministicAcrossRegions is a property test standing in
// for P1/P2: applying the same (existing, incoming) pair never depends
// on anything but their contents, so two regions given the same inputs
// always reach the same decision.
func TestResolveDeterministicAcrossRegions(t *testing.T) {
	f := func(existingVal, incomingVal []byte, existingTS, incomingTS int64) bool {
		r := NewResolver(JSONWriteComputeDecoder{})
		existing := domain.ExistingRecord{Found: true, Value: existingVal, RMD: domain.ReplicationMetadata{ScalarTimestamp: existingTS}}
		incoming := domain.IncomingWrite{Operation: domain.OperationPut, Value: incomingVal, OpTimestamp: incomingTS}

		d1, err1 := r.Resolve(existing, incoming)
		d2, err2 := r.Resolve(existing, incoming)
		if err1 != nil || err2 != nil {
			return err1 != nil && err2 != nil && err1.Error() == err2.Error()
		}
		return d1.Outcome == d2.Outcome && string(d1.NewValue) == string(d2.NewValue)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
