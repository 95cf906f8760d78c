package partition

import (
	"testing"

	"meridian/internal/domain"
)

func TestUpstreamOffsetNeverRegresses(t *testing.T) {
	s := NewState(0)
	s.AdvanceUpstream("us", 10)
	s.AdvanceUpstream("us", 5)
	if got := s.UpstreamOffset("us"); got != 10 {
		t.Fatalf("expected offset to stay at 10, got %d", got)
	}
	s.AdvanceUpstream("us", 20)
	if got := s.UpstreamOffset("us"); got != 20 {
		t.Fatalf("expected offset to advance to 20, got %d", got)
	}
}

func TestUpstreamOffsetSentinelDistinguishesUnknownFromZero(t *testing.T) {
	s := NewState(0)
	if got := s.UpstreamOffset("us"); got != -1 {
		t.Fatalf("expected -1 sentinel for a never-consumed region, got %d", got)
	}
	s.AdvanceUpstream("us", 0)
	if got := s.UpstreamOffset("us"); got != 0 {
		t.Fatalf("expected a legitimate checkpoint at offset 0 to stick, got %d", got)
	}
}

func TestReadinessCanFlapBackToLagging(t *testing.T) {
	s := NewState(0)
	s.MarkCaughtUp()
	if !s.ReadyToServe() {
		t.Fatal("expected ready after MarkCaughtUp")
	}
	s.MarkLagging()
	if s.ReadyToServe() {
		t.Fatal("expected not-ready after MarkLagging")
	}
}

func TestPromoteDemoteRole(t *testing.T) {
	s := NewState(0)
	if s.IsLeader() {
		t.Fatal("expected follower by default")
	}
	s.PromoteToLeader()
	if !s.IsLeader() {
		t.Fatal("expected leader after promotion")
	}
	s.DemoteToFollower()
	if s.IsLeader() {
		t.Fatal("expected follower after demotion")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := NewState(0)
	s.AdvanceUpstream("us", 1)
	snap := s.Snapshot()
	s.AdvanceUpstream("us", 2)
	if snap.UpstreamOffsets["us"] != 1 {
		t.Fatalf("snapshot should not observe later mutation, got %d", snap.UpstreamOffsets["us"])
	}
	_ = domain.RoleFollower
}
