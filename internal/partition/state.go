// Package partition implements partition consumption state (C6): the
// per-partition bookkeeping — role, per-region upstream offsets,
// end-of-push and readiness tracking — for one partition. Every method
// takes the state's mutex, so both the partition's ingestion goroutine
// and the raft apply callback that records its local offset may call
// it; Snapshot returns an independent copy.
package partition

import (
	"sync"

	"meridian/internal/domain"
)

// Snapshot is a point-in-time, safe-to-share copy of a State.
type Snapshot struct {
	Partition       domain.PartitionID
	Role            domain.Role
	LocalOffset     int64
	UpstreamOffsets map[domain.RegionID]int64
	EndOfPushSeen   bool
	ReadyToServe    bool
}

// State tracks one partition's consumption progress. Every method
// holds mu while it reads or writes, so the ingestion loop and the raft
// apply callback can use the same State without racing each other.
type State struct {
	mu sync.RWMutex

	partition       domain.PartitionID
	role            domain.Role
	localOffset     int64
	upstreamOffsets map[domain.RegionID]int64
	endOfPushSeen   bool
	readyToServe    bool
	pendingSwitch   *domain.TopicSwitch
}

func NewState(p domain.PartitionID) *State {
	return &State{
		partition:       p,
		role:            domain.RoleFollower,
		upstreamOffsets: make(map[domain.RegionID]int64),
	}
}

func (s *State) Partition() domain.PartitionID { return s.partition }

func (s *State) PromoteToLeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = domain.RoleLeader
}

func (s *State) DemoteToFollower() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = domain.RoleFollower
}

func (s *State) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role == domain.RoleLeader
}

// AdvanceUpstream raises region's tracked upstream offset if offset is
// newer, mirroring the monotonic-advance rule applied to RMD offset
// vectors: consumption position never regresses. A region never before
// seen starts from the not-yet-known sentinel (-1), so an incoming
// offset of 0 (start of topic) still counts as an advance.
func (s *State) AdvanceUpstream(region domain.RegionID, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.upstreamOffsets[region]
	if !ok {
		current = -1
	}
	if offset > current {
		s.upstreamOffsets[region] = offset
	}
}

// UpstreamOffset returns the region's checkpointed upstream offset, or
// -1 if the region has never been consumed from — the sentinel spec §4.6
// reserves for "not yet known", distinct from a legitimate checkpoint
// at offset 0.
func (s *State) UpstreamOffset(region domain.RegionID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset, ok := s.upstreamOffsets[region]; ok {
		return offset
	}
	return -1
}

func (s *State) SetLocalOffset(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localOffset = offset
}

func (s *State) LocalOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localOffset
}

func (s *State) MarkEndOfPush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endOfPushSeen = true
}

func (s *State) EndOfPushSeen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endOfPushSeen
}

// MarkCaughtUp announces the partition as ready to serve reads.
func (s *State) MarkCaughtUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyToServe = true
}

// MarkLagging retracts a ready-to-serve announcement. A partition that
// has already caught up can still flap back to lagging — for example
// after a topic switch rewind pushes it behind again — and callers
// must be able to observe that regression rather than only ever
// seeing a one-way transition.
func (s *State) MarkLagging() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyToServe = false
}

func (s *State) ReadyToServe() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readyToServe
}

func (s *State) SetPendingTopicSwitch(ts *domain.TopicSwitch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSwitch = ts
}

func (s *State) PendingTopicSwitch() *domain.TopicSwitch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingSwitch
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offsets := make(map[domain.RegionID]int64, len(s.upstreamOffsets))
	for k, v := range s.upstreamOffsets {
		offsets[k] = v
	}
	return Snapshot{
		Partition:       s.partition,
		Role:            s.role,
		LocalOffset:     s.localOffset,
		UpstreamOffsets: offsets,
		EndOfPushSeen:   s.endOfPushSeen,
		ReadyToServe:    s.readyToServe,
	}
}
