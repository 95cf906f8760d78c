// Package raftengine repurposes go.etcd.io/raft as both the
// leader-election mechanism for a partition and the ordering
// mechanism for that partition's local commits: whichever replica
// raft elects leader for a partition is this engine's ingestion
// leader for that partition, and the order raft commits entries in is
// the order the ingestion task is required to produce accepted writes
// to its local version topic in.
package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

var ErrNotLeader = errors.New("partition leader required")

// ApplyFunc is invoked once per committed entry, in commit order,
// with the raft log index it committed at — callers that need a
// monotonic per-partition position (e.g. to gate transient cache
// eviction) use index rather than inventing their own counter.
type ApplyFunc func(partition uint32, index uint64, cmd Command)
type AckFunc func(token string)

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	NumPartitions       int
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Persistence         *Persistence
	Apply               ApplyFunc
	Ack                 AckFunc
	BootstrapNewCluster bool
}

type Persistence struct {
	mu      sync.Mutex
	storage map[uint32]*raft.MemoryStorage
}

func NewPersistence() *Persistence { return &Persistence{storage: map[uint32]*raft.MemoryStorage{}} }

func (p *Persistence) forPartition(partition uint32) *raft.MemoryStorage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.storage[partition]; ok {
		return s
	}
	s := raft.NewMemoryStorage()
	p.storage[partition] = s
	return s
}

type Engine struct {
	cfg       Config
	transport *tcpTransport
	workers   []*partitionWorker
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type partitionWorker struct {
	partition uint32
	node      raft.Node
	storage   *raft.MemoryStorage
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Persistence == nil {
		cfg.Persistence = NewPersistence()
	}
	if cfg.NumPartitions <= 0 {
		return nil, fmt.Errorf("raftengine: NumPartitions must be > 0")
	}
	if cfg.NumPartitions > 255 {
		return nil, fmt.Errorf("raftengine: NumPartitions must be <= 255 (wire framing uses a 1-byte partition id)")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}

	e := &Engine{cfg: cfg, stopCh: make(chan struct{}), workers: make([]*partitionWorker, cfg.NumPartitions)}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, cfg.NumPartitions, func(partition uint8, msg raftpb.Message) {
		if int(partition) >= len(e.workers) || e.workers[partition] == nil {
			return
		}
		_ = e.workers[partition].node.Step(context.Background(), msg)
	})
	if err != nil {
		return nil, err
	}
	e.transport = t

	peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
	for id := range cfg.PeerAddresses {
		peers = append(peers, raft.Peer{ID: id})
	}

	for p := 0; p < cfg.NumPartitions; p++ {
		ms := cfg.Persistence.forPartition(uint32(p))
		rc := &raft.Config{ID: cfg.NodeID, ElectionTick: cfg.ElectionTicks, HeartbeatTick: cfg.HeartbeatTicks, Storage: ms, MaxSizePerMsg: cfg.MaxMessageSize, MaxInflightMsgs: cfg.MaxInflightMsgs, CheckQuorum: true, PreVote: true}
		var n raft.Node
		if cfg.BootstrapNewCluster {
			n = raft.StartNode(rc, peers)
		} else {
			n = raft.RestartNode(rc)
		}
		e.workers[p] = &partitionWorker{partition: uint32(p), node: n, storage: ms}
	}
	return e, nil
}

func (e *Engine) Start() {
	for _, w := range e.workers {
		e.wg.Add(1)
		go e.runPartition(w)
	}
}

func (e *Engine) Stop() error {
	close(e.stopCh)
	for _, w := range e.workers {
		w.node.Stop()
	}
	e.wg.Wait()
	return e.transport.close()
}

func (e *Engine) Leader(partition uint32) uint64 { return e.workers[partition].node.Status().Lead }

func (e *Engine) IsLeader(partition uint32) bool {
	return e.workers[partition].node.Status().RaftState == raft.StateLeader
}

// Propose appends cmd to partition's raft log. It only succeeds on the
// current leader for that partition; followers must reject the write
// upstream of this call, not retry it here.
func (e *Engine) Propose(ctx context.Context, cmd Command) error {
	if int(cmd.PartitionID) >= len(e.workers) {
		return fmt.Errorf("invalid partition %d", cmd.PartitionID)
	}
	cmd.FillTimestamp()
	w := e.workers[cmd.PartitionID]
	if w.node.Status().RaftState != raft.StateLeader {
		return fmt.Errorf("%w: leader=%d", ErrNotLeader, w.node.Status().Lead)
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return w.node.Propose(ctx, b)
}

func (e *Engine) runPartition(w *partitionWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			w.node.Tick()
		case rd := <-w.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = w.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = w.storage.SetHardState(rd.HardState)
			}
			_ = w.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				_ = e.transport.send(m.To, uint8(w.partition), m)
			}
			for _, ent := range rd.CommittedEntries {
				if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
					continue
				}
				var cmd Command
				if err := json.Unmarshal(ent.Data, &cmd); err != nil {
					continue
				}
				if e.cfg.Apply != nil {
					e.cfg.Apply(w.partition, ent.Index, cmd)
				}
				if e.cfg.Ack != nil && cmd.Entry.AckToken != "" {
					e.cfg.Ack(cmd.Entry.AckToken)
				}
			}
			w.node.Advance()
		}
	}
}
