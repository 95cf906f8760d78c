package raftengine

import "time"

// LogEntry is one resolved write committed to a partition's raft log.
// The log's commit order is, by construction, the order the ingestion
// task must produce accepted writes to its local version topic in —
// that invariant is why raft drives VT production here rather than
// merely electing a leader.
type LogEntry struct {
	Key            []byte `json:"key"`
	Value          []byte `json:"value,omitempty"`
	ValueSchemaID  int32  `json:"value_schema_id,omitempty"`
	RMD            []byte `json:"rmd,omitempty"`
	Outcome        string `json:"outcome"`
	StorageOp      int8   `json:"storage_op"`
	AckToken       string `json:"ack_token,omitempty"`
}

// Command is what gets proposed to a partition's raft log: one
// resolved decision, timestamped when it entered the log.
type Command struct {
	PartitionID    uint32    `json:"partition_id"`
	Entry          LogEntry  `json:"entry"`
	TimestampUTCNs int64     `json:"timestamp_utc_ns"`
}

func (c *Command) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}
