// Package rmd implements the replication-metadata wire codec (C1):
// encoding and decoding of domain.ReplicationMetadata to and from the
// bytes stored alongside a value and carried in real-time topic
// headers. The codec uses the same struct-tag reflection marshaling
// the rest of this codebase's wire formats use, dispatched by a
// leading schema id so scalar and per-field payloads can evolve
// independently.
package rmd

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/protobuf/proto"

	"meridian/internal/domain"
)

// Schema ids prefixing an encoded RMD payload. 0 is reserved (invalid).
const (
	SchemaScalarV1   int32 = 1
	SchemaPerFieldV1 int32 = 2
)

// wireOffsetEntry and the two wire message types below mirror the
// teacher's legacy protobuf struct-tag idiom: no codegen, just
// Reset/String/ProtoMessage stubs and protobuf field tags read by
// reflection.
type wireOffsetEntry struct {
	Region string `protobuf:"bytes,1,opt,name=region,proto3"`
	Offset int64  `protobuf:"varint,2,opt,name=offset,proto3"`
}

func (*wireOffsetEntry) Reset()         {}
func (*wireOffsetEntry) String() string { return "OffsetEntry" }
func (*wireOffsetEntry) ProtoMessage()  {}

type wireFieldTimestamp struct {
	Field     string `protobuf:"bytes,1,opt,name=field,proto3"`
	Timestamp int64  `protobuf:"varint,2,opt,name=timestamp,proto3"`
}

func (*wireFieldTimestamp) Reset()         {}
func (*wireFieldTimestamp) String() string { return "FieldTimestamp" }
func (*wireFieldTimestamp) ProtoMessage()  {}

type wireScalarRMD struct {
	Timestamp    int64              `protobuf:"varint,1,opt,name=timestamp,proto3"`
	OffsetVector []*wireOffsetEntry `protobuf:"bytes,2,rep,name=offset_vector,json=offsetVector,proto3"`
}

func (*wireScalarRMD) Reset()         {}
func (*wireScalarRMD) String() string { return "ScalarRMD" }
func (*wireScalarRMD) ProtoMessage()  {}

type wirePerFieldRMD struct {
	Fields       []*wireFieldTimestamp `protobuf:"bytes,1,rep,name=fields,proto3"`
	OffsetVector []*wireOffsetEntry    `protobuf:"bytes,2,rep,name=offset_vector,json=offsetVector,proto3"`
}

func (*wirePerFieldRMD) Reset()         {}
func (*wirePerFieldRMD) String() string { return "PerFieldRMD" }
func (*wirePerFieldRMD) ProtoMessage()  {}

// Encode serializes rmd as: 4-byte big-endian schema id, then the
// proto-marshaled scalar or per-field payload chosen by rmd.Mode.
func Encode(md domain.ReplicationMetadata) ([]byte, error) {
	var schemaID int32
	var payload proto.Message

	switch md.Mode {
	case domain.TimestampScalar:
		schemaID = SchemaScalarV1
		payload = &wireScalarRMD{Timestamp: md.ScalarTimestamp, OffsetVector: toWireOffsets(md.OffsetVector)}
	case domain.TimestampPerField:
		schemaID = SchemaPerFieldV1
		payload = &wirePerFieldRMD{Fields: toWireFields(md.FieldTimestamps), OffsetVector: toWireOffsets(md.OffsetVector)}
	default:
		return nil, fmt.Errorf("rmd: unknown timestamp mode %d", md.Mode)
	}

	body, err := proto.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rmd: marshal payload: %w", err)
	}

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(schemaID))
	copy(out[4:], body)
	return out, nil
}

// Decode parses bytes produced by Encode. The returned metadata's
// SchemaID field is set to the wire schema id read from the prefix,
// not md.SchemaID as it was at encode time — callers that need to
// preserve a value-schema id separately from the RMD wire schema id
// must track it themselves.
func Decode(raw []byte) (domain.ReplicationMetadata, error) {
	if len(raw) < 4 {
		return domain.ReplicationMetadata{}, fmt.Errorf("rmd: payload too short: %d bytes", len(raw))
	}
	schemaID := int32(binary.BigEndian.Uint32(raw[:4]))
	body := raw[4:]

	switch schemaID {
	case SchemaScalarV1:
		var w wireScalarRMD
		if err := proto.Unmarshal(body, &w); err != nil {
			return domain.ReplicationMetadata{}, fmt.Errorf("rmd: unmarshal scalar: %w", err)
		}
		return domain.ReplicationMetadata{
			SchemaID:        schemaID,
			Mode:            domain.TimestampScalar,
			ScalarTimestamp: w.Timestamp,
			OffsetVector:    fromWireOffsets(w.OffsetVector),
		}, nil
	case SchemaPerFieldV1:
		var w wirePerFieldRMD
		if err := proto.Unmarshal(body, &w); err != nil {
			return domain.ReplicationMetadata{}, fmt.Errorf("rmd: unmarshal per-field: %w", err)
		}
		return domain.ReplicationMetadata{
			SchemaID:        schemaID,
			Mode:            domain.TimestampPerField,
			FieldTimestamps: fromWireFields(w.Fields),
			OffsetVector:    fromWireOffsets(w.OffsetVector),
		}, nil
	default:
		return domain.ReplicationMetadata{}, fmt.Errorf("rmd: unknown schema id %d", schemaID)
	}
}

func toWireOffsets(m map[domain.RegionID]int64) []*wireOffsetEntry {
	out := make([]*wireOffsetEntry, 0, len(m))
	for region, offset := range m {
		out = append(out, &wireOffsetEntry{Region: string(region), Offset: offset})
	}
	return out
}

func fromWireOffsets(entries []*wireOffsetEntry) map[domain.RegionID]int64 {
	out := make(map[domain.RegionID]int64, len(entries))
	for _, e := range entries {
		out[domain.RegionID(e.Region)] = e.Offset
	}
	return out
}

func toWireFields(m map[string]int64) []*wireFieldTimestamp {
	out := make([]*wireFieldTimestamp, 0, len(m))
	for field, ts := range m {
		out = append(out, &wireFieldTimestamp{Field: field, Timestamp: ts})
	}
	return out
}

func fromWireFields(entries []*wireFieldTimestamp) map[string]int64 {
	out := make(map[string]int64, len(entries))
	for _, e := range entries {
		out[e.Field] = e.Timestamp
	}
	return out
}

// OffsetVectorSum reduces an offset vector to a single scalar for lag
// reporting and quick equality checks between two vectors.
func OffsetVectorSum(v map[domain.RegionID]int64) int64 {
	var sum int64
	for _, o := range v {
		sum += o
	}
	return sum
}

// Timestamps returns every logical timestamp carried by md: the single
// scalar timestamp in scalar mode, or every per-field timestamp in
// per-field mode. Order is unspecified for per-field mode since the
// underlying map has none.
func Timestamps(md domain.ReplicationMetadata) []int64 {
	if md.Mode == domain.TimestampScalar {
		return []int64{md.ScalarTimestamp}
	}
	out := make([]int64, 0, len(md.FieldTimestamps))
	for _, ts := range md.FieldTimestamps {
		out = append(out, ts)
	}
	return out
}

// MergeOffsetVectors returns the element-wise maximum of a and b,
// covering regions present in either.
func MergeOffsetVectors(a, b map[domain.RegionID]int64) map[domain.RegionID]int64 {
	out := make(map[domain.RegionID]int64, len(a)+len(b))
	for region, offset := range a {
		out[region] = offset
	}
	for region, offset := range b {
		if offset > out[region] {
			out[region] = offset
		}
	}
	return out
}
