// Package chunking implements the chunked-value storage adapter (C2):
// a decorator over a storage.Engine that transparently splits values
// larger than a configured threshold into fixed-size chunks addressed
// by derived keys, recorded in a manifest stored under the original
// key. Callers of Engine never see chunk boundaries. RMD payloads are
// not chunked: they are passed to the wrapped engine unchanged.
package chunking

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/golang/protobuf/proto"

	"meridian/internal/domain"
	"meridian/internal/storage"
)

// DefaultChunkSize matches the conservative per-message size most
// partitioned log brokers default to; values are chunked well below a
// broker's own max message size to leave room for headers.
const DefaultChunkSize = 900 * 1024

// ErrChecksumMismatch is returned by Get when a reassembled value's
// SHA-256 does not match the checksum recorded in its manifest,
// signaling a corrupted chunk that was still readable. A chunk that
// cannot be read at all is reported as the wrapped engine's read error
// instead.
var ErrChecksumMismatch = errors.New("chunking: checksum mismatch")

// wireManifest mirrors domain.ChunkedValueManifest on the wire:
// SchemaID carries the *reassembled value's* real schema id (the
// manifest's own stored schema id is always domain.ManifestSchemaID,
// which only marks "this record is a manifest" to the inner storage
// engine), plus the ordered chunk keys, the total byte length, and a
// SHA-256 checksum of the reassembled value for corruption detection.
type wireManifest struct {
	SchemaID  int32    `protobuf:"varint,1,opt,name=schema_id,json=schemaId,proto3"`
	ChunkKeys [][]byte `protobuf:"bytes,2,rep,name=chunk_keys,json=chunkKeys,proto3"`
	TotalSize int64    `protobuf:"varint,3,opt,name=total_size,json=totalSize,proto3"`
	Checksum  string   `protobuf:"bytes,4,opt,name=checksum,proto3"`
}

func (*wireManifest) Reset()         {}
func (*wireManifest) String() string { return "ChunkedValueManifest" }
func (*wireManifest) ProtoMessage()  {}

func checksumOf(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// Engine wraps a storage.Engine, transparently chunking values whose
// length exceeds ChunkSize.
type Engine struct {
	inner     storage.Engine
	chunkSize int
}

func New(inner storage.Engine, chunkSize int) *Engine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Engine{inner: inner, chunkSize: chunkSize}
}

var _ storage.Engine = (*Engine)(nil)

func chunkKey(base domain.Key, index int) domain.Key {
	suffix := make([]byte, 4)
	binary.BigEndian.PutUint32(suffix, uint32(index))
	out := make(domain.Key, 0, len(base)+1+len(suffix))
	out = append(out, base...)
	out = append(out, '_')
	out = append(out, suffix...)
	return out
}

func (e *Engine) needsChunking(value []byte) bool {
	return len(value) > e.chunkSize
}

func (e *Engine) writeChunks(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32) ([]byte, error) {
	var keys [][]byte
	for offset := 0; offset < len(value); offset += e.chunkSize {
		end := offset + e.chunkSize
		if end > len(value) {
			end = len(value)
		}
		ck := chunkKey(key, len(keys))
		if err := e.inner.Put(ctx, partition, ck, value[offset:end], valueSchemaID); err != nil {
			return nil, fmt.Errorf("chunking: write chunk %d: %w", len(keys), err)
		}
		keys = append(keys, []byte(ck))
	}
	body, err := proto.Marshal(&wireManifest{
		SchemaID:  valueSchemaID,
		ChunkKeys: keys,
		TotalSize: int64(len(value)),
		Checksum:  checksumOf(value),
	})
	if err != nil {
		return nil, fmt.Errorf("chunking: marshal manifest: %w", err)
	}
	return body, nil
}

// reassemble concatenates a manifest's chunks and returns the
// reassembled value along with its recovered real schema id. It
// verifies the manifest's checksum against the reassembled bytes,
// surfacing a corrupted chunk as ErrChecksumMismatch rather than
// silently returning altered data; a chunk that cannot be read (for
// example a missing one) is returned as a wrapped read error.
func (e *Engine) reassemble(ctx context.Context, partition domain.PartitionID, manifestBytes []byte) ([]byte, int32, error) {
	var m wireManifest
	if err := proto.Unmarshal(manifestBytes, &m); err != nil {
		return nil, 0, fmt.Errorf("chunking: unmarshal manifest: %w", err)
	}
	out := make([]byte, 0, m.TotalSize)
	for i, ck := range m.ChunkKeys {
		chunk, _, err := e.inner.Get(ctx, partition, domain.Key(ck))
		if err != nil {
			return nil, 0, fmt.Errorf("chunking: read chunk %d: %w", i, err)
		}
		out = append(out, chunk...)
	}
	if checksumOf(out) != m.Checksum {
		return nil, 0, fmt.Errorf("%w: key manifest for %d chunks", ErrChecksumMismatch, len(m.ChunkKeys))
	}
	return out, m.SchemaID, nil
}

func (e *Engine) Put(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32) error {
	if !e.needsChunking(value) {
		return e.inner.Put(ctx, partition, key, value, valueSchemaID)
	}
	manifest, err := e.writeChunks(ctx, partition, key, value, valueSchemaID)
	if err != nil {
		return err
	}
	return e.inner.Put(ctx, partition, key, manifest, domain.ManifestSchemaID)
}

func (e *Engine) PutWithRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32, rmdBytes []byte) error {
	if !e.needsChunking(value) {
		return e.inner.PutWithRMD(ctx, partition, key, value, valueSchemaID, rmdBytes)
	}
	manifest, err := e.writeChunks(ctx, partition, key, value, valueSchemaID)
	if err != nil {
		return err
	}
	return e.inner.PutWithRMD(ctx, partition, key, manifest, domain.ManifestSchemaID, rmdBytes)
}

func (e *Engine) PutRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, rmdBytes []byte) error {
	return e.inner.PutRMD(ctx, partition, key, rmdBytes)
}

func (e *Engine) Delete(ctx context.Context, partition domain.PartitionID, key domain.Key) error {
	if err := e.deleteChunksIfManifest(ctx, partition, key); err != nil {
		return err
	}
	return e.inner.Delete(ctx, partition, key)
}

func (e *Engine) DeleteWithRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, rmdBytes []byte) error {
	if err := e.deleteChunksIfManifest(ctx, partition, key); err != nil {
		return err
	}
	return e.inner.DeleteWithRMD(ctx, partition, key, rmdBytes)
}

// deleteChunksIfManifest removes every chunk key belonging to key's
// manifest, if any, before the logical key itself is deleted — a
// chunked value's chunks are otherwise orphaned, since only the
// manifest record lives under the logical key. A missing key or a
// value that was never chunked is not an error: there is nothing to
// unchunk.
func (e *Engine) deleteChunksIfManifest(ctx context.Context, partition domain.PartitionID, key domain.Key) error {
	value, schemaID, err := e.inner.Get(ctx, partition, key)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
	if schemaID != domain.ManifestSchemaID {
		return nil
	}
	var m wireManifest
	if err := proto.Unmarshal(value, &m); err != nil {
		return fmt.Errorf("chunking: unmarshal manifest for delete: %w", err)
	}
	for i, ck := range m.ChunkKeys {
		if err := e.inner.Delete(ctx, partition, domain.Key(ck)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("chunking: delete chunk %d: %w", i, err)
		}
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, partition domain.PartitionID, key domain.Key) ([]byte, int32, error) {
	value, schemaID, err := e.inner.Get(ctx, partition, key)
	if err != nil {
		return nil, 0, err
	}
	if schemaID != domain.ManifestSchemaID {
		return value, schemaID, nil
	}
	full, realSchemaID, err := e.reassemble(ctx, partition, value)
	if err != nil {
		return nil, 0, err
	}
	return full, realSchemaID, nil
}

func (e *Engine) GetRMD(ctx context.Context, partition domain.PartitionID, key domain.Key) ([]byte, error) {
	return e.inner.GetRMD(ctx, partition, key)
}

func (e *Engine) GetVersionState(ctx context.Context, partition domain.PartitionID) (storage.VersionState, error) {
	return e.inner.GetVersionState(ctx, partition)
}

func (e *Engine) PutVersionState(ctx context.Context, state storage.VersionState) error {
	return e.inner.PutVersionState(ctx, state)
}

func (e *Engine) Close() error { return e.inner.Close() }
