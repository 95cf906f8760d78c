// Package sqlite implements storage.Engine on top of one SQLite
// database file per partition, in the WAL-mode, append-friendly style
// the rest of this codebase's persistence layer uses. Each partition's
// database holds the latest value, replication metadata, and version
// state for every key that partition has ever seen — there is no
// history table; active/active conflict resolution already decided
// what "latest" means before a write reaches this layer.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meridian/internal/domain"
	"meridian/internal/storage"

	_ "modernc.org/sqlite"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	key BLOB PRIMARY KEY,
	value BLOB,
	value_schema_id INTEGER NOT NULL DEFAULT 0,
	rmd BLOB,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS partition_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type Store struct {
	baseDir string

	mu sync.Mutex
	db map[domain.PartitionID]*sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, db: make(map[domain.PartitionID]*sql.DB)}, nil
}

var _ storage.Engine = (*Store)(nil)

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.db {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) Put(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32) error {
	return s.upsert(ctx, partition, key, &value, &valueSchemaID, nil, false)
}

func (s *Store) PutWithRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, value []byte, valueSchemaID int32, rmdBytes []byte) error {
	return s.upsert(ctx, partition, key, &value, &valueSchemaID, &rmdBytes, false)
}

func (s *Store) PutRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, rmdBytes []byte) error {
	return s.upsert(ctx, partition, key, nil, nil, &rmdBytes, false)
}

func (s *Store) Delete(ctx context.Context, partition domain.PartitionID, key domain.Key) error {
	nilValue := []byte(nil)
	return s.upsert(ctx, partition, key, &nilValue, nil, nil, true)
}

func (s *Store) DeleteWithRMD(ctx context.Context, partition domain.PartitionID, key domain.Key, rmdBytes []byte) error {
	nilValue := []byte(nil)
	return s.upsert(ctx, partition, key, &nilValue, nil, &rmdBytes, true)
}

// upsert applies a partial update to a record row: nil pointers leave
// that column untouched. deleted clears the value column explicitly
// (a tombstone still carries RMD, so a later stale write can lose a
// tie against it).
func (s *Store) upsert(ctx context.Context, partition domain.PartitionID, key domain.Key, value *[]byte, valueSchemaID *int32, rmdBytes *[]byte, deleted bool) error {
	db, err := s.dbFor(partition)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curValue []byte
	var curSchemaID int32
	var curRMD []byte
	row := tx.QueryRowContext(ctx, `SELECT value, value_schema_id, rmd FROM records WHERE key = ?`, []byte(key))
	switch err := row.Scan(&curValue, &curSchemaID, &curRMD); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	}

	newValue, newSchemaID, newRMD := curValue, curSchemaID, curRMD
	if deleted {
		newValue = nil
	} else if value != nil {
		newValue = *value
	}
	if valueSchemaID != nil {
		newSchemaID = *valueSchemaID
	}
	if rmdBytes != nil {
		newRMD = *rmdBytes
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO records(key, value, value_schema_id, rmd, updated_at_utc_ns)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	value_schema_id = excluded.value_schema_id,
	rmd = excluded.rmd,
	updated_at_utc_ns = excluded.updated_at_utc_ns`,
		[]byte(key), newValue, newSchemaID, newRMD, time.Now().UTC().UnixNano())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, partition domain.PartitionID, key domain.Key) ([]byte, int32, error) {
	db, err := s.dbFor(partition)
	if err != nil {
		return nil, 0, err
	}
	var value []byte
	var schemaID int32
	row := db.QueryRowContext(ctx, `SELECT value, value_schema_id FROM records WHERE key = ?`, []byte(key))
	if err := row.Scan(&value, &schemaID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, err
	}
	if value == nil {
		return nil, 0, storage.ErrNotFound
	}
	return value, schemaID, nil
}

func (s *Store) GetRMD(ctx context.Context, partition domain.PartitionID, key domain.Key) ([]byte, error) {
	db, err := s.dbFor(partition)
	if err != nil {
		return nil, err
	}
	var rmdBytes []byte
	row := db.QueryRowContext(ctx, `SELECT rmd FROM records WHERE key = ?`, []byte(key))
	if err := row.Scan(&rmdBytes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	if rmdBytes == nil {
		return nil, storage.ErrNotFound
	}
	return rmdBytes, nil
}

func (s *Store) GetVersionState(ctx context.Context, partition domain.PartitionID) (storage.VersionState, error) {
	db, err := s.dbFor(partition)
	if err != nil {
		return storage.VersionState{}, err
	}
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM partition_meta`)
	if err != nil {
		return storage.VersionState{}, err
	}
	defer rows.Close()

	state := storage.VersionState{Partition: partition, UpstreamOffsets: map[domain.RegionID]int64{}}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return storage.VersionState{}, err
		}
		switch {
		case k == "local_offset":
			fmt.Sscanf(v, "%d", &state.LocalOffset)
		case k == "role":
			if v == "leader" {
				state.Role = domain.RoleLeader
			}
		case k == "end_of_push_seen":
			state.EndOfPushSeen = v == "1"
		case len(k) > len(upstreamPrefix) && k[:len(upstreamPrefix)] == upstreamPrefix:
			var offset int64
			fmt.Sscanf(v, "%d", &offset)
			state.UpstreamOffsets[domain.RegionID(k[len(upstreamPrefix):])] = offset
		}
	}
	return state, rows.Err()
}

const upstreamPrefix = "upstream_offset."

func (s *Store) PutVersionState(ctx context.Context, state storage.VersionState) error {
	db, err := s.dbFor(state.Partition)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	role := "follower"
	if state.Role == domain.RoleLeader {
		role = "leader"
	}
	eop := "0"
	if state.EndOfPushSeen {
		eop = "1"
	}
	entries := map[string]string{
		"local_offset":     fmt.Sprintf("%d", state.LocalOffset),
		"role":             role,
		"end_of_push_seen": eop,
	}
	for region, offset := range state.UpstreamOffsets {
		entries[upstreamPrefix+string(region)] = fmt.Sprintf("%d", offset)
	}
	for k, v := range entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO partition_meta(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) dbFor(partition domain.PartitionID) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.db[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("partition-p%05d.db", partition))
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db[partition] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
