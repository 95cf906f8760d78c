package sqlite

import (
	"context"
	"errors"
	"testing"

	"meridian/internal/domain"
	"meridian/internal/storage"
)

func TestSchemaInitializationCreatesRecordsTable(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	db, err := s.dbFor(0)
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	var cnt int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='records'`).Scan(&cnt); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("records table missing")
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := domain.Key("k1")
	if err := s.Put(ctx, 0, key, []byte("v1"), 7); err != nil {
		t.Fatal(err)
	}
	value, schemaID, err := s.Get(ctx, 0, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(value) != "v1" || schemaID != 7 {
		t.Fatalf("got value=%q schema=%d", value, schemaID)
	}
}

func TestGetMissingKeyReturnsErrNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, _, err := s.Get(ctx, 0, domain.Key("missing")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutWithRMDThenDeleteWithRMDLeavesTombstoneWithRMD(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := domain.Key("k2")
	if err := s.PutWithRMD(ctx, 0, key, []byte("v1"), 1, []byte("rmd-v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteWithRMD(ctx, 0, key, []byte("rmd-v2")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, 0, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected tombstoned value to read as not-found, got %v", err)
	}
	rmdBytes, err := s.GetRMD(ctx, 0, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(rmdBytes) != "rmd-v2" {
		t.Fatalf("expected updated rmd to survive delete, got %q", rmdBytes)
	}
}

func TestVersionStateRoundTrips(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	want := storage.VersionState{
		Partition:       3,
		LocalOffset:     42,
		UpstreamOffsets: map[domain.RegionID]int64{"us-east": 10, "eu-west": 5},
		Role:            domain.RoleLeader,
		EndOfPushSeen:   true,
	}
	if err := s.PutVersionState(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetVersionState(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.LocalOffset != want.LocalOffset || got.Role != want.Role || got.EndOfPushSeen != want.EndOfPushSeen {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if got.UpstreamOffsets["us-east"] != 10 || got.UpstreamOffsets["eu-west"] != 5 {
		t.Fatalf("upstream offsets did not round-trip: %+v", got.UpstreamOffsets)
	}
}

func TestPartitionsAreIsolatedAcrossFiles(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := domain.Key("shared-key")
	if err := s.Put(ctx, 0, key, []byte("p0"), 1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Get(ctx, 1, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected key absent in partition 1, got %v", err)
	}
}
