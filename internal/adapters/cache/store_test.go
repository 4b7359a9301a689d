package cache

import (
	"context"
	"testing"
	"time"

	"github.com/calliope-audio/backbeat/internal/core/domain"
)

const (
	testPositiveTTL = 720 * time.Hour
	testNegativeTTL = 72 * time.Hour
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", testPositiveTTL, testNegativeTTL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(trackID string) domain.FeatureRecord {
	rec := domain.NewFeatureRecord(trackID)
	rec.ResolvedAt = time.Unix(1700000000, 0).UTC()
	rec.Merge(domain.PartialFeatures{
		Tempo:         domain.Float(120),
		Key:           domain.Int(9),
		Mode:          domain.ModePtr(domain.ModeMajor),
		Danceability:  domain.Float(0.62),
		TimeSignature: domain.Int(4),
	}, domain.SourceMetadataSearch)
	rec.Merge(domain.PartialFeatures{
		Energy:  domain.Float(0.8),
		Valence: domain.Float(0.4),
		Tiers: map[domain.Field]domain.Confidence{
			domain.FieldEnergy:  domain.ConfidenceMedium,
			domain.FieldValence: domain.ConfidenceMedium,
		},
	}, domain.SourceIdentifierAcoustic)
	return rec
}

func TestStore_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleRecord("t1")
	if err := s.Put(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected a cache hit")
	}

	if got.Tempo == nil || *got.Tempo != 120 {
		t.Fatalf("tempo: got %v", got.Tempo)
	}
	if got.Key == nil || *got.Key != 9 {
		t.Fatalf("key: got %v", got.Key)
	}
	if got.Mode == nil || *got.Mode != domain.ModeMajor {
		t.Fatalf("mode: got %v", got.Mode)
	}
	if got.Energy == nil || *got.Energy != 0.8 {
		t.Fatalf("energy: got %v", got.Energy)
	}
	if got.Acousticness != nil {
		t.Fatalf("acousticness should be absent, got %v", *got.Acousticness)
	}
	if got.Sources[domain.FieldTempo] != domain.SourceMetadataSearch {
		t.Fatalf("tempo source: got %q", got.Sources[domain.FieldTempo])
	}
	if got.Sources[domain.FieldEnergy] != domain.SourceIdentifierAcoustic {
		t.Fatalf("energy source: got %q", got.Sources[domain.FieldEnergy])
	}
	if got.Confidence[domain.FieldTempo] != domain.ConfidenceHigh {
		t.Fatalf("tempo confidence: got %q", got.Confidence[domain.FieldTempo])
	}
	if got.Confidence[domain.FieldValence] != domain.ConfidenceMedium {
		t.Fatalf("valence confidence: got %q", got.Confidence[domain.FieldValence])
	}
	if got.Negative {
		t.Fatal("record with resolved fields must not be negative")
	}
}

func TestStore_MissOnUnknownTrack(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}
}

func TestStore_NegativeEntryShorterTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty := domain.NewFeatureRecord("none")
	empty.ResolvedAt = time.Now()
	if err := s.Put(ctx, empty); err != nil {
		t.Fatalf("put negative: %v", err)
	}

	positive := sampleRecord("some")
	positive.ResolvedAt = time.Now()
	if err := s.Put(ctx, positive); err != nil {
		t.Fatalf("put positive: %v", err)
	}

	neg, ok, err := s.Get(ctx, "none")
	if err != nil || !ok {
		t.Fatalf("get negative: ok=%v err=%v", ok, err)
	}
	if !neg.Negative {
		t.Fatal("empty record should be stored negative")
	}

	pos, ok, err := s.Get(ctx, "some")
	if err != nil || !ok {
		t.Fatalf("get positive: ok=%v err=%v", ok, err)
	}

	negTTL := neg.ExpiresAt.Sub(neg.ResolvedAt)
	posTTL := pos.ExpiresAt.Sub(pos.ResolvedAt)
	if negTTL >= posTTL {
		t.Fatalf("negative TTL %v must be shorter than positive TTL %v", negTTL, posTTL)
	}
}

func TestStore_ExpiredEntryIsAMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("t1")
	rec.ResolvedAt = time.Now()
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(testPositiveTTL + time.Hour) }

	_, ok, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expired entry must behave as a miss")
	}
}

func TestStore_VersionMismatchIsAMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate a record written by an older schema version. The TTL is
	// still live, only the version differs.
	expires := time.Now().Add(time.Hour).Unix()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_records (track_id, schema_version, negative, payload, resolved_at, expires_at)
		VALUES ('t1', '0', 0, '{"trackId":"t1","schemaVersion":"0"}', 0, ?)`, expires); err != nil {
		t.Fatalf("seed old-version row: %v", err)
	}

	_, ok, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("version-mismatched entry must behave as a miss")
	}
}

func TestStore_CorruptEntryIsAMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).Unix()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_records (track_id, schema_version, negative, payload, resolved_at, expires_at)
		VALUES ('t1', ?, 0, 'not json', 0, ?)`, domain.SchemaVersion, expires); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	_, ok, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("corrupt entry must not be fatal: %v", err)
	}
	if ok {
		t.Fatal("corrupt entry must behave as a miss")
	}

	// The corrupt row is dropped so the next resolution overwrites it.
	rec := sampleRecord("t1")
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put over corrupt row: %v", err)
	}
	_, ok, err = s.Get(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("get after overwrite: ok=%v err=%v", ok, err)
	}
}

func TestStore_ClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		if err := s.Put(ctx, sampleRecord(id)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	for _, id := range []string{"t1", "t2"} {
		_, ok, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if ok {
			t.Fatalf("expected a miss for %s after purge", id)
		}
	}
}

func TestStore_Clear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, sampleRecord("t1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Clear(ctx, "t1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	_, ok, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss after clear")
	}
}
