package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

// --- Mocks ---

type memCache struct {
	mu      sync.Mutex
	records map[string]domain.FeatureRecord
	puts    int
	getErr  error
	putErr  error
}

func newMemCache() *memCache {
	return &memCache{records: map[string]domain.FeatureRecord{}}
}

func (c *memCache) Get(ctx context.Context, trackID string) (domain.FeatureRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return domain.FeatureRecord{}, false, c.getErr
	}
	rec, ok := c.records[trackID]
	return rec, ok, nil
}

func (c *memCache) Put(ctx context.Context, rec domain.FeatureRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	rec.Negative = rec.IsEmpty()
	rec.ResolvedAt = time.Now()
	ttl := 720 * time.Hour
	if rec.Negative {
		ttl = 72 * time.Hour
	}
	rec.ExpiresAt = rec.ResolvedAt.Add(ttl)
	c.records[rec.TrackID] = rec
	c.puts++
	return nil
}

func (c *memCache) Clear(ctx context.Context, trackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, trackID)
	return nil
}

// writeOnlyCache accepts writes but never serves reads, standing in for
// a backend that fails between the resolver's Put and its read-back.
type writeOnlyCache struct {
	memCache
}

func (c *writeOnlyCache) Get(ctx context.Context, trackID string) (domain.FeatureRecord, bool, error) {
	return domain.FeatureRecord{}, false, nil
}

type mockSearch struct {
	partial domain.PartialFeatures
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (m *mockSearch) Search(ctx context.Context, q domain.TrackQuery) (domain.PartialFeatures, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.partial, m.err
}

type mockRecordings struct {
	id    string
	err   error
	calls atomic.Int32
}

func (m *mockRecordings) ResolveRecording(ctx context.Context, q domain.TrackQuery) (string, error) {
	m.calls.Add(1)
	return m.id, m.err
}

type mockAcoustic struct {
	partial domain.PartialFeatures
	err     error
	calls   atomic.Int32
}

func (m *mockAcoustic) Lookup(ctx context.Context, recordingID string) (domain.PartialFeatures, error) {
	m.calls.Add(1)
	return m.partial, m.err
}

type mockAnalyzer struct {
	partial domain.PartialFeatures
	err     error
	calls   atomic.Int32
}

func (m *mockAnalyzer) Analyze(ctx context.Context, trackID, previewURL string) (domain.PartialFeatures, error) {
	m.calls.Add(1)
	if previewURL == "" {
		return domain.PartialFeatures{}, ports.ErrNoPreview
	}
	return m.partial, m.err
}

type fixture struct {
	cache      *memCache
	search     *mockSearch
	recordings *mockRecordings
	acoustic   *mockAcoustic
	analyzer   *mockAnalyzer
	resolver   *Resolver
}

func newFixture() *fixture {
	f := &fixture{
		cache:      newMemCache(),
		search:     &mockSearch{err: ports.ErrNotFound},
		recordings: &mockRecordings{err: ports.ErrNotFound},
		acoustic:   &mockAcoustic{err: ports.ErrNotFound},
		analyzer:   &mockAnalyzer{err: ports.ErrNoPreview},
	}
	f.resolver = NewResolver(ResolverParams{
		Cache:        f.cache,
		Search:       f.search,
		Recordings:   f.recordings,
		Acoustic:     f.acoustic,
		Analyzer:     f.analyzer,
		Metrics:      NewMetrics(prometheus.NewRegistry()),
		CallTimeout:  time.Second,
		TotalTimeout: 5 * time.Second,
	})
	return f
}

// --- Tests ---

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture()
	f.search.partial = domain.PartialFeatures{
		Tempo: domain.Float(120),
		Key:   domain.Int(9),
	}
	f.search.err = nil

	first, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"})
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"})
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}

	if got := f.search.calls.Load(); got != 1 {
		t.Errorf("search called %d times, want 1 (second call should be a cache hit)", got)
	}
	if first.Tempo == nil || first.Key == nil || second.Tempo == nil || second.Key == nil {
		t.Fatalf("resolved record missing fields: first=%+v second=%+v", first, second)
	}
	if *first.Tempo != *second.Tempo || *first.Key != *second.Key {
		t.Errorf("resolves disagree: %v vs %v", first, second)
	}
	if first.Sources[domain.FieldTempo] != domain.SourceMetadataSearch {
		t.Errorf("tempo source = %q, want metadata-search", first.Sources[domain.FieldTempo])
	}
}

func TestResolveConcurrentCallersShareOnePipeline(t *testing.T) {
	f := newFixture()
	f.search.partial = domain.PartialFeatures{Tempo: domain.Float(98)}
	f.search.err = nil
	f.search.delay = 100 * time.Millisecond

	const callers = 10
	var wg sync.WaitGroup
	results := make([]domain.FeatureRecord, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := f.search.calls.Load(); got != 1 {
		t.Errorf("search called %d times for %d concurrent callers, want 1", got, callers)
	}
	for i, rec := range results {
		if rec.Tempo == nil || *rec.Tempo != 98 {
			t.Errorf("caller %d got tempo %v, want 98", i, rec.Tempo)
		}
	}
}

func TestResolveWaterfallPrecedence(t *testing.T) {
	f := newFixture()
	// Metadata search fills tempo but not key, so the identifier path
	// still runs. Its competing tempo value must not overwrite.
	f.search.partial = domain.PartialFeatures{Tempo: domain.Float(120)}
	f.search.err = nil
	f.recordings.id = "mbid-1"
	f.recordings.err = nil
	f.acoustic.partial = domain.PartialFeatures{
		Tempo:  domain.Float(118),
		Energy: domain.Float(0.7),
		Tiers:  map[domain.Field]domain.Confidence{domain.FieldTempo: domain.ConfidenceMedium, domain.FieldEnergy: domain.ConfidenceMedium},
	}
	f.acoustic.err = nil

	rec, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist", ISRC: "US1234567890"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if *rec.Tempo != 120 {
		t.Errorf("tempo = %v, want 120 (first source wins)", *rec.Tempo)
	}
	if rec.Sources[domain.FieldTempo] != domain.SourceMetadataSearch {
		t.Errorf("tempo source = %q, want metadata-search", rec.Sources[domain.FieldTempo])
	}
	if rec.Energy == nil || *rec.Energy != 0.7 {
		t.Errorf("energy = %v, want 0.7 from acoustic source", rec.Energy)
	}
	if rec.Sources[domain.FieldEnergy] != domain.SourceIdentifierAcoustic {
		t.Errorf("energy source = %q, want identifier+acoustic", rec.Sources[domain.FieldEnergy])
	}
}

func TestResolveSkipsIdentifierPathWhenComplete(t *testing.T) {
	f := newFixture()
	f.search.partial = domain.PartialFeatures{
		Tempo: domain.Float(120),
		Key:   domain.Int(2),
	}
	f.search.err = nil

	if _, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.recordings.calls.Load(); got != 0 {
		t.Errorf("recording resolver called %d times, want 0 when tempo and key already present", got)
	}
}

func TestResolveAllMissNoPreview(t *testing.T) {
	f := newFixture()

	rec, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Obscure", Artist: "Nobody"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if !rec.Negative {
		t.Error("record not negative after every source missed")
	}
	if !rec.IsEmpty() {
		t.Errorf("record has fields: %+v", rec)
	}
	if res := rec.Result(); res.Available {
		t.Error("Available = true for a negative record")
	}

	// The negative outcome is cached: a second call consults nobody.
	if _, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Obscure", Artist: "Nobody"}); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := f.search.calls.Load(); got != 1 {
		t.Errorf("search called %d times, want 1 (negative entry should be a valid hit)", got)
	}
}

func TestResolveAnalyzerFallback(t *testing.T) {
	f := newFixture()
	f.analyzer.partial = domain.PartialFeatures{
		Tempo:        domain.Float(117.2),
		Key:          domain.Int(4),
		Mode:         domain.ModePtr(domain.ModeMinor),
		Energy:       domain.Float(0.64),
		Danceability: domain.Float(0.5),
		Tiers: map[domain.Field]domain.Confidence{
			domain.FieldTempo:        domain.ConfidenceHigh,
			domain.FieldKey:          domain.ConfidenceMedium,
			domain.FieldMode:         domain.ConfidenceMedium,
			domain.FieldEnergy:       domain.ConfidenceHigh,
			domain.FieldDanceability: domain.ConfidenceLow,
		},
	}
	f.analyzer.err = nil

	rec, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{
		TrackID:    "t1",
		Title:      "Song",
		Artist:     "Artist",
		PreviewURL: "http://cdn.example.com/p.mp3",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if rec.Negative {
		t.Error("record negative despite analyzer output")
	}
	if rec.Tempo == nil || *rec.Tempo != 117.2 {
		t.Errorf("tempo = %v, want 117.2", rec.Tempo)
	}
	for field, wantTier := range map[domain.Field]domain.Confidence{
		domain.FieldTempo:        domain.ConfidenceHigh,
		domain.FieldKey:          domain.ConfidenceMedium,
		domain.FieldDanceability: domain.ConfidenceLow,
	} {
		if rec.Sources[field] != domain.SourceLocalAnalysis {
			t.Errorf("%s source = %q, want local-analysis", field, rec.Sources[field])
		}
		if rec.Confidence[field] != wantTier {
			t.Errorf("%s confidence = %q, want %q", field, rec.Confidence[field], wantTier)
		}
	}
}

func TestResolveProviderFailuresAreSwallowed(t *testing.T) {
	f := newFixture()
	f.search.err = ports.ErrProviderUnavailable
	f.recordings.err = errors.New("dns lookup failed")
	f.analyzer.err = errors.New("decode failed")

	rec, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{
		TrackID:    "t1",
		Title:      "Song",
		Artist:     "Artist",
		PreviewURL: "http://cdn.example.com/p.mp3",
	})
	if err != nil {
		t.Fatalf("resolve must not surface provider errors, got: %v", err)
	}
	if !rec.Negative {
		t.Error("expected a negative record when every source failed")
	}
}

func TestResolveCacheWriteErrorPropagates(t *testing.T) {
	f := newFixture()
	f.cache.putErr = errors.New("disk full")

	_, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"})
	if err == nil {
		t.Fatal("expected cache write error to propagate")
	}
}

func TestResolveEmptyTrackID(t *testing.T) {
	f := newFixture()

	_, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{Title: "Song"})
	if !errors.Is(err, ErrEmptyTrackID) {
		t.Fatalf("err = %v, want ErrEmptyTrackID", err)
	}
}

func TestResolveCallerCancellationDoesNotAbortPipeline(t *testing.T) {
	f := newFixture()
	f.search.partial = domain.PartialFeatures{Tempo: domain.Float(130)}
	f.search.err = nil
	f.search.delay = 150 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.resolver.Resolve(ctx, domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want caller deadline exceeded", err)
	}

	// The shared pipeline keeps running and still produces a complete
	// cached record for later callers.
	deadline := time.After(2 * time.Second)
	for {
		f.cache.mu.Lock()
		rec, ok := f.cache.records["t1"]
		f.cache.mu.Unlock()
		if ok {
			if rec.Tempo == nil || *rec.Tempo != 130 {
				t.Fatalf("cached record incomplete: %+v", rec)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("pipeline result never reached the cache")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestResolveStampsRecordWithoutCacheReadBack(t *testing.T) {
	f := newFixture()
	f.resolver.cache = &writeOnlyCache{memCache: memCache{records: map[string]domain.FeatureRecord{}}}

	rec, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Obscure", Artist: "Nobody"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if !rec.Negative {
		t.Error("record not marked negative when the cached copy is unreadable")
	}
	if rec.ResolvedAt.IsZero() {
		t.Error("record missing its resolution timestamp")
	}
}

func TestResolveTotalTimeoutDiscardsPartialRecord(t *testing.T) {
	f := newFixture()
	f.search.partial = domain.PartialFeatures{Tempo: domain.Float(130)}
	f.search.err = nil
	f.search.delay = 200 * time.Millisecond
	f.resolver.totalTimeout = 30 * time.Millisecond

	_, err := f.resolver.Resolve(context.Background(), domain.TrackQuery{TrackID: "t1", Title: "Song", Artist: "Artist"})
	if err == nil {
		t.Fatal("expected error when the cumulative timeout fires")
	}

	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	if len(f.cache.records) != 0 {
		t.Errorf("timed-out resolution wrote to the cache: %+v", f.cache.records)
	}
}
