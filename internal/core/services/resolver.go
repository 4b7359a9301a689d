// Package services holds the resolution core: the waterfall across
// providers, field-level merge, local-analysis fallback, and
// write-through caching.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

// ErrEmptyTrackID is returned for a resolve call without a track
// identifier.
var ErrEmptyTrackID = errors.New("resolve: empty track id")

// Resolver answers feature lookups: cache first, then a provider
// waterfall with field-level merge, then local preview analysis, with
// the outcome (positive or negative) written back to the cache.
type Resolver struct {
	cache      ports.FeatureCache
	search     ports.MetadataSearcher
	recordings ports.RecordingResolver
	acoustic   ports.AcousticSource
	analyzer   ports.PreviewAnalyzer
	metrics    *Metrics

	callTimeout  time.Duration
	totalTimeout time.Duration

	group singleflight.Group
}

// ResolverParams collects the resolver's collaborators. All fields are
// required; wire analysis.Disabled rather than a nil analyzer.
type ResolverParams struct {
	Cache      ports.FeatureCache
	Search     ports.MetadataSearcher
	Recordings ports.RecordingResolver
	Acoustic   ports.AcousticSource
	Analyzer   ports.PreviewAnalyzer
	Metrics    *Metrics

	// CallTimeout bounds each individual provider call; TotalTimeout
	// bounds a whole resolution pass.
	CallTimeout  time.Duration
	TotalTimeout time.Duration
}

func NewResolver(p ResolverParams) *Resolver {
	return &Resolver{
		cache:        p.Cache,
		search:       p.Search,
		recordings:   p.Recordings,
		acoustic:     p.Acoustic,
		analyzer:     p.Analyzer,
		metrics:      p.Metrics,
		callTimeout:  p.CallTimeout,
		totalTimeout: p.TotalTimeout,
	}
}

// Resolve returns the feature record for a track, running the waterfall
// on a cache miss. Concurrent callers for the same track share a single
// in-flight pipeline. Provider failures never propagate; only cache I/O
// errors and caller cancellation do.
func (r *Resolver) Resolve(ctx context.Context, query domain.TrackQuery) (domain.FeatureRecord, error) {
	if query.TrackID == "" {
		return domain.FeatureRecord{}, ErrEmptyTrackID
	}

	cached, ok, err := r.cache.Get(ctx, query.TrackID)
	if err != nil {
		return domain.FeatureRecord{}, fmt.Errorf("resolve: cache read: %w", err)
	}
	if ok {
		if cached.Negative {
			r.metrics.cacheLookups.WithLabelValues("negative_hit").Inc()
		} else {
			r.metrics.cacheLookups.WithLabelValues("hit").Inc()
		}
		return cached, nil
	}
	r.metrics.cacheLookups.WithLabelValues("miss").Inc()

	// The pipeline runs under the resolver's own context so one
	// caller hanging up cannot leave other waiters with a partial
	// record. Waiters detach below via the select on their own ctx.
	ch := r.group.DoChan(query.TrackID, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.Background(), r.totalTimeout)
		defer cancel()
		return r.runPipeline(runCtx, query)
	})

	select {
	case <-ctx.Done():
		return domain.FeatureRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.FeatureRecord{}, res.Err
		}
		return res.Val.(domain.FeatureRecord), nil
	}
}

// runPipeline executes waterfall steps 2-6 for a single track.
func (r *Resolver) runPipeline(ctx context.Context, query domain.TrackQuery) (domain.FeatureRecord, error) {
	start := time.Now()
	logger := log.With().
		Str("request_id", uuid.NewString()).
		Str("track_id", query.TrackID).
		Logger()

	rec := domain.NewFeatureRecord(query.TrackID)

	r.mergeSearch(ctx, logger, query, &rec)

	if !rec.Has(domain.FieldTempo) || !rec.Has(domain.FieldKey) {
		r.mergeAcoustic(ctx, logger, query, &rec)
	}

	if !rec.Has(domain.FieldTempo) {
		r.mergeAnalysis(ctx, logger, query, &rec)
	}

	// A pass cut short by the cumulative timeout must not be cached:
	// only fully-formed records (possibly negative) are written.
	if err := ctx.Err(); err != nil {
		logger.Warn().Err(err).Msg("resolution timed out, discarding partial record")
		return domain.FeatureRecord{}, fmt.Errorf("resolve %s: %w", query.TrackID, err)
	}

	// Stamp before the write so the record handed to waiters matches
	// the cached one even when the read-back below cannot serve it.
	rec.Negative = rec.IsEmpty()
	rec.ResolvedAt = time.Now()
	if rec.Negative {
		r.metrics.negativeRecords.Inc()
		logger.Info().Msg("no source produced features, caching negative record")
	}

	if err := r.cache.Put(ctx, rec); err != nil {
		return domain.FeatureRecord{}, fmt.Errorf("resolve %s: cache write: %w", query.TrackID, err)
	}

	r.metrics.resolveDuration.Observe(time.Since(start).Seconds())
	logger.Info().
		Int("fields", len(rec.Sources)).
		Bool("negative", rec.Negative).
		Dur("elapsed", time.Since(start)).
		Msg("resolution complete")

	// Put stamped TTL metadata; re-read so every waiter sees the
	// record exactly as cached.
	stored, ok, err := r.cache.Get(ctx, query.TrackID)
	if err != nil || !ok {
		return rec, nil
	}
	return stored, nil
}

// mergeSearch runs the metadata-search provider (waterfall step 2).
func (r *Resolver) mergeSearch(ctx context.Context, logger zerolog.Logger, query domain.TrackQuery, rec *domain.FeatureRecord) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	partial, err := r.search.Search(callCtx, query)
	if err != nil {
		r.observeProviderErr(logger, "metadata-search", err)
		return
	}
	filled := rec.Merge(partial, domain.SourceMetadataSearch)
	r.metrics.providerCalls.WithLabelValues("metadata-search", "ok").Inc()
	logger.Debug().Int("fields", filled).Msg("metadata search contributed")
}

// mergeAcoustic bridges to the acoustic-features provider through the
// identifier resolver (waterfall step 3).
func (r *Resolver) mergeAcoustic(ctx context.Context, logger zerolog.Logger, query domain.TrackQuery, rec *domain.FeatureRecord) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	recordingID, err := r.recordings.ResolveRecording(callCtx, query)
	cancel()
	if err != nil {
		r.observeProviderErr(logger, "identifier-resolution", err)
		return
	}
	r.metrics.providerCalls.WithLabelValues("identifier-resolution", "ok").Inc()

	callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	partial, err := r.acoustic.Lookup(callCtx, recordingID)
	if err != nil {
		r.observeProviderErr(logger, "acoustic-features", err)
		return
	}
	filled := rec.Merge(partial, domain.SourceIdentifierAcoustic)
	r.metrics.providerCalls.WithLabelValues("acoustic-features", "ok").Inc()
	logger.Debug().Str("recording_id", recordingID).Int("fields", filled).Msg("acoustic lookup contributed")
}

// mergeAnalysis runs the local preview analyzer (waterfall step 4).
// Analyzer output lands only in still-absent fields, at the analyzer's
// reduced confidence tiers.
func (r *Resolver) mergeAnalysis(ctx context.Context, logger zerolog.Logger, query domain.TrackQuery, rec *domain.FeatureRecord) {
	partial, err := r.analyzer.Analyze(ctx, query.TrackID, query.PreviewURL)
	switch {
	case err == nil:
		filled := rec.Merge(partial, domain.SourceLocalAnalysis)
		r.metrics.analyzerRuns.WithLabelValues("ok").Inc()
		logger.Debug().Int("fields", filled).Msg("local analysis contributed")
	case errors.Is(err, ports.ErrNoPreview), errors.Is(err, ports.ErrAnalysisUnavailable):
		r.metrics.analyzerRuns.WithLabelValues("skipped").Inc()
	default:
		r.metrics.analyzerRuns.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("local analysis failed")
	}
}

// observeProviderErr logs and counts a swallowed provider failure.
// Not-found is the expected quiet path; anything else is noisy.
func (r *Resolver) observeProviderErr(logger zerolog.Logger, provider string, err error) {
	if errors.Is(err, ports.ErrNotFound) {
		r.metrics.providerCalls.WithLabelValues(provider, "miss").Inc()
		logger.Debug().Str("provider", provider).Msg("provider had no match")
		return
	}
	r.metrics.providerCalls.WithLabelValues(provider, "error").Inc()
	logger.Warn().Err(err).Str("provider", provider).Msg("provider unavailable, continuing waterfall")
}
