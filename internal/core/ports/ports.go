// Package ports defines the interfaces between the resolution core and
// its adapters, plus the shared error taxonomy crossing those boundaries.
package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/calliope-audio/backbeat/internal/core/domain"
)

// ErrNotFound means a source was reachable but had no data for the track.
var ErrNotFound = errors.New("not found")

// ErrProviderUnavailable means a source could not be consulted at all
// (network failure, timeout, server error). Non-fatal: the waterfall
// moves on to the next source.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrNoPreview means there is no preview clip to analyze.
var ErrNoPreview = errors.New("no preview available")

// ErrAnalysisUnavailable means local analysis is disabled in this build
// or deployment.
var ErrAnalysisUnavailable = errors.New("local analysis unavailable")

// ErrNoConfidentMatch indicates search results did not meet the
// confidence threshold.
var ErrNoConfidentMatch = errors.New("no confident match")

// NoConfidentMatchError provides context for a failed track match.
type NoConfidentMatchError struct {
	Title  string
	Artist string
}

func (e NoConfidentMatchError) Error() string {
	if e.Title == "" && e.Artist == "" {
		return ErrNoConfidentMatch.Error()
	}
	return fmt.Sprintf("no confident match found for title %q artist %q", e.Title, e.Artist)
}

func (e NoConfidentMatchError) Is(target error) bool {
	return target == ErrNoConfidentMatch || target == ErrNotFound
}

// FeatureCache is a versioned, TTL-bearing store of feature records.
// Get must behave as a miss for expired, version-mismatched, or corrupt
// entries. Put stores empty records as negative with the shorter TTL.
type FeatureCache interface {
	Get(ctx context.Context, trackID string) (domain.FeatureRecord, bool, error)
	Put(ctx context.Context, record domain.FeatureRecord) error
	Clear(ctx context.Context, trackID string) error
}

// MetadataSearcher is the primary metadata-search provider: fuzzy match
// by title and artist. Returns ErrNotFound (or a NoConfidentMatchError)
// when no confident match exists.
type MetadataSearcher interface {
	Search(ctx context.Context, query domain.TrackQuery) (domain.PartialFeatures, error)
}

// RecordingResolver maps a track query to a canonical recording
// identifier in an external identifier database. It supplies no
// acoustic features itself.
type RecordingResolver interface {
	ResolveRecording(ctx context.Context, query domain.TrackQuery) (string, error)
}

// AcousticSource looks up crowd-sourced acoustic features by canonical
// recording identifier. Absence of an entry is expected and reported as
// ErrNotFound.
type AcousticSource interface {
	Lookup(ctx context.Context, recordingID string) (domain.PartialFeatures, error)
}

// PreviewAnalyzer derives best-effort features from a short preview
// clip. Implementations must run the CPU-bound work off the caller's
// scheduling path. The disabled variant returns ErrAnalysisUnavailable.
type PreviewAnalyzer interface {
	Analyze(ctx context.Context, trackID, previewURL string) (domain.PartialFeatures, error)
}

// TrackSource supplies track metadata (title, artist, ISRC, preview URL)
// for a track identifier. It is a boundary collaborator: callers may
// also pass a fully populated query and skip it entirely.
type TrackSource interface {
	GetTrack(ctx context.Context, trackID string) (domain.TrackQuery, error)
}
