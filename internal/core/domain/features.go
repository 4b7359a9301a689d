// Package domain holds the core data model for audio feature resolution.
package domain

import "time"

// SchemaVersion identifies the record layout and analysis algorithms.
// Bumping it makes previously cached records invisible to Get; they are
// never mutated in place.
const SchemaVersion = "2"

// Source names the origin of a resolved field value.
type Source string

const (
	SourceMetadataSearch     Source = "metadata-search"
	SourceIdentifierAcoustic Source = "identifier+acoustic"
	SourceLocalAnalysis      Source = "local-analysis"
)

// Confidence is a coarse reliability tier for a resolved field.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Mode is the track modality. The integer encoding matches the common
// convention used by the upstream providers: 0 is minor, 1 is major.
type Mode int

const (
	ModeMinor Mode = 0
	ModeMajor Mode = 1
)

func (m Mode) String() string {
	if m == ModeMajor {
		return "major"
	}
	return "minor"
}

// Field names one resolvable audio feature.
type Field string

const (
	FieldTempo         Field = "tempo"
	FieldKey           Field = "key"
	FieldMode          Field = "mode"
	FieldEnergy        Field = "energy"
	FieldDanceability  Field = "danceability"
	FieldValence       Field = "valence"
	FieldAcousticness  Field = "acousticness"
	FieldTimeSignature Field = "timeSignature"
)

// AllFields lists every resolvable field in a stable order.
var AllFields = []Field{
	FieldTempo, FieldKey, FieldMode, FieldEnergy,
	FieldDanceability, FieldValence, FieldAcousticness, FieldTimeSignature,
}

// TrackQuery is the lookup key passed to provider clients.
type TrackQuery struct {
	TrackID    string `json:"trackId,omitempty"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	ISRC       string `json:"isrc,omitempty"`
	MBID       string `json:"mbid,omitempty"`
	PreviewURL string `json:"previewUrl,omitempty"`
	DurationMS int    `json:"durationMs,omitempty"`
}

// PartialFeatures is the output of a single provider or of the local
// analyzer. Nil pointers mean the source had nothing for that field.
// Tiers carries the per-field confidence assigned by the producer.
type PartialFeatures struct {
	Tempo         *float64
	Key           *int
	Mode          *Mode
	Energy        *float64
	Danceability  *float64
	Valence       *float64
	Acousticness  *float64
	TimeSignature *int

	Tiers map[Field]Confidence
}

// IsEmpty reports whether the partial carries no values at all.
func (p PartialFeatures) IsEmpty() bool {
	return p.Tempo == nil && p.Key == nil && p.Mode == nil &&
		p.Energy == nil && p.Danceability == nil && p.Valence == nil &&
		p.Acousticness == nil && p.TimeSignature == nil
}

// FeatureRecord is the resolved, cacheable feature set for one track.
// A record is immutable once written to the cache.
type FeatureRecord struct {
	TrackID string `json:"trackId"`

	Tempo         *float64 `json:"tempo"`
	Key           *int     `json:"key"`
	Mode          *Mode    `json:"mode"`
	Energy        *float64 `json:"energy"`
	Danceability  *float64 `json:"danceability"`
	Valence       *float64 `json:"valence"`
	Acousticness  *float64 `json:"acousticness"`
	TimeSignature *int     `json:"timeSignature"`

	Sources    map[Field]Source     `json:"sources"`
	Confidence map[Field]Confidence `json:"confidence"`

	SchemaVersion string    `json:"schemaVersion"`
	ResolvedAt    time.Time `json:"resolvedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Negative      bool      `json:"negative"`
}

// NewFeatureRecord returns an empty record for the given track at the
// current schema version.
func NewFeatureRecord(trackID string) FeatureRecord {
	return FeatureRecord{
		TrackID:       trackID,
		Sources:       map[Field]Source{},
		Confidence:    map[Field]Confidence{},
		SchemaVersion: SchemaVersion,
	}
}

// IsEmpty reports whether no field has been resolved.
func (r FeatureRecord) IsEmpty() bool {
	return r.Tempo == nil && r.Key == nil && r.Mode == nil &&
		r.Energy == nil && r.Danceability == nil && r.Valence == nil &&
		r.Acousticness == nil && r.TimeSignature == nil
}

// Has reports whether the given field has been resolved.
func (r FeatureRecord) Has(f Field) bool {
	_, ok := r.Sources[f]
	return ok
}

// Merge fills fields that are still absent from the partial result of a
// source. Fields already present are never overwritten: the first source
// in waterfall order wins. It returns the number of fields filled.
func (r *FeatureRecord) Merge(p PartialFeatures, src Source) int {
	filled := 0
	take := func(f Field) bool {
		if r.Has(f) {
			return false
		}
		r.Sources[f] = src
		tier := p.Tiers[f]
		if tier == "" {
			tier = ConfidenceHigh
		}
		r.Confidence[f] = tier
		filled++
		return true
	}

	if p.Tempo != nil && take(FieldTempo) {
		v := *p.Tempo
		r.Tempo = &v
	}
	if p.Key != nil && take(FieldKey) {
		v := *p.Key
		r.Key = &v
	}
	if p.Mode != nil && take(FieldMode) {
		v := *p.Mode
		r.Mode = &v
	}
	if p.Energy != nil && take(FieldEnergy) {
		v := *p.Energy
		r.Energy = &v
	}
	if p.Danceability != nil && take(FieldDanceability) {
		v := *p.Danceability
		r.Danceability = &v
	}
	if p.Valence != nil && take(FieldValence) {
		v := *p.Valence
		r.Valence = &v
	}
	if p.Acousticness != nil && take(FieldAcousticness) {
		v := *p.Acousticness
		r.Acousticness = &v
	}
	if p.TimeSignature != nil && take(FieldTimeSignature) {
		v := *p.TimeSignature
		r.TimeSignature = &v
	}
	return filled
}

// FeatureResult is the caller-facing rendering of a FeatureRecord.
type FeatureResult struct {
	TrackID       string            `json:"trackId"`
	Tempo         *float64          `json:"tempo"`
	Key           *int              `json:"key"`
	Mode          *string           `json:"mode"`
	Energy        *float64          `json:"energy"`
	Danceability  *float64          `json:"danceability"`
	Valence       *float64          `json:"valence"`
	Acousticness  *float64          `json:"acousticness"`
	TimeSignature *int              `json:"timeSignature"`
	Sources       map[string]string `json:"sources"`
	Confidence    map[string]string `json:"confidence"`
	ResolvedAt    time.Time         `json:"resolvedAt"`
	Available     bool              `json:"available"`
}

// Result renders the record for callers. Available is false only when
// every field is null, matching a negative cache entry.
func (r FeatureRecord) Result() FeatureResult {
	res := FeatureResult{
		TrackID:       r.TrackID,
		Tempo:         r.Tempo,
		Key:           r.Key,
		Energy:        r.Energy,
		Danceability:  r.Danceability,
		Valence:       r.Valence,
		Acousticness:  r.Acousticness,
		TimeSignature: r.TimeSignature,
		Sources:       map[string]string{},
		Confidence:    map[string]string{},
		ResolvedAt:    r.ResolvedAt,
		Available:     !r.IsEmpty(),
	}
	if r.Mode != nil {
		mode := r.Mode.String()
		res.Mode = &mode
	}
	for f, s := range r.Sources {
		res.Sources[string(f)] = string(s)
	}
	for f, c := range r.Confidence {
		res.Confidence[string(f)] = string(c)
	}
	return res
}

// Float returns a pointer to v, for building partials.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// ModePtr returns a pointer to m.
func ModePtr(m Mode) *Mode { return &m }
