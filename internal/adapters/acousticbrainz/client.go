// Package acousticbrainz implements the crowd-sourced acoustic-features
// provider, keyed by MusicBrainz recording identifier. Coverage is
// sparse for recent material; absence of an entry is expected.
package acousticbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calliope-audio/backbeat/internal/adapters/httpkit"
	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

// Client is an HTTP client for the AcousticBrainz API.
type Client struct {
	http    *httpkit.Client
	baseURL string
}

var _ ports.AcousticSource = (*Client)(nil)

// NewClient constructs a client. timeout bounds each individual call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    httpkit.New("acousticbrainz", &http.Client{Timeout: timeout}),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type lowLevelResponse struct {
	Rhythm struct {
		BPM float64 `json:"bpm"`
	} `json:"rhythm"`
	Tonal struct {
		KeyKey   json.RawMessage `json:"key_key"`
		KeyScale string          `json:"key_scale"`
	} `json:"tonal"`
	LowLevel struct {
		AverageLoudness *float64 `json:"average_loudness"`
	} `json:"lowlevel"`
}

type highLevelResponse struct {
	HighLevel struct {
		Danceability struct {
			All map[string]float64 `json:"all"`
		} `json:"danceability"`
		MoodHappy struct {
			All map[string]float64 `json:"all"`
		} `json:"mood_happy"`
		MoodAcoustic struct {
			All map[string]float64 `json:"all"`
		} `json:"mood_acoustic"`
	} `json:"highlevel"`
}

// Lookup fetches features for a recording. The low-level document is
// required; the high-level one (danceability and mood classifiers) is
// best-effort and its absence never fails the lookup.
func (c *Client) Lookup(ctx context.Context, recordingID string) (domain.PartialFeatures, error) {
	var low lowLevelResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s/low-level", c.baseURL, recordingID), &low); err != nil {
		return domain.PartialFeatures{}, err
	}

	p := mapLowLevel(low)

	var high highLevelResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s/high-level", c.baseURL, recordingID), &high); err != nil {
		log.Debug().Str("mbid", recordingID).Err(err).Msg("no high-level document")
	} else {
		mapHighLevel(high, &p)
	}

	if p.IsEmpty() {
		return domain.PartialFeatures{}, fmt.Errorf("acousticbrainz: %w", ports.ErrNotFound)
	}

	for _, f := range domain.AllFields {
		if p.Tiers == nil {
			p.Tiers = map[domain.Field]domain.Confidence{}
		}
		p.Tiers[f] = domain.ConfidenceMedium
	}

	return p, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("acousticbrainz: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("acousticbrainz: %w: %w", ports.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("acousticbrainz: %w", ports.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("acousticbrainz: %w: status %d", ports.ErrProviderUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("acousticbrainz: decode: %w", err)
	}
	return nil
}

func mapLowLevel(low lowLevelResponse) domain.PartialFeatures {
	var p domain.PartialFeatures

	if low.Rhythm.BPM > 0 {
		p.Tempo = domain.Float(low.Rhythm.BPM)
	}

	if key, ok := parseKey(low.Tonal.KeyKey); ok {
		p.Key = domain.Int(key)
	}
	switch low.Tonal.KeyScale {
	case "major":
		p.Mode = domain.ModePtr(domain.ModeMajor)
	case "minor":
		p.Mode = domain.ModePtr(domain.ModeMinor)
	}

	if low.LowLevel.AverageLoudness != nil {
		// The loudness value arrives on a dB-like scale; map [-60, 0]
		// onto [0, 1].
		energy := (*low.LowLevel.AverageLoudness + 60) / 60
		if energy < 0 {
			energy = 0
		}
		if energy > 1 {
			energy = 1
		}
		p.Energy = domain.Float(energy)
	}

	return p
}

func mapHighLevel(high highLevelResponse, p *domain.PartialFeatures) {
	if v, ok := high.HighLevel.Danceability.All["danceable"]; ok && p.Danceability == nil {
		p.Danceability = domain.Float(clamp01(v))
	}
	if v, ok := high.HighLevel.MoodHappy.All["happy"]; ok && p.Valence == nil {
		p.Valence = domain.Float(clamp01(v))
	}
	if v, ok := high.HighLevel.MoodAcoustic.All["acoustic"]; ok && p.Acousticness == nil {
		p.Acousticness = domain.Float(clamp01(v))
	}
}

// parseKey accepts either a note name ("A", "C#") or a bare pitch class
// integer; the API has served both over time.
func parseKey(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		noteNames := map[string]int{
			"C": 0, "C#": 1, "Db": 1,
			"D": 2, "D#": 3, "Eb": 3,
			"E": 4,
			"F": 5, "F#": 6, "Gb": 6,
			"G": 7, "G#": 8, "Ab": 8,
			"A": 9, "A#": 10, "Bb": 10,
			"B": 11,
		}
		pc, ok := noteNames[name]
		return pc, ok
	}

	var pc int
	if err := json.Unmarshal(raw, &pc); err == nil && pc >= 0 && pc <= 11 {
		return pc, true
	}

	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
