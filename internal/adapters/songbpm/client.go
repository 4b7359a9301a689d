// Package songbpm implements the metadata-search provider: a fuzzy
// title/artist lookup against the GetSongBPM database of pre-computed
// tempo and key data.
package songbpm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calliope-audio/backbeat/internal/adapters/httpkit"
	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

// Client is an HTTP client for the GetSongBPM search API.
type Client struct {
	http    *httpkit.Client
	baseURL string
	apiKey  string
}

var _ ports.MetadataSearcher = (*Client)(nil)

// NewClient constructs a client. timeout bounds each individual call.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    httpkit.New("songbpm", &http.Client{Timeout: timeout}),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type searchResponse struct {
	Search []songResult `json:"search"`
}

type songResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	Tempo        flexFloat `json:"tempo"`
	TimeSig      string    `json:"time_sig"`
	KeyOf        string    `json:"key_of"`
	Danceability flexFloat `json:"danceability"`
	Acousticness flexFloat `json:"acousticness"`
}

// Search looks up a track by title and artist and maps the best
// confident match. Ambiguous or absent matches report ErrNotFound
// semantics via NoConfidentMatchError.
func (c *Client) Search(ctx context.Context, query domain.TrackQuery) (domain.PartialFeatures, error) {
	searchURL, err := url.Parse(c.baseURL + "/search/")
	if err != nil {
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: invalid search url: %w", err)
	}

	params := searchURL.Query()
	params.Set("api_key", c.apiKey)
	params.Set("type", "both")
	params.Set("lookup", fmt.Sprintf("song:%s artist:%s", query.Title, query.Artist))
	searchURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: %w: %w", ports.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: %w", ports.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: %w: status %d", ports.ErrProviderUnavailable, resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// The search endpoint returns an object instead of an array when
		// it has nothing; treat any undecodable payload as no match.
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: %w", ports.ErrNotFound)
	}

	best, ok := pickBestMatch(query, body.Search)
	if !ok {
		return domain.PartialFeatures{}, fmt.Errorf("songbpm: %w", ports.NoConfidentMatchError{Title: query.Title, Artist: query.Artist})
	}

	return mapSong(best), nil
}

func pickBestMatch(query domain.TrackQuery, results []songResult) (songResult, bool) {
	bestScore := 0.0
	bestIndex := -1
	for i, candidate := range results {
		score, ok := matchScore(query.Title, query.Artist, candidate.Title, candidate.Artist.Name)
		log.Debug().Str("candidate", candidate.Title).Str("artist", candidate.Artist.Name).
			Float64("score", score).Msg("songbpm match candidate")
		if ok && score > bestScore {
			bestScore = score
			bestIndex = i
		}
	}
	if bestIndex == -1 {
		return songResult{}, false
	}
	return results[bestIndex], true
}

func mapSong(song songResult) domain.PartialFeatures {
	var p domain.PartialFeatures
	p.Tiers = map[domain.Field]domain.Confidence{}

	if song.Tempo > 0 {
		p.Tempo = domain.Float(float64(song.Tempo))
	}
	p.Key, p.Mode = parseKey(song.KeyOf)
	p.TimeSignature = parseTimeSignature(song.TimeSig)
	// Danceability and acousticness arrive on a 0-100 scale.
	if song.Danceability > 0 {
		p.Danceability = domain.Float(float64(song.Danceability) / 100.0)
	}
	if song.Acousticness > 0 {
		p.Acousticness = domain.Float(float64(song.Acousticness) / 100.0)
	}

	for _, f := range domain.AllFields {
		p.Tiers[f] = domain.ConfidenceHigh
	}
	return p
}
