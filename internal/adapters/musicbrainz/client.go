// Package musicbrainz implements the identifier-resolution provider:
// it maps an ISRC or a title/artist pair to a canonical MusicBrainz
// recording identifier. It supplies no acoustic features itself.
package musicbrainz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog/log"

	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

// durationToleranceMS is the widest acceptable gap between the query
// duration and a candidate recording's length when fuzzy matching.
const durationToleranceMS = 5000

// Client is a rate-limited HTTP client for the MusicBrainz lookup API.
// MusicBrainz is a shared public resource; the limiter enforces the
// politeness ceiling and the User-Agent is mandatory.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	limiter    *rate.Limiter
}

var _ ports.RecordingResolver = (*Client)(nil)

// NewClient constructs a client capped at requestsPerSec.
func NewClient(baseURL, userAgent string, requestsPerSec float64, timeout time.Duration) *Client {
	if requestsPerSec <= 0 {
		requestsPerSec = 1
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSec), 1),
	}
}

type recordingSearchResponse struct {
	Recordings []recording `json:"recordings"`
}

type recording struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Length int    `json:"length"`
}

// ResolveRecording finds the canonical recording identifier for a track.
// The ISRC lookup runs first when a code is present; fuzzy search by
// title and artist is the fallback.
func (c *Client) ResolveRecording(ctx context.Context, query domain.TrackQuery) (string, error) {
	if query.MBID != "" {
		return query.MBID, nil
	}

	if query.ISRC != "" {
		mbid, err := c.lookupByISRC(ctx, query.ISRC)
		if err == nil {
			return mbid, nil
		}
		if !errors.Is(err, ports.ErrNotFound) {
			return "", err
		}
		log.Debug().Str("isrc", query.ISRC).Msg("no recording for ISRC, falling back to fuzzy search")
	}

	if query.Title == "" || query.Artist == "" {
		return "", fmt.Errorf("musicbrainz: %w", ports.ErrNotFound)
	}

	return c.fuzzySearch(ctx, query.Title, query.Artist, query.DurationMS)
}

func (c *Client) lookupByISRC(ctx context.Context, isrc string) (string, error) {
	recordings, err := c.searchRecordings(ctx, fmt.Sprintf("isrc:%s", isrc), 1)
	if err != nil {
		return "", err
	}
	if len(recordings) == 0 {
		return "", fmt.Errorf("musicbrainz: %w", ports.ErrNotFound)
	}
	return recordings[0].ID, nil
}

func (c *Client) fuzzySearch(ctx context.Context, title, artist string, durationMS int) (string, error) {
	query := fmt.Sprintf("recording:%q AND artist:%q", title, artist)
	recordings, err := c.searchRecordings(ctx, query, 5)
	if err != nil {
		return "", err
	}
	if len(recordings) == 0 {
		return "", fmt.Errorf("musicbrainz: %w", ports.ErrNotFound)
	}

	if durationMS > 0 {
		if best, ok := bestDurationMatch(recordings, durationMS); ok {
			return best.ID, nil
		}
	}

	return recordings[0].ID, nil
}

func (c *Client) searchRecordings(ctx context.Context, query string, limit int) ([]recording, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("musicbrainz: %w", err)
	}

	searchURL, err := url.Parse(c.baseURL + "/recording/")
	if err != nil {
		return nil, fmt.Errorf("musicbrainz: invalid url: %w", err)
	}
	params := searchURL.Query()
	params.Set("query", query)
	params.Set("fmt", "json")
	params.Set("limit", fmt.Sprintf("%d", limit))
	searchURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("musicbrainz: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("musicbrainz: %w: %w", ports.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("musicbrainz: %w: status %d", ports.ErrProviderUnavailable, resp.StatusCode)
	}

	var body recordingSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("musicbrainz: decode: %w", err)
	}

	return body.Recordings, nil
}

// bestDurationMatch picks the recording whose length is closest to the
// target, within tolerance.
func bestDurationMatch(recordings []recording, targetMS int) (recording, bool) {
	best := recording{}
	found := false
	minDiff := durationToleranceMS + 1

	for _, r := range recordings {
		if r.Length == 0 {
			continue
		}
		diff := r.Length - targetMS
		if diff < 0 {
			diff = -diff
		}
		if diff <= durationToleranceMS && diff < minDiff {
			minDiff = diff
			best = r
			found = true
		}
	}

	return best, found
}
