// Package spotify implements the track metadata source: it supplies
// title, artist, ISRC, duration, and preview URL for a track identifier
// so the resolution pipeline can query the feature providers.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/calliope-audio/backbeat/internal/adapters/httpkit"
	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
)

const tokenURL = "https://accounts.spotify.com/api/token" // #nosec G101 -- public endpoint, not a credential

// Client is an HTTP client for the Spotify Web API using the
// client-credentials flow. The oauth2 transport refreshes tokens
// transparently.
type Client struct {
	http    *httpkit.Client
	baseURL string
}

var _ ports.TrackSource = (*Client)(nil)

// NewClient constructs a client. baseURL exists so tests can point the
// client at a stub server.
func NewClient(clientID, clientSecret, baseURL string) *Client {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &Client{
		http:    httpkit.New("spotify", conf.Client(context.Background())),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// NewClientWithHTTP constructs a client over a caller-supplied HTTP
// client, bypassing the token flow. Used in tests.
func NewClientWithHTTP(httpClient *http.Client, baseURL string) *Client {
	return &Client{
		http:    httpkit.New("spotify", httpClient),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type spotifyTrack struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	DurationMs  int    `json:"duration_ms"`
	PreviewURL  string `json:"preview_url"`
	ExternalIDs struct {
		ISRC string `json:"isrc"`
	} `json:"external_ids"`
}

// GetTrack retrieves track metadata by ID and maps it to a TrackQuery.
func (c *Client) GetTrack(ctx context.Context, trackID string) (domain.TrackQuery, error) {
	url := fmt.Sprintf("%s/tracks/%s", c.baseURL, trackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.TrackQuery{}, fmt.Errorf("spotify adapter: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.TrackQuery{}, fmt.Errorf("spotify adapter: %w: %w", ports.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.TrackQuery{}, fmt.Errorf("spotify adapter: %w", ports.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return domain.TrackQuery{}, fmt.Errorf("spotify adapter: status %d", resp.StatusCode)
	}

	var tr spotifyTrack
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return domain.TrackQuery{}, fmt.Errorf("spotify adapter: %w", err)
	}

	return tr.toQuery(), nil
}

func (tr spotifyTrack) toQuery() domain.TrackQuery {
	names := make([]string, 0, len(tr.Artists))
	for _, a := range tr.Artists {
		names = append(names, a.Name)
	}
	return domain.TrackQuery{
		TrackID:    tr.ID,
		Title:      tr.Name,
		Artist:     strings.Join(names, ", "),
		ISRC:       tr.ExternalIDs.ISRC,
		PreviewURL: tr.PreviewURL,
		DurationMS: tr.DurationMs,
	}
}
