package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calliope-audio/backbeat/internal/core/ports"
)

func TestGetTrack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tracks/6HZILIRieu8S0iqY8kIKhj" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"id": "6HZILIRieu8S0iqY8kIKhj",
			"name": "DNA.",
			"artists": [{"name": "Kendrick Lamar"}],
			"duration_ms": 185946,
			"preview_url": "https://p.scdn.co/mp3-preview/xyz",
			"external_ids": {"isrc": "USUM71703085"}
		}`)
	}))
	defer ts.Close()

	c := NewClientWithHTTP(http.DefaultClient, ts.URL)
	got, err := c.GetTrack(context.Background(), "6HZILIRieu8S0iqY8kIKhj")
	if err != nil {
		t.Fatalf("get track: %v", err)
	}

	if got.Title != "DNA." {
		t.Fatalf("title: got %q", got.Title)
	}
	if got.Artist != "Kendrick Lamar" {
		t.Fatalf("artist: got %q", got.Artist)
	}
	if got.ISRC != "USUM71703085" {
		t.Fatalf("isrc: got %q", got.ISRC)
	}
	if got.PreviewURL == "" {
		t.Fatal("preview url not mapped")
	}
	if got.DurationMS != 185946 {
		t.Fatalf("duration: got %d", got.DurationMS)
	}
}

func TestGetTrackJoinsMultipleArtists(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"id": "t1",
			"name": "Collab",
			"artists": [{"name": "First"}, {"name": "Second"}],
			"duration_ms": 1000,
			"external_ids": {}
		}`)
	}))
	defer ts.Close()

	c := NewClientWithHTTP(http.DefaultClient, ts.URL)
	got, err := c.GetTrack(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get track: %v", err)
	}
	if got.Artist != "First, Second" {
		t.Fatalf("artist: got %q", got.Artist)
	}
}

func TestGetTrackNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewClientWithHTTP(http.DefaultClient, ts.URL)
	_, err := c.GetTrack(context.Background(), "missing")
	if !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
