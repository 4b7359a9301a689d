// Package analysis derives audio features from preview clips when the
// remote providers come up empty. The download happens on the caller's
// goroutine; decoding and signal processing run on a shared worker pool
// so a burst of misses cannot monopolize the process.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/rs/zerolog/log"

	"github.com/calliope-audio/backbeat/internal/core/domain"
	"github.com/calliope-audio/backbeat/internal/core/ports"
	"github.com/calliope-audio/backbeat/internal/worker"
)

const (
	// Previews are ~30s clips; anything past this is not a preview.
	maxClipSeconds = 35
	maxDownloadMB  = 20
)

// Analyzer downloads a preview clip to a temp file and extracts
// features from the decoded audio. Implements ports.PreviewAnalyzer.
type Analyzer struct {
	pool       *worker.Pool
	httpClient *http.Client
	tempDir    string
}

var _ ports.PreviewAnalyzer = (*Analyzer)(nil)

func New(pool *worker.Pool, downloadTimeout time.Duration) *Analyzer {
	return &Analyzer{
		pool:       pool,
		httpClient: &http.Client{Timeout: downloadTimeout},
		tempDir:    os.TempDir(),
	}
}

func (a *Analyzer) Analyze(ctx context.Context, trackID, previewURL string) (domain.PartialFeatures, error) {
	if previewURL == "" {
		return domain.PartialFeatures{}, ports.ErrNoPreview
	}

	path, err := a.download(ctx, previewURL)
	if err != nil {
		return domain.PartialFeatures{}, err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", path).Msg("preview temp file not removed")
		}
	}()

	type outcome struct {
		feats clipFeatures
		err   error
	}
	done := make(chan outcome, 1)

	runErr := a.pool.Run(ctx, func() {
		feats, err := analyzeFile(path)
		done <- outcome{feats, err}
	})
	if runErr != nil {
		return domain.PartialFeatures{}, runErr
	}

	out := <-done
	if out.err != nil {
		return domain.PartialFeatures{}, fmt.Errorf("analyze %s: %w", trackID, out.err)
	}
	return toPartial(out.feats), nil
}

// download fetches the clip into a temp file owned by the caller. The
// file is cleaned up here on every failure path.
func (a *Analyzer) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("preview request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("preview fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("preview fetch status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(a.tempDir, "backbeat-preview-*.mp3")
	if err != nil {
		return "", fmt.Errorf("preview temp file: %w", err)
	}

	_, err = io.Copy(f, io.LimitReader(resp.Body, maxDownloadMB<<20))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("preview download: %w", err)
	}
	return f.Name(), nil
}

// analyzeFile decodes an mp3 into mono float samples and runs the
// feature pipeline. CPU-bound; runs on the worker pool.
func analyzeFile(path string) (clipFeatures, error) {
	f, err := os.Open(path)
	if err != nil {
		return clipFeatures{}, fmt.Errorf("preview open: %w", err)
	}
	defer f.Close()

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return clipFeatures{}, fmt.Errorf("preview decode: %w", err)
	}

	sampleRate := decoder.SampleRate()
	maxSamples := sampleRate * maxClipSeconds

	samples := make([]float64, 0, sampleRate*30)
	buf := make([]byte, 8192)
	for len(samples) < maxSamples {
		n, err := decoder.Read(buf)
		// Output is interleaved stereo 16-bit little-endian; average
		// the channels down to mono.
		for i := 0; i+3 < n; i += 4 {
			left := int16(buf[i]) | int16(buf[i+1])<<8
			right := int16(buf[i+2]) | int16(buf[i+3])<<8
			samples = append(samples, (float64(left)+float64(right))/2/32768)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return clipFeatures{}, fmt.Errorf("preview read: %w", err)
		}
	}

	return extractFeatures(samples, sampleRate)
}

// toPartial maps pipeline output onto the provider contract. Tempo and
// energy come from direct measurement; key and mode lean on a simpler
// chroma model; danceability and valence are heuristics.
func toPartial(c clipFeatures) domain.PartialFeatures {
	p := domain.PartialFeatures{
		Key:     domain.Int(c.Key),
		Energy:  domain.Float(c.Energy),
		Valence: domain.Float(c.Valence),
		Tiers: map[domain.Field]domain.Confidence{
			domain.FieldKey:     domain.ConfidenceMedium,
			domain.FieldMode:    domain.ConfidenceMedium,
			domain.FieldEnergy:  domain.ConfidenceHigh,
			domain.FieldValence: domain.ConfidenceLow,
		},
	}
	if c.Major {
		p.Mode = domain.ModePtr(domain.ModeMajor)
	} else {
		p.Mode = domain.ModePtr(domain.ModeMinor)
	}
	if c.BeatCount >= 2 {
		p.Tempo = domain.Float(c.Tempo)
		p.Danceability = domain.Float(c.Danceability)
		p.Tiers[domain.FieldTempo] = domain.ConfidenceHigh
		p.Tiers[domain.FieldDanceability] = domain.ConfidenceLow
	}
	return p
}

// Disabled is the analyzer wired in when local analysis is turned off.
type Disabled struct{}

var _ ports.PreviewAnalyzer = Disabled{}

func (Disabled) Analyze(context.Context, string, string) (domain.PartialFeatures, error) {
	return domain.PartialFeatures{}, ports.ErrAnalysisUnavailable
}
