// Package config loads service configuration from a TOML file.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Cache     CacheConfig     `toml:"cache"`
	Providers ProvidersConfig `toml:"providers"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Resolver  ResolverConfig  `toml:"resolver"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr  string `toml:"addr"`
	Debug bool   `toml:"debug"`
}

// CacheConfig contains the feature cache settings.
type CacheConfig struct {
	Path        string   `toml:"path"`
	PositiveTTL duration `toml:"positive_ttl"`
	NegativeTTL duration `toml:"negative_ttl"`
}

// ProvidersConfig groups all upstream provider settings.
type ProvidersConfig struct {
	SongBPM        SongBPMConfig        `toml:"songbpm"`
	MusicBrainz    MusicBrainzConfig    `toml:"musicbrainz"`
	AcousticBrainz AcousticBrainzConfig `toml:"acousticbrainz"`
	Spotify        SpotifyConfig        `toml:"spotify"`
}

// SongBPMConfig configures the metadata-search provider.
type SongBPMConfig struct {
	APIKey  string   `toml:"api_key"`
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// MusicBrainzConfig configures the identifier-resolution provider.
// RequestsPerSec is a politeness ceiling on a shared public resource.
type MusicBrainzConfig struct {
	BaseURL        string   `toml:"base_url"`
	UserAgent      string   `toml:"user_agent"`
	RequestsPerSec float64  `toml:"requests_per_sec"`
	Timeout        duration `toml:"timeout"`
}

// AcousticBrainzConfig configures the acoustic-features provider.
type AcousticBrainzConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// SpotifyConfig contains credentials for the track metadata source.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	BaseURL      string `toml:"base_url"`
}

// AnalysisConfig configures the local preview analyzer.
type AnalysisConfig struct {
	Enabled         bool     `toml:"enabled"`
	Workers         int      `toml:"workers"`
	QueueSize       int      `toml:"queue_size"`
	DownloadTimeout duration `toml:"download_timeout"`
}

// ResolverConfig bounds the resolution pipeline.
type ResolverConfig struct {
	CallTimeout  duration `toml:"call_timeout"`
	TotalTimeout duration `toml:"total_timeout"`
}

// duration lets TOML values like "45s" decode into time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads and parses a TOML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// Default returns a Config with defaults loaded from the embedded
// example config.
func Default() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Cache.Path == "" {
		return fmt.Errorf("config: cache.path is required")
	}
	if c.Cache.NegativeTTL.Duration >= c.Cache.PositiveTTL.Duration {
		return fmt.Errorf("config: negative_ttl must be shorter than positive_ttl")
	}
	if c.Providers.MusicBrainz.UserAgent == "" {
		return fmt.Errorf("config: providers.musicbrainz.user_agent is required")
	}
	if c.Resolver.TotalTimeout.Duration < c.Resolver.CallTimeout.Duration {
		return fmt.Errorf("config: resolver.total_timeout must cover at least one call")
	}
	return nil
}
