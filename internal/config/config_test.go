package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Cache.PositiveTTL.Duration != 720*time.Hour {
		t.Errorf("positive_ttl = %v, want 720h", cfg.Cache.PositiveTTL.Duration)
	}
	if cfg.Cache.NegativeTTL.Duration != 72*time.Hour {
		t.Errorf("negative_ttl = %v, want 72h", cfg.Cache.NegativeTTL.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
addr = ":9090"

[cache]
path = "/tmp/test.db"
negative_ttl = "24h"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want override :9090", cfg.Server.Addr)
	}
	if cfg.Cache.NegativeTTL.Duration != 24*time.Hour {
		t.Errorf("negative_ttl = %v, want override 24h", cfg.Cache.NegativeTTL.Duration)
	}
	// Untouched sections keep their defaults.
	if cfg.Providers.MusicBrainz.RequestsPerSec != 1.0 {
		t.Errorf("requests_per_sec = %v, want default 1.0", cfg.Providers.MusicBrainz.RequestsPerSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing cache path",
			mutate:  func(c *Config) { c.Cache.Path = "" },
			wantErr: true,
		},
		{
			name: "negative ttl not shorter than positive",
			mutate: func(c *Config) {
				c.Cache.NegativeTTL.Duration = c.Cache.PositiveTTL.Duration
			},
			wantErr: true,
		},
		{
			name:    "missing musicbrainz user agent",
			mutate:  func(c *Config) { c.Providers.MusicBrainz.UserAgent = "" },
			wantErr: true,
		},
		{
			name: "total timeout below call timeout",
			mutate: func(c *Config) {
				c.Resolver.TotalTimeout.Duration = time.Second
				c.Resolver.CallTimeout.Duration = 10 * time.Second
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
