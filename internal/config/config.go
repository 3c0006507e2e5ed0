// Package config loads Herd server configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultPort         = "3001"
	DefaultFrontendURL  = "http://localhost:3000"
	DefaultSyncInterval = 60 * time.Minute
)

// Config holds all server configuration.
type Config struct {
	Port                string `koanf:"port"`
	FrontendURL         string `koanf:"frontend_url"`
	DatabaseURL         string `koanf:"database_url"`
	SpotifyClientID     string `koanf:"spotify_client_id"`
	SpotifyClientSecret string `koanf:"spotify_client_secret"`
	SpotifyRedirectURI  string `koanf:"spotify_redirect_uri"`

	// SyncInterval is parsed from SYNC_INTERVAL ("30m", "1h", ...).
	SyncInterval time.Duration `koanf:"-"`
}

// Load reads configuration from environment variables
// (PORT, FRONTEND_URL, DATABASE_URL, SPOTIFY_CLIENT_ID,
// SPOTIFY_CLIENT_SECRET, SPOTIFY_REDIRECT_URI, SYNC_INTERVAL).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if raw := k.String("sync_interval"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing SYNC_INTERVAL: %w", err)
		}
		cfg.SyncInterval = interval
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = DefaultPort
	}
	if c.FrontendURL == "" {
		c.FrontendURL = DefaultFrontendURL
	}
	c.FrontendURL = strings.TrimRight(c.FrontendURL, "/")
	if c.SpotifyRedirectURI == "" {
		c.SpotifyRedirectURI = c.FrontendURL + "/auth/spotify/callback"
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SpotifyClientID == "" || c.SpotifyClientSecret == "" {
		return fmt.Errorf("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET are required")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return "0.0.0.0:" + c.Port
}
