// Package config loads service configuration from an optional .env file, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Feed configures the upstream quote vendor.
type Feed struct {
	URL     string   `yaml:"url"`      // streaming WebSocket endpoint
	RESTURL string   `yaml:"rest_url"` // synchronous quote endpoint
	APIKey  string   `yaml:"api_key"`
	Mode    string   `yaml:"mode"` // "live" or "diagnostic"
	Tickers []string `yaml:"tickers"`
}

// Config is the full service configuration shared by both binaries.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// AuthTokens maps bearer tokens to user IDs for development gateways.
	// Production deployments validate tokens against the identity service
	// instead.
	AuthTokens map[string]string `yaml:"auth_tokens"`

	Feed Feed `yaml:"feed"`
}

// Load reads configuration. path may be empty; CONFIG_PATH is consulted and
// a missing file is not an error.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	cfg := &Config{
		Port: "8080",
		Feed: Feed{Mode: "live"},
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	// Environment overrides win over the file.
	override(&cfg.Port, "PORT")
	override(&cfg.DatabaseURL, "DATABASE_URL")
	override(&cfg.RedisURL, "REDIS_URL")
	override(&cfg.Feed.URL, "FEED_URL")
	override(&cfg.Feed.RESTURL, "FEED_REST_URL")
	override(&cfg.Feed.APIKey, "FEED_API_KEY")
	override(&cfg.Feed.Mode, "FEED_MODE")
	if v := os.Getenv("FEED_TICKERS"); v != "" {
		cfg.Feed.Tickers = splitTickers(v)
	}

	return cfg, nil
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitTickers(v string) []string {
	parts := strings.Split(v, ",")
	tickers := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			tickers = append(tickers, t)
		}
	}
	return tickers
}
