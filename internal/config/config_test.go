package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "live", cfg.Feed.Mode)
}

func TestLoad_YAMLFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
port: "9090"
database_url: postgres://file
auth_tokens:
  tok-1: user1
feed:
  url: wss://vendor.example/stream
  mode: diagnostic
  tickers: [AAPL, MSFT]
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("PORT", "7070")
	t.Setenv("FEED_TICKERS", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "environment wins over the file")
	assert.Equal(t, "postgres://file", cfg.DatabaseURL)
	assert.Equal(t, "diagnostic", cfg.Feed.Mode)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Feed.Tickers)
	assert.Equal(t, "user1", cfg.AuthTokens["tok-1"])
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
}

func TestLoad_TickerListFromEnv(t *testing.T) {
	t.Setenv("FEED_TICKERS", " aapl, msft ,,brk.b ")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "BRK.B"}, cfg.Feed.Tickers)
}
