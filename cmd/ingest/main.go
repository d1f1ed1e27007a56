package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/papervest/trading-engine/internal/bus"
	"github.com/papervest/trading-engine/internal/config"
	"github.com/papervest/trading-engine/internal/marketdata"
)

// The ingest process owns the single upstream feed connection and publishes
// normalized price events onto the Redis distribution bus, where gateway
// processes pick them up.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if cfg.RedisURL == "" {
		slog.Error("REDIS_URL is required: the ingest publishes to the Redis bus")
		os.Exit(1)
	}
	if cfg.Feed.URL == "" {
		slog.Error("FEED_URL is required")
		os.Exit(1)
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := marketdata.NewWSFeed(cfg.Feed.URL, cfg.Feed.APIKey)
	ing := marketdata.NewIngest(feed, bus.NewRedisBus(rdb))
	if err := ing.SetMode(ctx, cfg.Feed.Mode); err != nil {
		slog.Error("set feed mode", "err", err)
		os.Exit(1)
	}
	if err := ing.Start(ctx, cfg.Feed.Tickers); err != nil {
		slog.Error("start ingest", "err", err)
		os.Exit(1)
	}
	slog.Info("market data ingest running",
		"mode", cfg.Feed.Mode,
		"tickers", len(cfg.Feed.Tickers),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down ingest...")
	ing.Stop()
}
