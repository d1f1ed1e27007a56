package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/papervest/trading-engine/internal/allocation"
	"github.com/papervest/trading-engine/internal/bus"
	"github.com/papervest/trading-engine/internal/config"
	"github.com/papervest/trading-engine/internal/gateway"
	"github.com/papervest/trading-engine/internal/marketdata"
	"github.com/papervest/trading-engine/internal/metrics"
	"github.com/papervest/trading-engine/internal/store"
	"github.com/papervest/trading-engine/internal/strategy"
	"github.com/papervest/trading-engine/internal/trade"
	"github.com/shopspring/decimal"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Distribution bus ---
	// With Redis configured the gateway consumes events published by the
	// separate ingest process; without it, a single-binary setup runs the
	// ingest inline on an in-process bus.
	var priceBus bus.Bus
	var inlineIngest *marketdata.Ingest

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		priceBus = bus.NewRedisBus(rdb)
		slog.Info("using Redis distribution bus")
	} else {
		mb := bus.NewMemoryBus()
		priceBus = mb
		if cfg.Feed.URL != "" {
			feed := marketdata.NewWSFeed(cfg.Feed.URL, cfg.Feed.APIKey)
			inlineIngest = marketdata.NewIngest(feed, mb)
			if err := inlineIngest.SetMode(rootCtx, cfg.Feed.Mode); err != nil {
				slog.Error("set feed mode", "err", err)
				os.Exit(1)
			}
			if err := inlineIngest.Start(rootCtx, cfg.Feed.Tickers); err != nil {
				slog.Error("start inline ingest", "err", err)
				os.Exit(1)
			}
			defer inlineIngest.Stop()
			slog.Warn("REDIS_URL not set, running feed ingest inline")
		}
	}

	// --- Quote source ---
	var quotes marketdata.QuoteSource
	switch {
	case cfg.Feed.RESTURL != "":
		quotes = marketdata.NewHTTPQuoteSource(cfg.Feed.RESTURL, cfg.Feed.APIKey)
	case inlineIngest != nil:
		quotes = inlineIngest
	default:
		slog.Error("no quote source: set FEED_REST_URL or run without Redis with FEED_URL")
		os.Exit(1)
	}

	// --- Client gateway ---
	tokens := cfg.AuthTokens
	hub := gateway.NewHub(gateway.TokenValidatorFunc(func(token string) (string, error) {
		userID, ok := tokens[token]
		if !ok {
			return "", gateway.ErrInvalidToken
		}
		return userID, nil
	}))

	events, cancelSub, err := priceBus.Subscribe(rootCtx)
	if err != nil {
		slog.Error("bus subscribe failed", "err", err)
		os.Exit(1)
	}
	defer cancelSub()
	go hub.Run(rootCtx, events)

	// --- Engine, guard, strategies ---
	tradeSvc := trade.NewService(st, quotes, nil)
	guard := allocation.NewGuard(st)

	registry := strategy.NewRegistry()
	registry.Register(&strategy.DipBuy{
		Watchlist:     cfg.Feed.Tickers,
		Threshold:     decimal.NewFromFloat(0.05),
		SpendFraction: decimal.NewFromFloat(0.25),
	})
	registry.Register(&strategy.Rebalance{MaxWeight: decimal.NewFromFloat(0.3)})
	runner := strategy.NewRunner(tradeSvc, st, quotes, registry)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price updates.
		r.Get("/ws", hub.HandleWS)

		// Trade execution and portfolio queries.
		r.Post("/trade", tradeSvc.ExecuteTrade)
		r.Get("/portfolio/{userID}", tradeSvc.GetPortfolioHandler)
		r.Get("/trades/{userID}", tradeSvc.ListTradesHandler)
		r.Get("/daytrades/{userID}", tradeSvc.DayTradeCountHandler)

		// Automated trader allocations.
		r.Post("/allocations", guard.RequestHandler)
		r.Delete("/allocations/{segmentID}", guard.ReleaseHandler)
		r.Post("/allocations/{segmentID}/pause", guard.PauseHandler)
		r.Post("/allocations/{segmentID}/run", runner.RunHandler)

		// Corporate actions, driven by external schedulers.
		r.Post("/admin/dividend", tradeSvc.ApplyDividendHandler)
		r.Post("/admin/split", tradeSvc.ApplySplitHandler)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("trading-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down trading-engine...")
	rootCancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
