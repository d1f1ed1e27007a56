package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/papervest/trading-engine/internal/bus"
	"github.com/papervest/trading-engine/internal/metrics"
	"github.com/papervest/trading-engine/internal/model"
)

const (
	// throttleInterval is the minimum spacing between emitted events for one
	// ticker. Ticks arriving faster are dropped.
	throttleInterval = 200 * time.Millisecond

	// maxQuoteAge bounds how stale a cached quote may be and still price an
	// order.
	maxQuoteAge = 30 * time.Second

	initialBackoff   = 5 * time.Second
	maxBackoff       = 60 * time.Second
	connLimitBackoff = 30 * time.Second

	dialTimeout = 15 * time.Second
)

// nextBackoff doubles the reconnect delay up to the cap.
func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// Ingest owns the single upstream feed connection. It authenticates,
// manages a dynamic subscription set, normalizes and throttles ticks onto
// the bus, and reconnects with backoff. An Ingest is an explicit resource
// with a Start/Stop lifecycle so tests can run independent instances.
type Ingest struct {
	feed Feed
	bus  bus.Bus

	mu      sync.Mutex
	mode    string
	conn    FeedConn // nil while disconnected
	tickers map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}

	throttleMu sync.Mutex
	limiters   map[string]*rate.Limiter

	quoteMu sync.RWMutex
	quotes  map[string]model.Quote
}

// NewIngest creates an ingest over the given feed, publishing to b.
func NewIngest(feed Feed, b bus.Bus) *Ingest {
	return &Ingest{
		feed:     feed,
		bus:      b,
		mode:     ModeLive,
		tickers:  make(map[string]struct{}),
		limiters: make(map[string]*rate.Limiter),
		quotes:   make(map[string]model.Quote),
	}
}

// Start (re)establishes the upstream connection and subscribes to tickers.
// Idempotent: a live connection is torn down first. Only one connection
// attempt is ever in flight — the single run goroutine is the only dialer.
func (i *Ingest) Start(ctx context.Context, tickers []string) error {
	i.stop()

	i.mu.Lock()
	i.tickers = make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		i.tickers[t] = struct{}{}
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	i.cancel = cancel
	i.done = done
	mode := i.mode
	i.mu.Unlock()

	go i.run(runCtx, mode, done)
	return nil
}

// Stop tears down the connection and cancels any pending reconnect timer.
func (i *Ingest) Stop() {
	i.stop()
}

func (i *Ingest) stop() {
	i.mu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// SetMode switches between feed modes (live vs diagnostic). While connected,
// a mode change is a full restart using the currently active ticker set.
func (i *Ingest) SetMode(ctx context.Context, mode string) error {
	i.mu.Lock()
	if i.mode == mode {
		i.mu.Unlock()
		return nil
	}
	i.mode = mode
	running := i.cancel != nil
	tickers := make([]string, 0, len(i.tickers))
	for t := range i.tickers {
		tickers = append(tickers, t)
	}
	i.mu.Unlock()

	if !running {
		return nil
	}
	return i.Start(ctx, tickers)
}

// AddTicker joins a ticker to the live subscription without reconnecting.
func (i *Ingest) AddTicker(ticker string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.tickers[ticker]; ok {
		return nil
	}
	i.tickers[ticker] = struct{}{}
	if i.conn != nil {
		return i.conn.Subscribe(ticker)
	}
	return nil
}

// RemoveTicker drops a ticker from the live subscription.
func (i *Ingest) RemoveTicker(ticker string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.tickers[ticker]; !ok {
		return nil
	}
	delete(i.tickers, ticker)

	i.throttleMu.Lock()
	delete(i.limiters, ticker)
	i.throttleMu.Unlock()

	i.quoteMu.Lock()
	delete(i.quotes, ticker)
	i.quoteMu.Unlock()

	if i.conn != nil {
		return i.conn.Unsubscribe(ticker)
	}
	return nil
}

// GetQuote serves the last normalized quote for a ticker. Implements
// QuoteSource for single-process deployments where the engine and the
// ingest share a binary.
func (i *Ingest) GetQuote(_ context.Context, ticker string) (*model.Quote, error) {
	i.quoteMu.RLock()
	q, ok := i.quotes[ticker]
	i.quoteMu.RUnlock()

	if !ok {
		return nil, ErrQuoteUnavailable
	}
	if time.Since(q.Timestamp) > maxQuoteAge {
		return nil, ErrQuoteUnavailable
	}
	return &q, nil
}

func (i *Ingest) run(ctx context.Context, mode string, done chan struct{}) {
	defer close(done)

	backoff := initialBackoff
	for {
		connected, err := i.connectAndStream(ctx, mode)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = initialBackoff
		}

		delay := backoff
		if errors.Is(err, ErrConnectionLimit) {
			// Give the stale peer connection time to die upstream.
			delay = connLimitBackoff
		} else {
			backoff = nextBackoff(backoff)
		}
		slog.Warn("feed disconnected, reconnecting", "err", err, "delay", delay)
		metrics.FeedReconnects.Inc()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectAndStream dials once and pumps ticks until the connection dies.
// The first return value reports whether a session was established at all.
func (i *Ingest) connectAndStream(ctx context.Context, mode string) (bool, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, err := i.feed.Dial(dialCtx, mode)
	cancelDial()
	if err != nil {
		return false, err
	}

	i.mu.Lock()
	tickers := make([]string, 0, len(i.tickers))
	for t := range i.tickers {
		tickers = append(tickers, t)
	}
	i.conn = conn
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		if i.conn == conn {
			i.conn = nil
		}
		i.mu.Unlock()
		conn.Close()
	}()

	if err := conn.Subscribe(tickers...); err != nil {
		return false, err
	}
	slog.Info("feed connected", "mode", mode, "tickers", len(tickers))

	// Unblock ReadTick when the ingest is stopped.
	streamDone := make(chan struct{})
	defer close(streamDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-streamDone:
		}
	}()

	for {
		tick, err := conn.ReadTick()
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				slog.Warn("dropping malformed feed frame", "err", fe.Err)
				metrics.FeedFramesDropped.Inc()
				continue
			}
			return true, err
		}
		i.handleTick(ctx, tick)
	}
}

func (i *Ingest) handleTick(ctx context.Context, tick *RawTick) {
	if !i.limiter(tick.Ticker).Allow() {
		metrics.TicksThrottled.Inc()
		return
	}

	q := Normalize(tick.Ticker, tick.Bid, tick.Ask, tick.At)

	i.quoteMu.Lock()
	i.quotes[q.Ticker] = q
	i.quoteMu.Unlock()

	if err := i.bus.Publish(ctx, q); err != nil {
		slog.Warn("publish price event failed", "ticker", q.Ticker, "err", err)
		return
	}
	metrics.TicksPublished.Inc()
}

func (i *Ingest) limiter(ticker string) *rate.Limiter {
	i.throttleMu.Lock()
	defer i.throttleMu.Unlock()

	lim, ok := i.limiters[ticker]
	if !ok {
		lim = rate.NewLimiter(rate.Every(throttleInterval), 1)
		i.limiters[ticker] = lim
	}
	return lim
}
