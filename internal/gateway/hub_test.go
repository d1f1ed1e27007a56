package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papervest/trading-engine/internal/gateway"
	"github.com/papervest/trading-engine/internal/model"
)

// probeMid marks synchronization probes so tests can tell them apart from
// the quotes under assertion.
const probeMid = -1

func quote(ticker string, mid float64) model.Quote {
	m := decimal.NewFromFloat(mid)
	return model.Quote{
		Ticker:    ticker,
		Bid:       m.Sub(decimal.NewFromInt(1)),
		Ask:       m.Add(decimal.NewFromInt(1)),
		Mid:       m,
		Timestamp: time.Now().UTC(),
	}
}

// newTestHub starts a hub with a single valid token and returns the ws URL
// and the event channel feeding the hub.
func newTestHub(t *testing.T) (string, chan model.Quote) {
	t.Helper()

	auth := gateway.TokenValidatorFunc(func(token string) (string, error) {
		if token == "good-token" {
			return "user1", nil
		}
		return "", gateway.ErrInvalidToken
	})
	hub := gateway.NewHub(auth)

	events := make(chan model.Quote, 16)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx, events)

	wsSrv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(wsSrv.Close)
	return "ws" + strings.TrimPrefix(wsSrv.URL, "http"), events
}

// wsClient wraps a connection with a single reader goroutine, since a
// websocket permits only one concurrent reader.
type wsClient struct {
	conn   *websocket.Conn
	frames chan model.Quote
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{conn: conn, frames: make(chan model.Quote, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var q model.Quote
			if json.Unmarshal(data, &q) == nil {
				c.frames <- q
			}
		}
	}()
	return c
}

func (c *wsClient) send(t *testing.T, msg map[string]any) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(msg))
}

// next returns the next non-probe frame, or false on timeout.
func (c *wsClient) next(t *testing.T, timeout time.Duration) (model.Quote, bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case q, ok := <-c.frames:
			if !ok {
				return model.Quote{}, false
			}
			if q.Mid.Equal(decimal.NewFromInt(probeMid)) {
				continue
			}
			return q, true
		case <-deadline:
			return model.Quote{}, false
		}
	}
}

// authAndSubscribe completes the handshake and waits until delivery for the
// ticker is observably active.
func (c *wsClient) authAndSubscribe(t *testing.T, events chan model.Quote, tickers ...string) {
	t.Helper()
	c.send(t, map[string]any{"action": "auth", "token": "good-token"})
	c.send(t, map[string]any{"action": "subscribe", "tickers": tickers})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events <- quote(tickers[0], probeMid)
		select {
		case <-c.frames:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("subscription never became active")
}

func TestHub_AuthThenSubscribeDeliversQuotes(t *testing.T) {
	url, events := newTestHub(t)
	c := dial(t, url)
	c.authAndSubscribe(t, events, "AAPL")

	events <- quote("AAPL", 100)
	q, ok := c.next(t, time.Second)
	require.True(t, ok, "expected a quote frame")
	assert.Equal(t, "AAPL", q.Ticker)
	assert.True(t, q.Mid.Equal(decimal.NewFromInt(100)))
}

func TestHub_FiltersUninterestedTickers(t *testing.T) {
	url, events := newTestHub(t)
	c := dial(t, url)
	c.authAndSubscribe(t, events, "AAPL")

	// Per-connection delivery is FIFO, so if MSFT leaked through it would
	// arrive before the AAPL marker.
	events <- quote("MSFT", 300)
	events <- quote("AAPL", 42)

	q, ok := c.next(t, time.Second)
	require.True(t, ok)
	assert.Equal(t, "AAPL", q.Ticker)
	assert.True(t, q.Mid.Equal(decimal.NewFromInt(42)))
}

func TestHub_BroadcastReachesEveryInterestedClient(t *testing.T) {
	url, events := newTestHub(t)
	c1 := dial(t, url)
	c1.authAndSubscribe(t, events, "AAPL")
	c2 := dial(t, url)
	c2.authAndSubscribe(t, events, "AAPL")

	events <- quote("AAPL", 100)

	for i, c := range []*wsClient{c1, c2} {
		q, ok := c.next(t, time.Second)
		require.True(t, ok, "client %d never received the event", i)
		assert.Equal(t, "AAPL", q.Ticker)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	url, events := newTestHub(t)
	c := dial(t, url)
	c.authAndSubscribe(t, events, "AAPL", "MSFT")

	c.send(t, map[string]any{"action": "unsubscribe", "tickers": []string{"AAPL"}})

	// The unsubscribe races the next publish, so probe until AAPL stops
	// arriving, then confirm MSFT still flows.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events <- quote("AAPL", probeMid)
		select {
		case <-c.frames:
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}

	events <- quote("MSFT", 300)
	q, ok := c.next(t, time.Second)
	require.True(t, ok)
	assert.Equal(t, "MSFT", q.Ticker)
}

func TestHub_RejectsBadTokenWithCloseCode(t *testing.T) {
	url, _ := newTestHub(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "auth", "token": "bad-token"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, gateway.CloseAuthRejected),
		"expected close code %d, got %v", gateway.CloseAuthRejected, err)
}

func TestHub_RejectsNonAuthFirstMessage(t *testing.T) {
	url, _ := newTestHub(t)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "tickers": []string{"AAPL"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, gateway.CloseAuthRejected))
}
