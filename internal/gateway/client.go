package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papervest/trading-engine/internal/model"
)

// ErrAuthRejected means the server closed with CloseAuthRejected. The
// client must not reconnect with the same token.
var ErrAuthRejected = errors.New("gateway: auth rejected by server")

// DefaultRetryDelay is the fixed client-side reconnect delay.
const DefaultRetryDelay = 3 * time.Second

// Client is a reconnecting gateway consumer: it authenticates in-band,
// subscribes to its tickers, and delivers price events to OnQuote. On any
// disconnect it retries after a fixed delay — except an auth-rejected
// close, which terminates the run.
type Client struct {
	URL        string
	Token      string
	Tickers    []string
	OnQuote    func(model.Quote)
	RetryDelay time.Duration
}

// Run consumes events until ctx is cancelled or auth is rejected.
func (c *Client) Run(ctx context.Context) error {
	delay := c.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	for {
		err := c.connectOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrAuthRejected):
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientMessage{Action: "auth", Token: c.Token}); err != nil {
		return err
	}
	if len(c.Tickers) > 0 {
		if err := conn.WriteJSON(clientMessage{Action: "subscribe", Tickers: c.Tickers}); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var q model.Quote
		if err := conn.ReadJSON(&q); err != nil {
			if websocket.IsCloseError(err, CloseAuthRejected) {
				return ErrAuthRejected
			}
			return err
		}
		if c.OnQuote != nil {
			c.OnQuote(q)
		}
	}
}
