package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Feed modes. Diagnostic serves synthetic ticks for integration checks;
// switching modes is a full restart of the ingest connection.
const (
	ModeLive       = "live"
	ModeDiagnostic = "diagnostic"
)

// ErrConnectionLimit is the upstream "connection limit exceeded" signal.
// The ingest reacts with an immediate disconnect and a long flat backoff so
// that a stale peer connection can die before the next attempt.
var ErrConnectionLimit = errors.New("marketdata: upstream connection limit exceeded")

// FrameError marks a malformed upstream frame. Non-fatal: the frame is
// logged and dropped, the connection stays up.
type FrameError struct {
	Raw []byte
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("marketdata: malformed frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// RawTick is one upstream bid/ask tick before normalization.
type RawTick struct {
	Ticker string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	At     time.Time
}

// Feed dials upstream quote stream connections.
type Feed interface {
	Dial(ctx context.Context, mode string) (FeedConn, error)
}

// FeedConn is one live upstream connection with a mutable subscription set.
type FeedConn interface {
	Subscribe(tickers ...string) error
	Unsubscribe(tickers ...string) error

	// ReadTick blocks until the next tick. A *FrameError return means one
	// bad frame was skipped-worthy; any other error means the connection
	// is dead.
	ReadTick() (*RawTick, error)

	Close() error
}

// WSFeed connects to the vendor's streaming WebSocket endpoint.
type WSFeed struct {
	URL    string
	APIKey string
}

// NewWSFeed creates a vendor feed dialer.
func NewWSFeed(rawURL, apiKey string) *WSFeed {
	return &WSFeed{URL: rawURL, APIKey: apiKey}
}

// wsControl is the client → vendor control message envelope.
type wsControl struct {
	Action  string   `json:"action"`
	Key     string   `json:"key,omitempty"`
	Tickers []string `json:"tickers,omitempty"`
}

// wsFrame is the vendor → client message envelope.
type wsFrame struct {
	Type      string          `json:"type"` // "tick", "ack", "error"
	Code      string          `json:"code,omitempty"`
	Ticker    string          `json:"ticker,omitempty"`
	Bid       decimal.Decimal `json:"bid,omitempty"`
	Ask       decimal.Decimal `json:"ask,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

func (f *WSFeed) Dial(ctx context.Context, mode string) (FeedConn, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("mode", mode)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w", err)
	}

	// Authenticate in-band before anything else.
	if err := conn.WriteJSON(wsControl{Action: "auth", Key: f.APIKey}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed auth: %w", err)
	}

	var ack wsFrame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("feed auth ack: %w", err)
	}
	if ack.Type == "error" {
		conn.Close()
		if ack.Code == "connection_limit" {
			return nil, ErrConnectionLimit
		}
		return nil, fmt.Errorf("feed rejected auth: %s", ack.Code)
	}

	return &wsFeedConn{conn: conn}, nil
}

type wsFeedConn struct {
	conn *websocket.Conn
}

func (c *wsFeedConn) Subscribe(tickers ...string) error {
	if len(tickers) == 0 {
		return nil
	}
	return c.conn.WriteJSON(wsControl{Action: "subscribe", Tickers: tickers})
}

func (c *wsFeedConn) Unsubscribe(tickers ...string) error {
	if len(tickers) == 0 {
		return nil
	}
	return c.conn.WriteJSON(wsControl{Action: "unsubscribe", Tickers: tickers})
}

func (c *wsFeedConn) ReadTick() (*RawTick, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, &FrameError{Raw: data, Err: err}
		}

		switch frame.Type {
		case "tick":
			if frame.Ticker == "" || !frame.Bid.IsPositive() || frame.Ask.LessThan(frame.Bid) {
				return nil, &FrameError{Raw: data, Err: fmt.Errorf("bad tick fields")}
			}
			ts := frame.Timestamp
			if ts.IsZero() {
				ts = time.Now().UTC()
			}
			return &RawTick{Ticker: frame.Ticker, Bid: frame.Bid, Ask: frame.Ask, At: ts}, nil
		case "error":
			if frame.Code == "connection_limit" {
				return nil, ErrConnectionLimit
			}
			return nil, fmt.Errorf("feed error frame: %s", frame.Code)
		default:
			// Acks and heartbeats carry no tick.
		}
	}
}

func (c *wsFeedConn) Close() error { return c.conn.Close() }
