package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papervest/trading-engine/internal/bus"
	"github.com/papervest/trading-engine/internal/model"
)

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

func TestMemoryBus_FanOut(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	ch1, cancel1, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, b.Publish(ctx, quote("AAPL", 100)))

	for i, ch := range []<-chan model.Quote{ch1, ch2} {
		select {
		case q := <-ch:
			assert.Equal(t, "AAPL", q.Ticker, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestMemoryBus_LateSubscriberMissesEarlierEvents(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, quote("AAPL", 100)))

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	select {
	case q := <-ch:
		t.Fatalf("no replay for late subscribers, got %s", q.Ticker)
	default:
	}
}

func TestMemoryBus_CancelStopsDelivery(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, b.Publish(ctx, quote("AAPL", 100)))

	_, open := <-ch
	assert.False(t, open, "cancelled subscription channel must be closed")
}

func TestMemoryBus_SlowSubscriberDropsNotBlocks(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer cancel()

	// Overfill the subscriber buffer without draining it. Publish must
	// return promptly every time.
	for i := 0; i < 300; i++ {
		done := make(chan struct{})
		go func() {
			b.Publish(ctx, quote("AAPL", float64(i)))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a slow subscriber")
		}
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Less(t, received, 300, "overflow events must be dropped")
			assert.Greater(t, received, 0)
			return
		}
	}
}
