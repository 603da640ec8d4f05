package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingTransport struct{ closed bool }

func (f *failingTransport) Name() string                      { return "failing" }
func (f *failingTransport) Send(context.Context, Event) error { return errors.New("down") }
func (f *failingTransport) Close() error {
	f.closed = true
	return errors.New("close failed")
}

func TestBusFansOutDespiteFailingTransport(t *testing.T) {
	rec := NewRecorder()
	failing := &failingTransport{}
	bus := NewBus(WithTransports(failing, rec))

	bus.Publish(context.Background(), MarketCreated, Payload{"market_id": "m1", "pool": decimal.NewFromInt(3)})

	got := rec.Named(MarketCreated)
	require.Len(t, got, 1)
	assert.Equal(t, bus.ID(), got[0].Source)
	assert.Equal(t, "m1", got[0].String("market_id"))
	assert.Equal(t, "3", got[0].String("pool"))
	assert.Equal(t, "", got[0].String("missing"))

	err := bus.Close()
	assert.Error(t, err)
	assert.True(t, failing.closed)
}

func TestBusLocalSubscriber(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = bus.Subscribe(ctx, func(_ context.Context, e Event) {
			received <- e
		})
	}()

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 1
	}, time.Second, 5*time.Millisecond)

	bus.Publish(ctx, MarketChallenged, Payload{"market_id": "m9"})
	select {
	case e := <-received:
		assert.Equal(t, MarketChallenged, e.Name)
		assert.Equal(t, "m9", e.String("market_id"))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	require.NoError(t, bus.Close())
	wg.Wait()

	// 关闭后发布不应 panic。
	bus.Publish(ctx, MarketChallenged, nil)
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), EngineTickFailed, nil)
	assert.NoError(t, bus.Close())
}

// 需要本地 Redis，不可用时跳过。
func TestRedisTransportRoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Skipping Redis integration test: redis not available")
	}
	transport := NewRedisTransportWithClient(client, "agentmarket:test:events")
	defer transport.Close()

	received := make(chan Event, 1)
	go func() {
		_ = transport.Subscribe(ctx, func(_ context.Context, e Event) {
			select {
			case received <- e:
			default:
			}
		})
	}()

	bus := NewBus(WithTransports(NewRecorder()))
	deadline := time.After(3 * time.Second)
	for {
		require.NoError(t, transport.Send(ctx, Event{ID: "e1", Name: MarketChallenged, Source: bus.ID()}))
		select {
		case e := <-received:
			assert.Equal(t, MarketChallenged, e.Name)
			assert.Equal(t, bus.ID(), e.Source)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received from redis")
		}
	}
}
