package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatengine/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default(), 0)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), ConversationID: "c1"}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStateChanged, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventStateChanged {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	bus.Publish(context.Background(), newEvent(domain.EventStreamDelta))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallStarted))
	bus.Close()
	assert.Equal(t, int32(2), got.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventStateChanged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsub() // second call is a no-op

	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	bus.Close()
	assert.Equal(t, int32(0), got.Load())
}

func TestDeliveryIsOrderedPerSubscriber(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, string(e.Payload))
		mu.Unlock()
	})

	want := []string{`"a"`, `"b"`, `"c"`, `"d"`}
	for _, p := range want {
		ev := newEvent(domain.EventStreamDelta)
		ev.Payload = []byte(p)
		bus.Publish(context.Background(), ev)
	}
	bus.Close()
	assert.Equal(t, want, seen)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStateChanged, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventStateChanged, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	bus.Close()
	assert.Equal(t, int32(2), got.Load())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	bus := New(slog.Default(), 1)

	release := make(chan struct{})
	bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, _ domain.Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(context.Background(), newEvent(domain.EventStreamDelta))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	bus.Close()
	assert.Positive(t, bus.Dropped())
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := newTestBus()

	errs := make(chan error, 1)
	bus.Subscribe(domain.EventStateChanged, func(ctx context.Context, _ domain.Event) {
		errs <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventStateChanged))
	cancel()
	bus.Close()
	require.Len(t, errs, 1)
	assert.NoError(t, <-errs)
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := newTestBus()
	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	unsub := bus.SubscribeAll(func(context.Context, domain.Event) {})
	unsub()
}

func TestCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := newTestBus()
	for range 5 {
		bus.SubscribeAll(func(context.Context, domain.Event) {})
	}
	bus.Publish(context.Background(), newEvent(domain.EventStateChanged))
	bus.Close()
}
