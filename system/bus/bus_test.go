package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-os/hearth/pkg/logger"
	"github.com/hearth-os/hearth/system/store/memstore"
)

func testLogger() *logger.Logger { return logger.NewDefault("test") }

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := New(testLogger())
	done := make(chan Event, 1)
	b.Subscribe("sub1", "household.request", PriorityNormal, func(ctx context.Context, ev Event) error {
		done <- ev
		return nil
	})

	err := b.Publish(context.Background(), Event{Topic: "household.request", Priority: PriorityNormal, Source: "test"})
	require.NoError(t, err)

	select {
	case ev := <-done:
		assert.Equal(t, "household.request", ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestPublish_FanOutToMultipleSubscribers(t *testing.T) {
	b := New(testLogger())
	var mu sync.Mutex
	count := 0
	handler := func(ctx context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}
	b.Subscribe("a", "x", PriorityNormal, handler)
	b.Subscribe("b", "x", PriorityNormal, handler)

	require.NoError(t, b.Publish(context.Background(), Event{Topic: "x"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliver_RetriesThenDeadLetters(t *testing.T) {
	st := memstore.New()
	b := New(testLogger(), WithStore(st))

	var calls int32
	var mu sync.Mutex
	b.Subscribe("flaky", "y", PriorityNormal, func(ctx context.Context, ev Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("boom")
	})

	require.NoError(t, b.Publish(context.Background(), Event{Topic: "y"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == maxRetries+1
	}, 5*time.Second, 10*time.Millisecond)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.DeadLettered)
}

func TestEnqueue_LowPriorityDropsOldest(t *testing.T) {
	b := New(testLogger(), WithQueueSize(1))
	block := make(chan struct{})
	b.Subscribe("slow", "z", PriorityLow, func(ctx context.Context, ev Event) error {
		<-block
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Topic: "z", Priority: PriorityLow, ID: "first"}))
	time.Sleep(20 * time.Millisecond) // let the first event be picked up by drain, freeing the queue slot isn't guaranteed; just exercise overflow path
	require.NoError(t, b.Publish(context.Background(), Event{Topic: "z", Priority: PriorityLow, ID: "second"}))
	require.NoError(t, b.Publish(context.Background(), Event{Topic: "z", Priority: PriorityLow, ID: "third"}))

	close(block)
	stats := b.Stats()
	assert.GreaterOrEqual(t, stats.Published, int64(3))
	assert.GreaterOrEqual(t, stats.Dropped, int64(1))
}

func TestQueueDepth_UnknownSubscriberReturnsNegativeOne(t *testing.T) {
	b := New(testLogger())
	assert.Equal(t, -1, b.QueueDepth("nope", "nope"))
}

func TestShutdown_StopsDrainGoroutines(t *testing.T) {
	b := New(testLogger())
	b.Subscribe("s", "t", PriorityNormal, func(ctx context.Context, ev Event) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
}

func TestUnsubscribe_StopsDeliveryAndDrain(t *testing.T) {
	b := New(testLogger())
	var mu sync.Mutex
	delivered := 0
	b.Subscribe("ephemeral", "t", PriorityNormal, func(ctx context.Context, ev Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), Event{Topic: "t", Priority: PriorityNormal}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Unsubscribe("ephemeral")
	require.NoError(t, b.Publish(context.Background(), Event{Topic: "t", Priority: PriorityNormal}))

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
}

func TestDefaultWeights_MatchesRatio(t *testing.T) {
	w := DefaultWeights()
	assert.Equal(t, 8, w[PriorityCritical])
	assert.Equal(t, 4, w[PriorityHigh])
	assert.Equal(t, 2, w[PriorityNormal])
	assert.Equal(t, 1, w[PriorityLow])
}

// TestDrain_WeightedRoundRobinHonorsRatio floods one subscriber's inbox with
// an equal backlog of critical and low events, blocks the handler until the
// whole backlog is queued, then lets it drain and counts how many critical
// events were processed before the first low one. With an 8:1 ratio the
// first low event should land only after multiple critical events, never
// before the first one (never starved indefinitely, never drained first).
func TestDrain_WeightedRoundRobinHonorsRatio(t *testing.T) {
	b := New(testLogger(), WithQueueSize(64))

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []Priority
	first := make(chan struct{})
	var once sync.Once

	b.Subscribe("wrr", "mixed", PriorityNormal, func(ctx context.Context, ev Event) error {
		<-gate
		mu.Lock()
		order = append(order, ev.Priority)
		mu.Unlock()
		once.Do(func() { close(first) })
		return nil
	})

	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{Topic: "mixed", Priority: PriorityCritical, ID: fmt.Sprintf("c%d", i)}))
	}
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), Event{Topic: "mixed", Priority: PriorityLow, ID: fmt.Sprintf("l%d", i)}))
	}
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2*n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	firstLow := -1
	criticalBeforeFirstLow := 0
	for i, p := range order {
		if p == PriorityLow {
			firstLow = i
			break
		}
		if p == PriorityCritical {
			criticalBeforeFirstLow++
		}
	}
	require.NotEqual(t, -1, firstLow, "expected at least one low event to drain")
	require.NotEqual(t, 0, firstLow, "low priority event should never drain before any critical event is available")
	assert.Greater(t, criticalBeforeFirstLow, 1, "8:1 ratio should drain several critical events before the first low one")
}
