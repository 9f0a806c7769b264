// ABOUTME: Tests for the bot event broadcaster
// ABOUTME: Covers tenant and wildcard topics, slow consumers, cancellation, close and concurrency

package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/botfleet/internal/store"
)

func makeEvent(botID, tenant string) Event {
	return Event{
		Type:   EventStatus,
		BotID:  botID,
		Tenant: tenant,
		Status: store.StatusOnline,
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_TenantSubscriberReceivesEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "server-1")
	b.Publish(makeEvent("bot-1", "server-1"))

	ev := receive(t, ch)
	assert.Equal(t, "bot-1", ev.BotID)
	assert.False(t, ev.At.IsZero(), "Publish should stamp the event")
}

func TestBroadcaster_WildcardReceivesEveryTenant(t *testing.T) {
	b := New(nil)
	defer b.Close()

	all, _ := b.Subscribe(t.Context(), AllTenants)
	b.Publish(makeEvent("bot-1", "server-1"))
	b.Publish(makeEvent("bot-2", "server-2"))

	assert.Equal(t, "bot-1", receive(t, all).BotID)
	assert.Equal(t, "bot-2", receive(t, all).BotID)
}

func TestBroadcaster_TenantsAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "server-1")
	ch2, _ := b.Subscribe(t.Context(), "server-2")

	b.Publish(makeEvent("bot-1", "server-1"))
	assert.Equal(t, "bot-1", receive(t, ch1).BotID)

	select {
	case <-ch2:
		t.Fatal("subscriber for server-2 should not receive events for server-1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, _ = b.Subscribe(t.Context(), "server-1")
	fast, _ := b.Subscribe(t.Context(), "server-1")

	done := make(chan struct{})
	go func() {
		for range 3 * subscriberBufferSize {
			b.Publish(makeEvent("bot-1", "server-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Equal(t, "bot-1", receive(t, fast).BotID)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "server-1")
	assert.Equal(t, 1, b.SubscriberCount("server-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("server-1"))
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "server-1")
	b.Unsubscribe("server-1", subID)
	b.Unsubscribe("server-1", subID)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Publishing should not panic
	b.Publish(makeEvent("bot-1", "server-1"))
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := New(nil)

	ch1, _ := b.Subscribe(t.Context(), "server-1")
	ch2, _ := b.Subscribe(t.Context(), AllTenants)
	b.Close()

	for i, ch := range []<-chan Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	// Subscribing after close yields a closed channel; publishing is a no-op.
	ch3, _ := b.Subscribe(t.Context(), "server-1")
	_, ok := <-ch3
	assert.False(t, ok)
	b.Publish(makeEvent("bot-1", "server-1"))
}

func TestBroadcaster_ConcurrentPublishSubscribeClose(t *testing.T) {
	b := New(nil)

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			ch, _ := b.Subscribe(ctx, AllTenants)
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 10 {
				b.Publish(makeEvent("bot-1", "server-1"))
			}
		})
	}
	wg.Go(func() {
		time.Sleep(20 * time.Millisecond)
		b.Close()
	})

	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, id1 := b.Subscribe(t.Context(), "server-1")
	_, id2 := b.Subscribe(t.Context(), "server-1")
	require.NotEqual(t, id1, id2)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Publish(makeEvent("bot-1", "server-1")) })
}
