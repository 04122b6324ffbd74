package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"spotsim/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStartedBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

// recorder collects delivered events behind a mutex.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) handle(evt types.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) streams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stream
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishDeliver(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	rec := &recorder{}
	b.Subscribe("BTCUSDT@trade", types.PriorityNormal, rec.handle)

	b.Publish(types.Event{Stream: "BTCUSDT@trade", Priority: types.PriorityNormal, Payload: "p1"})
	drain(t, b)

	if rec.len() != 1 {
		t.Fatalf("delivered = %d events, want 1", rec.len())
	}
}

func TestPerStreamFIFO(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{QueueCapacity: 4096})

	rec := &recorder{}
	b.Subscribe("ETHUSDT@trade", types.PriorityNormal, rec.handle)

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(types.Event{
			Stream:   "ETHUSDT@trade",
			Priority: types.PriorityNormal,
			Payload:  i,
		})
	}
	drain(t, b)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != n {
		t.Fatalf("delivered = %d, want %d", len(rec.events), n)
	}
	for i, e := range rec.events {
		if e.Payload.(int) != i {
			t.Fatalf("event %d has payload %v, out of order", i, e.Payload)
		}
	}
}

func TestScopeOrderAcrossStreams(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	rec := &recorder{}
	b.Subscribe("u1@account", types.PriorityHigh, rec.handle)
	b.Subscribe("u1@order", types.PriorityHigh, rec.handle)

	// Same scope, same class: the account update published first must be
	// visible before the order update that follows it.
	for i := 0; i < 50; i++ {
		b.Publish(types.Event{Stream: "u1@account", Priority: types.PriorityHigh, Payload: i})
		b.Publish(types.Event{Stream: "u1@order", Priority: types.PriorityHigh, Payload: i})
	}
	drain(t, b)

	streams := rec.streams()
	if len(streams) != 100 {
		t.Fatalf("delivered = %d, want 100", len(streams))
	}
	for i := 0; i < 100; i += 2 {
		if streams[i] != "u1@account" || streams[i+1] != "u1@order" {
			t.Fatalf("pair %d = (%s, %s), want account before order", i/2, streams[i], streams[i+1])
		}
	}
}

func TestHandlerPriorityOrder(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	var mu sync.Mutex
	var order []string
	sub := func(name string, p types.EventPriority) {
		b.Subscribe("s@topic", p, func(types.Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
	}
	sub("low", types.PriorityLow)
	sub("critical", types.PriorityCritical)
	sub("normal", types.PriorityNormal)

	b.Publish(types.Event{Stream: "s@topic", Priority: types.PriorityNormal})
	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "normal", "low"}
	if len(order) != 3 {
		t.Fatalf("handlers run = %v, want 3", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handler order = %v, want %v", order, want)
		}
	}
}

func TestClassPrecedence(t *testing.T) {
	t.Parallel()
	// Queue before starting so the dispatcher sees all four classes at once.
	b := New(Config{}, testLogger())

	rec := &recorder{}
	b.Subscribe("s@a", types.PriorityLow, rec.handle)
	b.Subscribe("s@b", types.PriorityNormal, rec.handle)
	b.Subscribe("s@c", types.PriorityHigh, rec.handle)
	b.Subscribe("s@d", types.PriorityCritical, rec.handle)

	b.Publish(types.Event{Stream: "s@a", Priority: types.PriorityLow})
	b.Publish(types.Event{Stream: "s@b", Priority: types.PriorityNormal})
	b.Publish(types.Event{Stream: "s@c", Priority: types.PriorityHigh})
	b.Publish(types.Event{Stream: "s@d", Priority: types.PriorityCritical})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	drain(t, b)

	streams := rec.streams()
	want := []string{"s@d", "s@c", "s@b", "s@a"}
	if len(streams) != 4 {
		t.Fatalf("delivered = %v, want 4 events", streams)
	}
	for i := range want {
		if streams[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", streams, want)
		}
	}
}

func TestWildcardSubscription(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	rec := &recorder{}
	b.Subscribe(types.WildcardStream, types.PriorityNormal, rec.handle)

	b.Publish(types.Event{Stream: "a@trade", Priority: types.PriorityNormal})
	b.Publish(types.Event{Stream: "b@depth", Priority: types.PriorityLow})
	drain(t, b)

	if rec.len() != 2 {
		t.Errorf("wildcard received %d events, want 2", rec.len())
	}
}

func TestExactHandlersBeforeWildcard(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	var mu sync.Mutex
	var order []string
	b.Subscribe(types.WildcardStream, types.PriorityCritical, func(types.Event) {
		mu.Lock()
		order = append(order, "wildcard")
		mu.Unlock()
	})
	b.Subscribe("s@t", types.PriorityLow, func(types.Event) {
		mu.Lock()
		order = append(order, "exact")
		mu.Unlock()
	})

	b.Publish(types.Event{Stream: "s@t", Priority: types.PriorityNormal})
	drain(t, b)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "exact" || order[1] != "wildcard" {
		t.Errorf("order = %v, want exact before wildcard", order)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	rec := &recorder{}
	panicID := b.Subscribe("s@t", types.PriorityHigh, func(types.Event) {
		panic("boom")
	})
	b.Subscribe("s@t", types.PriorityNormal, rec.handle)

	b.Publish(types.Event{Stream: "s@t", Priority: types.PriorityNormal})
	drain(t, b)

	if rec.len() != 1 {
		t.Errorf("second handler ran %d times, want 1", rec.len())
	}
	stats, ok := b.SubscriptionStats(panicID)
	if !ok || stats.Errors != 1 {
		t.Errorf("panicking sub stats = %+v, want 1 error", stats)
	}
	if got := b.Stats().HandlerErrors; got != 1 {
		t.Errorf("bus handler errors = %d, want 1", got)
	}
}

func TestEvictionDropsOldestLowerClass(t *testing.T) {
	t.Parallel()
	b := New(Config{QueueCapacity: 2}, testLogger())

	rec := &recorder{}
	b.Subscribe("s@a", types.PriorityLow, rec.handle)
	b.Subscribe("s@b", types.PriorityCritical, rec.handle)

	b.Publish(types.Event{Stream: "s@a", Priority: types.PriorityLow, Payload: "old"})
	b.Publish(types.Event{Stream: "s@a", Priority: types.PriorityLow, Payload: "newer"})
	// Queue full: the critical publish evicts the oldest low event.
	b.Publish(types.Event{Stream: "s@b", Priority: types.PriorityCritical})

	if got := b.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	drain(t, b)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("delivered = %d, want 2", len(rec.events))
	}
	// Critical first, then the surviving low event.
	if rec.events[0].Stream != "s@b" || rec.events[1].Payload != "newer" {
		t.Errorf("survivors = %v, want critical then the newer low event", rec.events)
	}
}

func TestEvictionRefusesHigherClassVictim(t *testing.T) {
	t.Parallel()
	b := New(Config{QueueCapacity: 1}, testLogger())

	b.Publish(types.Event{Stream: "s@a", Priority: types.PriorityCritical})
	// Low incoming cannot displace a critical event; it is dropped.
	b.Publish(types.Event{Stream: "s@b", Priority: types.PriorityLow})

	stats := b.Stats()
	if stats.Dropped != 1 || stats.QueueDepth != 1 {
		t.Errorf("stats = %+v, want 1 dropped and depth 1", stats)
	}
}

func TestDropNewestPolicy(t *testing.T) {
	t.Parallel()
	b := New(Config{QueueCapacity: 1, DropNewest: true}, testLogger())

	b.Publish(types.Event{Stream: "s@a", Priority: types.PriorityLow, Payload: "kept"})
	b.Publish(types.Event{Stream: "s@a", Priority: types.PriorityCritical, Payload: "dropped"})

	rec := &recorder{}
	b.Subscribe("s@a", types.PriorityNormal, rec.handle)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()
	drain(t, b)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].Payload != "kept" {
		t.Errorf("delivered = %v, want only the first event", rec.events)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	rec := &recorder{}
	id := b.Subscribe("s@t", types.PriorityNormal, rec.handle)

	b.Publish(types.Event{Stream: "s@t", Priority: types.PriorityNormal})
	drain(t, b)

	if !b.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for live id")
	}
	if b.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}

	b.Publish(types.Event{Stream: "s@t", Priority: types.PriorityNormal})
	drain(t, b)

	if rec.len() != 1 {
		t.Errorf("events after unsubscribe = %d, want 1", rec.len())
	}
	if _, ok := b.SubscriptionStats(id); ok {
		t.Error("SubscriptionStats should report unknown after unsubscribe")
	}
}

func TestPublishAfterStop(t *testing.T) {
	t.Parallel()
	b := New(Config{}, testLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Stop()

	err := b.Publish(types.Event{Stream: "s@t", Priority: types.PriorityNormal})
	if !errors.Is(err, types.ErrClosed) {
		t.Errorf("publish after stop err = %v, want ErrClosed", err)
	}
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{})

	b.Subscribe("s@t", types.PriorityNormal, func(types.Event) {})
	for i := 0; i < 10; i++ {
		b.Publish(types.Event{Stream: "s@t", Priority: types.PriorityNormal})
	}
	drain(t, b)

	stats := b.Stats()
	if stats.Published != 10 || stats.Processed != 10 || stats.HandlerRuns != 10 {
		t.Errorf("stats = %+v, want 10 published/processed/runs", stats)
	}
	if stats.QueueDepth != 0 {
		t.Errorf("queue depth after drain = %d, want 0", stats.QueueDepth)
	}
	if stats.Subscriptions != 1 {
		t.Errorf("subscriptions = %d, want 1", stats.Subscriptions)
	}
}

func TestScopesRunConcurrently(t *testing.T) {
	t.Parallel()
	b := newStartedBus(t, Config{DispatchWorkers: 4})

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, scope := range []string{"A", "B"} {
		stream := fmt.Sprintf("%s@t", scope)
		b.Subscribe(stream, types.PriorityNormal, func(types.Event) {
			started <- stream
			<-release
		})
	}

	b.Publish(types.Event{Stream: "A@t", Priority: types.PriorityNormal})
	b.Publish(types.Event{Stream: "B@t", Priority: types.PriorityNormal})

	// Both handlers must be in flight at once since they share no scope.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			close(release)
			t.Fatal("scopes did not run concurrently")
		}
	}
	close(release)
	drain(t, b)
}
