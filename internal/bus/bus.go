// Package bus is the in-process event backbone: typed publish/subscribe
// with priority-classed queueing and bounded backpressure.
//
// Events are queued in four FIFO rings, one per priority class; the
// dispatcher always drains the highest non-empty class first. Publishers
// keep a fixed class per stream, so events within one stream are delivered
// in publication order. Delivery runs on a worker pool, serialized per
// stream scope (the part of the key before '@'): events for one symbol or
// one user never run concurrently, while different scopes spread across
// the pool. When the queue is full, the oldest event of the lowest class
// at or below the incoming one is evicted, or the incoming event is
// dropped when nothing qualifies.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"spotsim/pkg/types"
)

// Handler consumes one event. Handlers for one scope run sequentially and
// must not block for long; a slow handler stalls its scope's lane.
type Handler func(types.Event)

// Config sizes the bus.
type Config struct {
	QueueCapacity   int  // pending event limit across all classes
	DispatchWorkers int  // ants pool size for handler execution
	DropNewest      bool // on overflow drop the incoming event instead of evicting
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 8
	}
	return c
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published     uint64
	Processed     uint64
	Dropped       uint64
	HandlerRuns   uint64
	HandlerErrors uint64
	QueueDepth    int
	Subscriptions int
}

// SubscriptionStats counts one subscription's deliveries.
type SubscriptionStats struct {
	Stream string
	Calls  uint64
	Errors uint64
}

type subscription struct {
	id       string
	stream   string
	priority types.EventPriority
	seq      uint64
	handler  Handler
	calls    atomic.Uint64
	errors   atomic.Uint64
}

type lane struct {
	busy    bool
	backlog []types.Event
}

// Bus routes events from publishers to subscribers. Create with New, then
// Start before publishing.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	smu    sync.RWMutex
	subs   map[string][]*subscription
	byID   map[string]*subscription
	subSeq uint64

	qmu      sync.Mutex
	rings    [types.NumPriorities][]types.Event
	depth    int
	closed   bool
	notEmpty chan struct{}

	lmu   sync.Mutex
	lanes map[string]*lane

	pmu     sync.Mutex
	pending int
	idle    *sync.Cond

	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published     atomic.Uint64
	processed     atomic.Uint64
	dropped       atomic.Uint64
	handlerRuns   atomic.Uint64
	handlerErrors atomic.Uint64
}

// New creates a stopped bus.
func New(cfg Config, logger *slog.Logger) *Bus {
	b := &Bus{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "bus"),
		subs:     make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
		notEmpty: make(chan struct{}, 1),
		lanes:    make(map[string]*lane),
	}
	b.idle = sync.NewCond(&b.pmu)
	return b
}

// Start launches the dispatcher and worker pool.
func (b *Bus) Start(ctx context.Context) error {
	pool, err := ants.NewPool(b.cfg.DispatchWorkers)
	if err != nil {
		return fmt.Errorf("create dispatch pool: %w", err)
	}
	b.pool = pool
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.run()

	b.logger.Info("bus started",
		"queue_capacity", b.cfg.QueueCapacity,
		"dispatch_workers", b.cfg.DispatchWorkers,
	)
	return nil
}

// Stop rejects further publishes, drains in-flight events, then shuts the
// dispatcher and pool down.
func (b *Bus) Stop() {
	b.qmu.Lock()
	b.closed = true
	b.qmu.Unlock()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Drain(drainCtx); err != nil {
		b.logger.Warn("drain on stop incomplete", "error", err)
	}

	b.cancel()
	b.wg.Wait()
	b.pool.Release()
	b.logger.Info("bus stopped", "published", b.published.Load(), "processed", b.processed.Load())
}

// Publish enqueues an event. A zero Time is stamped with the current time.
// Returns ErrClosed after Stop has begun; queue overflow is not an error,
// it resolves through eviction per the configured policy.
func (b *Bus) Publish(evt types.Event) error {
	if evt.Priority < 0 || evt.Priority >= types.NumPriorities {
		evt.Priority = types.PriorityNormal
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return fmt.Errorf("publish to %s: %w", evt.Stream, types.ErrClosed)
	}
	if b.depth >= b.cfg.QueueCapacity && !b.makeRoomLocked(evt.Priority) {
		b.qmu.Unlock()
		b.dropped.Add(1)
		b.logger.Warn("event dropped, queue full", "stream", evt.Stream, "priority", evt.Priority)
		return nil
	}
	b.rings[evt.Priority] = append(b.rings[evt.Priority], evt)
	b.depth++
	// Count pending before the event becomes visible to the dispatcher,
	// or Drain could observe zero with the event still in flight.
	b.markQueued()
	b.qmu.Unlock()

	b.published.Add(1)

	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// makeRoomLocked evicts the oldest event of the lowest class at or below p.
// Returns false when every queued event outranks the incoming one, or the
// policy is drop-newest. Caller holds qmu.
func (b *Bus) makeRoomLocked(p types.EventPriority) bool {
	if b.cfg.DropNewest {
		return false
	}
	for class := types.EventPriority(0); class <= p; class++ {
		if len(b.rings[class]) == 0 {
			continue
		}
		victim := b.rings[class][0]
		b.rings[class] = b.rings[class][1:]
		b.depth--
		b.dropped.Add(1)
		b.markDone()
		b.logger.Warn("event evicted, queue full",
			"stream", victim.Stream, "priority", victim.Priority)
		return true
	}
	return false
}

// pop takes the oldest event of the highest non-empty class.
func (b *Bus) pop() (types.Event, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	for class := types.NumPriorities - 1; class >= 0; class-- {
		ring := b.rings[class]
		if len(ring) == 0 {
			continue
		}
		evt := ring[0]
		b.rings[class] = ring[1:]
		b.depth--
		return evt, true
	}
	return types.Event{}, false
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		if evt, ok := b.pop(); ok {
			b.route(evt)
			continue
		}
		select {
		case <-b.ctx.Done():
			// Final sweep so Stop-after-Drain never strands an event.
			for {
				evt, ok := b.pop()
				if !ok {
					return
				}
				b.route(evt)
			}
		case <-b.notEmpty:
		}
	}
}

// route hands the event to its scope's lane, starting a pool worker when
// the lane is idle.
func (b *Bus) route(evt types.Event) {
	scope := types.StreamScope(evt.Stream)
	b.lmu.Lock()
	ln, ok := b.lanes[scope]
	if !ok {
		ln = &lane{}
		b.lanes[scope] = ln
	}
	if ln.busy {
		ln.backlog = append(ln.backlog, evt)
		b.lmu.Unlock()
		return
	}
	ln.busy = true
	b.lmu.Unlock()

	if err := b.pool.Submit(func() { b.runLane(scope, evt) }); err != nil {
		// Pool unavailable, run on the dispatcher goroutine instead.
		b.runLane(scope, evt)
	}
}

// runLane delivers one event and then keeps draining the lane's backlog
// until it empties.
func (b *Bus) runLane(scope string, evt types.Event) {
	for {
		b.deliver(evt)
		b.markDone()

		b.lmu.Lock()
		ln := b.lanes[scope]
		if len(ln.backlog) == 0 {
			delete(b.lanes, scope)
			b.lmu.Unlock()
			return
		}
		evt = ln.backlog[0]
		ln.backlog = ln.backlog[1:]
		b.lmu.Unlock()
	}
}

// deliver runs all handlers for the event: exact-stream subscribers first,
// then wildcard subscribers, each group ordered by priority then age.
func (b *Bus) deliver(evt types.Event) {
	b.smu.RLock()
	handlers := make([]*subscription, 0, len(b.subs[evt.Stream])+len(b.subs[types.WildcardStream]))
	handlers = append(handlers, b.subs[evt.Stream]...)
	if evt.Stream != types.WildcardStream {
		handlers = append(handlers, b.subs[types.WildcardStream]...)
	}
	b.smu.RUnlock()

	for _, sub := range handlers {
		b.invoke(sub, evt)
	}
	b.processed.Add(1)
}

// invoke runs one handler, isolating panics so a faulty subscriber cannot
// take down the lane.
func (b *Bus) invoke(sub *subscription, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			sub.errors.Add(1)
			b.handlerErrors.Add(1)
			b.logger.Error("handler panic",
				"stream", evt.Stream, "subscription", sub.id, "panic", r)
		}
	}()
	sub.handler(evt)
	sub.calls.Add(1)
	b.handlerRuns.Add(1)
}

func (b *Bus) markQueued() {
	b.pmu.Lock()
	b.pending++
	b.pmu.Unlock()
}

func (b *Bus) markDone() {
	b.pmu.Lock()
	b.pending--
	if b.pending == 0 {
		b.idle.Broadcast()
	}
	b.pmu.Unlock()
}

// Drain blocks until every queued event has been delivered or ctx ends.
// With all producers paused this makes delivery externally observable,
// which keeps deterministic sessions deterministic.
func (b *Bus) Drain(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		b.pmu.Lock()
		b.idle.Broadcast()
		b.pmu.Unlock()
	})
	defer stop()

	b.pmu.Lock()
	defer b.pmu.Unlock()
	for b.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.idle.Wait()
	}
	return nil
}

// Subscribe registers a handler for one stream, or for every stream with
// WildcardStream. Higher-priority subscriptions on the same stream run
// first. Returns the subscription id.
func (b *Bus) Subscribe(stream string, priority types.EventPriority, h Handler) string {
	sub := &subscription{
		id:       uuid.NewString(),
		stream:   stream,
		priority: priority,
		handler:  h,
	}

	b.smu.Lock()
	b.subSeq++
	sub.seq = b.subSeq
	list := b.subs[stream]
	// Insert keeping (priority desc, age asc) order.
	pos := len(list)
	for i, s := range list {
		if sub.priority > s.priority {
			pos = i
			break
		}
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = sub
	b.subs[stream] = list
	b.byID[sub.id] = sub
	b.smu.Unlock()

	b.logger.Debug("subscribed", "stream", stream, "subscription", sub.id, "priority", priority)
	return sub.id
}

// Unsubscribe removes a subscription. Returns false for unknown ids.
func (b *Bus) Unsubscribe(id string) bool {
	b.smu.Lock()
	defer b.smu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	list := b.subs[sub.stream]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.stream] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.stream]) == 0 {
		delete(b.subs, sub.stream)
	}
	return true
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.qmu.Lock()
	depth := b.depth
	b.qmu.Unlock()
	b.smu.RLock()
	subCount := len(b.byID)
	b.smu.RUnlock()
	return Stats{
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Dropped:       b.dropped.Load(),
		HandlerRuns:   b.handlerRuns.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		QueueDepth:    depth,
		Subscriptions: subCount,
	}
}

// SubscriptionStats returns one subscription's delivery counters.
func (b *Bus) SubscriptionStats(id string) (SubscriptionStats, bool) {
	b.smu.RLock()
	sub, ok := b.byID[id]
	b.smu.RUnlock()
	if !ok {
		return SubscriptionStats{}, false
	}
	return SubscriptionStats{
		Stream: sub.stream,
		Calls:  sub.calls.Load(),
		Errors: sub.errors.Load(),
	}, true
}
