package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"spotsim/internal/book"
	"spotsim/pkg/types"
)

// maxTapeLen bounds the per-symbol trade tape retained for RecentTrades.
const maxTapeLen = 4096

type placeMsg struct {
	req   types.OrderRequest
	reply chan placeResult
}

type placeResult struct {
	receipt types.AcceptReceipt
}

type cancelMsg struct {
	orderID string
	userID  string
	reply   chan cancelResult
}

type cancelResult struct {
	order types.Order
	err   error
}

type queryMsg struct {
	orderID string
	reply   chan queryResult
}

type queryResult struct {
	order types.Order
	ok    bool
}

type depthMsg struct {
	levels int
	reply  chan types.DepthSnapshot
}

type tradesMsg struct {
	limit int
	reply chan []types.Trade
}

// symbolWorker owns all matching state for one symbol. Only its run
// goroutine touches that state, so the matching path is lock free.
type symbolWorker struct {
	eng    *Engine
	info   types.SymbolInfo
	logger *slog.Logger

	requests chan any

	book   *book.OrderBook
	orders map[string]*types.Order
	tape   []types.Trade
	stats  sessionStats

	tradeSeq uint64

	// activations queues stop orders triggered mid-match; they re-enter
	// the pipeline FIFO after the current taker completes.
	activations []*types.Order
}

func newSymbolWorker(e *Engine, info types.SymbolInfo) *symbolWorker {
	return &symbolWorker{
		eng:      e,
		info:     info,
		logger:   e.logger.With("symbol", info.Symbol),
		requests: make(chan any, e.cfg.RequestBuffer),
		book:     book.New(info.Symbol),
		orders:   make(map[string]*types.Order),
	}
}

func (w *symbolWorker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.requests:
			w.handle(msg)
		}
	}
}

func (w *symbolWorker) handle(msg any) {
	switch m := msg.(type) {
	case placeMsg:
		w.handlePlace(m)
	case cancelMsg:
		w.handleCancel(m)
	case queryMsg:
		w.handleQuery(m)
	case depthMsg:
		m.reply <- w.depth(m.levels)
	case tradesMsg:
		m.reply <- w.recentTrades(m.limit)
	default:
		w.logger.Error("unknown worker message", "type", fmt.Sprintf("%T", msg))
	}
}

// handleCancel takes an order off the book (or stop book), releases its
// remaining reservation, and reports the transition. Lookup and permission
// failures return errors without publishing anything.
func (w *symbolWorker) handleCancel(m cancelMsg) {
	o, ok := w.orders[m.orderID]
	if !ok {
		m.reply <- cancelResult{err: fmt.Errorf("order %s: %w", m.orderID, types.ErrNotFound)}
		return
	}
	if o.UserID != m.userID {
		m.reply <- cancelResult{err: fmt.Errorf("order %s: %w", m.orderID, types.ErrForbidden)}
		return
	}
	if o.Status.Terminal() {
		m.reply <- cancelResult{err: fmt.Errorf("order %s is %s: %w", m.orderID, o.Status, types.ErrAlreadyTerminal)}
		return
	}

	wasParked := o.Type == types.OrderTypeStop || o.Type == types.OrderTypeStopLimit
	if _, removed := w.book.Remove(o.ID); !removed {
		w.logger.Error("open order missing from book", "order_id", o.ID, "status", o.Status)
	}

	now := time.Now()
	o.Status = types.StatusCanceled
	o.UpdatedAt = now
	w.release(o)
	w.publishOrder(o, types.ExecCanceled, now)
	if !wasParked {
		w.publishDepth(now)
	}
	w.logger.Debug("order canceled", "order_id", o.ID, "user_id", o.UserID)
	m.reply <- cancelResult{order: *o}
}

func (w *symbolWorker) handleQuery(m queryMsg) {
	o, ok := w.orders[m.orderID]
	if !ok {
		m.reply <- queryResult{}
		return
	}
	m.reply <- queryResult{order: *o, ok: true}
}

func (w *symbolWorker) depth(levels int) types.DepthSnapshot {
	snap := w.book.Depth(levels)
	snap.Timestamp = time.Now()
	return snap
}

func (w *symbolWorker) recentTrades(limit int) []types.Trade {
	n := len(w.tape)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.Trade, limit)
	copy(out, w.tape[n-limit:])
	return out
}

func (w *symbolWorker) recordTrade(t types.Trade) {
	w.tape = append(w.tape, t)
	if len(w.tape) > maxTapeLen {
		kept := make([]types.Trade, maxTapeLen)
		copy(kept, w.tape[len(w.tape)-maxTapeLen:])
		w.tape = kept
	}
	w.stats.record(t)
}

// release returns an order's unconsumed reservation to the owner's free
// balance. Safe to call more than once; the remainder zeroes on first use.
func (w *symbolWorker) release(o *types.Order) {
	amount := o.LockedRemaining
	o.LockedRemaining = decimal.Zero
	if !amount.IsPositive() {
		return
	}
	if err := w.eng.ledger.UnlockFunds(o.UserID, o.LockedAsset, amount); err != nil {
		w.logger.Error("unlock failed",
			"order_id", o.ID, "user_id", o.UserID,
			"asset", o.LockedAsset, "amount", amount, "error", err)
	}
}

func (w *symbolWorker) publish(evt types.Event) {
	if err := w.eng.bus.Publish(evt); err != nil && !errors.Is(err, types.ErrClosed) {
		w.logger.Warn("event dropped", "stream", evt.Stream, "error", err)
	}
}

func (w *symbolWorker) publishOrder(o *types.Order, exec types.ExecutionType, now time.Time) {
	w.publish(types.Event{
		Stream:   types.StreamOrder(o.UserID),
		Priority: types.PriorityHigh,
		Time:     now,
		Payload:  types.OrderUpdate{Order: *o, Exec: exec, Time: now},
	})
}

func (w *symbolWorker) publishFill(o *types.Order, t types.Trade, fee fillFee, now time.Time) {
	w.publish(types.Event{
		Stream:   types.StreamOrder(o.UserID),
		Priority: types.PriorityHigh,
		Time:     now,
		Payload: types.OrderUpdate{
			Order:        *o,
			Exec:         types.ExecTrade,
			Time:         now,
			LastPrice:    t.Price,
			LastQuantity: t.Quantity,
			Fee:          fee.amount,
			FeeAsset:     fee.asset,
		},
	})
}

func (w *symbolWorker) publishTrade(t types.Trade) {
	w.publish(types.Event{
		Stream:   types.StreamTrade(w.info.Symbol),
		Priority: types.PriorityNormal,
		Time:     t.Timestamp,
		Payload:  t,
	})
}

func (w *symbolWorker) publishDepth(now time.Time) {
	snap := w.book.Depth(w.eng.cfg.DepthLevels)
	snap.Timestamp = now
	w.publish(types.Event{
		Stream:   types.StreamDepth(w.info.Symbol),
		Priority: types.PriorityLow,
		Time:     now,
		Payload:  snap,
	})
}

func (w *symbolWorker) publishTicker(now time.Time) {
	w.publish(types.Event{
		Stream:   types.StreamTicker(w.info.Symbol),
		Priority: types.PriorityLow,
		Time:     now,
		Payload:  w.stats.snapshot(w.info.Symbol, now),
	})
}

func (w *symbolWorker) publishAlert(code, msg string, now time.Time) {
	w.publish(types.Event{
		Stream:   types.StreamAlerts,
		Priority: types.PriorityCritical,
		Time:     now,
		Payload:  types.Alert{Code: code, Message: msg, Time: now},
	})
}
