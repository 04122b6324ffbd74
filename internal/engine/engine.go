// Package engine is the matching core of the simulated exchange.
//
// It owns one worker goroutine per symbol:
//
//  1. Engine validates routing (known symbol) and forwards requests to the
//     owning symbolWorker over a bounded channel.
//  2. Each worker runs the full pipeline for its symbol: validate, lock
//     funds, match against the book, settle fills through the ledger, and
//     publish events on the bus.
//  3. Because a worker processes one request at a time, matching needs no
//     locks and a query issued after a place observes completed matching.
//
// Lifecycle: New() → Start() → [serve requests] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotsim/internal/bus"
	"spotsim/internal/ledger"
	"spotsim/pkg/types"
)

// FeeRates is one maker/taker rate pair, as decimal fractions.
type FeeRates struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// FeeTable resolves the fee schedule per symbol. An empty FeeAsset charges
// each side in the asset it receives (base for the buyer, quote for the
// seller); a fixed FeeAsset charges both sides on trade notional in that
// asset.
type FeeTable struct {
	Default  FeeRates
	FeeAsset string
	BySymbol map[string]FeeRates
}

// Rates returns the symbol's rates, falling back to the default pair.
func (t FeeTable) Rates(symbol string) FeeRates {
	if r, ok := t.BySymbol[symbol]; ok {
		return r
	}
	return t.Default
}

// Config carries parsed engine settings. The exchange facade builds it from
// the file config; tests build it directly.
type Config struct {
	Symbols []types.SymbolInfo
	Fees    FeeTable

	// STPDefault applies to orders that do not set an STP mode.
	STPDefault types.STPMode

	// MarketBuySlippage is the headroom fraction above best ask reserved
	// when locking funds for a quantity-sized MARKET BUY.
	MarketBuySlippage decimal.Decimal

	// DepthLevels caps levels per side in published depth snapshots.
	DepthLevels int

	// RequestBuffer is the per-symbol request channel capacity.
	RequestBuffer int
}

func (c *Config) withDefaults() {
	if c.STPDefault == "" {
		c.STPDefault = types.STPNone
	}
	if c.MarketBuySlippage.IsNegative() {
		c.MarketBuySlippage = decimal.Zero
	}
	if c.DepthLevels <= 0 {
		c.DepthLevels = 20
	}
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = 256
	}
}

// Engine routes order traffic to per-symbol workers.
type Engine struct {
	cfg    Config
	ledger *ledger.Manager
	bus    *bus.Bus
	logger *slog.Logger

	// workers is built in New and never mutated afterwards.
	workers map[string]*symbolWorker

	// orderIndex maps order id → symbol so cancels and queries route
	// without the caller naming the symbol. Protected by orderIndexMu.
	orderIndex   map[string]string
	orderIndexMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine for the configured symbols. The ledger and bus are
// shared with the rest of the system.
func New(cfg Config, lg *ledger.Manager, b *bus.Bus, logger *slog.Logger) (*Engine, error) {
	cfg.withDefaults()
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("engine: no symbols configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		ledger:     lg,
		bus:        b,
		logger:     logger.With("component", "engine"),
		workers:    make(map[string]*symbolWorker, len(cfg.Symbols)),
		orderIndex: make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, info := range cfg.Symbols {
		if _, ok := e.workers[info.Symbol]; ok {
			cancel()
			return nil, fmt.Errorf("engine: symbol %s configured twice", info.Symbol)
		}
		e.workers[info.Symbol] = newSymbolWorker(e, info)
	}
	return e, nil
}

// Start launches one goroutine per symbol worker.
func (e *Engine) Start() error {
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *symbolWorker) {
			defer e.wg.Done()
			w.run(e.ctx)
		}(w)
	}
	e.logger.Info("engine started", "symbols", len(e.workers))
	return nil
}

// Stop terminates the workers and waits for them to drain.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Symbols returns the configured symbol metadata.
func (e *Engine) Symbols() []types.SymbolInfo {
	out := make([]types.SymbolInfo, len(e.cfg.Symbols))
	copy(out, e.cfg.Symbols)
	return out
}

// SymbolInfo looks up one symbol's metadata.
func (e *Engine) SymbolInfo(symbol string) (types.SymbolInfo, bool) {
	w, ok := e.workers[symbol]
	if !ok {
		return types.SymbolInfo{}, false
	}
	return w.info, true
}

// PlaceOrder validates and submits an order. The receipt reflects the order
// state after validation and fund locking; matching continues on the symbol
// worker and reports through order-update events. An unknown symbol yields a
// REJECTED receipt, not an error; errors are transport-level only.
func (e *Engine) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.AcceptReceipt, error) {
	w, ok := e.workers[req.Symbol]
	if !ok {
		return e.rejectUnrouted(req), nil
	}

	msg := placeMsg{req: req, reply: make(chan placeResult, 1)}
	if err := e.send(ctx, w, msg); err != nil {
		return types.AcceptReceipt{}, err
	}
	select {
	case res := <-msg.reply:
		e.indexOrder(res.receipt.OrderID, req.Symbol)
		return res.receipt, nil
	case <-ctx.Done():
		return types.AcceptReceipt{}, ctx.Err()
	case <-e.ctx.Done():
		return types.AcceptReceipt{}, types.ErrClosed
	}
}

// rejectUnrouted synthesizes the REJECTED outcome for an order no worker can
// own, publishing the same order-update event a worker rejection would.
func (e *Engine) rejectUnrouted(req types.OrderRequest) types.AcceptReceipt {
	now := time.Now()
	o := types.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		QuoteOrderQty: req.QuoteOrderQty,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		Status:        types.StatusRejected,
		RejectReason:  types.ReasonUnknownSymbol,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.publish(types.Event{
		Stream:   types.StreamOrder(o.UserID),
		Priority: types.PriorityHigh,
		Time:     now,
		Payload:  types.OrderUpdate{Order: o, Exec: types.ExecRejected, Time: now},
	})
	e.logger.Debug("order rejected", "user_id", req.UserID, "symbol", req.Symbol, "reason", o.RejectReason)
	return types.AcceptReceipt{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        types.StatusRejected,
		RejectReason:  o.RejectReason,
	}
}

// CancelOrder cancels an open order. Only the owner may cancel; terminal
// orders return ErrAlreadyTerminal, unknown ids ErrNotFound.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (types.Order, error) {
	w, err := e.workerForOrder(orderID)
	if err != nil {
		return types.Order{}, err
	}

	msg := cancelMsg{orderID: orderID, userID: userID, reply: make(chan cancelResult, 1)}
	if err := e.send(ctx, w, msg); err != nil {
		return types.Order{}, err
	}
	select {
	case res := <-msg.reply:
		return res.order, res.err
	case <-ctx.Done():
		return types.Order{}, ctx.Err()
	case <-e.ctx.Done():
		return types.Order{}, types.ErrClosed
	}
}

// QueryOrder returns a snapshot of any order the engine has seen, including
// terminal ones.
func (e *Engine) QueryOrder(ctx context.Context, orderID string) (types.Order, error) {
	w, err := e.workerForOrder(orderID)
	if err != nil {
		return types.Order{}, err
	}

	msg := queryMsg{orderID: orderID, reply: make(chan queryResult, 1)}
	if err := e.send(ctx, w, msg); err != nil {
		return types.Order{}, err
	}
	select {
	case res := <-msg.reply:
		if !res.ok {
			return types.Order{}, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
		}
		return res.order, nil
	case <-ctx.Done():
		return types.Order{}, ctx.Err()
	case <-e.ctx.Done():
		return types.Order{}, types.ErrClosed
	}
}

// Depth returns an aggregated book snapshot. levels <= 0 uses the configured
// default.
func (e *Engine) Depth(ctx context.Context, symbol string, levels int) (types.DepthSnapshot, error) {
	w, ok := e.workers[symbol]
	if !ok {
		return types.DepthSnapshot{}, fmt.Errorf("symbol %s: %w", symbol, types.ErrUnknownSymbol)
	}
	if levels <= 0 {
		levels = e.cfg.DepthLevels
	}

	msg := depthMsg{levels: levels, reply: make(chan types.DepthSnapshot, 1)}
	if err := e.send(ctx, w, msg); err != nil {
		return types.DepthSnapshot{}, err
	}
	select {
	case snap := <-msg.reply:
		return snap, nil
	case <-ctx.Done():
		return types.DepthSnapshot{}, ctx.Err()
	case <-e.ctx.Done():
		return types.DepthSnapshot{}, types.ErrClosed
	}
}

// RecentTrades returns the tail of a symbol's trade tape, newest last.
// limit <= 0 returns the whole retained tape.
func (e *Engine) RecentTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	w, ok := e.workers[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s: %w", symbol, types.ErrUnknownSymbol)
	}

	msg := tradesMsg{limit: limit, reply: make(chan []types.Trade, 1)}
	if err := e.send(ctx, w, msg); err != nil {
		return nil, err
	}
	select {
	case trades := <-msg.reply:
		return trades, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, types.ErrClosed
	}
}

func (e *Engine) send(ctx context.Context, w *symbolWorker, msg any) error {
	select {
	case w.requests <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return types.ErrClosed
	}
}

func (e *Engine) workerForOrder(orderID string) (*symbolWorker, error) {
	e.orderIndexMu.RLock()
	symbol, ok := e.orderIndex[orderID]
	e.orderIndexMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	return e.workers[symbol], nil
}

func (e *Engine) indexOrder(orderID, symbol string) {
	if orderID == "" {
		return
	}
	e.orderIndexMu.Lock()
	e.orderIndex[orderID] = symbol
	e.orderIndexMu.Unlock()
}

func (e *Engine) publish(evt types.Event) {
	if err := e.bus.Publish(evt); err != nil && !errors.Is(err, types.ErrClosed) {
		e.logger.Warn("event dropped", "stream", evt.Stream, "error", err)
	}
}
