// Package exchange assembles the simulated exchange and is the one entry
// point embedders touch. A single Exchange owns every subsystem:
//
//   - account ledger:    balances, positions, settlement journal
//   - event bus:         prioritized dispatch of everything the engine emits
//   - matching engine:   one owner goroutine per configured symbol
//   - fanout hub:        client sessions, api-key auth, wire formatting
//   - replay controller: clocked playback of recorded market data (optional)
//
// The ledger publishes balance changes onto the bus, the engine drives both,
// and the hub subscribes to the bus on demand; New wires that order. All
// trading and account methods are safe for concurrent use.
//
// Lifecycle: New() → Start() → [trade] → Stop()
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"spotsim/internal/bus"
	"spotsim/internal/config"
	"spotsim/internal/engine"
	"spotsim/internal/fanout"
	"spotsim/internal/ledger"
	"spotsim/internal/replay"
	"spotsim/pkg/types"
)

// Exchange is the assembled simulator.
type Exchange struct {
	cfg    *config.Config
	logger *slog.Logger

	bus      *bus.Bus
	ledger   *ledger.Manager
	registry *fanout.Registry
	hub      *fanout.Hub
	engine   *engine.Engine

	mu     sync.Mutex
	replay *replay.Controller
}

// New validates the configuration and builds every subsystem. Nothing runs
// until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Exchange, error) {
	if cfg == nil {
		return nil, fmt.Errorf("exchange: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "exchange")

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	b := bus.New(bus.Config{
		QueueCapacity:   cfg.Bus.QueueCapacity,
		DispatchWorkers: cfg.Bus.DispatchWorkers,
		DropNewest:      cfg.Bus.DropNewest,
	}, logger)

	lm := ledger.NewManager(logger)
	lm.SetOnChange(func(u types.AccountUpdate) {
		evt := types.Event{
			Stream:   types.StreamAccount(u.UserID),
			Priority: types.PriorityHigh,
			Time:     u.UpdatedAt,
			Payload:  u,
		}
		if err := b.Publish(evt); err != nil && !errors.Is(err, types.ErrClosed) {
			log.Warn("account event dropped", "stream", evt.Stream, "error", err)
		}
	})

	eng, err := engine.New(engCfg, lm, b, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	registry := fanout.NewRegistry(logger)
	return &Exchange{
		cfg:      cfg,
		logger:   log,
		bus:      b,
		ledger:   lm,
		registry: registry,
		hub:      fanout.NewHub(b, registry, logger),
		engine:   eng,
	}, nil
}

// engineConfig lowers the file-format configuration into the engine's parsed
// representation.
func engineConfig(cfg *config.Config) (engine.Config, error) {
	infos, err := cfg.SymbolInfos()
	if err != nil {
		return engine.Config{}, err
	}
	maker, taker, err := cfg.Fees.Rates("")
	if err != nil {
		return engine.Config{}, err
	}
	table := engine.FeeTable{
		Default:  engine.FeeRates{Maker: maker, Taker: taker},
		FeeAsset: cfg.Fees.FeeAsset,
	}
	if len(cfg.Fees.Overrides) > 0 {
		table.BySymbol = make(map[string]engine.FeeRates, len(cfg.Fees.Overrides))
		for _, o := range cfg.Fees.Overrides {
			m, t, err := cfg.Fees.Rates(o.Symbol)
			if err != nil {
				return engine.Config{}, err
			}
			table.BySymbol[o.Symbol] = engine.FeeRates{Maker: m, Taker: t}
		}
	}
	slippage, err := cfg.Engine.Slippage()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Symbols:           infos,
		Fees:              table,
		STPDefault:        types.STPMode(cfg.Engine.STPDefault),
		MarketBuySlippage: slippage,
		DepthLevels:       cfg.Engine.DepthLevels,
		RequestBuffer:     cfg.Engine.RequestBuffer,
	}, nil
}

// Start brings up the bus dispatcher, then the per-symbol matching workers.
func (e *Exchange) Start(ctx context.Context) error {
	if err := e.bus.Start(ctx); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if err := e.engine.Start(); err != nil {
		e.bus.Stop()
		return fmt.Errorf("exchange: %w", err)
	}
	e.logger.Info("exchange started",
		"symbols", len(e.cfg.Symbols), "replay_mode", e.cfg.Replay.Mode)
	return nil
}

// Stop shuts down in dependency order: the replay feed first so no new
// records arrive, then the engine workers, then the bus.
func (e *Exchange) Stop() {
	e.mu.Lock()
	rc := e.replay
	e.mu.Unlock()
	if rc != nil {
		rc.Stop()
	}
	e.engine.Stop()
	e.bus.Stop()
	e.logger.Info("exchange stopped")
}

// CreateUser opens a ledger account and issues the api key that
// authenticates the user's private streams.
func (e *Exchange) CreateUser(userID string) (string, error) {
	if _, err := e.ledger.CreateAccount(userID); err != nil {
		return "", err
	}
	key := e.registry.IssueKey(userID)
	e.logger.Info("user created", "user_id", userID)
	return key, nil
}

// Deposit credits free balance.
func (e *Exchange) Deposit(userID, asset string, amount decimal.Decimal) error {
	return e.ledger.Deposit(userID, asset, amount)
}

// Withdraw debits free balance. Locked funds cannot be withdrawn.
func (e *Exchange) Withdraw(userID, asset string, amount decimal.Decimal) error {
	return e.ledger.Withdraw(userID, asset, amount)
}

// Snapshot returns the user's balances and positions at this instant.
func (e *Exchange) Snapshot(userID string) (types.AccountSnapshot, error) {
	return e.ledger.Snapshot(userID)
}

// Transactions returns the user's journal in chronological order.
func (e *Exchange) Transactions(userID string) ([]types.Transaction, error) {
	return e.ledger.Transactions(userID)
}

// PlaceOrder validates and enqueues an order with its symbol's worker. The
// receipt acknowledges acceptance; fills arrive as events.
func (e *Exchange) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.AcceptReceipt, error) {
	return e.engine.PlaceOrder(ctx, req)
}

// CancelOrder removes a resting or parked order owned by userID.
func (e *Exchange) CancelOrder(ctx context.Context, userID, orderID string) (types.Order, error) {
	return e.engine.CancelOrder(ctx, userID, orderID)
}

// QueryOrder returns the current state of any known order.
func (e *Exchange) QueryOrder(ctx context.Context, orderID string) (types.Order, error) {
	return e.engine.QueryOrder(ctx, orderID)
}

// Depth returns up to levels price levels per side of the symbol's book.
func (e *Exchange) Depth(ctx context.Context, symbol string, levels int) (types.DepthSnapshot, error) {
	return e.engine.Depth(ctx, symbol, levels)
}

// RecentTrades returns the symbol's latest trades, oldest first.
func (e *Exchange) RecentTrades(ctx context.Context, symbol string, limit int) ([]types.Trade, error) {
	return e.engine.RecentTrades(ctx, symbol, limit)
}

// Symbols lists the configured trading pairs.
func (e *Exchange) Symbols() []types.SymbolInfo {
	return e.engine.Symbols()
}

// ConnectSession registers a stream consumer with the fanout hub. The sink
// receives one call per delivered message; sink errors are counted, never
// propagated.
func (e *Exchange) ConnectSession(sink fanout.Sink) *fanout.Session {
	return e.hub.Connect(sink)
}

// HandleRequest processes one subscribe/unsubscribe/auth envelope for the
// session and returns the response to send back.
func (e *Exchange) HandleRequest(s *fanout.Session, raw []byte) []byte {
	return e.hub.HandleRequest(s, raw)
}

// DisconnectSession drops the session and tears down streams nobody else
// watches.
func (e *Exchange) DisconnectSession(s *fanout.Session) {
	e.hub.Disconnect(s)
}

// Subscribe attaches a handler directly to one bus stream. Embedders use
// this for feeds with no client wire schema, such as "<symbol>@md" replay
// ticks. Returns the subscription id for Unsubscribe.
func (e *Exchange) Subscribe(stream string, priority types.EventPriority, h bus.Handler) string {
	return e.bus.Subscribe(stream, priority, h)
}

// Unsubscribe detaches a direct bus subscription.
func (e *Exchange) Unsubscribe(id string) bool {
	return e.bus.Unsubscribe(id)
}

// DrainEvents blocks until every event published so far has been delivered,
// or ctx ends. Backtest sessions call this to make assertions deterministic.
func (e *Exchange) DrainEvents(ctx context.Context) error {
	return e.bus.Drain(ctx)
}

// BusStats reports publish/deliver/drop counters for the event bus.
func (e *Exchange) BusStats() bus.Stats {
	return e.bus.Stats()
}

// HubStats reports session, stream and delivery counters for the fanout hub.
func (e *Exchange) HubStats() fanout.Stats {
	return e.hub.Stats()
}
