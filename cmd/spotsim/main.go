// spotsim — a simulated spot exchange core for deterministic strategy
// backtests: limit order books with price-time priority, decimal account
// ledger, Binance-style stream fanout, and replayable market data.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the exchange, runs a demo session
//	exchange/exchange.go — facade: wires ledger, bus, engine, fanout hub and replay together
//	engine/engine.go     — matching engine front: validation, order index, one worker per symbol
//	engine/matcher.go    — taker loop: STP, price-match, FOK dry run, stop activation
//	book/book.go         — order book: btree price levels, skiplist stop book, O(1) cancel index
//	ledger/manager.go    — accounts: free/locked balances, positions, atomic trade settlement
//	bus/bus.go           — event bus: priority queue, per-scope delivery lanes, ants worker pool
//	fanout/hub.go        — client sessions: api-key auth, subscription registry, wire formatting
//	replay/controller.go — market data playback: BACKTEST, REALTIME, ACCELERATED, STEPPED
//	config/config.go     — viper config: symbols, fees, engine, bus, replay, logging
//
// The demo session below creates two funded users, trades them against each
// other, streams the results over a fanout session, and replays a short
// synthesized tick feed in the configured mode before waiting for SIGINT.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"spotsim/internal/config"
	"spotsim/internal/exchange"
	"spotsim/internal/replay"
	"spotsim/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SPOTSIM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ex, err := exchange.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build exchange", "error", err)
		os.Exit(1)
	}
	if err := ex.Start(context.Background()); err != nil {
		logger.Error("failed to start exchange", "error", err)
		os.Exit(1)
	}

	logger.Info("spot exchange simulator started",
		"symbols", len(cfg.Symbols),
		"replay_mode", cfg.Replay.Mode,
		"config", cfgPath,
	)

	if err := runDemo(ex, logger); err != nil {
		logger.Error("demo session failed", "error", err)
		ex.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	ex.Stop()
}

// runDemo trades two seeded users against each other on the first configured
// symbol and replays a synthesized tick feed. Prices and quantities fit the
// default BTCUSDT filters from configs/config.yaml.
func runDemo(ex *exchange.Exchange, logger *slog.Logger) error {
	ctx := context.Background()
	symbol := ex.Symbols()[0].Symbol

	aliceKey, err := ex.CreateUser("alice")
	if err != nil {
		return err
	}
	if _, err := ex.CreateUser("bob"); err != nil {
		return err
	}
	if err := ex.Deposit("alice", "USDT", decimal.NewFromInt(100000)); err != nil {
		return err
	}
	if err := ex.Deposit("bob", "BTC", decimal.NewFromInt(2)); err != nil {
		return err
	}

	// Stream alice's private feeds and the public trade feed over a session.
	sess := ex.ConnectSession(func(stream string, payload []byte) error {
		logger.Info("stream message", "stream", stream, "payload", string(payload))
		return nil
	})
	defer ex.DisconnectSession(sess)
	for _, req := range []types.ClientRequest{
		{Method: "auth", Params: types.RequestParams{APIKey: aliceKey}, ID: 1},
		{Method: "subscribe", Params: types.RequestParams{
			Streams: []string{"alice@order", "alice@account", symbol + "@trade"},
		}, ID: 2},
	} {
		raw, err := json.Marshal(req)
		if err != nil {
			return err
		}
		logger.Debug("session response", "response", string(ex.HandleRequest(sess, raw)))
	}

	// Bob quotes two asks, alice lifts most of the first, then spends a
	// fixed quote budget with a market order.
	orders := []types.OrderRequest{
		{UserID: "bob", Symbol: symbol, Side: types.SELL, Type: types.OrderTypeLimit,
			Quantity: decimal.RequireFromString("0.5"), Price: decimal.NewFromInt(50100)},
		{UserID: "bob", Symbol: symbol, Side: types.SELL, Type: types.OrderTypeLimit,
			Quantity: decimal.RequireFromString("0.5"), Price: decimal.NewFromInt(50200)},
		{UserID: "alice", Symbol: symbol, Side: types.BUY, Type: types.OrderTypeLimit,
			Quantity: decimal.RequireFromString("0.4"), Price: decimal.NewFromInt(50150)},
		{UserID: "alice", Symbol: symbol, Side: types.BUY, Type: types.OrderTypeMarket,
			QuoteOrderQty: decimal.NewFromInt(5000)},
	}
	for _, req := range orders {
		receipt, err := ex.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		logger.Info("order accepted", "order_id", receipt.OrderID,
			"user_id", req.UserID, "side", req.Side, "type", req.Type)
	}

	if rc, err := ex.AttachReplay(demoTicks(symbol)); err != nil {
		return err
	} else if err := runReplay(rc); err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ex.DrainEvents(drainCtx); err != nil {
		return err
	}

	depth, err := ex.Depth(ctx, symbol, 5)
	if err != nil {
		return err
	}
	trades, err := ex.RecentTrades(ctx, symbol, 10)
	if err != nil {
		return err
	}
	logger.Info("demo book state", "symbol", symbol,
		"bids", len(depth.Bids), "asks", len(depth.Asks), "trades", len(trades))

	for _, user := range []string{"alice", "bob"} {
		snap, err := ex.Snapshot(user)
		if err != nil {
			return err
		}
		for _, b := range snap.Balances {
			logger.Info("demo balance", "user_id", user,
				"asset", b.Asset, "free", b.Free, "locked", b.Locked)
		}
	}

	bus := ex.BusStats()
	hub := ex.HubStats()
	logger.Info("demo complete",
		"events_published", bus.Published,
		"events_processed", bus.Processed,
		"events_dropped", bus.Dropped,
		"hub_delivered", hub.Delivered,
		"replay_processed", ex.Replay().Processed(),
	)
	return nil
}

// demoTicks synthesizes a short tick feed around the demo's trading range,
// spaced so ACCELERATED and REALTIME modes have gaps to clock out.
func demoTicks(symbol string) replay.Source {
	base := time.Now().Add(-time.Second)
	prices := []string{"50100", "50120", "50080", "50150", "50110"}
	recs := make([]replay.Record, 0, len(prices))
	for i, p := range prices {
		recs = append(recs, replay.Record{
			Time: base.Add(time.Duration(i) * 200 * time.Millisecond),
			Data: types.MarketTick{
				Symbol:   symbol,
				Price:    decimal.RequireFromString(p),
				Quantity: decimal.RequireFromString("0.1"),
			},
		})
	}
	return replay.NewSliceSource("demo-ticks", recs)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runReplay drives the controller to completion in whatever mode the config
// selected. STEPPED is advanced manually; clocked modes run on their own.
func runReplay(rc *replay.Controller) error {
	if err := rc.Start(); err != nil {
		return err
	}
	for {
		if _, ok := rc.Step(); !ok {
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return rc.Wait(ctx)
}
