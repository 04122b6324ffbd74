// Package config defines all configuration for the exchange simulator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via SPOTSIM_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"spotsim/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbols []SymbolConfig `mapstructure:"symbols"`
	Fees    FeesConfig     `mapstructure:"fees"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Bus     BusConfig      `mapstructure:"bus"`
	Replay  ReplayConfig   `mapstructure:"replay"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// SymbolConfig declares one tradable pair and its validation filters.
// Numeric filters are decimal strings so YAML float rounding never leaks
// into price arithmetic.
type SymbolConfig struct {
	Symbol      string `mapstructure:"symbol"`
	BaseAsset   string `mapstructure:"base_asset"`
	QuoteAsset  string `mapstructure:"quote_asset"`
	TickSize    string `mapstructure:"tick_size"`
	LotSize     string `mapstructure:"lot_size"`
	MinNotional string `mapstructure:"min_notional"` // empty or "0" disables the check
}

// Info parses the symbol declaration into the engine's representation.
func (s SymbolConfig) Info() (types.SymbolInfo, error) {
	tick, err := decimal.NewFromString(s.TickSize)
	if err != nil {
		return types.SymbolInfo{}, fmt.Errorf("symbol %s tick_size %q: %w", s.Symbol, s.TickSize, err)
	}
	lot, err := decimal.NewFromString(s.LotSize)
	if err != nil {
		return types.SymbolInfo{}, fmt.Errorf("symbol %s lot_size %q: %w", s.Symbol, s.LotSize, err)
	}
	minNotional := decimal.Zero
	if s.MinNotional != "" {
		minNotional, err = decimal.NewFromString(s.MinNotional)
		if err != nil {
			return types.SymbolInfo{}, fmt.Errorf("symbol %s min_notional %q: %w", s.Symbol, s.MinNotional, err)
		}
	}
	return types.SymbolInfo{
		Symbol:      s.Symbol,
		BaseAsset:   s.BaseAsset,
		QuoteAsset:  s.QuoteAsset,
		TickSize:    tick,
		LotSize:     lot,
		MinNotional: minNotional,
	}, nil
}

// FeesConfig sets default trading fee rates with optional per-symbol
// overrides. Rates are decimal fractions ("0.001" = 10 bps). An empty
// fee_asset charges fees in the asset each side receives; a fixed asset
// charges notional-based fees in that asset instead.
type FeesConfig struct {
	MakerRate string          `mapstructure:"maker_rate"`
	TakerRate string          `mapstructure:"taker_rate"`
	FeeAsset  string          `mapstructure:"fee_asset"`
	Overrides []SymbolFeeRule `mapstructure:"overrides"`
}

// SymbolFeeRule overrides the default rates for one symbol.
type SymbolFeeRule struct {
	Symbol    string `mapstructure:"symbol"`
	MakerRate string `mapstructure:"maker_rate"`
	TakerRate string `mapstructure:"taker_rate"`
}

// EngineConfig tunes the matching engine.
//
//   - STPDefault: self-trade prevention mode applied when an order does not
//     set one (NONE, EXPIRE_TAKER, EXPIRE_MAKER, EXPIRE_BOTH).
//   - MarketBuySlippage: fraction above best ask reserved when locking funds
//     for a quantity-sized MARKET BUY (e.g. "0.05" reserves 5% headroom).
//   - DepthLevels: price levels per side in published depth snapshots.
//   - RequestBuffer: per-symbol queue of in-flight order requests.
type EngineConfig struct {
	STPDefault        string `mapstructure:"stp_default"`
	MarketBuySlippage string `mapstructure:"market_buy_slippage"`
	DepthLevels       int    `mapstructure:"depth_levels"`
	RequestBuffer     int    `mapstructure:"request_buffer"`
}

// BusConfig sizes the event bus.
type BusConfig struct {
	QueueCapacity   int  `mapstructure:"queue_capacity"`
	DispatchWorkers int  `mapstructure:"dispatch_workers"`
	DropNewest      bool `mapstructure:"drop_newest"`
}

// ReplayConfig selects how recorded market data is clocked back out.
//
//   - Mode: BACKTEST (as fast as possible), REALTIME (original intervals),
//     ACCELERATED (intervals divided by speed_factor), STEPPED (manual).
//   - SpeedFactor: time scale for ACCELERATED; >1 is faster, <1 slower.
type ReplayConfig struct {
	Mode        string  `mapstructure:"mode"`
	SpeedFactor float64 `mapstructure:"speed_factor"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides
// (SPOTSIM_LOGGING_LEVEL, SPOTSIM_REPLAY_MODE, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPOTSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fees.maker_rate", "0.001")
	v.SetDefault("fees.taker_rate", "0.001")
	v.SetDefault("engine.stp_default", "NONE")
	v.SetDefault("engine.market_buy_slippage", "0.05")
	v.SetDefault("engine.depth_levels", 20)
	v.SetDefault("engine.request_buffer", 256)
	v.SetDefault("bus.queue_capacity", 4096)
	v.SetDefault("bus.dispatch_workers", 8)
	v.SetDefault("replay.mode", "BACKTEST")
	v.SetDefault("replay.speed_factor", 1.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Symbol == "" || s.BaseAsset == "" || s.QuoteAsset == "" {
			return fmt.Errorf("symbol entries need symbol, base_asset and quote_asset")
		}
		if seen[s.Symbol] {
			return fmt.Errorf("symbol %s declared twice", s.Symbol)
		}
		seen[s.Symbol] = true
		info, err := s.Info()
		if err != nil {
			return err
		}
		if !info.TickSize.IsPositive() {
			return fmt.Errorf("symbol %s tick_size must be > 0", s.Symbol)
		}
		if !info.LotSize.IsPositive() {
			return fmt.Errorf("symbol %s lot_size must be > 0", s.Symbol)
		}
		if info.MinNotional.IsNegative() {
			return fmt.Errorf("symbol %s min_notional must be >= 0", s.Symbol)
		}
	}
	if _, _, err := c.Fees.Rates(""); err != nil {
		return err
	}
	for _, o := range c.Fees.Overrides {
		if !seen[o.Symbol] {
			return fmt.Errorf("fee override for undeclared symbol %s", o.Symbol)
		}
		if _, _, err := c.Fees.Rates(o.Symbol); err != nil {
			return err
		}
	}
	switch types.STPMode(c.Engine.STPDefault) {
	case types.STPNone, types.STPExpireTaker, types.STPExpireMaker, types.STPExpireBoth:
	default:
		return fmt.Errorf("engine.stp_default must be one of: NONE, EXPIRE_TAKER, EXPIRE_MAKER, EXPIRE_BOTH")
	}
	if _, err := c.Engine.Slippage(); err != nil {
		return err
	}
	switch c.Replay.Mode {
	case "BACKTEST", "REALTIME", "ACCELERATED", "STEPPED":
	default:
		return fmt.Errorf("replay.mode must be one of: BACKTEST, REALTIME, ACCELERATED, STEPPED")
	}
	if c.Replay.SpeedFactor <= 0 {
		return fmt.Errorf("replay.speed_factor must be > 0")
	}
	return nil
}

// SymbolInfos parses every declared symbol.
func (c *Config) SymbolInfos() ([]types.SymbolInfo, error) {
	out := make([]types.SymbolInfo, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		info, err := s.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Rates resolves the maker and taker rates for a symbol, applying the
// matching override if one exists.
func (f FeesConfig) Rates(symbol string) (decimal.Decimal, decimal.Decimal, error) {
	makerStr, takerStr := f.MakerRate, f.TakerRate
	for _, o := range f.Overrides {
		if o.Symbol == symbol {
			if o.MakerRate != "" {
				makerStr = o.MakerRate
			}
			if o.TakerRate != "" {
				takerStr = o.TakerRate
			}
			break
		}
	}
	maker, err := decimal.NewFromString(makerStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fees.maker_rate %q: %w", makerStr, err)
	}
	taker, err := decimal.NewFromString(takerStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fees.taker_rate %q: %w", takerStr, err)
	}
	if maker.IsNegative() || taker.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("fee rates must be >= 0")
	}
	return maker, taker, nil
}

// Slippage parses the market-buy lock headroom.
func (e EngineConfig) Slippage() (decimal.Decimal, error) {
	s, err := decimal.NewFromString(e.MarketBuySlippage)
	if err != nil {
		return decimal.Zero, fmt.Errorf("engine.market_buy_slippage %q: %w", e.MarketBuySlippage, err)
	}
	if s.IsNegative() {
		return decimal.Zero, fmt.Errorf("engine.market_buy_slippage must be >= 0")
	}
	return s, nil
}
