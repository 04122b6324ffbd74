package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

// sessionStats accumulates one symbol's trade statistics since engine
// start, feeding the ticker stream.
type sessionStats struct {
	count       uint64
	open        decimal.Decimal
	high        decimal.Decimal
	low         decimal.Decimal
	last        decimal.Decimal
	baseVolume  decimal.Decimal
	quoteVolume decimal.Decimal
}

func (s *sessionStats) record(t types.Trade) {
	if s.count == 0 {
		s.open = t.Price
		s.high = t.Price
		s.low = t.Price
	}
	if t.Price.GreaterThan(s.high) {
		s.high = t.Price
	}
	if t.Price.LessThan(s.low) {
		s.low = t.Price
	}
	s.last = t.Price
	s.baseVolume = s.baseVolume.Add(t.Quantity)
	s.quoteVolume = s.quoteVolume.Add(t.Notional())
	s.count++
}

func (s *sessionStats) snapshot(symbol string, now time.Time) types.TickerUpdate {
	return types.TickerUpdate{
		Symbol:      symbol,
		LastPrice:   s.last,
		OpenPrice:   s.open,
		HighPrice:   s.high,
		LowPrice:    s.low,
		BaseVolume:  s.baseVolume,
		QuoteVolume: s.quoteVolume,
		TradeCount:  s.count,
		Time:        now,
	}
}
