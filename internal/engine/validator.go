package engine

import (
	"spotsim/pkg/types"
)

// validate applies structural rules and the symbol's filters, returning a
// reject reason code or "" when the order is acceptable. Enum fields have
// already been defaulted by newOrder.
func (w *symbolWorker) validate(o *types.Order) string {
	switch o.Side {
	case types.BUY, types.SELL:
	default:
		return types.ReasonInvalidOrder
	}
	switch o.Type {
	case types.OrderTypeLimit, types.OrderTypeMarket, types.OrderTypeStop, types.OrderTypeStopLimit:
	default:
		return types.ReasonInvalidOrder
	}
	switch o.TimeInForce {
	case types.GTC, types.IOC, types.FOK:
	default:
		return types.ReasonInvalidOrder
	}
	switch o.STP {
	case types.STPNone, types.STPExpireTaker, types.STPExpireMaker, types.STPExpireBoth:
	default:
		return types.ReasonInvalidOrder
	}
	switch o.PriceMatch {
	case types.PriceMatchNone, types.PriceMatchOpponent, types.PriceMatchQueue:
	default:
		return types.ReasonInvalidOrder
	}
	if o.Quantity.IsNegative() || o.QuoteOrderQty.IsNegative() {
		return types.ReasonInvalidOrder
	}

	// Sizing. Only a MARKET BUY may be sized by quote budget, and then
	// exactly one of the two sizes must be present.
	if o.QuoteOrderQty.IsPositive() {
		if o.Type != types.OrderTypeMarket || o.Side != types.BUY || !o.Quantity.IsZero() {
			return types.ReasonInvalidOrder
		}
		if o.QuoteOrderQty.LessThan(w.info.MinNotional) {
			return types.ReasonMinNotional
		}
	} else {
		if !o.Quantity.IsPositive() {
			return types.ReasonInvalidOrder
		}
		if !types.ConformsToStep(o.Quantity, w.info.LotSize) {
			return types.ReasonLotSize
		}
	}

	// Price rules per type: LIMIT and STOP_LIMIT carry a limit price,
	// MARKET and STOP must not.
	if o.Type == types.OrderTypeLimit || o.Type == types.OrderTypeStopLimit {
		if !o.Price.IsPositive() {
			return types.ReasonInvalidOrder
		}
		if !types.ConformsToStep(o.Price, w.info.TickSize) {
			return types.ReasonPriceFilter
		}
		if o.Price.Mul(o.Quantity).LessThan(w.info.MinNotional) {
			return types.ReasonMinNotional
		}
	} else if !o.Price.IsZero() {
		return types.ReasonInvalidOrder
	}

	// Trigger rules: stop types carry a stop price, plain types must not.
	if o.Type == types.OrderTypeStop || o.Type == types.OrderTypeStopLimit {
		if !o.StopPrice.IsPositive() {
			return types.ReasonInvalidOrder
		}
		if !types.ConformsToStep(o.StopPrice, w.info.TickSize) {
			return types.ReasonPriceFilter
		}
	} else if !o.StopPrice.IsZero() {
		return types.ReasonInvalidOrder
	}

	return ""
}
