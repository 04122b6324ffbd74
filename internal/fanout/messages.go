package fanout

import (
	"encoding/json"
	"fmt"

	"spotsim/pkg/types"
)

// encode renders one event into its wire message. Payload types without a
// client schema (replay ticks, system alerts) are an error here; the hub
// refuses subscriptions to those topics, so hitting one means a wiring bug.
func encode(evt types.Event) ([]byte, error) {
	msg, ok := wirePayload(evt)
	if !ok {
		return nil, fmt.Errorf("stream %s: no wire schema for %T", evt.Stream, evt.Payload)
	}
	return json.Marshal(msg)
}

func wirePayload(evt types.Event) (any, bool) {
	eventTime := evt.Time.UnixMilli()
	switch p := evt.Payload.(type) {
	case types.OrderUpdate:
		return types.OrderUpdateMsg{
			Event:     types.EventOrderUpdate,
			EventTime: eventTime,
			Order:     orderDetails(p),
		}, true

	case types.Trade:
		return types.TradeMsg{
			Event:        types.EventTrade,
			EventTime:    eventTime,
			Symbol:       p.Symbol,
			TradeID:      p.ID,
			Price:        types.WireDecimal(p.Price),
			Quantity:     types.WireDecimal(p.Quantity),
			BuyOrderID:   p.BuyOrderID,
			SellOrderID:  p.SellOrderID,
			TradeTime:    p.Timestamp.UnixMilli(),
			IsBuyerMaker: p.IsBuyerMaker,
		}, true

	case types.DepthSnapshot:
		return types.DepthMsg{
			Event:     types.EventDepth,
			EventTime: eventTime,
			Symbol:    p.Symbol,
			Bids:      wireLevels(p.Bids),
			Asks:      wireLevels(p.Asks),
		}, true

	case types.AccountUpdate:
		balances := make([]types.BalanceMsg, 0, len(p.Balances))
		for _, b := range p.Balances {
			balances = append(balances, types.BalanceMsg{
				Asset:  b.Asset,
				Free:   types.WireDecimal(b.Free),
				Locked: types.WireDecimal(b.Locked),
			})
		}
		return types.AccountMsg{
			Event:      types.EventAccount,
			EventTime:  eventTime,
			UpdateTime: p.UpdatedAt.UnixMilli(),
			Balances:   balances,
		}, true

	case types.TickerUpdate:
		return types.TickerMsg{
			Event:       types.EventTicker,
			EventTime:   eventTime,
			Symbol:      p.Symbol,
			LastPrice:   types.WireDecimal(p.LastPrice),
			OpenPrice:   types.WireDecimal(p.OpenPrice),
			HighPrice:   types.WireDecimal(p.HighPrice),
			LowPrice:    types.WireDecimal(p.LowPrice),
			BaseVolume:  types.WireDecimal(p.BaseVolume),
			QuoteVolume: types.WireDecimal(p.QuoteVolume),
			TradeCount:  p.TradeCount,
		}, true
	}
	return nil, false
}

// orderDetails flattens an order update into its wire object. Optional
// fields appear only when relevant: fill details on TRADE executions, the
// stop price for stop orders, modes when not NONE, the reason on rejects
// and expiries.
func orderDetails(u types.OrderUpdate) types.OrderUpdateDetails {
	o := u.Order
	d := types.OrderUpdateDetails{
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		Side:          string(o.Side),
		OrderType:     string(o.Type),
		TimeInForce:   string(o.TimeInForce),
		OrderID:       o.ID,
		Price:         types.WireDecimal(o.Price),
		Quantity:      types.WireDecimal(o.Quantity),
		ExecType:      string(u.Exec),
		Status:        string(o.Status),
		FilledQty:     types.WireDecimal(o.FilledQuantity),
		TransactTime:  u.Time.UnixMilli(),
		CreateTime:    o.CreatedAt.UnixMilli(),
	}
	if o.STP != "" && o.STP != types.STPNone {
		d.STPMode = string(o.STP)
	}
	if o.PriceMatch != "" && o.PriceMatch != types.PriceMatchNone {
		d.PriceMatch = string(o.PriceMatch)
	}
	if o.StopPrice.IsPositive() {
		d.StopPrice = types.WireDecimal(o.StopPrice)
	}
	if u.Exec == types.ExecTrade {
		d.Fee = types.WireDecimal(u.Fee)
		d.FeeAsset = u.FeeAsset
		d.LastFillPrice = types.WireDecimal(u.LastPrice)
		d.LastFillQty = types.WireDecimal(u.LastQuantity)
	}
	if o.RejectReason != "" {
		d.RejectReason = o.RejectReason
	}
	return d
}

func wireLevels(levels []types.PriceLevel) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, [2]string{
			types.WireDecimal(lvl.Price),
			types.WireDecimal(lvl.Quantity),
		})
	}
	return out
}
