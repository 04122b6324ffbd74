// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator: order and trade
// records, symbol metadata, account snapshots, event bus payloads, and the
// wire-level notification schemas. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeStop      OrderType = "STOP"       // becomes MARKET on trigger
	OrderTypeStopLimit OrderType = "STOP_LIMIT" // becomes LIMIT on trigger
)

// TimeInForce controls what happens to the unfilled remainder of a LIMIT
// order after its matching pass.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // rest on the book until filled or cancelled
	IOC TimeInForce = "IOC" // fill what crosses, cancel the rest
	FOK TimeInForce = "FOK" // fill completely or cancel without any fill
)

// OrderStatus is the lifecycle state of an order. Terminal states are never
// left once entered.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH" // killed by self-trade prevention
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired, StatusExpiredInMatch:
		return true
	}
	return false
}

// ExecutionType is the cause of an order update, as opposed to OrderStatus
// which is the state after it. A partial fill is exec TRADE with status
// PARTIALLY_FILLED; an STP kill is exec EXPIRED with status EXPIRED_IN_MATCH.
type ExecutionType string

const (
	ExecNew      ExecutionType = "NEW"
	ExecTrade    ExecutionType = "TRADE"
	ExecCanceled ExecutionType = "CANCELED"
	ExecExpired  ExecutionType = "EXPIRED"
	ExecRejected ExecutionType = "REJECTED"
)

// STPMode selects the self-trade prevention policy applied when a taker
// would fill against a resting order from the same user.
type STPMode string

const (
	STPNone        STPMode = "NONE"         // allow self-trades
	STPExpireTaker STPMode = "EXPIRE_TAKER" // kill the incoming order
	STPExpireMaker STPMode = "EXPIRE_MAKER" // kill the resting order, keep matching
	STPExpireBoth  STPMode = "EXPIRE_BOTH"  // kill both
)

// PriceMatchMode re-prices an order from the live book at match time instead
// of using the submitted price.
type PriceMatchMode string

const (
	PriceMatchNone     PriceMatchMode = "NONE"
	PriceMatchOpponent PriceMatchMode = "OPPONENT" // best price on the opposite side
	PriceMatchQueue    PriceMatchMode = "QUEUE"    // best price on our own side
)

// Reject reason codes carried on REJECTED and EXPIRED orders.
const (
	ReasonPriceFilter         = "PRICE_FILTER"
	ReasonLotSize             = "LOT_SIZE"
	ReasonMinNotional         = "MIN_NOTIONAL"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonNoLiquidity         = "NO_LIQUIDITY"
	ReasonUnknownSymbol       = "UNKNOWN_SYMBOL"
	ReasonInvalidOrder        = "INVALID_ORDER"
)

// SymbolInfo describes one tradable pair and its validation filters.
type SymbolInfo struct {
	Symbol      string          // e.g. "BTCUSDT"
	BaseAsset   string          // e.g. "BTC"
	QuoteAsset  string          // e.g. "USDT"
	TickSize    decimal.Decimal // price increment
	LotSize     decimal.Decimal // quantity increment and minimum
	MinNotional decimal.Decimal // minimum price*quantity, zero disables the check
}

// OrderRequest is the intake form for a new order. Zero-valued optional
// fields take their defaults during validation.
type OrderRequest struct {
	UserID        string
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteOrderQty decimal.Decimal // MARKET BUY spend budget, alternative to Quantity
	Price         decimal.Decimal // required for LIMIT and STOP_LIMIT
	StopPrice     decimal.Decimal // required for STOP and STOP_LIMIT
	TimeInForce   TimeInForce     // LIMIT only, defaults to GTC
	STP           STPMode         // defaults to the engine-wide setting
	PriceMatch    PriceMatchMode  // defaults to NONE
	ClientOrderID string          // caller-assigned label, echoed in events
}

// Order is the engine's record of one order. Instances are owned by a single
// symbol worker; everything handed out of the engine is a value copy, which
// is safe because every field is a value type.
type Order struct {
	ID            string
	ClientOrderID string
	UserID        string
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteOrderQty decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   TimeInForce
	STP           STPMode
	PriceMatch    PriceMatchMode

	Status         OrderStatus
	RejectReason   string
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Funds reserved for the open remainder. Consumed fill by fill and
	// released when the order reaches a terminal state.
	LockedAsset     string
	LockedRemaining decimal.Decimal
}

// Remaining returns the unfilled quantity. Market-by-quote orders have no
// target quantity, so their remainder is tracked as budget instead.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ByQuote reports whether the order is a market order sized by quote budget
// rather than base quantity.
func (o *Order) ByQuote() bool {
	return o.Type == OrderTypeMarket && o.Quantity.IsZero() && o.QuoteOrderQty.IsPositive()
}

// Fill applies one execution to the order, updating cumulative quantity, the
// running average fill price, and the status.
func (o *Order) Fill(price, qty decimal.Decimal, now time.Time) {
	prevNotional := o.AvgFillPrice.Mul(o.FilledQuantity)
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.AvgFillPrice = prevNotional.Add(price.Mul(qty)).Div(o.FilledQuantity)
	if o.Quantity.IsPositive() && !o.Remaining().IsPositive() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
	o.UpdatedAt = now
}

// Trade is one execution between two orders. IDs are assigned per symbol,
// strictly increasing in match order.
type Trade struct {
	ID           uint64
	Symbol       string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	BuyOrderID   string
	SellOrderID  string
	BuyerUserID  string
	SellerUserID string
	Timestamp    time.Time
	IsBuyerMaker bool // true when the resting side of the match was the buy order
}

// Notional returns price multiplied by quantity in the quote asset.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// AcceptReceipt is the synchronous answer to a place request. It reflects the
// order state after validation and fund locking; the matching pass itself
// reports through events.
type AcceptReceipt struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	RejectReason  string
}

// PriceLevel is one aggregated level of a depth snapshot.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// DepthSnapshot is a point-in-time aggregated view of one order book.
// Bids are sorted descending by price, asks ascending.
type DepthSnapshot struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the top bid price, if any.
func (d DepthSnapshot) BestBid() (decimal.Decimal, bool) {
	if len(d.Bids) == 0 {
		return decimal.Decimal{}, false
	}
	return d.Bids[0].Price, true
}

// BestAsk returns the top ask price, if any.
func (d DepthSnapshot) BestAsk() (decimal.Decimal, bool) {
	if len(d.Asks) == 0 {
		return decimal.Decimal{}, false
	}
	return d.Asks[0].Price, true
}

// AssetBalance is one asset's balance split into spendable and reserved
// parts. Total holdings are Free plus Locked.
type AssetBalance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b AssetBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// PositionView is the per-symbol position bookkeeping derived from fills:
// net base quantity, average entry cost, and realized profit in quote units.
type PositionView struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
}

// AccountSnapshot is a consistent copy of one account. Balances and
// positions are sorted by asset and symbol; zero balances are omitted.
type AccountSnapshot struct {
	UserID    string
	UpdatedAt time.Time
	Balances  []AssetBalance
	Positions []PositionView
}

// Balance returns the snapshot entry for an asset, or a zero balance when
// the asset does not appear.
func (s AccountSnapshot) Balance(asset string) AssetBalance {
	for _, b := range s.Balances {
		if b.Asset == asset {
			return b
		}
	}
	return AssetBalance{Asset: asset}
}

// TransactionType tags ledger journal entries.
type TransactionType string

const (
	TxDeposit  TransactionType = "DEPOSIT"
	TxWithdraw TransactionType = "WITHDRAW"
	TxTrade    TransactionType = "TRADE"
)

// Transaction is one journal entry in an account's history. Trade entries
// carry the execution details; transfer entries only use Asset and Amount.
type Transaction struct {
	ID     string
	Type   TransactionType
	Time   time.Time
	Asset  string
	Amount decimal.Decimal // signed: negative for outflows

	Symbol   string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	TradeID  uint64
}
