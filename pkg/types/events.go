package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventPriority classifies events for queueing and handler ordering. Higher
// values are dispatched first and survive longer under backpressure.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of priority classes.
const NumPriorities = 4

func (p EventPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("EventPriority(%d)", int(p))
}

// Event is one message on the bus. Stream is the routing key, in the form
// "<scope>@<topic>" where scope is a symbol or user id. Payload is one of
// the typed payloads below; handlers type-switch on it.
//
// Every event on a given stream must carry the same priority. Events within
// one stream, and across streams that share a scope, are delivered in
// publication order.
type Event struct {
	Stream   string
	Priority EventPriority
	Time     time.Time
	Payload  any
}

// Stream topics. Market topics are scoped by symbol, user topics by user id.
const (
	TopicTrade      = "trade"
	TopicDepth      = "depth"
	TopicTicker     = "ticker"
	TopicOrder      = "order"
	TopicAccount    = "account"
	TopicMarketData = "md"
	TopicAlert      = "alert"
)

// StreamAlerts carries engine alerts such as settlement failures.
const StreamAlerts = "system@" + TopicAlert

// WildcardStream subscribes to every stream on the bus.
const WildcardStream = "*"

func StreamTrade(symbol string) string      { return symbol + "@" + TopicTrade }
func StreamDepth(symbol string) string      { return symbol + "@" + TopicDepth }
func StreamTicker(symbol string) string     { return symbol + "@" + TopicTicker }
func StreamOrder(userID string) string      { return userID + "@" + TopicOrder }
func StreamAccount(userID string) string    { return userID + "@" + TopicAccount }
func StreamMarketData(symbol string) string { return symbol + "@" + TopicMarketData }

// SplitStream breaks a stream key into scope and topic. ok is false when the
// key is not of the form "<scope>@<topic>" with both parts non-empty.
func SplitStream(key string) (scope, topic string, ok bool) {
	i := strings.Index(key, "@")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// StreamScope returns the scope part of a stream key, or the key itself when
// it has no separator. Used for serialization lanes.
func StreamScope(key string) string {
	if scope, _, ok := SplitStream(key); ok {
		return scope
	}
	return key
}

// OrderUpdate is the payload on "<user>@order" streams: one order lifecycle
// transition. Order is a snapshot taken at the transition.
type OrderUpdate struct {
	Order Order
	Exec  ExecutionType
	Time  time.Time

	// Fill details, set when Exec is TRADE.
	LastPrice    decimal.Decimal
	LastQuantity decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
}

// AccountUpdate is the payload on "<user>@account" streams, published after
// every balance mutation with the full post-mutation balance set.
type AccountUpdate struct {
	UserID    string
	UpdatedAt time.Time
	Balances  []AssetBalance
}

// TickerUpdate is the payload on "<symbol>@ticker" streams: rolling session
// statistics refreshed on every trade.
type TickerUpdate struct {
	Symbol      string
	LastPrice   decimal.Decimal
	OpenPrice   decimal.Decimal
	HighPrice   decimal.Decimal
	LowPrice    decimal.Decimal
	BaseVolume  decimal.Decimal
	QuoteVolume decimal.Decimal
	TradeCount  uint64
	Time        time.Time
}

// MarketTick is a replayed market data point, published on "<symbol>@md"
// streams during data-driven sessions.
type MarketTick struct {
	Symbol   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Alert is the payload on the system alert stream. Code is a stable
// machine-readable tag such as "SETTLEMENT_FAILED".
type Alert struct {
	Code    string
	Message string
	Time    time.Time
}
