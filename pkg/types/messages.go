package types

// Wire-level notification schemas. These structs map 1:1 to the JSON
// messages delivered to subscribed clients; field keys follow the Binance
// user-data and market stream conventions so downstream strategy code can
// reuse existing parsers. All prices and quantities are strings, all
// timestamps are unix milliseconds.

// EventOrderUpdate through EventTicker are the "e" tags of the push messages.
const (
	EventOrderUpdate = "ORDER_TRADE_UPDATE"
	EventTrade       = "trade"
	EventDepth       = "depthUpdate"
	EventAccount     = "outboundAccountPosition"
	EventTicker      = "24hrTicker"
)

// OrderUpdateMsg is pushed on "<user>@order" for every order lifecycle
// transition.
type OrderUpdateMsg struct {
	Event     string             `json:"e"` // always "ORDER_TRADE_UPDATE"
	EventTime int64              `json:"E"`
	Order     OrderUpdateDetails `json:"o"`
}

// OrderUpdateDetails is the payload object of an OrderUpdateMsg.
type OrderUpdateDetails struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"` // "BUY" or "SELL"
	OrderType     string `json:"o"` // current type; triggered stops show the converted type
	TimeInForce   string `json:"f"`
	OrderID       string `json:"i"`
	Price         string `json:"p"`
	Quantity      string `json:"q"`
	ExecType      string `json:"x"` // cause: NEW, TRADE, CANCELED, EXPIRED, REJECTED
	Status        string `json:"X"` // state after: NEW, PARTIALLY_FILLED, ...
	FilledQty     string `json:"z"` // cumulative filled quantity
	TransactTime  int64  `json:"T"`
	CreateTime    int64  `json:"O"`

	STPMode       string `json:"V,omitempty"`  // set when not NONE
	PriceMatch    string `json:"pm,omitempty"` // set when not NONE
	StopPrice     string `json:"P,omitempty"`  // set for stop orders
	Fee           string `json:"n,omitempty"`  // fee charged by this fill
	FeeAsset      string `json:"N,omitempty"`
	LastFillPrice string `json:"L,omitempty"`
	LastFillQty   string `json:"l,omitempty"`
	RejectReason  string `json:"r,omitempty"`
}

// TradeMsg is pushed on "<symbol>@trade" for every execution.
type TradeMsg struct {
	Event        string `json:"e"` // always "trade"
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      uint64 `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyOrderID   string `json:"b"`
	SellOrderID  string `json:"a"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// DepthMsg is pushed on "<symbol>@depth" after every book mutation. Levels
// are [price, quantity] pairs; bids descend, asks ascend.
type DepthMsg struct {
	Event     string      `json:"e"` // always "depthUpdate"
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// AccountMsg is pushed on "<user>@account" after every balance change with
// the full post-change balance set.
type AccountMsg struct {
	Event      string       `json:"e"` // always "outboundAccountPosition"
	EventTime  int64        `json:"E"`
	UpdateTime int64        `json:"u"`
	Balances   []BalanceMsg `json:"B"`
}

// BalanceMsg is one asset entry of an AccountMsg.
type BalanceMsg struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

// TickerMsg is pushed on "<symbol>@ticker" after every trade.
type TickerMsg struct {
	Event       string `json:"e"` // always "24hrTicker"
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	LastPrice   string `json:"c"`
	OpenPrice   string `json:"o"`
	HighPrice   string `json:"h"`
	LowPrice    string `json:"l"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"q"`
	TradeCount  uint64 `json:"n"`
}

// ClientRequest is the envelope clients send on a fan-out session:
// {"method": "subscribe" | "unsubscribe" | "auth", "params": {...}, "id": n}.
// ID is echoed back verbatim in the response when present.
type ClientRequest struct {
	Method string        `json:"method"`
	Params RequestParams `json:"params"`
	ID     any           `json:"id,omitempty"`
}

// RequestParams carries the method-specific request arguments.
type RequestParams struct {
	Streams []string `json:"streams,omitempty"` // subscribe / unsubscribe
	APIKey  string   `json:"api_key,omitempty"` // auth
}

// ClientResponse answers a ClientRequest. Result is "success" or "partial";
// on partial success Streams lists what was applied and Errors what was not.
// Error is set instead of Result when the whole request failed.
type ClientResponse struct {
	Result  string        `json:"result,omitempty"`
	Streams []string      `json:"streams,omitempty"`
	Errors  []StreamError `json:"errors,omitempty"`
	UserID  string        `json:"user_id,omitempty"` // set on successful auth
	Error   string        `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

// StreamError explains why one stream of a subscribe request was refused.
type StreamError struct {
	Stream string `json:"stream"`
	Error  string `json:"error"`
}
