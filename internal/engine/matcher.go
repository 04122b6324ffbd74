package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotsim/internal/ledger"
	"spotsim/pkg/types"
)

// fillFee is one side's fee on one fill.
type fillFee struct {
	amount decimal.Decimal
	asset  string
}

// handlePlace runs the intake pipeline: validate, park stops, resolve the
// effective price, lock funds, then reply with the receipt and match. The
// caller gets its receipt as soon as the order is accepted; fills and the
// residual outcome report through order-update events.
func (w *symbolWorker) handlePlace(m placeMsg) {
	o := w.newOrder(m.req)
	w.orders[o.ID] = o

	if reason := w.validate(o); reason != "" {
		w.reject(o, reason)
		m.reply <- placeResult{receipt: receiptOf(o)}
		return
	}

	now := time.Now()
	if o.Type == types.OrderTypeStop || o.Type == types.OrderTypeStopLimit {
		if err := w.book.AddStop(o); err != nil {
			w.logger.Error("stop park failed", "order_id", o.ID, "error", err)
			w.reject(o, types.ReasonInvalidOrder)
			m.reply <- placeResult{receipt: receiptOf(o)}
			return
		}
		w.publishOrder(o, types.ExecNew, now)
		w.logger.Debug("stop parked", "order_id", o.ID, "stop_price", o.StopPrice)
		m.reply <- placeResult{receipt: receiptOf(o)}
		return
	}

	if !w.prepareTaker(o) {
		m.reply <- placeResult{receipt: receiptOf(o)}
		return
	}
	w.publishOrder(o, types.ExecNew, now)
	m.reply <- placeResult{receipt: receiptOf(o)}

	w.match(o)
	w.finishTaker(o)
	w.drainActivations()
}

func (w *symbolWorker) newOrder(req types.OrderRequest) *types.Order {
	now := time.Now()
	o := &types.Order{
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
		STP:           req.STP,
		PriceMatch:    req.PriceMatch,
		Status:        types.StatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.TimeInForce == "" {
		o.TimeInForce = types.GTC
	}
	if o.STP == "" {
		o.STP = w.eng.cfg.STPDefault
	}
	if o.PriceMatch == "" {
		o.PriceMatch = types.PriceMatchNone
	}
	return o
}

func receiptOf(o *types.Order) types.AcceptReceipt {
	return types.AcceptReceipt{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        o.Status,
		RejectReason:  o.RejectReason,
	}
}

func (w *symbolWorker) reject(o *types.Order, reason string) {
	now := time.Now()
	o.Status = types.StatusRejected
	o.RejectReason = reason
	o.UpdatedAt = now
	w.publishOrder(o, types.ExecRejected, now)
	w.logger.Debug("order rejected", "order_id", o.ID, "user_id", o.UserID, "reason", reason)
}

// prepareTaker resolves the effective price and reserves funds, publishing
// the rejection and returning false when either step fails.
func (w *symbolWorker) prepareTaker(o *types.Order) bool {
	if reason := w.resolvePriceMatch(o); reason != "" {
		w.reject(o, reason)
		return false
	}
	if !w.lockFunds(o) {
		w.reject(o, types.ReasonInsufficientBalance)
		return false
	}
	return true
}

// resolvePriceMatch rewrites a price-matched order's limit price from the
// live book: OPPONENT takes the best price opposite the order, QUEUE the
// best price on its own side. Resolution runs before funds are locked so
// the reservation covers the effective price, which under QUEUE can sit
// above the submitted one.
func (w *symbolWorker) resolvePriceMatch(o *types.Order) string {
	if o.PriceMatch == types.PriceMatchNone {
		return ""
	}
	refSide := o.Side.Opposite()
	if o.PriceMatch == types.PriceMatchQueue {
		refSide = o.Side
	}
	var best decimal.Decimal
	var ok bool
	if refSide == types.BUY {
		best, ok = w.book.BestBid()
	} else {
		best, ok = w.book.BestAsk()
	}
	if !ok {
		if o.Type == types.OrderTypeMarket {
			return types.ReasonNoLiquidity
		}
		return "" // empty reference side, proceed at the submitted price
	}
	if o.Type != types.OrderTypeMarket {
		o.Price = best
	}
	return ""
}

// lockFunds reserves what the order may spend: quote notional for buys,
// base quantity for sells. A quantity-sized MARKET BUY reserves a best-ask
// envelope with slippage headroom; against empty asks it reserves nothing
// and will expire during matching.
func (w *symbolWorker) lockFunds(o *types.Order) bool {
	var asset string
	var amount decimal.Decimal
	switch {
	case o.Side == types.SELL:
		asset = w.info.BaseAsset
		amount = o.Remaining()
	case o.ByQuote():
		asset = w.info.QuoteAsset
		amount = o.QuoteOrderQty
	case o.Type == types.OrderTypeMarket:
		asset = w.info.QuoteAsset
		if ask, ok := w.book.BestAsk(); ok {
			headroom := decimal.NewFromInt(1).Add(w.eng.cfg.MarketBuySlippage)
			amount = ask.Mul(o.Remaining()).Mul(headroom)
		}
	default:
		asset = w.info.QuoteAsset
		amount = o.Price.Mul(o.Remaining())
	}

	o.LockedAsset = asset
	o.LockedRemaining = amount
	if !amount.IsPositive() {
		return true
	}
	if err := w.eng.ledger.LockFunds(o.UserID, asset, amount); err != nil {
		o.LockedRemaining = decimal.Zero
		w.logger.Debug("lock failed",
			"order_id", o.ID, "user_id", o.UserID,
			"asset", asset, "amount", amount, "error", err)
		return false
	}
	return true
}

// match walks the opposite side of the book filling the taker at resting
// prices. FOK orders run a dry feasibility pass first and cancel untouched
// when the book cannot absorb them.
func (w *symbolWorker) match(o *types.Order) {
	if o.TimeInForce == types.FOK && o.Type == types.OrderTypeLimit {
		if !w.fokFeasible(o) {
			now := time.Now()
			o.Status = types.StatusCanceled
			o.UpdatedAt = now
			w.release(o)
			w.publishOrder(o, types.ExecCanceled, now)
			w.logger.Debug("fok infeasible", "order_id", o.ID)
			return
		}
	}

	opp := o.Side.Opposite()
	for {
		if !o.ByQuote() && !o.Remaining().IsPositive() {
			break
		}
		maker, ok := w.book.Top(opp)
		if !ok || !w.crosses(o, maker) {
			break
		}
		if o.UserID == maker.UserID {
			switch effectiveSTP(o, maker) {
			case types.STPExpireTaker:
				w.expireTaker(o)
				return
			case types.STPExpireMaker:
				w.expireMaker(maker)
				continue
			case types.STPExpireBoth:
				w.expireMaker(maker)
				w.expireTaker(o)
				return
			}
		}
		qty := w.fillQty(o, maker)
		if !qty.IsPositive() {
			break
		}
		w.executeFill(o, maker, qty)
	}
}

func (w *symbolWorker) crosses(taker, maker *types.Order) bool {
	if taker.Type == types.OrderTypeMarket {
		return true
	}
	if taker.Side == types.BUY {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return taker.Price.LessThanOrEqual(maker.Price)
}

// effectiveSTP picks the mode governing a would-be self-trade: the taker's
// when it asks for prevention, otherwise the resting order's.
func effectiveSTP(taker, maker *types.Order) types.STPMode {
	if taker.STP != types.STPNone {
		return taker.STP
	}
	return maker.STP
}

func (w *symbolWorker) expireTaker(o *types.Order) {
	now := time.Now()
	o.Status = types.StatusExpiredInMatch
	o.UpdatedAt = now
	w.release(o)
	w.publishOrder(o, types.ExecExpired, now)
	w.logger.Debug("self-trade prevented", "order_id", o.ID, "user_id", o.UserID, "role", "taker")
}

func (w *symbolWorker) expireMaker(maker *types.Order) {
	now := time.Now()
	if _, ok := w.book.Remove(maker.ID); !ok {
		w.logger.Error("resting order missing from book", "order_id", maker.ID)
	}
	maker.Status = types.StatusExpiredInMatch
	maker.UpdatedAt = now
	w.release(maker)
	w.publishOrder(maker, types.ExecExpired, now)
	w.publishDepth(now)
	w.logger.Debug("self-trade prevented", "order_id", maker.ID, "user_id", maker.UserID, "role", "maker")
}

// fokFeasible walks the opposite side without mutating anything, modelling
// the self-trade rules the live loop would apply, and reports whether the
// full quantity can fill.
func (w *symbolWorker) fokFeasible(o *types.Order) bool {
	need := o.Remaining()
	got := decimal.Zero
	w.book.Scan(o.Side.Opposite(), func(m *types.Order) bool {
		if !w.crosses(o, m) {
			return false
		}
		if m.UserID == o.UserID {
			switch effectiveSTP(o, m) {
			case types.STPExpireTaker, types.STPExpireBoth:
				return false
			case types.STPExpireMaker:
				return true
			}
		}
		got = got.Add(m.Remaining())
		return got.LessThan(need)
	})
	return got.GreaterThanOrEqual(need)
}

// fillQty sizes the next fill: limited by both remainders and, for market
// buys, by what the remaining reservation affords at the maker's price.
func (w *symbolWorker) fillQty(taker, maker *types.Order) decimal.Decimal {
	avail := maker.Remaining()
	if taker.ByQuote() {
		return decimal.Min(avail, w.affordable(taker, maker.Price))
	}
	qty := decimal.Min(taker.Remaining(), avail)
	if taker.Type == types.OrderTypeMarket && taker.Side == types.BUY {
		qty = decimal.Min(qty, w.affordable(taker, maker.Price))
	}
	return qty
}

// affordable converts a buy order's remaining reservation into base
// quantity at the given price, rounded down to the lot step.
func (w *symbolWorker) affordable(o *types.Order, price decimal.Decimal) decimal.Decimal {
	return types.QuantizeDown(o.LockedRemaining.Div(price), w.info.LotSize)
}

// executeFill performs one fill at the maker's price: updates both orders
// and the book, consumes reservations, settles through the ledger, then
// publishes the trade, both order updates, depth, and ticker. Settlement
// runs before any event so account updates precede the order updates they
// explain. Stops triggered by the trade price queue for activation.
func (w *symbolWorker) executeFill(taker, maker *types.Order, qty decimal.Decimal) {
	now := time.Now()
	price := maker.Price
	w.tradeSeq++
	t := types.Trade{
		ID:           w.tradeSeq,
		Symbol:       w.info.Symbol,
		Price:        price,
		Quantity:     qty,
		Timestamp:    now,
		IsBuyerMaker: maker.Side == types.BUY,
	}
	buyer, seller := taker, maker
	if taker.Side == types.SELL {
		buyer, seller = maker, taker
	}
	t.BuyOrderID = buyer.ID
	t.SellOrderID = seller.ID
	t.BuyerUserID = buyer.UserID
	t.SellerUserID = seller.UserID

	taker.Fill(price, qty, now)
	maker.Fill(price, qty, now)
	if err := w.book.ApplyFill(maker.ID, qty); err != nil {
		w.logger.Error("book fill failed", "order_id", maker.ID, "error", err)
	}

	buyer.LockedRemaining = buyer.LockedRemaining.Sub(t.Notional())
	seller.LockedRemaining = seller.LockedRemaining.Sub(qty)

	buyerFee, sellerFee := w.tradeFees(t)
	if err := w.eng.ledger.SettleTrade(ledger.TradeSettlement{
		Trade:          t,
		BaseAsset:      w.info.BaseAsset,
		QuoteAsset:     w.info.QuoteAsset,
		BuyerFee:       buyerFee.amount,
		BuyerFeeAsset:  buyerFee.asset,
		SellerFee:      sellerFee.amount,
		SellerFeeAsset: sellerFee.asset,
	}); err != nil {
		w.logger.Error("settlement failed", "trade_id", t.ID, "error", err)
		w.publishAlert("SETTLEMENT_FAILED",
			fmt.Sprintf("trade %d on %s: %v", t.ID, w.info.Symbol, err), now)
	}

	w.recordTrade(t)

	// A by-quote order is complete once the rest of the book cannot absorb
	// more of its budget; the final fill event then reports FILLED.
	if taker.ByQuote() {
		if next, ok := w.book.Top(taker.Side.Opposite()); ok && !w.affordable(taker, next.Price).IsPositive() {
			taker.Status = types.StatusFilled
		}
	}

	makerFee, takerFee := buyerFee, sellerFee
	if !t.IsBuyerMaker {
		makerFee, takerFee = sellerFee, buyerFee
	}

	w.publishTrade(t)
	w.publishFill(maker, t, makerFee, now)
	w.publishFill(taker, t, takerFee, now)
	w.publishDepth(now)
	w.publishTicker(now)

	if maker.Status == types.StatusFilled {
		w.release(maker)
	}

	w.activations = append(w.activations, w.book.ActivateStops(price)...)
}

// tradeFees computes both sides' fees for one trade. The resting side pays
// the maker rate. The default policy charges each side in the asset it
// receives; a fixed fee asset charges both sides on notional.
func (w *symbolWorker) tradeFees(t types.Trade) (buyer, seller fillFee) {
	rates := w.eng.cfg.Fees.Rates(w.info.Symbol)
	buyerRate, sellerRate := rates.Taker, rates.Maker
	if t.IsBuyerMaker {
		buyerRate, sellerRate = rates.Maker, rates.Taker
	}
	if asset := w.eng.cfg.Fees.FeeAsset; asset != "" {
		n := t.Notional()
		return fillFee{n.Mul(buyerRate), asset}, fillFee{n.Mul(sellerRate), asset}
	}
	return fillFee{t.Quantity.Mul(buyerRate), w.info.BaseAsset},
		fillFee{t.Notional().Mul(sellerRate), w.info.QuoteAsset}
}

// finishTaker resolves the residual after the match loop: GTC rests, IOC
// cancels, market remainders expire. Terminal orders only need their
// surplus reservation released.
func (w *symbolWorker) finishTaker(o *types.Order) {
	if o.Status.Terminal() {
		w.release(o)
		return
	}
	now := time.Now()
	switch {
	case o.Type == types.OrderTypeMarket:
		o.Status = types.StatusExpired
		o.RejectReason = types.ReasonNoLiquidity
		o.UpdatedAt = now
		w.release(o)
		w.publishOrder(o, types.ExecExpired, now)
	case o.TimeInForce == types.IOC:
		o.Status = types.StatusCanceled
		o.UpdatedAt = now
		w.release(o)
		w.publishOrder(o, types.ExecCanceled, now)
	default:
		if err := w.book.AddResting(o); err != nil {
			w.logger.Error("rest failed", "order_id", o.ID, "error", err)
			o.Status = types.StatusCanceled
			o.UpdatedAt = now
			w.release(o)
			w.publishOrder(o, types.ExecCanceled, now)
			return
		}
		w.publishDepth(now)
	}
}

// drainActivations runs triggered stop orders FIFO after the current taker
// completes. Fills here can trigger further stops, which join the same
// queue.
func (w *symbolWorker) drainActivations() {
	for len(w.activations) > 0 {
		o := w.activations[0]
		w.activations = w.activations[1:]
		w.activate(o)
	}
}

// activate converts a triggered stop into its executable form and runs it
// through the taker pipeline. A fresh NEW update carrying the converted
// type announces the trigger. Funds are reserved here, not at parking
// time, so activation can fail on balance.
func (w *symbolWorker) activate(o *types.Order) {
	if o.Type == types.OrderTypeStop {
		o.Type = types.OrderTypeMarket
	} else {
		o.Type = types.OrderTypeLimit
	}
	w.logger.Debug("stop activated", "order_id", o.ID, "type", o.Type, "stop_price", o.StopPrice)
	if !w.prepareTaker(o) {
		return
	}
	w.publishOrder(o, types.ExecNew, time.Now())
	w.match(o)
	w.finishTaker(o)
}
