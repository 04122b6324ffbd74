// Package book implements the per-symbol order book: price-time priority
// resting orders on B-tree indexed price levels, plus a stop book of
// untriggered conditional orders keyed by stop price.
//
// The book is pure data structure. It never touches balances or emits
// events, and it is not safe for concurrent use; each symbol worker owns
// exactly one book and serializes access to it.
package book

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

const btreeDegree = 32

// levelItem adapts a price level to the btree.Item interface, ordered by
// price ascending.
type levelItem struct {
	price decimal.Decimal
	level *priceLevel
}

func (a *levelItem) Less(b btree.Item) bool {
	return a.price.LessThan(b.(*levelItem).price)
}

// bookSide is one side's price ladder. desc selects best-first iteration
// order: descending for bids, ascending for asks.
type bookSide struct {
	tree *btree.BTree
	desc bool
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), desc: desc}
}

func (s *bookSide) get(price decimal.Decimal) *priceLevel {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *bookSide) getOrCreate(price decimal.Decimal) *priceLevel {
	if l := s.get(price); l != nil {
		return l
	}
	l := newPriceLevel(price)
	s.tree.ReplaceOrInsert(&levelItem{price: price, level: l})
	return l
}

func (s *bookSide) delete(price decimal.Decimal) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the top-of-book level: highest price for bids, lowest for asks.
func (s *bookSide) best() *priceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

// iterate walks levels best-first until fn returns false.
func (s *bookSide) iterate(fn func(*priceLevel) bool) {
	wrap := func(item btree.Item) bool {
		return fn(item.(*levelItem).level)
	}
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

// OrderBook is the matching structure for one symbol. Resting LIMIT orders
// live on the bid and ask ladders; untriggered STOP and STOP_LIMIT orders
// live in the stop book until a trade price arms them.
type OrderBook struct {
	symbol string
	bids   *bookSide
	asks   *bookSide
	index  map[string]*queueNode
	stops  *stopBook
}

// New creates an empty book for one symbol.
func New(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		index:  make(map[string]*queueNode),
		stops:  newStopBook(),
	}
}

func (b *OrderBook) Symbol() string { return b.symbol }

// Len returns the number of resting orders, excluding the stop book.
func (b *OrderBook) Len() int { return len(b.index) }

// StopLen returns the number of untriggered stop orders.
func (b *OrderBook) StopLen() int { return b.stops.len() }

func (b *OrderBook) side(s types.Side) *bookSide {
	if s == types.BUY {
		return b.bids
	}
	return b.asks
}

// AddResting places an order on its side of the book at its limit price.
// Fails only on bookkeeping violations: duplicate ids or a missing price.
func (b *OrderBook) AddResting(o *types.Order) error {
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("order %s already on book", o.ID)
	}
	if b.stops.contains(o.ID) {
		return fmt.Errorf("order %s already in stop book", o.ID)
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("order %s has no limit price", o.ID)
	}
	level := b.side(o.Side).getOrCreate(o.Price)
	b.index[o.ID] = level.append(o)
	return nil
}

// AddStop parks a stop order until its trigger fires.
func (b *OrderBook) AddStop(o *types.Order) error {
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("order %s already on book", o.ID)
	}
	return b.stops.add(o)
}

// Remove deletes an order from the resting book or the stop book.
// The second return is false when the id is in neither.
func (b *OrderBook) Remove(orderID string) (*types.Order, bool) {
	if n, ok := b.index[orderID]; ok {
		b.unlink(n)
		return n.order, true
	}
	return b.stops.remove(orderID)
}

func (b *OrderBook) unlink(n *queueNode) {
	level := n.level
	level.remove(n)
	delete(b.index, n.order.ID)
	if level.empty() {
		b.side(n.order.Side).delete(level.price)
	}
}

// Top returns the first order in price-time priority on the given side.
func (b *OrderBook) Top(side types.Side) (*types.Order, bool) {
	level := b.side(side).best()
	if level == nil {
		return nil, false
	}
	return level.front().order, true
}

// BestBid returns the highest resting buy price.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	level := b.bids.best()
	if level == nil {
		return decimal.Decimal{}, false
	}
	return level.price, true
}

// BestAsk returns the lowest resting sell price.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	level := b.asks.best()
	if level == nil {
		return decimal.Decimal{}, false
	}
	return level.price, true
}

// ApplyFill records qty filled against a resting order, keeping level totals
// in sync and unlinking the order once fully filled. The caller updates the
// order itself before calling.
func (b *OrderBook) ApplyFill(orderID string, qty decimal.Decimal) error {
	n, ok := b.index[orderID]
	if !ok {
		return fmt.Errorf("order %s not on book", orderID)
	}
	n.level.reduce(qty)
	if !n.order.Remaining().IsPositive() {
		b.unlink(n)
	}
	return nil
}

// Scan walks resting orders on one side in price-time priority until fn
// returns false. The book must not be mutated during the walk.
func (b *OrderBook) Scan(side types.Side, fn func(*types.Order) bool) {
	b.side(side).iterate(func(l *priceLevel) bool {
		for n := l.front(); n != nil; n = n.next {
			if !fn(n.order) {
				return false
			}
		}
		return true
	})
}

// Depth aggregates up to maxLevels price levels per side. maxLevels <= 0
// returns the whole book.
func (b *OrderBook) Depth(maxLevels int) types.DepthSnapshot {
	collect := func(s *bookSide) []types.PriceLevel {
		var out []types.PriceLevel
		s.iterate(func(l *priceLevel) bool {
			out = append(out, types.PriceLevel{Price: l.price, Quantity: l.totalQty})
			return maxLevels <= 0 || len(out) < maxLevels
		})
		return out
	}
	return types.DepthSnapshot{
		Symbol: b.symbol,
		Bids:   collect(b.bids),
		Asks:   collect(b.asks),
	}
}

// ActivateStops removes and returns every stop order triggered by a trade
// at price last. BUY stops fire when last rises to or beyond the stop
// price, SELL stops when it falls to or below. Triggered orders come back
// closest-trigger-first, FIFO within a price.
func (b *OrderBook) ActivateStops(last decimal.Decimal) []*types.Order {
	return b.stops.activate(last)
}

// PendingStops returns the untriggered stop orders, for inspection.
func (b *OrderBook) PendingStops() []*types.Order {
	return b.stops.pending()
}
