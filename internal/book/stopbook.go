package book

import (
	"fmt"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

// stopKeyAsc orders stop prices ascending: BUY stops pop lowest-first, so
// the front of the list is the first to trigger as the price rises.
type stopKeyAsc struct{}

func (stopKeyAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (stopKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return f
}

// stopKeyDesc orders stop prices descending for SELL stops, which trigger
// highest-first as the price falls.
type stopKeyDesc struct{}

func (stopKeyDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (stopKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return -f
}

// stopLevel is the FIFO queue of stop orders sharing one stop price.
type stopLevel struct {
	stopPrice decimal.Decimal
	orders    []*types.Order
}

func (l *stopLevel) removeID(orderID string) *types.Order {
	for i, o := range l.orders {
		if o.ID == orderID {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return o
		}
	}
	return nil
}

// stopBook holds untriggered STOP and STOP_LIMIT orders on two skip lists,
// each fronted by the stop price nearest its trigger direction.
type stopBook struct {
	buys  *skiplist.SkipList // ascending: trigger when last >= stop
	sells *skiplist.SkipList // descending: trigger when last <= stop
	index map[string]*types.Order
}

func newStopBook() *stopBook {
	return &stopBook{
		buys:  skiplist.New(stopKeyAsc{}),
		sells: skiplist.New(stopKeyDesc{}),
		index: make(map[string]*types.Order),
	}
}

func (sb *stopBook) len() int { return len(sb.index) }

func (sb *stopBook) contains(orderID string) bool {
	_, ok := sb.index[orderID]
	return ok
}

func (sb *stopBook) list(side types.Side) *skiplist.SkipList {
	if side == types.BUY {
		return sb.buys
	}
	return sb.sells
}

func (sb *stopBook) add(o *types.Order) error {
	if _, ok := sb.index[o.ID]; ok {
		return fmt.Errorf("order %s already in stop book", o.ID)
	}
	if !o.StopPrice.IsPositive() {
		return fmt.Errorf("order %s has no stop price", o.ID)
	}
	list := sb.list(o.Side)
	var level *stopLevel
	if elem := list.Get(o.StopPrice); elem != nil {
		level = elem.Value.(*stopLevel)
	} else {
		level = &stopLevel{stopPrice: o.StopPrice}
		list.Set(o.StopPrice, level)
	}
	level.orders = append(level.orders, o)
	sb.index[o.ID] = o
	return nil
}

func (sb *stopBook) remove(orderID string) (*types.Order, bool) {
	o, ok := sb.index[orderID]
	if !ok {
		return nil, false
	}
	list := sb.list(o.Side)
	if elem := list.Get(o.StopPrice); elem != nil {
		level := elem.Value.(*stopLevel)
		level.removeID(orderID)
		if len(level.orders) == 0 {
			list.Remove(o.StopPrice)
		}
	}
	delete(sb.index, orderID)
	return o, true
}

// activate pops every order whose trigger condition is met by a trade at
// price last. Both lists keep their first-to-trigger level at the front, so
// popping stops at the first untriggered level.
func (sb *stopBook) activate(last decimal.Decimal) []*types.Order {
	var out []*types.Order
	for elem := sb.buys.Front(); elem != nil; elem = sb.buys.Front() {
		level := elem.Value.(*stopLevel)
		if level.stopPrice.GreaterThan(last) {
			break
		}
		out = append(out, level.orders...)
		sb.buys.Remove(level.stopPrice)
	}
	for elem := sb.sells.Front(); elem != nil; elem = sb.sells.Front() {
		level := elem.Value.(*stopLevel)
		if level.stopPrice.LessThan(last) {
			break
		}
		out = append(out, level.orders...)
		sb.sells.Remove(level.stopPrice)
	}
	for _, o := range out {
		delete(sb.index, o.ID)
	}
	return out
}

func (sb *stopBook) pending() []*types.Order {
	out := make([]*types.Order, 0, len(sb.index))
	for elem := sb.buys.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*stopLevel).orders...)
	}
	for elem := sb.sells.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*stopLevel).orders...)
	}
	return out
}
