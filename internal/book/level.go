package book

import (
	"github.com/shopspring/decimal"

	"spotsim/pkg/types"
)

// queueNode is one resting order's slot in a price level's FIFO queue.
// Nodes are doubly linked so cancellation anywhere in the queue is O(1).
type queueNode struct {
	order *types.Order
	prev  *queueNode
	next  *queueNode
	level *priceLevel
}

// priceLevel holds all resting orders at one price in arrival order.
// totalQty tracks the sum of unfilled quantities for depth snapshots.
type priceLevel struct {
	price    decimal.Decimal
	head     *queueNode
	tail     *queueNode
	count    int
	totalQty decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{price: price}
}

// append adds an order to the back of the queue and returns its node.
func (l *priceLevel) append(o *types.Order) *queueNode {
	n := &queueNode{order: o, level: l}
	if l.tail == nil {
		l.head = n
		l.tail = n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}
	l.count++
	l.totalQty = l.totalQty.Add(o.Remaining())
	return n
}

// remove unlinks a node. The order's current unfilled quantity is deducted
// from the level total, so callers must remove before mutating the order.
func (l *priceLevel) remove(n *queueNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.count--
	l.totalQty = l.totalQty.Sub(n.order.Remaining())
}

// reduce deducts a filled quantity from the level total while the order
// stays queued.
func (l *priceLevel) reduce(qty decimal.Decimal) {
	l.totalQty = l.totalQty.Sub(qty)
}

// front returns the oldest node, or nil when the level is empty.
func (l *priceLevel) front() *queueNode {
	return l.head
}

func (l *priceLevel) empty() bool {
	return l.count == 0
}
