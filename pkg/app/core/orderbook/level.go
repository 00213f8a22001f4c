package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

// level is the FIFO queue at one price.
type level struct {
	price  decimal.Decimal
	orders []*core.Order
}

// insert keeps the queue sorted by (CreatedAt, Seq). New orders almost always
// go to the tail, so check that first.
func (l *level) insert(o *core.Order) {
	n := len(l.orders)
	if n == 0 || l.orders[n-1].Before(o) {
		l.orders = append(l.orders, o)
		return
	}
	i := sort.Search(n, func(i int) bool { return o.Before(l.orders[i]) })
	l.orders = append(l.orders, nil)
	copy(l.orders[i+1:], l.orders[i:])
	l.orders[i] = o
}

func (l *level) remove(id string) {
	for i, o := range l.orders {
		if o.ID == id {
			copy(l.orders[i:], l.orders[i+1:])
			l.orders[len(l.orders)-1] = nil
			l.orders = l.orders[:len(l.orders)-1]
			return
		}
	}
}

func (l *level) empty() bool { return len(l.orders) == 0 }
