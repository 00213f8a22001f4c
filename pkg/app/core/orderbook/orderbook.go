package orderbook

import (
	"fmt"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

const btreeDegree = 16

// PriceLevel is the aggregated view of one price on one side.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OrderCount int             `json:"orderCount"`
}

// Snapshot is a point-in-time copy of a token's book, best price first.
type Snapshot struct {
	TokenID string       `json:"tokenId"`
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
	// Orders in matching priority; only levels within depth are included.
	BidOrders []core.Order `json:"bidOrders"`
	AskOrders []core.Order `json:"askOrders"`
}

// OrderBook holds resting limit orders for one token.
//
// Each side is an ordered tree of price levels; the tree's minimum is always
// the best price, so Ascend walks in matching priority. Within a level orders
// are kept sorted by (CreatedAt, Seq).
//
// The book is not safe for concurrent use. It is owned by a single matching
// goroutine.
type OrderBook struct {
	tokenID string
	bids    *btree.BTreeG[*level]
	asks    *btree.BTreeG[*level]

	// order ID -> resting order, for O(log n) removal
	index map[string]*core.Order
}

func New(tokenID string) *OrderBook {
	return &OrderBook{
		tokenID: tokenID,
		bids: btree.NewG(btreeDegree, func(a, b *level) bool {
			return a.price.GreaterThan(b.price) // best bid = highest
		}),
		asks: btree.NewG(btreeDegree, func(a, b *level) bool {
			return a.price.LessThan(b.price) // best ask = lowest
		}),
		index: make(map[string]*core.Order),
	}
}

func (ob *OrderBook) TokenID() string { return ob.tokenID }

func (ob *OrderBook) side(s core.Side) *btree.BTreeG[*level] {
	if s == core.Buy {
		return ob.bids
	}
	return ob.asks
}

// Add rests o on its side at its time priority. A reinserted order lands at
// its original CreatedAt position, not at the tail.
func (ob *OrderBook) Add(o *core.Order) error {
	if o.TokenID != ob.tokenID {
		return fmt.Errorf("order %s is for token %s, book is %s", o.ID, o.TokenID, ob.tokenID)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("order %s: %w", o.ID, core.ErrInvalidSide)
	}
	if !o.Status.IsResting() || o.RemainingQuantity <= 0 {
		return fmt.Errorf("order %s is %s and cannot rest", o.ID, o.Status)
	}
	if _, dup := ob.index[o.ID]; dup {
		return fmt.Errorf("order %s already on book", o.ID)
	}

	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.LimitPrice})
	if !ok {
		lvl = &level{price: o.LimitPrice}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.insert(o)
	ob.index[o.ID] = o
	return nil
}

// Remove takes an order off the book. Returns false if it was not resting.
func (ob *OrderBook) Remove(id string) (*core.Order, bool) {
	o, ok := ob.index[id]
	if !ok {
		return nil, false
	}
	delete(ob.index, id)

	tree := ob.side(o.Side)
	lvl, ok := tree.Get(&level{price: o.LimitPrice})
	if !ok {
		return o, true
	}
	lvl.remove(id)
	if lvl.empty() {
		tree.Delete(lvl)
	}
	return o, true
}

func (ob *OrderBook) Get(id string) (*core.Order, bool) {
	o, ok := ob.index[id]
	return o, ok
}

func (ob *OrderBook) Contains(id string) bool {
	_, ok := ob.index[id]
	return ok
}

func (ob *OrderBook) Len() int { return len(ob.index) }

// Depth returns the number of resting orders per side.
func (ob *OrderBook) Depth() (bids, asks int) {
	for _, o := range ob.index {
		if o.Side == core.Buy {
			bids++
		} else {
			asks++
		}
	}
	return bids, asks
}

func (ob *OrderBook) BestBid() *core.Order { return best(ob.bids, "") }
func (ob *OrderBook) BestAsk() *core.Order { return best(ob.asks, "") }

// BestOpposite returns the highest-priority order an incoming order on side s
// could trade with, skipping orders owned by excludeUser.
func (ob *OrderBook) BestOpposite(s core.Side, excludeUser string) *core.Order {
	return best(ob.side(s.Opposite()), excludeUser)
}

func best(tree *btree.BTreeG[*level], excludeUser string) *core.Order {
	var found *core.Order
	tree.Ascend(func(lvl *level) bool {
		for _, o := range lvl.orders {
			if excludeUser != "" && o.UserID == excludeUser {
				continue
			}
			found = o
			return false
		}
		return true
	})
	return found
}

// Walk visits every resting order, bids first then asks, in priority order.
// fn must not mutate the book; collect and act afterwards.
func (ob *OrderBook) Walk(fn func(o *core.Order) bool) {
	cont := true
	visit := func(lvl *level) bool {
		for _, o := range lvl.orders {
			if cont = fn(o); !cont {
				return false
			}
		}
		return true
	}
	ob.bids.Ascend(visit)
	if cont {
		ob.asks.Ascend(visit)
	}
}

// Snapshot copies up to depth price levels per side (depth <= 0 means all).
func (ob *OrderBook) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		TokenID:   ob.tokenID,
		Bids:      []PriceLevel{},
		Asks:      []PriceLevel{},
		BidOrders: []core.Order{},
		AskOrders: []core.Order{},
	}
	snap.Bids, snap.BidOrders = collect(ob.bids, depth)
	snap.Asks, snap.AskOrders = collect(ob.asks, depth)
	return snap
}

func collect(tree *btree.BTreeG[*level], depth int) ([]PriceLevel, []core.Order) {
	levels := []PriceLevel{}
	orders := []core.Order{}
	tree.Ascend(func(lvl *level) bool {
		if depth > 0 && len(levels) >= depth {
			return false
		}
		pl := PriceLevel{Price: lvl.price, OrderCount: len(lvl.orders)}
		for _, o := range lvl.orders {
			pl.Quantity += o.RemainingQuantity
			orders = append(orders, *o)
		}
		levels = append(levels, pl)
		return true
	})
	return levels, orders
}
