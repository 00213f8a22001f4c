package orderbook

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var seq uint64

func newOrder(user string, side core.Side, qty int64, price string, at time.Time) *core.Order {
	seq++
	return &core.Order{
		ID:                fmt.Sprintf("ord-%d", seq),
		UserID:            user,
		TokenID:           "PROP-1",
		Side:              side,
		Quantity:          qty,
		RemainingQuantity: qty,
		LimitPrice:        decimal.RequireFromString(price),
		Status:            core.OrderOpen,
		CreatedAt:         at,
		Seq:               seq,
	}
}

func mustAdd(t *testing.T, ob *OrderBook, o *core.Order) {
	t.Helper()
	if err := ob.Add(o); err != nil {
		t.Fatalf("Add(%s): %v", o.ID, err)
	}
}

func TestBestPricePriority(t *testing.T) {
	ob := New("PROP-1")
	mustAdd(t, ob, newOrder("a", core.Buy, 10, "9.50", t0))
	mustAdd(t, ob, newOrder("b", core.Buy, 10, "10.00", t0.Add(time.Second)))
	mustAdd(t, ob, newOrder("c", core.Sell, 10, "11", t0))
	mustAdd(t, ob, newOrder("d", core.Sell, 10, "10.5", t0.Add(time.Second)))

	if got := ob.BestBid(); got.UserID != "b" {
		t.Errorf("best bid owner = %s, want b", got.UserID)
	}
	if got := ob.BestAsk(); got.UserID != "d" {
		t.Errorf("best ask owner = %s, want d", got.UserID)
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	ob := New("PROP-1")
	late := newOrder("late", core.Sell, 5, "10", t0.Add(2*time.Second))
	early := newOrder("early", core.Sell, 5, "10", t0)
	mustAdd(t, ob, late)
	mustAdd(t, ob, early)

	if got := ob.BestAsk(); got.ID != early.ID {
		t.Errorf("best ask = %s, want earlier order %s", got.ID, early.ID)
	}
}

func TestReinsertKeepsOriginalPriority(t *testing.T) {
	ob := New("PROP-1")
	first := newOrder("u1", core.Buy, 10, "10", t0)
	second := newOrder("u2", core.Buy, 10, "10", t0.Add(time.Second))
	mustAdd(t, ob, first)
	mustAdd(t, ob, second)

	if _, ok := ob.Remove(first.ID); !ok {
		t.Fatal("remove failed")
	}
	mustAdd(t, ob, first)

	if got := ob.BestBid(); got.ID != first.ID {
		t.Errorf("reinserted order should regain head of queue, got %s", got.ID)
	}
}

func TestBestOppositeSkipsSelf(t *testing.T) {
	ob := New("PROP-1")
	mine := newOrder("alice", core.Sell, 10, "9", t0)
	other := newOrder("bob", core.Sell, 10, "9.5", t0)
	mustAdd(t, ob, mine)
	mustAdd(t, ob, other)

	got := ob.BestOpposite(core.Buy, "alice")
	if got == nil || got.ID != other.ID {
		t.Fatalf("BestOpposite = %v, want bob's order", got)
	}
	if got := ob.BestOpposite(core.Buy, "carol"); got.ID != mine.ID {
		t.Errorf("without self match the cheapest ask wins, got %s", got.ID)
	}
	if got := New("PROP-1").BestOpposite(core.Sell, "x"); got != nil {
		t.Errorf("empty book should return nil")
	}
}

func TestRemoveDropsEmptyLevel(t *testing.T) {
	ob := New("PROP-1")
	o := newOrder("a", core.Buy, 10, "10", t0)
	mustAdd(t, ob, o)
	ob.Remove(o.ID)

	if ob.Len() != 0 || ob.BestBid() != nil {
		t.Fatal("book should be empty")
	}
	if len(ob.Snapshot(0).Bids) != 0 {
		t.Error("empty level left in snapshot")
	}
	if _, ok := ob.Remove(o.ID); ok {
		t.Error("second remove should report false")
	}
}

func TestAddRejects(t *testing.T) {
	ob := New("PROP-1")
	o := newOrder("a", core.Buy, 10, "10", t0)
	mustAdd(t, ob, o)

	tests := []struct {
		name  string
		order *core.Order
	}{
		{"duplicate", o},
		{"filled", func() *core.Order {
			f := newOrder("a", core.Buy, 10, "10", t0)
			f.RemainingQuantity, f.Status = 0, core.OrderFilled
			return f
		}()},
		{"cancelled", func() *core.Order {
			c := newOrder("a", core.Sell, 10, "10", t0)
			c.Status = core.OrderCancelled
			return c
		}()},
		{"other token", func() *core.Order {
			x := newOrder("a", core.Sell, 10, "10", t0)
			x.TokenID = "PROP-2"
			return x
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ob.Add(tt.order); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	ob := New("PROP-1")
	mustAdd(t, ob, newOrder("a", core.Buy, 10, "10", t0))
	mustAdd(t, ob, newOrder("b", core.Buy, 5, "10.0", t0.Add(time.Second)))
	mustAdd(t, ob, newOrder("c", core.Buy, 7, "9", t0))
	mustAdd(t, ob, newOrder("d", core.Sell, 3, "12", t0))
	mustAdd(t, ob, newOrder("e", core.Sell, 4, "11", t0))

	snap := ob.Snapshot(0)
	if len(snap.Bids) != 2 || snap.Bids[0].Quantity != 15 || snap.Bids[0].OrderCount != 2 {
		t.Errorf("bid levels = %+v", snap.Bids)
	}
	if !snap.Asks[0].Price.Equal(decimal.NewFromInt(11)) {
		t.Errorf("best ask level = %s, want 11", snap.Asks[0].Price)
	}
	if snap.BidOrders[0].UserID != "a" || snap.BidOrders[1].UserID != "b" {
		t.Errorf("bid orders out of priority: %v, %v", snap.BidOrders[0].UserID, snap.BidOrders[1].UserID)
	}

	limited := ob.Snapshot(1)
	if len(limited.Bids) != 1 || len(limited.BidOrders) != 2 {
		t.Errorf("depth 1 snapshot = %d levels / %d orders", len(limited.Bids), len(limited.BidOrders))
	}

	// snapshot is a copy
	snap.BidOrders[0].RemainingQuantity = 0
	if ob.BestBid().RemainingQuantity != 10 {
		t.Error("snapshot aliases live orders")
	}
}

func TestWalkAndDepth(t *testing.T) {
	ob := New("PROP-1")
	mustAdd(t, ob, newOrder("a", core.Buy, 1, "10", t0))
	mustAdd(t, ob, newOrder("b", core.Sell, 1, "11", t0))
	mustAdd(t, ob, newOrder("c", core.Sell, 1, "12", t0))

	var visited int
	ob.Walk(func(*core.Order) bool { visited++; return true })
	if visited != 3 {
		t.Errorf("visited %d orders, want 3", visited)
	}
	bids, asks := ob.Depth()
	if bids != 1 || asks != 2 {
		t.Errorf("depth = %d/%d", bids, asks)
	}

	visited = 0
	ob.Walk(func(*core.Order) bool { visited++; return false })
	if visited != 1 {
		t.Errorf("walk should stop early, visited %d", visited)
	}
}
