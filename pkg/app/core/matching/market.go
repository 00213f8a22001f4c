package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperestate/pkg/events"
)

// market is the single goroutine that owns one token's book.
type market struct {
	e       *Engine
	tokenID string
	book    *orderbook.OrderBook
	inbox   chan func()
	done    chan struct{}

	// every order submitted for this token, live pointers shared with the book
	orders map[string]*core.Order
	// trades already reconciled
	reconciled map[string]struct{}
}

func newMarket(e *Engine, tokenID string) *market {
	return &market{
		e:          e,
		tokenID:    tokenID,
		book:       orderbook.New(tokenID),
		inbox:      make(chan func(), e.cfg.InboxSize),
		done:       make(chan struct{}),
		orders:     make(map[string]*core.Order),
		reconciled: make(map[string]struct{}),
	}
}

func (m *market) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

// exec runs fn on the market goroutine and waits for it to finish. ctx only
// bounds the wait to enqueue: a queued command always runs, so its outcome is
// reported even if ctx ends meanwhile.
func (m *market) exec(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.inbox <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return core.ErrEngineClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		// the command may have raced with shutdown
		select {
		case <-finished:
			return nil
		default:
			return core.ErrEngineClosed
		}
	}
}

func (m *market) submit(in core.Order) (core.Order, []core.Trade) {
	now := m.e.clock.Now()
	o := &core.Order{
		ID:                uuid.NewString(),
		UserID:            in.UserID,
		TokenID:           m.tokenID,
		Side:              in.Side,
		Quantity:          in.Quantity,
		RemainingQuantity: in.Quantity,
		LimitPrice:        in.LimitPrice,
		Status:            core.OrderOpen,
		CreatedAt:         now,
		ExpiresAt:         in.ExpiresAt,
		UpdatedAt:         now,
		Seq:               m.e.nextSeq(),
	}
	if o.ExpiresAt.IsZero() {
		o.ExpiresAt = now.Add(m.e.cfg.DefaultOrderTTL)
	}
	m.orders[o.ID] = o
	m.e.metrics.OrdersSubmitted.WithLabelValues(o.Side.String()).Inc()

	trades, makers := m.match(o, now)

	if o.RemainingQuantity > 0 {
		if err := m.book.Add(o); err != nil {
			// cannot happen for a fresh order; keep the order record consistent anyway
			m.e.logger.Errorw("order_rest_failed", "order_id", o.ID, "token_id", m.tokenID, "error", err)
		}
	}

	m.e.orders.Put(*o)
	for _, mk := range makers {
		m.e.orders.Put(*mk)
	}

	m.e.logger.Infow("order_submitted",
		"order_id", o.ID,
		"user_id", o.UserID,
		"token_id", o.TokenID,
		"side", o.Side.String(),
		"quantity", o.Quantity,
		"limit_price", o.LimitPrice.String(),
		"status", o.Status.String(),
		"trades", len(trades),
	)

	ctx := context.Background()
	m.e.publisher.Publish(ctx, events.New(events.TypeOrder, m.tokenID, now, *o))
	for _, mk := range makers {
		m.e.publisher.Publish(ctx, events.New(events.TypeOrder, m.tokenID, now, *mk))
	}
	for _, t := range trades {
		m.e.publisher.Publish(ctx, events.New(events.TypeTrade, m.tokenID, now, t))
	}
	m.publishBook(now)
	m.updateDepth()

	// hand-off happens after the book is consistent
	if m.e.OnTrade != nil {
		for _, t := range trades {
			m.e.OnTrade(t)
		}
	}
	return *o, trades
}

// match crosses the incoming order n against the opposite side. Orders from
// the same user are skipped, not cancelled. Trades execute at the resting
// order's price. It returns the trades and the resting orders it touched.
func (m *market) match(n *core.Order, now time.Time) ([]core.Trade, []*core.Order) {
	var (
		trades []core.Trade
		makers []*core.Order
	)
	for n.RemainingQuantity > 0 {
		r := m.book.BestOpposite(n.Side, n.UserID)
		if r == nil || !n.Crosses(r) {
			break
		}

		qty := min(n.RemainingQuantity, r.RemainingQuantity)
		price := r.LimitPrice

		n.Fill(qty, now)
		r.Fill(qty, now)
		if r.Status == core.OrderFilled {
			m.book.Remove(r.ID)
		}

		t := m.newTrade(n, r, qty, price, now)
		m.e.trades.Add(t)
		m.e.metrics.TradesExecuted.WithLabelValues(m.tokenID).Inc()
		m.e.logger.Infow("trade_executed",
			"trade_id", t.ID,
			"token_id", t.TokenID,
			"buy_order_id", t.BuyOrderID,
			"sell_order_id", t.SellOrderID,
			"quantity", t.Quantity,
			"price", t.ExecutionPrice.String(),
		)

		trades = append(trades, t)
		makers = append(makers, r)
	}
	return trades, makers
}

func (m *market) newTrade(n, r *core.Order, qty int64, price decimal.Decimal, now time.Time) core.Trade {
	buy, sell := n, r
	if n.Side == core.Sell {
		buy, sell = r, n
	}
	return core.Trade{
		ID:             uuid.NewString(),
		BuyOrderID:     buy.ID,
		SellOrderID:    sell.ID,
		BuyerID:        buy.UserID,
		SellerID:       sell.UserID,
		TokenID:        m.tokenID,
		Quantity:       qty,
		ExecutionPrice: price,
		TotalValue:     price.Mul(decimal.NewFromInt(qty)),
		Status:         core.TradePending,
		CreatedAt:      now,
		Seq:            m.e.nextSeq(),
	}
}

func (m *market) cancel(orderID string) (core.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return core.Order{}, fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	if !o.Status.IsResting() {
		return *o, fmt.Errorf("cancel %s (%s): %w", orderID, o.Status, core.ErrOrderNotCancellable)
	}

	now := m.e.clock.Now()
	m.book.Remove(o.ID)
	o.Status = core.OrderCancelled
	o.UpdatedAt = now
	m.e.orders.Put(*o)
	m.e.metrics.OrdersCancelled.Inc()

	m.e.logger.Infow("order_cancelled", "order_id", o.ID, "user_id", o.UserID, "token_id", m.tokenID,
		"remaining_quantity", o.RemainingQuantity)
	m.e.publisher.Publish(context.Background(), events.New(events.TypeOrder, m.tokenID, now, *o))
	m.publishBook(now)
	m.updateDepth()
	return *o, nil
}

// reconcile gives the trade quantity back to both orders. Cancelled and
// expired orders stay closed. A reopened order returns to the book at its
// original time priority.
func (m *market) reconcile(t core.Trade) {
	if _, done := m.reconciled[t.ID]; done {
		return
	}
	m.reconciled[t.ID] = struct{}{}

	now := m.e.clock.Now()
	for _, id := range []string{t.BuyOrderID, t.SellOrderID} {
		o, ok := m.orders[id]
		if !ok {
			m.e.logger.Warnw("reconcile_order_missing", "trade_id", t.ID, "order_id", id, "token_id", t.TokenID)
			continue
		}
		if o.Status == core.OrderCancelled || o.Status == core.OrderExpired {
			m.e.logger.Infow("reconcile_order_closed",
				"trade_id", t.ID, "order_id", id, "status", o.Status.String(), "quantity", t.Quantity)
			continue
		}

		o.Restore(t.Quantity, now)
		// no re-match: the pair may leave the book crossed until the next taker
		if !m.book.Contains(o.ID) {
			if err := m.book.Add(o); err != nil {
				m.e.logger.Errorw("reconcile_rest_failed", "trade_id", t.ID, "order_id", id, "error", err)
			}
		}
		m.e.orders.Put(*o)
		m.e.publisher.Publish(context.Background(), events.New(events.TypeOrder, m.tokenID, now, *o))
		m.e.logger.Infow("order_reconciled",
			"trade_id", t.ID,
			"order_id", o.ID,
			"restored_quantity", t.Quantity,
			"remaining_quantity", o.RemainingQuantity,
			"status", o.Status.String(),
		)
	}
	m.publishBook(now)
	m.updateDepth()
}

// sweep expires every resting order whose ExpiresAt is not after now.
func (m *market) sweep(now time.Time) []core.Order {
	var due []*core.Order
	m.book.Walk(func(o *core.Order) bool {
		if !o.ExpiresAt.After(now) {
			due = append(due, o)
		}
		return true
	})
	if len(due) == 0 {
		return nil
	}

	expired := make([]core.Order, 0, len(due))
	for _, o := range due {
		m.book.Remove(o.ID)
		o.Status = core.OrderExpired
		o.UpdatedAt = now
		m.e.orders.Put(*o)
		m.e.metrics.OrdersExpired.Inc()
		m.e.publisher.Publish(context.Background(), events.New(events.TypeOrder, m.tokenID, now, *o))
		expired = append(expired, *o)
	}
	m.e.logger.Infow("orders_expired", "token_id", m.tokenID, "count", len(expired))
	m.publishBook(now)
	m.updateDepth()
	return expired
}

func (m *market) publishBook(now time.Time) {
	m.e.publisher.Publish(context.Background(),
		events.New(events.TypeOrderbook, m.tokenID, now, m.book.Snapshot(bookEventDepth)))
}

func (m *market) updateDepth() {
	bids, asks := m.book.Depth()
	m.e.metrics.BookDepth.WithLabelValues(m.tokenID, "bid").Set(float64(bids))
	m.e.metrics.BookDepth.WithLabelValues(m.tokenID, "ask").Set(float64(asks))
}

const bookEventDepth = 20
