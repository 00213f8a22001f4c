package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/events"
	"github.com/uhyunpark/hyperestate/pkg/ledger"
	"github.com/uhyunpark/hyperestate/pkg/metrics"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

var ErrAlertNotFound = errors.New("alert not found")

type Config struct {
	Workers   int
	QueueSize int
	Currency  string
}

// HoldingsLedger moves platform holdings once both transfers landed.
type HoldingsLedger interface {
	ApplySettlement(buyerID, sellerID, tokenID string, quantity int64) error
}

// TransactionRecorder is the fire-and-forget transaction log.
type TransactionRecorder interface {
	RecordTransaction(userID, txType string, amount decimal.Decimal, metadata map[string]any)
}

// Reconciler restores the unfilled quantity of orders whose trade failed.
type Reconciler interface {
	Reconcile(ctx context.Context, t core.Trade) error
}

// Archive persists trades when they execute and again once final.
type Archive interface {
	SaveTrade(t core.Trade) error
}

// Alert flags a trade whose token leg moved but whose payment did not.
// Nothing reverses it automatically.
type Alert struct {
	ID               string    `json:"id"`
	TradeID          string    `json:"tradeId"`
	TokenID          string    `json:"tokenId"`
	BuyOrderID       string    `json:"buyOrderId"`
	SellOrderID      string    `json:"sellOrderId"`
	SellerID         string    `json:"sellerId"`
	Quantity         int64     `json:"quantity"`
	TokenTransferRef string    `json:"tokenTransferRef,omitempty"`
	Reason           string    `json:"reason"`
	RaisedAt         time.Time `json:"raisedAt"`
	Resolved         bool      `json:"resolved"`
	ResolutionNote   string    `json:"resolutionNote,omitempty"`
	ResolvedAt       time.Time `json:"resolvedAt,omitzero"`
}

type Deps struct {
	Gateway    ledger.Gateway
	Holdings   HoldingsLedger
	Journal    TransactionRecorder
	Trades     *store.TradeStore
	Reconciler Reconciler
	Archive    Archive // optional
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Clock      util.Clock
	Logger     *zap.SugaredLogger
}

// Coordinator drives each trade through the two external transfers and
// records the outcome. It never retries: retries live behind the gateway.
type Coordinator struct {
	cfg        Config
	gateway    ledger.Gateway
	holdings   HoldingsLedger
	journal    TransactionRecorder
	trades     *store.TradeStore
	reconciler Reconciler
	archive    Archive
	publisher  events.Publisher
	metrics    *metrics.Metrics
	clock      util.Clock
	logger     *zap.SugaredLogger

	queue chan string

	mu     sync.RWMutex
	alerts map[string]*Alert
}

func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		cfg:        cfg,
		gateway:    deps.Gateway,
		holdings:   deps.Holdings,
		journal:    deps.Journal,
		trades:     deps.Trades,
		reconciler: deps.Reconciler,
		archive:    deps.Archive,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     deps.Logger,
		queue:      make(chan string, cfg.QueueSize),
		alerts:     make(map[string]*Alert),
	}
}

// Enqueue archives a new trade as PENDING and hands it to the worker pool.
// It never blocks on the pool: when the queue is full the send moves to its
// own goroutine.
func (c *Coordinator) Enqueue(t core.Trade) {
	if c.archive != nil && t.Status == core.TradePending {
		if err := c.archive.SaveTrade(t); err != nil {
			c.logger.Errorw("trade_archive_failed", "trade_id", t.ID, "error", err)
		}
	}
	c.push(t.ID)
}

// Resume queues every trade still PENDING in the trade store, such as
// trades restored from the archive after a restart. It returns how many.
func (c *Coordinator) Resume() int {
	pending := c.trades.Pending()
	for _, t := range pending {
		c.push(t.ID)
	}
	if len(pending) > 0 {
		c.logger.Infow("settlement_resumed", "trades", len(pending))
	}
	return len(pending)
}

func (c *Coordinator) push(id string) {
	select {
	case c.queue <- id:
		c.metrics.SettlementQueue.Set(float64(len(c.queue)))
	default:
		c.logger.Warnw("settlement_queue_full", "trade_id", id)
		go func() { c.queue <- id }()
	}
}

// Run starts the workers and blocks until ctx is done. Queued trades left
// behind stay PENDING in the trade store.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-c.queue:
					c.metrics.SettlementQueue.Set(float64(len(c.queue)))
					if _, err := c.Settle(gctx, id); err != nil {
						c.logger.Errorw("settlement_error", "trade_id", id, "error", err)
					}
				}
			}
		})
	}
	c.logger.Infow("settlement_started", "workers", c.cfg.Workers, "queue_size", c.cfg.QueueSize)
	return g.Wait()
}

// Settle runs the settlement protocol for one trade. A trade that is already
// final, or being settled elsewhere, is returned unchanged.
func (c *Coordinator) Settle(ctx context.Context, tradeID string) (core.Trade, error) {
	trade, ok := c.trades.Claim(tradeID)
	if !ok {
		cur, found := c.trades.Get(tradeID)
		if !found {
			return core.Trade{}, fmt.Errorf("settle %s: %w", tradeID, core.ErrTradeNotFound)
		}
		return cur, nil
	}

	start := time.Now()
	defer func() { c.metrics.SettlementSeconds.Observe(time.Since(start).Seconds()) }()

	// in-flight transfers are never retracted
	lctx := context.WithoutCancel(ctx)
	memo := "trade:" + trade.ID

	tokenRef, err := c.gateway.TransferToken(lctx, ledger.TokenTransfer{
		TokenID:        trade.TokenID,
		From:           trade.SellerID,
		To:             trade.BuyerID,
		Quantity:       trade.Quantity,
		Memo:           memo,
		IdempotencyKey: trade.ID + ":token",
	})
	if err != nil {
		return c.failTokenLeg(lctx, trade, err)
	}

	payRef, err := c.gateway.TransferPayment(lctx, ledger.PaymentTransfer{
		From:           trade.BuyerID,
		To:             trade.SellerID,
		Amount:         trade.TotalValue,
		Currency:       c.cfg.Currency,
		Memo:           memo,
		IdempotencyKey: trade.ID + ":payment",
	})
	if err != nil {
		return c.failPaymentLeg(lctx, trade, tokenRef, err)
	}

	return c.complete(lctx, trade, tokenRef, payRef)
}

// Each outcome below updates holdings, order state or alerts before Finalize
// takes the trade out of PENDING, so the seller's sold quantity stays visible
// to the SELL pre-check throughout.

func (c *Coordinator) complete(ctx context.Context, trade core.Trade, tokenRef, payRef string) (core.Trade, error) {
	trade.TokenTransferRef = tokenRef
	trade.PaymentTransferRef = payRef
	if err := c.holdings.ApplySettlement(trade.BuyerID, trade.SellerID, trade.TokenID, trade.Quantity); err != nil {
		// both legs already moved on the external ledger; the trade stays settled
		c.logger.Errorw("holdings_update_failed",
			"trade_id", trade.ID, "buy_order_id", trade.BuyOrderID, "sell_order_id", trade.SellOrderID, "error", err)
		c.raiseAlert(ctx, trade, "holdings update failed: "+err.Error())
	}

	now := c.clock.Now()
	settled, err := c.trades.Finalize(trade.ID, core.TradeSettled, func(t *core.Trade) {
		t.SettledAt = now
		t.TokenTransferRef = tokenRef
		t.PaymentTransferRef = payRef
	})
	if err != nil {
		return settled, err
	}
	c.metrics.Settlements.WithLabelValues(core.TradeSettled.String()).Inc()

	meta := map[string]any{
		"tradeId":        settled.ID,
		"tokenId":        settled.TokenID,
		"quantity":       settled.Quantity,
		"executionPrice": settled.ExecutionPrice.String(),
		"tokenRef":       tokenRef,
		"paymentRef":     payRef,
	}
	c.journal.RecordTransaction(settled.BuyerID, ledger.TxTradeBuy, settled.TotalValue, withOrder(meta, settled.BuyOrderID))
	c.journal.RecordTransaction(settled.SellerID, ledger.TxTradeSell, settled.TotalValue, withOrder(meta, settled.SellOrderID))

	c.logger.Infow("trade_settled",
		"trade_id", settled.ID, "token_id", settled.TokenID, "quantity", settled.Quantity,
		"price", settled.ExecutionPrice.String(), "buy_order_id", settled.BuyOrderID, "sell_order_id", settled.SellOrderID)
	c.finish(ctx, settled)
	return settled, nil
}

func (c *Coordinator) failTokenLeg(ctx context.Context, trade core.Trade, cause error) (core.Trade, error) {
	reason := "token transfer failed: " + cause.Error()
	c.logger.Warnw("settlement_failed",
		"trade_id", trade.ID, "buy_order_id", trade.BuyOrderID, "sell_order_id", trade.SellOrderID, "error", cause)

	trade.Status = core.TradeFailed
	trade.FailureReason = reason
	if err := c.reconciler.Reconcile(ctx, trade); err != nil {
		c.logger.Errorw("reconcile_failed",
			"trade_id", trade.ID, "buy_order_id", trade.BuyOrderID, "sell_order_id", trade.SellOrderID, "error", err)
	}

	failed, err := c.trades.Finalize(trade.ID, core.TradeFailed, func(t *core.Trade) {
		t.FailureReason = reason
	})
	if err != nil {
		return failed, err
	}
	c.metrics.Settlements.WithLabelValues(core.TradeFailed.String()).Inc()
	c.finish(ctx, failed)
	return failed, nil
}

func (c *Coordinator) failPaymentLeg(ctx context.Context, trade core.Trade, tokenRef string, cause error) (core.Trade, error) {
	reason := "payment transfer failed: " + cause.Error()
	c.logger.Errorw("settlement_partial_failure",
		"trade_id", trade.ID, "buy_order_id", trade.BuyOrderID, "sell_order_id", trade.SellOrderID,
		"token_transfer_ref", tokenRef, "error", cause)

	// the alert holds the seller's quantity until an operator resolves it
	trade.TokenTransferRef = tokenRef
	c.raiseAlert(ctx, trade, reason)

	partial, err := c.trades.Finalize(trade.ID, core.TradeFailedPartial, func(t *core.Trade) {
		t.TokenTransferRef = tokenRef
		t.FailureReason = reason
	})
	if err != nil {
		return partial, err
	}
	c.metrics.Settlements.WithLabelValues(core.TradeFailedPartial.String()).Inc()
	c.finish(ctx, partial)
	return partial, nil
}

// finish archives and publishes a trade in its final state.
func (c *Coordinator) finish(ctx context.Context, t core.Trade) {
	if c.archive != nil {
		if err := c.archive.SaveTrade(t); err != nil {
			c.logger.Errorw("trade_archive_failed", "trade_id", t.ID, "error", err)
		}
	}
	c.publisher.Publish(ctx, events.New(events.TypeSettlement, t.TokenID, c.clock.Now(), t))
}

func (c *Coordinator) raiseAlert(ctx context.Context, t core.Trade, reason string) {
	a := &Alert{
		ID:               uuid.NewString(),
		TradeID:          t.ID,
		TokenID:          t.TokenID,
		BuyOrderID:       t.BuyOrderID,
		SellOrderID:      t.SellOrderID,
		SellerID:         t.SellerID,
		Quantity:         t.Quantity,
		TokenTransferRef: t.TokenTransferRef,
		Reason:           reason,
		RaisedAt:         c.clock.Now(),
	}
	c.mu.Lock()
	c.alerts[a.ID] = a
	open := c.openLocked()
	c.mu.Unlock()

	c.metrics.OpenAlerts.Set(float64(open))
	c.logger.Errorw("manual_intervention_required",
		"alert_id", a.ID, "trade_id", t.ID, "buy_order_id", t.BuyOrderID, "sell_order_id", t.SellOrderID,
		"token_transfer_ref", t.TokenTransferRef, "reason", reason)
	c.publisher.Publish(ctx, events.New(events.TypeAlert, t.TokenID, a.RaisedAt, *a))
}

// ListAlerts returns alerts oldest first. When openOnly is set resolved
// alerts are skipped.
func (c *Coordinator) ListAlerts(openOnly bool) []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		if openOnly && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.Before(out[j].RaisedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ResolveAlert records the operator's resolution. The trade itself is not
// touched.
func (c *Coordinator) ResolveAlert(id, note string) (Alert, error) {
	c.mu.Lock()
	a, ok := c.alerts[id]
	if !ok {
		c.mu.Unlock()
		return Alert{}, fmt.Errorf("resolve alert %s: %w", id, ErrAlertNotFound)
	}
	if !a.Resolved {
		a.Resolved = true
		a.ResolutionNote = note
		a.ResolvedAt = c.clock.Now()
	}
	out := *a
	open := c.openLocked()
	c.mu.Unlock()

	c.metrics.OpenAlerts.Set(float64(open))
	c.logger.Infow("alert_resolved", "alert_id", id, "trade_id", out.TradeID, "note", note)
	return out, nil
}

// HeldSellQuantity sums the quantity userID sold of tokenID in trades with an
// open alert. Platform holdings still list those tokens although the ledger
// may have moved them, so they stay committed until the alert is resolved.
func (c *Coordinator) HeldSellQuantity(userID, tokenID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for _, a := range c.alerts {
		if !a.Resolved && a.SellerID == userID && a.TokenID == tokenID {
			total += a.Quantity
		}
	}
	return total
}

func (c *Coordinator) openLocked() int {
	n := 0
	for _, a := range c.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

func withOrder(meta map[string]any, orderID string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["orderId"] = orderID
	return out
}
