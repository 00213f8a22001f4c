package exchange

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/holdings"
	"github.com/uhyunpark/hyperestate/pkg/app/core/registry"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/ledger"
	"github.com/uhyunpark/hyperestate/pkg/storage"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

const token = "PROP-1"

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type nopJournal struct{}

func (nopJournal) RecordTransaction(string, string, decimal.Decimal, map[string]any) {}

type env struct {
	app      *App
	ledger   *ledger.SimulatedLedger
	holdings *holdings.Manager
	registry *registry.Registry
	archive  *storage.PebbleStore
	clock    *clock.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, nil)
}

// newEnvWith lets wrap stand in front of the holdings manager.
func newEnvWith(t *testing.T, wrap func(*holdings.Manager) Holdings) *env {
	t.Helper()
	dir := t.TempDir()
	clock := util.NewMockClock(start)
	log := zap.NewNop().Sugar()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Token{
		TokenID:         token,
		PropertyID:      "harbour-view",
		Name:            "Harbour View",
		TotalSupply:     1000,
		AvailableSupply: 400,
		Valuation:       decimal.NewFromInt(500_000),
	}))

	hm, err := holdings.NewManager(filepath.Join(dir, "holdings"), clock, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = hm.Close() })
	require.NoError(t, hm.Credit("seller", token, 100))
	require.NoError(t, hm.Credit("seller2", token, 10))

	archive, err := storage.NewPebbleStore(filepath.Join(dir, "trades"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	e := &env{
		ledger:   ledger.NewSimulatedLedger(0, 0, 0),
		holdings: hm,
		registry: reg,
		archive:  archive,
		clock:    clock,
	}
	var h Holdings = hm
	if wrap != nil {
		h = wrap(hm)
	}
	e.app = New(Config{SnapshotDepth: 10}, Deps{
		Registry: reg,
		Holdings: h,
		Gateway:  e.ledger,
		Journal:  nopJournal{},
		Archive:  archive,
		Clock:    clock,
		Logger:   log,
	})
	t.Cleanup(e.app.Close)
	return e
}

func (e *env) submit(t *testing.T, user string, side core.Side, qty int64, price string) (SubmitResult, error) {
	t.Helper()
	res, err := e.app.SubmitOrder(context.Background(), SubmitOrderRequest{
		UserID:     user,
		TokenID:    token,
		Side:       side,
		Quantity:   qty,
		LimitPrice: decimal.RequireFromString(price),
	})
	e.clock.Add(time.Millisecond)
	return res, err
}

func TestTradeSettlesEndToEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.submit(t, "seller", core.Sell, 60, "9")
	require.NoError(t, err)
	res, err := e.submit(t, "buyer", core.Buy, 100, "10")
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	require.Equal(t, core.OrderPartiallyFilled, res.Order.Status)
	require.Equal(t, int64(40), res.Order.RemainingQuantity)

	book, err := e.app.GetOrderBook(ctx, token, 0)
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	require.Empty(t, book.Asks)

	settled, err := e.app.SettleTrade(ctx, res.Trades[0].ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeSettled, settled.Status)

	buyerHeld, err := e.holdings.Get("buyer", token)
	require.NoError(t, err)
	require.Equal(t, int64(60), buyerHeld)
	sellerHeld, err := e.holdings.Get("seller", token)
	require.NoError(t, err)
	require.Equal(t, int64(40), sellerHeld)

	stats, err := e.app.GetMarketStats(token)
	require.NoError(t, err)
	require.True(t, stats.CurrentPrice.Equal(decimal.NewFromInt(9)))
	require.True(t, stats.Volume24h.Equal(decimal.NewFromInt(540)))
	require.True(t, stats.MarketCap.Equal(decimal.NewFromInt(5400)))

	history, err := e.app.GetTradeHistory(token, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, core.TradeSettled, history[0].Status)

	// archived trades warm a fresh store
	warmed := store.NewTradeStore()
	n, err := WarmTrades(warmed, e.archive)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	last, ok := warmed.LastSettled(token)
	require.True(t, ok)
	require.Equal(t, settled.ID, last.ID)
}

func TestSellPrecheckCountsCommittedQuantity(t *testing.T) {
	e := newEnv(t)

	_, err := e.submit(t, "seller", core.Sell, 101, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)

	_, err = e.submit(t, "seller", core.Sell, 70, "9")
	require.NoError(t, err)
	_, err = e.submit(t, "seller", core.Sell, 31, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)

	// filled but unsettled quantity is still committed
	_, err = e.submit(t, "buyer", core.Buy, 70, "9")
	require.NoError(t, err)
	_, err = e.submit(t, "seller", core.Sell, 31, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)
	_, err = e.submit(t, "seller", core.Sell, 30, "9")
	require.NoError(t, err)

	_, err = e.submit(t, "nobody", core.Sell, 1, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)
}

func TestTokenFailureReopensOrders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ledger.TokenHook = func(ledger.TokenTransfer) error {
		return ledger.NewPermanentError(ledger.OpTokenTransfer, ledger.ErrTransferRejected)
	}

	sell, err := e.submit(t, "seller2", core.Sell, 10, "11")
	require.NoError(t, err)
	buy, err := e.submit(t, "buyer", core.Buy, 10, "11")
	require.NoError(t, err)
	require.Equal(t, core.OrderFilled, buy.Order.Status)

	failed, err := e.app.SettleTrade(ctx, buy.Trades[0].ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeFailed, failed.Status)

	for _, id := range []string{sell.Order.ID, buy.Order.ID} {
		o, err := e.app.GetOrder(id)
		require.NoError(t, err)
		require.Equal(t, core.OrderOpen, o.Status)
		require.Equal(t, int64(10), o.RemainingQuantity)
	}

	held, err := e.holdings.Get("seller2", token)
	require.NoError(t, err)
	require.Equal(t, int64(10), held)

	stats, err := e.app.GetMarketStats(token)
	require.NoError(t, err)
	require.True(t, stats.Volume24h.IsZero())
	require.True(t, stats.CurrentPrice.Equal(decimal.NewFromInt(500)))
}

func TestPaymentFailureListsAlert(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ledger.PaymentHook = func(ledger.PaymentTransfer) error {
		return ledger.NewPermanentError(ledger.OpPaymentTransfer, ledger.ErrTransferRejected)
	}

	_, err := e.submit(t, "seller", core.Sell, 5, "9")
	require.NoError(t, err)
	buy, err := e.submit(t, "buyer", core.Buy, 5, "9")
	require.NoError(t, err)

	tr, err := e.app.SettleTrade(ctx, buy.Trades[0].ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeFailedPartial, tr.Status)

	alerts := e.app.ListAlerts(true)
	require.Len(t, alerts, 1)
	_, err = e.app.ResolveAlert(alerts[0].ID, "refunded")
	require.NoError(t, err)
	require.Empty(t, e.app.ListAlerts(true))

	held, err := e.holdings.Get("buyer", token)
	require.NoError(t, err)
	require.Zero(t, held)
}

func TestTokenStatusGatesSubmission(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.UpdateStatus(token, registry.Paused))

	_, err := e.submit(t, "buyer", core.Buy, 1, "9")
	require.ErrorIs(t, err, core.ErrTokenNotTradable)

	_, err = e.app.SubmitOrder(context.Background(), SubmitOrderRequest{
		UserID: "buyer", TokenID: "NOPE", Side: core.Buy, Quantity: 1, LimitPrice: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, core.ErrUnknownToken)

	_, err = e.app.GetOrderBook(context.Background(), "NOPE", 0)
	require.ErrorIs(t, err, core.ErrUnknownToken)
}

func TestRunSettlesInBackground(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.app.Run(ctx) }()

	_, err := e.submit(t, "seller", core.Sell, 10, "9")
	require.NoError(t, err)
	buy, err := e.submit(t, "buyer", core.Buy, 10, "9")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tr, err := e.app.GetTrade(buy.Trades[0].ID)
		return err == nil && tr.Status == core.TradeSettled
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPartialSettlementHoldsSellerUntilResolved(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ledger.PaymentHook = func(ledger.PaymentTransfer) error {
		return ledger.NewPermanentError(ledger.OpPaymentTransfer, ledger.ErrTransferRejected)
	}

	_, err := e.submit(t, "seller2", core.Sell, 10, "9")
	require.NoError(t, err)
	buy, err := e.submit(t, "buyer", core.Buy, 10, "9")
	require.NoError(t, err)
	tr, err := e.app.SettleTrade(ctx, buy.Trades[0].ID)
	require.NoError(t, err)
	require.Equal(t, core.TradeFailedPartial, tr.Status)

	// holdings still list the 10 the ledger already moved
	held, err := e.holdings.Get("seller2", token)
	require.NoError(t, err)
	require.Equal(t, int64(10), held)
	_, err = e.submit(t, "seller2", core.Sell, 1, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)

	alerts := e.app.ListAlerts(true)
	require.Len(t, alerts, 1)
	require.Equal(t, "seller2", alerts[0].SellerID)
	_, err = e.app.ResolveAlert(alerts[0].ID, "payment collected manually")
	require.NoError(t, err)

	_, err = e.submit(t, "seller2", core.Sell, 10, "9")
	require.NoError(t, err)
}

type gatedHoldings struct {
	*holdings.Manager
	entered chan struct{}
	release chan struct{}
}

func (g *gatedHoldings) ApplySettlement(buyerID, sellerID, tokenID string, quantity int64) error {
	close(g.entered)
	<-g.release
	return g.Manager.ApplySettlement(buyerID, sellerID, tokenID, quantity)
}

func TestSellStaysCommittedWhileHoldingsUpdate(t *testing.T) {
	gate := &gatedHoldings{entered: make(chan struct{}), release: make(chan struct{})}
	e := newEnvWith(t, func(hm *holdings.Manager) Holdings {
		gate.Manager = hm
		return gate
	})

	_, err := e.submit(t, "seller2", core.Sell, 10, "9")
	require.NoError(t, err)
	buy, err := e.submit(t, "buyer", core.Buy, 10, "9")
	require.NoError(t, err)

	settled := make(chan core.Trade, 1)
	go func() {
		tr, _ := e.app.SettleTrade(context.Background(), buy.Trades[0].ID)
		settled <- tr
	}()
	<-gate.entered

	_, err = e.submit(t, "seller2", core.Sell, 10, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)

	close(gate.release)
	tr := <-settled
	require.Equal(t, core.TradeSettled, tr.Status)

	held, err := e.holdings.Get("seller2", token)
	require.NoError(t, err)
	require.Zero(t, held)
	_, err = e.submit(t, "seller2", core.Sell, 1, "9")
	require.ErrorIs(t, err, core.ErrInsufficientHolding)
}

func TestPendingTradesResumeAfterRestart(t *testing.T) {
	e := newEnv(t)

	_, err := e.submit(t, "seller", core.Sell, 10, "9")
	require.NoError(t, err)
	buy, err := e.submit(t, "buyer", core.Buy, 10, "9")
	require.NoError(t, err)
	id := buy.Trades[0].ID

	// the first process stops before settling
	e.app.Close()

	warmed := store.NewTradeStore()
	n, err := WarmTrades(warmed, e.archive)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	pending := warmed.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].ID)

	restarted := New(Config{SnapshotDepth: 10}, Deps{
		Registry: e.registry,
		Holdings: e.holdings,
		Gateway:  e.ledger,
		Journal:  nopJournal{},
		Archive:  e.archive,
		Trades:   warmed,
		Clock:    e.clock,
		Logger:   zap.NewNop().Sugar(),
	})
	t.Cleanup(restarted.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- restarted.Run(ctx) }()

	require.Eventually(t, func() bool {
		tr, err := restarted.GetTrade(id)
		return err == nil && tr.Status == core.TradeSettled
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	held, err := e.holdings.Get("buyer", token)
	require.NoError(t, err)
	require.Equal(t, int64(10), held)
}
