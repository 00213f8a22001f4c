package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/events"
	"github.com/uhyunpark/hyperestate/pkg/ledger"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeHoldings struct {
	mu      sync.Mutex
	calls   []string
	err     error
	onApply func()
}

func (f *fakeHoldings) ApplySettlement(buyer, seller, token string, qty int64) error {
	if f.onApply != nil {
		f.onApply()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, buyer+">"+seller)
	return f.err
}

type journalEntry struct {
	user, typ string
	amount    decimal.Decimal
	meta      map[string]any
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journalEntry
}

func (f *fakeJournal) RecordTransaction(user, typ string, amount decimal.Decimal, meta map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, journalEntry{user, typ, amount, meta})
}

type fakeReconciler struct {
	mu     sync.Mutex
	trades []string
	ctxErr []error
	onCall func(core.Trade)
}

func (f *fakeReconciler) Reconcile(ctx context.Context, t core.Trade) error {
	if f.onCall != nil {
		f.onCall(t)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t.ID)
	f.ctxErr = append(f.ctxErr, ctx.Err())
	return nil
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []core.Trade
}

func (f *fakeArchive) SaveTrade(t core.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, t)
	return nil
}

type fixture struct {
	coord      *Coordinator
	ledger     *ledger.SimulatedLedger
	trades     *store.TradeStore
	holdings   *fakeHoldings
	journal    *fakeJournal
	reconciler *fakeReconciler
	archive    *fakeArchive
	events     *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:     ledger.NewSimulatedLedger(0, 0, 0),
		trades:     store.NewTradeStore(),
		holdings:   &fakeHoldings{},
		journal:    &fakeJournal{},
		reconciler: &fakeReconciler{},
		archive:    &fakeArchive{},
		events:     events.NewRecorder(64),
	}
	f.coord = NewCoordinator(Config{Workers: 2, QueueSize: 4, Currency: "USD"}, Deps{
		Gateway:    f.ledger,
		Holdings:   f.holdings,
		Journal:    f.journal,
		Trades:     f.trades,
		Reconciler: f.reconciler,
		Archive:    f.archive,
		Publisher:  f.events,
		Clock:      util.NewMockClock(start),
		Logger:     zap.NewNop().Sugar(),
	})
	return f
}

func (f *fixture) addTrade(id string) core.Trade {
	tr := core.Trade{
		ID:             id,
		BuyOrderID:     "buy-" + id,
		SellOrderID:    "sell-" + id,
		BuyerID:        "buyer",
		SellerID:       "seller",
		TokenID:        "PROP-1",
		Quantity:       60,
		ExecutionPrice: decimal.NewFromInt(9),
		TotalValue:     decimal.NewFromInt(540),
		Status:         core.TradePending,
		CreatedAt:      start,
	}
	f.trades.Add(tr)
	return tr
}

func TestSettleSuccess(t *testing.T) {
	f := newFixture(t)
	f.addTrade("t1")

	got, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, core.TradeSettled, got.Status)
	require.Equal(t, start, got.SettledAt)
	require.NotEmpty(t, got.TokenTransferRef)
	require.NotEmpty(t, got.PaymentTransferRef)

	require.Equal(t, []string{"buyer>seller"}, f.holdings.calls)
	require.Len(t, f.journal.entries, 2)
	require.Equal(t, journalEntry{"buyer", ledger.TxTradeBuy, decimal.NewFromInt(540), f.journal.entries[0].meta}, f.journal.entries[0])
	require.Equal(t, "seller", f.journal.entries[1].user)
	require.Equal(t, ledger.TxTradeSell, f.journal.entries[1].typ)
	require.Equal(t, "t1", f.journal.entries[0].meta["tradeId"])
	require.Equal(t, "sell-t1", f.journal.entries[1].meta["orderId"])

	require.Empty(t, f.reconciler.trades)
	require.Len(t, f.archive.saved, 1)
	require.Equal(t, core.TradeSettled, f.archive.saved[0].Status)
	require.Empty(t, f.coord.ListAlerts(false))

	stored, _ := f.trades.Get("t1")
	require.Equal(t, core.TradeSettled, stored.Status)
}

func TestSettleTokenFailureReconciles(t *testing.T) {
	f := newFixture(t)
	f.ledger.TokenHook = func(ledger.TokenTransfer) error {
		return ledger.NewPermanentError(ledger.OpTokenTransfer, ledger.ErrTransferRejected)
	}
	f.addTrade("t1")

	got, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, core.TradeFailed, got.Status)
	require.Contains(t, got.FailureReason, "token transfer failed")
	require.Empty(t, got.TokenTransferRef)

	require.Equal(t, []string{"t1"}, f.reconciler.trades)
	require.Empty(t, f.holdings.calls)
	require.Empty(t, f.journal.entries)
	require.Zero(t, f.ledger.Calls(ledger.OpPaymentTransfer))
}

func TestSettlePaymentFailureRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.ledger.PaymentHook = func(ledger.PaymentTransfer) error {
		return ledger.NewPermanentError(ledger.OpPaymentTransfer, errors.New("insufficient funds"))
	}
	f.addTrade("t1")

	got, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, core.TradeFailedPartial, got.Status)
	require.NotEmpty(t, got.TokenTransferRef)
	require.Empty(t, got.PaymentTransferRef)

	require.Empty(t, f.holdings.calls, "holdings must not move on a partial settlement")
	require.Empty(t, f.reconciler.trades, "partial settlement is not reconciled")
	require.Empty(t, f.journal.entries)

	alerts := f.coord.ListAlerts(true)
	require.Len(t, alerts, 1)
	a := alerts[0]
	require.Equal(t, "t1", a.TradeID)
	require.Equal(t, "buy-t1", a.BuyOrderID)
	require.Equal(t, "sell-t1", a.SellOrderID)
	require.Equal(t, got.TokenTransferRef, a.TokenTransferRef)

	var sawAlert bool
	for _, ev := range f.events.Drain() {
		if ev.Type == events.TypeAlert {
			sawAlert = true
		}
	}
	require.True(t, sawAlert)

	resolved, err := f.coord.ResolveAlert(a.ID, "payment collected manually")
	require.NoError(t, err)
	require.True(t, resolved.Resolved)
	require.Empty(t, f.coord.ListAlerts(true))
	require.Len(t, f.coord.ListAlerts(false), 1)

	_, err = f.coord.ResolveAlert("missing", "")
	require.ErrorIs(t, err, ErrAlertNotFound)

	stored, _ := f.trades.Get("t1")
	require.Equal(t, core.TradeFailedPartial, stored.Status)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addTrade("t1")

	first, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)
	second, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, f.ledger.Calls(ledger.OpTokenTransfer))
	require.Equal(t, 1, f.ledger.Calls(ledger.OpPaymentTransfer))
	require.Len(t, f.holdings.calls, 1)
	require.Len(t, f.journal.entries, 2)

	_, err = f.coord.Settle(context.Background(), "unknown")
	require.ErrorIs(t, err, core.ErrTradeNotFound)
}

func TestConcurrentSettleTransfersOnce(t *testing.T) {
	f := newFixture(t)
	f.addTrade("t1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.coord.Settle(context.Background(), "t1")
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.ledger.Calls(ledger.OpTokenTransfer))
	require.Len(t, f.holdings.calls, 1)
}

func TestHoldingsFailureKeepsTradeSettled(t *testing.T) {
	f := newFixture(t)
	f.holdings.err = core.ErrInsufficientHolding
	f.addTrade("t1")

	got, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, core.TradeSettled, got.Status)
	require.Len(t, f.coord.ListAlerts(true), 1)
}

func TestRunWorkersSettleQueue(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	// more trades than queue slots exercises the spill path
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, id := range ids {
		f.coord.Enqueue(f.addTrade(id))
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			tr, _ := f.trades.Get(id)
			if tr.Status != core.TradeSettled {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Len(t, f.holdings.calls, len(ids))
}

func TestSettleKeepsTradePendingWhileApplyingOutcome(t *testing.T) {
	f := newFixture(t)
	f.addTrade("ok")

	var sawPending int64 = -1
	f.holdings.onApply = func() {
		sawPending = f.trades.PendingSellQuantity("seller", "PROP-1")
	}
	got, err := f.coord.Settle(context.Background(), "ok")
	require.NoError(t, err)
	require.Equal(t, core.TradeSettled, got.Status)
	require.EqualValues(t, 60, sawPending, "holdings must move before the trade leaves PENDING")

	f.ledger.TokenHook = func(ledger.TokenTransfer) error {
		return ledger.NewPermanentError(ledger.OpTokenTransfer, ledger.ErrTransferRejected)
	}
	f.addTrade("bad")
	var reconciled core.Trade
	sawPending = -1
	f.reconciler.onCall = func(tr core.Trade) {
		reconciled = tr
		sawPending = f.trades.PendingSellQuantity("seller", "PROP-1")
	}
	got, err = f.coord.Settle(context.Background(), "bad")
	require.NoError(t, err)
	require.Equal(t, core.TradeFailed, got.Status)
	require.EqualValues(t, 60, sawPending, "orders must be restored before the trade leaves PENDING")
	require.Equal(t, core.TradeFailed, reconciled.Status)
	require.Contains(t, reconciled.FailureReason, "token transfer failed")
}

func TestPartialSettlementHoldsSellerQuantity(t *testing.T) {
	f := newFixture(t)
	f.ledger.PaymentHook = func(ledger.PaymentTransfer) error {
		return ledger.NewPermanentError(ledger.OpPaymentTransfer, errors.New("card declined"))
	}
	f.addTrade("t1")
	require.Zero(t, f.coord.HeldSellQuantity("seller", "PROP-1"))

	got, err := f.coord.Settle(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, core.TradeFailedPartial, got.Status)
	require.Zero(t, f.trades.PendingSellQuantity("seller", "PROP-1"))
	require.EqualValues(t, 60, f.coord.HeldSellQuantity("seller", "PROP-1"))
	require.Zero(t, f.coord.HeldSellQuantity("buyer", "PROP-1"))
	require.Zero(t, f.coord.HeldSellQuantity("seller", "PROP-2"))

	alerts := f.coord.ListAlerts(true)
	require.Len(t, alerts, 1)
	require.Equal(t, "seller", alerts[0].SellerID)
	require.EqualValues(t, 60, alerts[0].Quantity)

	_, err = f.coord.ResolveAlert(alerts[0].ID, "payment collected manually")
	require.NoError(t, err)
	require.Zero(t, f.coord.HeldSellQuantity("seller", "PROP-1"))
}

func TestSettleIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.ledger.TokenHook = func(ledger.TokenTransfer) error {
		return ledger.NewPermanentError(ledger.OpTokenTransfer, ledger.ErrTransferRejected)
	}
	f.addTrade("t1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := f.coord.Settle(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, core.TradeFailed, got.Status)
	require.Equal(t, []error{nil}, f.reconciler.ctxErr, "reconcile must run on an uncancelled context")
}

func TestEnqueueArchivesPendingTrade(t *testing.T) {
	f := newFixture(t)
	f.coord.Enqueue(f.addTrade("t1"))

	require.Len(t, f.archive.saved, 1)
	require.Equal(t, "t1", f.archive.saved[0].ID)
	require.Equal(t, core.TradePending, f.archive.saved[0].Status)
}

func TestResumeQueuesPendingTrades(t *testing.T) {
	f := newFixture(t)
	f.addTrade("a")
	f.addTrade("b")
	_, err := f.coord.Settle(context.Background(), "b")
	require.NoError(t, err)

	require.Equal(t, 1, f.coord.Resume())
	require.Len(t, f.coord.queue, 1)
	require.Equal(t, "a", <-f.coord.queue)
	require.Len(t, f.archive.saved, 1, "resume does not re-archive")
}
