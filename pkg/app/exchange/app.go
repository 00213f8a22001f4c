package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/holdings"
	"github.com/uhyunpark/hyperestate/pkg/app/core/marketdata"
	"github.com/uhyunpark/hyperestate/pkg/app/core/matching"
	"github.com/uhyunpark/hyperestate/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperestate/pkg/app/core/registry"
	"github.com/uhyunpark/hyperestate/pkg/app/core/settlement"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/events"
	"github.com/uhyunpark/hyperestate/pkg/ledger"
	"github.com/uhyunpark/hyperestate/pkg/metrics"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

// Holdings is the platform holdings ledger as seen by the exchange.
type Holdings interface {
	settlement.HoldingsLedger
	VerifySellerHolding(userID, tokenID string, quantity int64) bool
	ListByUser(userID string) ([]holdings.Holding, error)
}

type Config struct {
	Engine        matching.Config
	Settlement    settlement.Config
	SweepInterval time.Duration
	SnapshotDepth int
	StatsWindow   time.Duration
}

type Deps struct {
	Registry  *registry.Registry
	Holdings  Holdings
	Gateway   ledger.Gateway
	Journal   settlement.TransactionRecorder
	Archive   settlement.Archive // optional
	Orders    *store.OrderStore  // optional, created when nil
	Trades    *store.TradeStore  // optional, created when nil
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Clock     util.Clock
	Logger    *zap.SugaredLogger
}

// App is the exchange: matching, settlement, expiry and market data behind
// one set of operations.
type App struct {
	cfg      Config
	registry *registry.Registry
	holdings Holdings
	orders   *store.OrderStore
	trades   *store.TradeStore

	engine  *matching.Engine
	settler *settlement.Coordinator
	sweeper *matching.Sweeper
	stats   *marketdata.Aggregator

	clock  util.Clock
	logger *zap.SugaredLogger

	// serializes the SELL pre-check and submission per user
	sellLocks sync.Map // userID -> *sync.Mutex
}

type SubmitOrderRequest struct {
	UserID     string          `json:"userId"`
	TokenID    string          `json:"tokenId"`
	Side       core.Side       `json:"side"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
	ExpiresAt  *time.Time      `json:"expiresAt,omitempty"`
}

type SubmitResult struct {
	Order  core.Order   `json:"order"`
	Trades []core.Trade `json:"trades"`
}

func New(cfg Config, deps Deps) *App {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SnapshotDepth <= 0 {
		cfg.SnapshotDepth = 20
	}
	if deps.Orders == nil {
		deps.Orders = store.NewOrderStore()
	}
	if deps.Trades == nil {
		deps.Trades = store.NewTradeStore()
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop()
	}

	engine := matching.NewEngine(cfg.Engine, matching.Deps{
		Logger:    deps.Logger.Named("matching"),
		Clock:     deps.Clock,
		Orders:    deps.Orders,
		Trades:    deps.Trades,
		Publisher: deps.Publisher,
		Metrics:   deps.Metrics,
	})
	settler := settlement.NewCoordinator(cfg.Settlement, settlement.Deps{
		Gateway:    deps.Gateway,
		Holdings:   deps.Holdings,
		Journal:    deps.Journal,
		Trades:     deps.Trades,
		Reconciler: engine,
		Archive:    deps.Archive,
		Publisher:  deps.Publisher,
		Metrics:    deps.Metrics,
		Clock:      deps.Clock,
		Logger:     deps.Logger.Named("settlement"),
	})
	engine.OnTrade = settler.Enqueue

	return &App{
		cfg:      cfg,
		registry: deps.Registry,
		holdings: deps.Holdings,
		orders:   deps.Orders,
		trades:   deps.Trades,
		engine:   engine,
		settler:  settler,
		sweeper:  matching.NewSweeper(engine, deps.Clock, cfg.SweepInterval, deps.Logger.Named("sweeper")),
		stats:    marketdata.NewAggregator(deps.Trades, deps.Registry, deps.Clock, cfg.StatsWindow),
		clock:    deps.Clock,
		logger:   deps.Logger,
	}
}

// Run starts settlement workers and the expiry sweeper. Trades left PENDING
// from an earlier run are queued first.
func (a *App) Run(ctx context.Context) error {
	a.settler.Resume()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.settler.Run(gctx) })
	g.Go(func() error { return a.sweeper.Run(gctx) })
	return g.Wait()
}

// Close stops the matching engine.
func (a *App) Close() { a.engine.Close() }

// SubmitOrder validates the order against the registry and the seller's
// holdings, then hands it to the matching engine.
func (a *App) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (SubmitResult, error) {
	if err := a.registry.CheckTradable(req.TokenID); err != nil {
		a.logger.Infow("order_rejected", "user_id", req.UserID, "token_id", req.TokenID, "error", err)
		return SubmitResult{}, err
	}

	in := core.Order{
		UserID:     req.UserID,
		TokenID:    req.TokenID,
		Side:       req.Side,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	}
	if req.ExpiresAt != nil {
		in.ExpiresAt = *req.ExpiresAt
	}

	if req.Side == core.Sell && req.UserID != "" && req.Quantity > 0 {
		mu := a.sellLock(req.UserID)
		mu.Lock()
		defer mu.Unlock()

		// resting sells, matched sells awaiting settlement, and sells
		// frozen behind an open settlement alert
		committed := a.orders.RestingSellQuantity(req.UserID, req.TokenID) +
			a.trades.PendingSellQuantity(req.UserID, req.TokenID) +
			a.settler.HeldSellQuantity(req.UserID, req.TokenID)
		if !a.holdings.VerifySellerHolding(req.UserID, req.TokenID, committed+req.Quantity) {
			a.logger.Infow("order_rejected",
				"user_id", req.UserID, "token_id", req.TokenID, "quantity", req.Quantity,
				"committed", committed, "error", core.ErrInsufficientHolding)
			return SubmitResult{}, fmt.Errorf("sell %d of %s: %w", req.Quantity, req.TokenID, core.ErrInsufficientHolding)
		}
	}

	o, trades, err := a.engine.Submit(ctx, in)
	if err != nil {
		return SubmitResult{}, err
	}
	if trades == nil {
		trades = []core.Trade{}
	}
	return SubmitResult{Order: o, Trades: trades}, nil
}

func (a *App) sellLock(userID string) *sync.Mutex {
	mu, _ := a.sellLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (a *App) CancelOrder(ctx context.Context, userID, orderID string) (core.Order, error) {
	return a.engine.Cancel(ctx, userID, orderID)
}

// GetOrderBook returns aggregated levels up to depth; depth <= 0 uses the
// configured default.
func (a *App) GetOrderBook(ctx context.Context, tokenID string, depth int) (orderbook.Snapshot, error) {
	if _, err := a.registry.Get(tokenID); err != nil {
		return orderbook.Snapshot{}, err
	}
	if depth <= 0 {
		depth = a.cfg.SnapshotDepth
	}
	return a.engine.Snapshot(ctx, tokenID, depth)
}

// GetUserOrders lists a user's orders newest first, optionally by status.
func (a *App) GetUserOrders(userID string, status *core.OrderStatus) []core.Order {
	return a.orders.ListByUser(userID, status)
}

func (a *App) GetOrder(orderID string) (core.Order, error) {
	o, ok := a.orders.Get(orderID)
	if !ok {
		return core.Order{}, fmt.Errorf("order %s: %w", orderID, core.ErrOrderNotFound)
	}
	return o, nil
}

// GetTradeHistory returns a token's trades newest first, every status.
func (a *App) GetTradeHistory(tokenID string, limit int) ([]core.Trade, error) {
	if _, err := a.registry.Get(tokenID); err != nil {
		return nil, err
	}
	return a.trades.ListByToken(tokenID, limit), nil
}

func (a *App) GetTrade(tradeID string) (core.Trade, error) {
	t, ok := a.trades.Get(tradeID)
	if !ok {
		return core.Trade{}, fmt.Errorf("trade %s: %w", tradeID, core.ErrTradeNotFound)
	}
	return t, nil
}

func (a *App) GetMarketStats(tokenID string) (marketdata.Stats, error) {
	return a.stats.Stats(tokenID)
}

func (a *App) GetUserHoldings(userID string) ([]holdings.Holding, error) {
	return a.holdings.ListByUser(userID)
}

func (a *App) ListTokens() []registry.Token { return a.registry.List() }

func (a *App) GetToken(tokenID string) (registry.Token, error) {
	return a.registry.Get(tokenID)
}

func (a *App) ListAlerts(openOnly bool) []settlement.Alert {
	return a.settler.ListAlerts(openOnly)
}

func (a *App) ResolveAlert(alertID, note string) (settlement.Alert, error) {
	return a.settler.ResolveAlert(alertID, note)
}

// SettleTrade runs settlement for one trade synchronously. Trades already
// final are returned as they are.
func (a *App) SettleTrade(ctx context.Context, tradeID string) (core.Trade, error) {
	return a.settler.Settle(ctx, tradeID)
}
