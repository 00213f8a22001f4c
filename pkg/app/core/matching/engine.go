package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/events"
	"github.com/uhyunpark/hyperestate/pkg/metrics"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

type Config struct {
	InboxSize       int
	DefaultOrderTTL time.Duration
}

// Engine routes commands to one market goroutine per token. Everything that
// touches a token's book runs on that goroutine, so matching, cancellation,
// reconciliation and expiry for a token never interleave. Different tokens
// proceed in parallel.
type Engine struct {
	cfg       Config
	logger    *zap.SugaredLogger
	clock     util.Clock
	orders    *store.OrderStore
	trades    *store.TradeStore
	publisher events.Publisher
	metrics   *metrics.Metrics

	// OnTrade receives every new trade. It runs on the market goroutine and
	// must not block.
	OnTrade func(core.Trade)

	seq atomic.Uint64

	mu      sync.Mutex
	markets map[string]*market
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Deps struct {
	Logger    *zap.SugaredLogger
	Clock     util.Clock
	Orders    *store.OrderStore
	Trades    *store.TradeStore
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.DefaultOrderTTL <= 0 {
		cfg.DefaultOrderTTL = 7 * 24 * time.Hour
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		logger:    deps.Logger,
		clock:     deps.Clock,
		orders:    deps.Orders,
		trades:    deps.Trades,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		markets:   make(map[string]*market),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// getMarket returns the token's market, starting it on first use.
func (e *Engine) getMarket(tokenID string) (*market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, core.ErrEngineClosed
	}
	if m, ok := e.markets[tokenID]; ok {
		return m, nil
	}
	m := newMarket(e, tokenID)
	e.markets[tokenID] = m
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		m.run(e.ctx)
	}()
	e.logger.Infow("market_started", "token_id", tokenID)
	return m, nil
}

func (e *Engine) existingMarkets() []*market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tokenID < out[j].tokenID })
	return out
}

// Tokens lists tokens that have a running market.
func (e *Engine) Tokens() []string {
	ms := e.existingMarkets()
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.tokenID
	}
	return out
}

// Submit validates and matches a new limit order. The caller fills UserID,
// TokenID, Side, Quantity, LimitPrice and optionally ExpiresAt; the engine
// assigns identity, timestamps and status. It returns the order's state after
// matching and the trades it produced.
func (e *Engine) Submit(ctx context.Context, in core.Order) (core.Order, []core.Trade, error) {
	if err := e.validate(in); err != nil {
		e.metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		e.logger.Infow("order_rejected",
			"user_id", in.UserID, "token_id", in.TokenID, "side", in.Side.String(), "error", err)
		return core.Order{}, nil, err
	}

	m, err := e.getMarket(in.TokenID)
	if err != nil {
		return core.Order{}, nil, err
	}

	var (
		result core.Order
		trades []core.Trade
	)
	err = m.exec(ctx, func() {
		result, trades = m.submit(in)
	})
	if err != nil {
		return core.Order{}, nil, err
	}
	return result, trades, nil
}

func (e *Engine) validate(o core.Order) error {
	if o.UserID == "" {
		return core.ErrMissingUser
	}
	if o.TokenID == "" {
		return core.ErrUnknownToken
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: %d", core.ErrInvalidSide, o.Side)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: %d", core.ErrInvalidQuantity, o.Quantity)
	}
	if !o.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: %s", core.ErrInvalidPrice, o.LimitPrice)
	}
	if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(e.clock.Now()) {
		return fmt.Errorf("%w: %s", core.ErrOrderExpired, o.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Cancel cancels a resting order on behalf of its owner.
func (e *Engine) Cancel(ctx context.Context, userID, orderID string) (core.Order, error) {
	stored, ok := e.orders.Get(orderID)
	if !ok {
		return core.Order{}, fmt.Errorf("cancel %s: %w", orderID, core.ErrOrderNotFound)
	}
	if stored.UserID != userID {
		return core.Order{}, fmt.Errorf("cancel %s: %w", orderID, core.ErrNotOrderOwner)
	}
	m, err := e.getMarket(stored.TokenID)
	if err != nil {
		return core.Order{}, err
	}

	var result core.Order
	var cancelErr error
	if err := m.exec(ctx, func() {
		result, cancelErr = m.cancel(orderID)
	}); err != nil {
		return core.Order{}, err
	}
	return result, cancelErr
}

// Snapshot returns the token's book. depth <= 0 returns every level.
func (e *Engine) Snapshot(ctx context.Context, tokenID string, depth int) (orderbook.Snapshot, error) {
	m, err := e.getMarket(tokenID)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	var snap orderbook.Snapshot
	if err := m.exec(ctx, func() { snap = m.book.Snapshot(depth) }); err != nil {
		return orderbook.Snapshot{}, err
	}
	return snap, nil
}

// Reconcile reopens the two orders of a trade whose token transfer failed.
// Safe to call more than once for the same trade.
func (e *Engine) Reconcile(ctx context.Context, t core.Trade) error {
	m, err := e.getMarket(t.TokenID)
	if err != nil {
		return err
	}
	return m.exec(ctx, func() { m.reconcile(t) })
}

// SweepExpired expires every resting order whose ExpiresAt is at or before now.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) ([]core.Order, error) {
	var expired []core.Order
	for _, m := range e.existingMarkets() {
		var batch []core.Order
		if err := m.exec(ctx, func() { batch = m.sweep(now) }); err != nil {
			return expired, err
		}
		expired = append(expired, batch...)
	}
	return expired, nil
}

// Close stops every market goroutine. Commands sent afterwards fail with
// core.ErrEngineClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

func rejectReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidQuantity):
		return "quantity"
	case errors.Is(err, core.ErrInvalidPrice):
		return "price"
	case errors.Is(err, core.ErrInvalidSide):
		return "side"
	case errors.Is(err, core.ErrOrderExpired):
		return "expiry"
	case errors.Is(err, core.ErrUnknownToken):
		return "token"
	default:
		return "other"
	}
}
