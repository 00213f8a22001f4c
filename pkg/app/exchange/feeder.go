package exchange

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/registry"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

// FeederConfig controls simulated order flow
type FeederConfig struct {
	Interval       time.Duration // How often to generate a batch
	OrdersPerTick  int           // Orders (and cancels) per batch
	Traders        int           // Number of simulated traders
	InitialHolding int64         // Tokens credited to each trader per token
	Seed           uint64        // 0 picks a time-based seed
}

// DefaultFeederConfig returns modest dev load
func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		Interval:       500 * time.Millisecond,
		OrdersPerTick:  5,
		Traders:        20,
		InitialHolding: 50,
	}
}

// Crediter funds simulated traders before they start selling.
type Crediter interface {
	Get(userID, tokenID string) (int64, error)
	Credit(userID, tokenID string, quantity int64) error
}

// OrderGenerator creates random limit orders around each token's reference price
type OrderGenerator struct {
	traders []string
	rng     *rand.Rand

	// resting orders the generator may cancel later
	open []OpenOrder
}

type OpenOrder struct {
	UserID  string
	OrderID string
}

// Action is either a new order or a cancel of a previously generated one.
type Action struct {
	Submit *SubmitOrderRequest
	Cancel *OpenOrder
}

func NewOrderGenerator(numTraders int, seed uint64) *OrderGenerator {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	traders := make([]string, numTraders)
	for i := range traders {
		traders[i] = fmt.Sprintf("trader_%d", i+1)
	}
	return &OrderGenerator{
		traders: traders,
		rng:     rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

func (g *OrderGenerator) Traders() []string { return g.traders }

// GenerateOrder picks a random trader, side, price within ±5% of the
// reference price and quantity between 1 and 10.
func (g *OrderGenerator) GenerateOrder(t registry.Token) SubmitOrderRequest {
	side := core.Buy
	if g.rng.IntN(2) == 1 {
		side = core.Sell
	}
	ref := t.ReferencePrice()
	// -500..+500 basis points
	bps := int64(g.rng.IntN(1001) - 500)
	price := ref.Add(ref.Mul(decimal.New(bps, -4))).Round(2)
	if !price.IsPositive() {
		price = decimal.New(1, -2)
	}
	return SubmitOrderRequest{
		UserID:     g.traders[g.rng.IntN(len(g.traders))],
		TokenID:    t.TokenID,
		Side:       side,
		Quantity:   int64(g.rng.IntN(10) + 1),
		LimitPrice: price,
	}
}

// Next returns 90% new orders and 10% cancels of earlier resting orders.
func (g *OrderGenerator) Next(t registry.Token) Action {
	if len(g.open) > 0 && g.rng.IntN(100) >= 90 {
		i := g.rng.IntN(len(g.open))
		o := g.open[i]
		g.open[i] = g.open[len(g.open)-1]
		g.open = g.open[:len(g.open)-1]
		return Action{Cancel: &o}
	}
	req := g.GenerateOrder(t)
	return Action{Submit: &req}
}

// Track remembers an order that rested so a later Next may cancel it.
func (g *OrderGenerator) Track(o core.Order) {
	if o.Status.IsResting() {
		g.open = append(g.open, OpenOrder{UserID: o.UserID, OrderID: o.ID})
	}
}

// FeederStats counts what the feeder has pushed through the exchange.
type FeederStats struct {
	Submitted int
	Rejected  int
	Cancelled int
	Trades    int
}

// Feeder pushes simulated order flow through the exchange.
type Feeder struct {
	app      *App
	crediter Crediter
	gen      *OrderGenerator
	cfg      FeederConfig
	clock    util.Clock
	logger   *zap.SugaredLogger
	stats    FeederStats
}

func NewFeeder(app *App, crediter Crediter, cfg FeederConfig, clock util.Clock, logger *zap.SugaredLogger) *Feeder {
	def := DefaultFeederConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.OrdersPerTick <= 0 {
		cfg.OrdersPerTick = def.OrdersPerTick
	}
	if cfg.Traders <= 0 {
		cfg.Traders = def.Traders
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Feeder{
		app:      app,
		crediter: crediter,
		gen:      NewOrderGenerator(cfg.Traders, cfg.Seed),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Fund credits InitialHolding to every trader that holds none of a token.
func (f *Feeder) Fund() error {
	if f.cfg.InitialHolding <= 0 || f.crediter == nil {
		return nil
	}
	for _, t := range f.app.ListTokens() {
		for _, user := range f.gen.Traders() {
			held, err := f.crediter.Get(user, t.TokenID)
			if err != nil {
				return fmt.Errorf("feeder fund %s/%s: %w", user, t.TokenID, err)
			}
			if held > 0 {
				continue
			}
			if err := f.crediter.Credit(user, t.TokenID, f.cfg.InitialHolding); err != nil {
				return fmt.Errorf("feeder fund %s/%s: %w", user, t.TokenID, err)
			}
		}
	}
	return nil
}

// Tick generates one batch for every active token.
func (f *Feeder) Tick(ctx context.Context) error {
	for _, t := range f.app.ListTokens() {
		if t.Status != registry.Active {
			continue
		}
		for i := 0; i < f.cfg.OrdersPerTick; i++ {
			if err := f.step(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Feeder) step(ctx context.Context, t registry.Token) error {
	act := f.gen.Next(t)
	if act.Cancel != nil {
		_, err := f.app.CancelOrder(ctx, act.Cancel.UserID, act.Cancel.OrderID)
		switch {
		case err == nil:
			f.stats.Cancelled++
		case errors.Is(err, core.ErrOrderNotCancellable):
			// filled or expired since it was tracked
		case isFatal(err):
			return err
		}
		return nil
	}

	res, err := f.app.SubmitOrder(ctx, *act.Submit)
	if err != nil {
		if isFatal(err) {
			return err
		}
		f.stats.Rejected++
		f.logger.Debugw("feeder_order_rejected", "user_id", act.Submit.UserID, "token_id", t.TokenID, "error", err)
		return nil
	}
	f.stats.Submitted++
	f.stats.Trades += len(res.Trades)
	f.gen.Track(res.Order)
	return nil
}

func isFatal(err error) bool {
	return errors.Is(err, core.ErrEngineClosed) || errors.Is(err, context.Canceled)
}

func (f *Feeder) Stats() FeederStats { return f.stats }

// Run funds the traders and feeds orders until ctx is done.
func (f *Feeder) Run(ctx context.Context) error {
	if err := f.Fund(); err != nil {
		return err
	}
	f.logger.Infow("feeder_started",
		"interval", f.cfg.Interval.String(),
		"orders_per_tick", f.cfg.OrdersPerTick,
		"traders", f.cfg.Traders)

	startTime := f.clock.Now()
	lastReport := startTime
	for {
		select {
		case <-ctx.Done():
			f.logger.Infow("feeder_stopped", "submitted", f.stats.Submitted, "trades", f.stats.Trades,
				"elapsed", f.clock.Now().Sub(startTime).Round(time.Second).String())
			return nil
		case <-f.clock.After(f.cfg.Interval):
			if err := f.Tick(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return err
			}
			if now := f.clock.Now(); now.Sub(lastReport) >= 10*time.Second {
				lastReport = now
				f.logger.Infow("feeder_stats",
					"submitted", f.stats.Submitted,
					"rejected", f.stats.Rejected,
					"cancelled", f.stats.Cancelled,
					"trades", f.stats.Trades)
			}
		}
	}
}
