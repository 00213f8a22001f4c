package marketdata

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/registry"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

const DefaultWindow = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// Stats is a token's market summary. Only SETTLED trades count.
type Stats struct {
	TokenID           string          `json:"tokenId"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
	Volume24h         decimal.Decimal `json:"volume24h"`
	High24h           decimal.Decimal `json:"high24h"`
	Low24h            decimal.Decimal `json:"low24h"`
	Open24h           decimal.Decimal `json:"open24h"`
	ChangePct24h      decimal.Decimal `json:"changePct24h"`
	Trades24h         int             `json:"trades24h"`
	CirculatingSupply int64           `json:"circulatingSupply"`
	MarketCap         decimal.Decimal `json:"marketCap"`
	AsOf              time.Time       `json:"asOf"`
}

// Input is everything ComputeStats needs.
type Input struct {
	TokenID string
	// Trades of the token in execution order; any status, any age.
	Trades []core.Trade
	// LastSettled is the most recent settled trade, if any, even outside the window.
	LastSettled    *core.Trade
	ReferencePrice decimal.Decimal
	Supply         registry.Supply
	Now            time.Time
	Window         time.Duration
}

// ComputeStats derives market stats. The window is (Now-Window, Now].
func ComputeStats(in Input) Stats {
	if in.Window <= 0 {
		in.Window = DefaultWindow
	}
	from := in.Now.Add(-in.Window)

	s := Stats{
		TokenID:           in.TokenID,
		CurrentPrice:      in.ReferencePrice,
		Volume24h:         decimal.Zero,
		High24h:           decimal.Zero,
		Low24h:            decimal.Zero,
		Open24h:           decimal.Zero,
		ChangePct24h:      decimal.Zero,
		CirculatingSupply: in.Supply.Circulating(),
		AsOf:              in.Now,
	}
	if in.LastSettled != nil {
		s.CurrentPrice = in.LastSettled.ExecutionPrice
	}

	for i := range in.Trades {
		t := &in.Trades[i]
		if t.Status != core.TradeSettled || !t.CreatedAt.After(from) || t.CreatedAt.After(in.Now) {
			continue
		}
		p := t.ExecutionPrice
		if s.Trades24h == 0 {
			s.Open24h, s.High24h, s.Low24h = p, p, p
		} else {
			if p.GreaterThan(s.High24h) {
				s.High24h = p
			}
			if p.LessThan(s.Low24h) {
				s.Low24h = p
			}
		}
		s.Volume24h = s.Volume24h.Add(t.TotalValue)
		s.Trades24h++
	}

	if s.Open24h.IsPositive() {
		s.ChangePct24h = s.CurrentPrice.Sub(s.Open24h).Div(s.Open24h).Mul(hundred).Round(2)
	}
	s.MarketCap = s.CurrentPrice.Mul(decimal.NewFromInt(s.CirculatingSupply))
	return s
}

// TokenSource is the part of the registry stats depend on.
type TokenSource interface {
	GetCirculatingSupply(tokenID string) (registry.Supply, error)
	ReferencePrice(tokenID string) (decimal.Decimal, error)
}

// Aggregator computes stats on demand from the trade store. It keeps no state.
type Aggregator struct {
	trades *store.TradeStore
	tokens TokenSource
	clock  util.Clock
	window time.Duration
}

func NewAggregator(trades *store.TradeStore, tokens TokenSource, clock util.Clock, window time.Duration) *Aggregator {
	if clock == nil {
		clock = util.RealClock{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{trades: trades, tokens: tokens, clock: clock, window: window}
}

func (a *Aggregator) Stats(tokenID string) (Stats, error) {
	supply, err := a.tokens.GetCirculatingSupply(tokenID)
	if err != nil {
		return Stats{}, fmt.Errorf("market stats: %w", err)
	}
	ref, err := a.tokens.ReferencePrice(tokenID)
	if err != nil {
		return Stats{}, fmt.Errorf("market stats: %w", err)
	}

	now := a.clock.Now()
	in := Input{
		TokenID:        tokenID,
		Trades:         a.trades.Since(tokenID, now.Add(-a.window)),
		ReferencePrice: ref,
		Supply:         supply,
		Now:            now,
		Window:         a.window,
	}
	if last, ok := a.trades.LastSettled(tokenID); ok {
		in.LastSettled = &last
	}
	return ComputeStats(in), nil
}
