package exchange

import (
	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
)

// TradeSource replays archived trades.
type TradeSource interface {
	ForEachTrade(fn func(core.Trade) error) error
}

// WarmTrades loads archived trades into the trade store so history and market
// stats survive a restart. The book itself starts empty.
func WarmTrades(trades *store.TradeStore, src TradeSource) (int, error) {
	n := 0
	err := src.ForEachTrade(func(t core.Trade) error {
		trades.Add(t)
		n++
		return nil
	})
	return n, err
}
