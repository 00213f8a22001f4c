package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

// TradeStore holds every trade and is the single gate for settlement state.
// A trade leaves PENDING exactly once: Claim hands it to one settler,
// Finalize applies the terminal state.
type TradeStore struct {
	mu      sync.RWMutex
	trades  map[string]*core.Trade
	byToken map[string][]string // creation order
	claimed map[string]struct{}
}

func NewTradeStore() *TradeStore {
	return &TradeStore{
		trades:  make(map[string]*core.Trade),
		byToken: make(map[string][]string),
		claimed: make(map[string]struct{}),
	}
}

// Add stores a new trade. Re-adding an existing id is ignored.
func (s *TradeStore) Add(t core.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.ID]; exists {
		return
	}
	cp := t
	s.trades[t.ID] = &cp
	ids := s.byToken[t.TokenID]
	// keep creation order even when warmed out of order
	i := sort.Search(len(ids), func(i int) bool { return s.trades[ids[i]].After(&cp) })
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = t.ID
	s.byToken[t.TokenID] = ids
}

func (s *TradeStore) Get(id string) (core.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return core.Trade{}, false
	}
	return *t, true
}

// Claim reserves a PENDING trade for settlement. It returns false when the
// trade is unknown, already final, or claimed by another settler.
func (s *TradeStore) Claim(id string) (core.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok || t.Status != core.TradePending {
		return core.Trade{}, false
	}
	if _, busy := s.claimed[id]; busy {
		return core.Trade{}, false
	}
	s.claimed[id] = struct{}{}
	return *t, true
}

// Finalize moves a PENDING trade to status and lets apply fill in the
// settlement fields. Any second attempt returns core.ErrTradeFinalized.
func (s *TradeStore) Finalize(id string, status core.TradeStatus, apply func(t *core.Trade)) (core.Trade, error) {
	if !status.IsFinal() {
		return core.Trade{}, fmt.Errorf("finalize trade %s: %s is not a terminal status", id, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return core.Trade{}, fmt.Errorf("finalize trade %s: %w", id, core.ErrTradeNotFound)
	}
	if t.Status != core.TradePending {
		return *t, fmt.Errorf("finalize trade %s (%s): %w", id, t.Status, core.ErrTradeFinalized)
	}
	t.Status = status
	if apply != nil {
		apply(t)
	}
	delete(s.claimed, id)
	return *t, nil
}

// ListByToken returns up to limit trades for a token, newest first. limit <= 0 returns all.
func (s *TradeStore) ListByToken(tokenID string, limit int) []core.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byToken[tokenID]
	n := len(ids)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]core.Trade, 0, n)
	for i := len(ids) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *s.trades[ids[i]])
	}
	return out
}

// Since returns the token's trades created after from, oldest first.
func (s *TradeStore) Since(tokenID string, from time.Time) []core.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byToken[tokenID]
	i := sort.Search(len(ids), func(i int) bool { return s.trades[ids[i]].CreatedAt.After(from) })
	out := make([]core.Trade, 0, len(ids)-i)
	for ; i < len(ids); i++ {
		out = append(out, *s.trades[ids[i]])
	}
	return out
}

// LastSettled returns the most recent SETTLED trade for a token.
func (s *TradeStore) LastSettled(tokenID string) (core.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byToken[tokenID]
	for i := len(ids) - 1; i >= 0; i-- {
		if t := s.trades[ids[i]]; t.Status == core.TradeSettled {
			return *t, true
		}
	}
	return core.Trade{}, false
}

// Pending lists trades still waiting for settlement.
func (s *TradeStore) Pending() []core.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Trade
	for _, t := range s.trades {
		if t.Status == core.TradePending {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].After(&out[i]) })
	return out
}

// PendingSellQuantity sums the quantity the user sold in trades that are not
// settled yet. Those tokens are off the book but still in the user's holdings.
func (s *TradeStore) PendingSellQuantity(userID, tokenID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, id := range s.byToken[tokenID] {
		if t := s.trades[id]; t.SellerID == userID && t.Status == core.TradePending {
			total += t.Quantity
		}
	}
	return total
}
