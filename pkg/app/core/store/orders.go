package store

import (
	"sort"
	"sync"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

// OrderStore keeps the latest copy of every order ever accepted.
// Orders are never deleted; terminal orders stay for history.
type OrderStore struct {
	mu     sync.RWMutex
	orders map[string]core.Order
	byUser map[string][]string
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders: make(map[string]core.Order),
		byUser: make(map[string][]string),
	}
}

// Put records the current state of o.
func (s *OrderStore) Put(o core.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; !exists {
		s.byUser[o.UserID] = append(s.byUser[o.UserID], o.ID)
	}
	s.orders[o.ID] = o
}

func (s *OrderStore) Get(id string) (core.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// ListByUser returns the user's orders, newest first, optionally filtered by status.
func (s *OrderStore) ListByUser(userID string, status *core.OrderStatus) []core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Order, 0, len(s.byUser[userID]))
	for _, id := range s.byUser[userID] {
		o := s.orders[id]
		if status != nil && o.Status != *status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Before(&out[i])
	})
	return out
}

// RestingSellQuantity sums the remaining quantity of the user's open SELL
// orders for a token.
func (s *OrderStore) RestingSellQuantity(userID, tokenID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, id := range s.byUser[userID] {
		o := s.orders[id]
		if o.TokenID == tokenID && o.Side == core.Sell && o.Status.IsResting() {
			total += o.RemainingQuantity
		}
	}
	return total
}

func (s *OrderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}
