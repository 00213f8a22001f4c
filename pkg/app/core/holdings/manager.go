package holdings

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

type holdingID struct {
	user  string
	token string
}

// Manager is the local holdings ledger: who owns how many tokens.
// Uses in-memory cache + Pebble persistence for durability
type Manager struct {
	mu       sync.RWMutex
	holdings map[holdingID]*Holding
	store    *Store
	clock    util.Clock
	logger   *zap.SugaredLogger
}

// NewManager opens the holdings database at dbPath
func NewManager(dbPath string, clock util.Clock, logger *zap.SugaredLogger) (*Manager, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		holdings: make(map[holdingID]*Holding),
		store:    store,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Close closes the underlying Pebble database
func (m *Manager) Close() error {
	return m.store.Close()
}

// getLocked returns the cached holding, loading it from Pebble or creating
// an empty one. Caller must hold the write lock.
func (m *Manager) getLocked(userID, tokenID string) (*Holding, error) {
	id := holdingID{userID, tokenID}
	if h, ok := m.holdings[id]; ok {
		return h, nil
	}
	h, err := m.store.LoadHolding(userID, tokenID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = &Holding{UserID: userID, TokenID: tokenID}
	}
	m.holdings[id] = h
	return h, nil
}

// Get returns the quantity of tokenID held by userID.
func (m *Manager) Get(userID, tokenID string) (int64, error) {
	m.mu.RLock()
	if h, ok := m.holdings[holdingID{userID, tokenID}]; ok {
		q := h.Quantity
		m.mu.RUnlock()
		return q, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := m.getLocked(userID, tokenID)
	if err != nil {
		return 0, err
	}
	return h.Quantity, nil
}

// VerifySellerHolding reports whether userID holds at least quantity of tokenID.
func (m *Manager) VerifySellerHolding(userID, tokenID string, quantity int64) bool {
	held, err := m.Get(userID, tokenID)
	if err != nil {
		m.logger.Errorw("holding_lookup_failed", "user_id", userID, "token_id", tokenID, "error", err)
		return false
	}
	return held >= quantity
}

// Credit adds tokens to a user, e.g. from a primary offering allocation.
func (m *Manager) Credit(userID, tokenID string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("credit quantity must be positive: %d", quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.getLocked(userID, tokenID)
	if err != nil {
		return err
	}
	next := *h
	next.Quantity += quantity
	next.UpdatedAt = m.clock.Now()
	if err := m.commit(&next); err != nil {
		return err
	}
	*h = next
	return nil
}

// ApplySettlement moves quantity of tokenID from seller to buyer in one
// atomic write. It fails without side effects if the seller is short.
func (m *Manager) ApplySettlement(buyerID, sellerID, tokenID string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("settlement quantity must be positive: %d", quantity)
	}
	if buyerID == sellerID {
		return fmt.Errorf("buyer and seller are the same user %s", buyerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seller, err := m.getLocked(sellerID, tokenID)
	if err != nil {
		return err
	}
	buyer, err := m.getLocked(buyerID, tokenID)
	if err != nil {
		return err
	}
	if seller.Quantity < quantity {
		return fmt.Errorf("seller %s holds %d of %s, needs %d: %w",
			sellerID, seller.Quantity, tokenID, quantity, core.ErrInsufficientHolding)
	}

	now := m.clock.Now()
	nextSeller, nextBuyer := *seller, *buyer
	nextSeller.Quantity -= quantity
	nextSeller.UpdatedAt = now
	nextBuyer.Quantity += quantity
	nextBuyer.UpdatedAt = now

	if err := m.commit(&nextSeller, &nextBuyer); err != nil {
		return err
	}
	*seller, *buyer = nextSeller, nextBuyer
	return nil
}

func (m *Manager) commit(hs ...*Holding) error {
	bw := m.store.NewBatch()
	defer bw.Close()
	for _, h := range hs {
		if err := bw.SaveHolding(h); err != nil {
			return err
		}
	}
	if err := bw.Commit(); err != nil {
		return fmt.Errorf("failed to commit holdings: %w", err)
	}
	return nil
}

// ListByUser returns every non-empty holding of a user, sorted by token.
func (m *Manager) ListByUser(userID string) ([]Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, err := m.store.LoadHoldings(userID)
	if err != nil {
		return nil, err
	}
	byToken := make(map[string]Holding, len(stored))
	for _, h := range stored {
		byToken[h.TokenID] = h
	}
	// cache is authoritative for anything it holds
	for id, h := range m.holdings {
		if id.user == userID {
			byToken[id.token] = *h
		}
	}

	out := make([]Holding, 0, len(byToken))
	for _, h := range byToken {
		if h.Quantity > 0 {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}
