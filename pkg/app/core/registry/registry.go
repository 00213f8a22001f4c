package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

// TokenStatus represents the trading state of a property token
type TokenStatus int8

const (
	Active   TokenStatus = iota // Normal trading
	Paused                      // Temporarily halted, orders rejected
	Delisted                    // Terminal, no further trading
)

func (s TokenStatus) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	case Delisted:
		return "DELISTED"
	default:
		return "UNKNOWN"
	}
}

func (s TokenStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TokenStatus) UnmarshalText(b []byte) error {
	st, err := ParseTokenStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func ParseTokenStatus(v string) (TokenStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "ACTIVE":
		return Active, nil
	case "PAUSED":
		return Paused, nil
	case "DELISTED":
		return Delisted, nil
	default:
		return 0, fmt.Errorf("unknown token status %q", v)
	}
}

// Token is the investment token of one property.
type Token struct {
	TokenID    string `json:"tokenId" yaml:"tokenId"`
	PropertyID string `json:"propertyId" yaml:"propertyId"`
	Name       string `json:"name" yaml:"name"`

	// TotalSupply is the number of tokens minted for the property.
	// AvailableSupply is what the issuer has not yet placed with investors.
	TotalSupply     int64 `json:"totalSupply" yaml:"totalSupply"`
	AvailableSupply int64 `json:"availableSupply" yaml:"availableSupply"`

	// Valuation is the latest appraised property value in settlement currency.
	Valuation decimal.Decimal `json:"valuation" yaml:"-"`
	Status    TokenStatus     `json:"status" yaml:"-"`
}

// Supply is the answer to GetCirculatingSupply.
type Supply struct {
	TotalSupply     int64 `json:"totalSupply"`
	AvailableSupply int64 `json:"availableSupply"`
}

// Circulating is the quantity held by investors.
func (s Supply) Circulating() int64 { return s.TotalSupply - s.AvailableSupply }

// ReferencePrice is the valuation-derived per-token price.
func (t *Token) ReferencePrice() decimal.Decimal {
	if t.TotalSupply <= 0 {
		return decimal.Zero
	}
	return t.Valuation.Div(decimal.NewFromInt(t.TotalSupply))
}

// Validate checks token invariants
func (t *Token) Validate() error {
	if t.TokenID == "" {
		return fmt.Errorf("token id is required")
	}
	if t.TotalSupply <= 0 {
		return fmt.Errorf("token %s: total supply must be positive, got %d", t.TokenID, t.TotalSupply)
	}
	if t.AvailableSupply < 0 || t.AvailableSupply > t.TotalSupply {
		return fmt.Errorf("token %s: available supply %d outside [0,%d]", t.TokenID, t.AvailableSupply, t.TotalSupply)
	}
	if t.Valuation.IsNegative() {
		return fmt.Errorf("token %s: negative valuation %s", t.TokenID, t.Valuation)
	}
	return nil
}

// Registry manages listed property tokens in a thread-safe manner
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]*Token // tokenID -> token
}

func New() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register adds a token. Returns error if the id is taken or the token is invalid.
func (r *Registry) Register(t Token) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[t.TokenID]; exists {
		return fmt.Errorf("token %s already registered", t.TokenID)
	}
	cp := t
	r.tokens[t.TokenID] = &cp
	return nil
}

// Get returns a copy of the token.
func (r *Registry) Get(tokenID string) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tokens[tokenID]
	if !exists {
		return Token{}, fmt.Errorf("token %s: %w", tokenID, core.ErrUnknownToken)
	}
	return *t, nil
}

// List returns every token sorted by id.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// CheckTradable returns nil when orders may be accepted for the token.
func (r *Registry) CheckTradable(tokenID string) error {
	t, err := r.Get(tokenID)
	if err != nil {
		return err
	}
	if t.Status != Active {
		return fmt.Errorf("token %s is %s: %w", tokenID, t.Status, core.ErrTokenNotTradable)
	}
	return nil
}

// UpdateStatus changes the trading status of a token.
// Delisted is terminal.
func (r *Registry) UpdateStatus(tokenID string, status TokenStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tokens[tokenID]
	if !exists {
		return fmt.Errorf("token %s: %w", tokenID, core.ErrUnknownToken)
	}
	if t.Status == Delisted && status != Delisted {
		return fmt.Errorf("cannot change status of %s from Delisted (terminal state)", tokenID)
	}
	t.Status = status
	return nil
}

// UpdateValuation records a new appraisal.
func (r *Registry) UpdateValuation(tokenID string, valuation decimal.Decimal) error {
	if valuation.IsNegative() {
		return fmt.Errorf("negative valuation %s", valuation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tokens[tokenID]
	if !exists {
		return fmt.Errorf("token %s: %w", tokenID, core.ErrUnknownToken)
	}
	t.Valuation = valuation
	return nil
}

// UpdateAvailableSupply records issuer placements.
func (r *Registry) UpdateAvailableSupply(tokenID string, available int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tokens[tokenID]
	if !exists {
		return fmt.Errorf("token %s: %w", tokenID, core.ErrUnknownToken)
	}
	if available < 0 || available > t.TotalSupply {
		return fmt.Errorf("available supply %d outside [0,%d]", available, t.TotalSupply)
	}
	t.AvailableSupply = available
	return nil
}

// GetCirculatingSupply returns total and available supply for a token.
func (r *Registry) GetCirculatingSupply(tokenID string) (Supply, error) {
	t, err := r.Get(tokenID)
	if err != nil {
		return Supply{}, err
	}
	return Supply{TotalSupply: t.TotalSupply, AvailableSupply: t.AvailableSupply}, nil
}

// ReferencePrice returns the valuation-derived price for a token.
func (r *Registry) ReferencePrice(tokenID string) (decimal.Decimal, error) {
	t, err := r.Get(tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	return t.ReferencePrice(), nil
}

// Count returns the number of registered tokens
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// Exists checks if a token is registered
func (r *Registry) Exists(tokenID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[tokenID]
	return ok
}
