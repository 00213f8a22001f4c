package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) Opposite() Side { return -s }

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	side, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide accepts "BUY"/"SELL" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
}

// OrderStatus represents the lifecycle state of an order
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "OPEN"
	case OrderPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderFilled:
		return "FILLED"
	case OrderCancelled:
		return "CANCELLED"
	case OrderExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsResting reports whether an order in this state belongs on the book.
func (s OrderStatus) IsResting() bool {
	return s == OrderOpen || s == OrderPartiallyFilled
}

func (s OrderStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OrderStatus) UnmarshalText(b []byte) error {
	st, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func ParseOrderStatus(v string) (OrderStatus, error) {
	for st := OrderOpen; st <= OrderExpired; st++ {
		if strings.EqualFold(v, st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", v)
}

// TradeStatus tracks settlement progress. PENDING moves to exactly one terminal state.
type TradeStatus int8

const (
	TradePending TradeStatus = iota
	TradeSettled
	TradeFailed
	// TradeFailedPartial: token leg moved, payment leg did not. Needs manual intervention.
	TradeFailedPartial
)

func (s TradeStatus) String() string {
	switch s {
	case TradePending:
		return "PENDING"
	case TradeSettled:
		return "SETTLED"
	case TradeFailed:
		return "FAILED"
	case TradeFailedPartial:
		return "FAILED_PARTIAL"
	default:
		return "UNKNOWN"
	}
}

func (s TradeStatus) IsFinal() bool { return s != TradePending }

func (s TradeStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *TradeStatus) UnmarshalText(b []byte) error {
	for st := TradePending; st <= TradeFailedPartial; st++ {
		if strings.EqualFold(string(b), st.String()) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown trade status %q", string(b))
}

// Order is a limit order for a property token.
type Order struct {
	ID                string          `json:"id"`
	UserID            string          `json:"userId"`
	TokenID           string          `json:"tokenId"`
	Side              Side            `json:"side"`
	Quantity          int64           `json:"quantity"`
	RemainingQuantity int64           `json:"remainingQuantity"`
	LimitPrice        decimal.Decimal `json:"limitPrice"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"createdAt"`
	ExpiresAt         time.Time       `json:"expiresAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`

	// Seq breaks CreatedAt ties in arrival order.
	Seq uint64 `json:"seq"`
}

// Filled returns the executed quantity
func (o *Order) Filled() int64 {
	return o.Quantity - o.RemainingQuantity
}

// Fill consumes qty from the remaining quantity.
func (o *Order) Fill(qty int64, now time.Time) {
	o.RemainingQuantity -= qty
	o.UpdatedAt = now
	o.refreshStatus()
}

// Restore puts qty back after a failed settlement, capped at the original quantity.
func (o *Order) Restore(qty int64, now time.Time) {
	o.RemainingQuantity += qty
	if o.RemainingQuantity > o.Quantity {
		o.RemainingQuantity = o.Quantity
	}
	o.UpdatedAt = now
	o.refreshStatus()
}

func (o *Order) refreshStatus() {
	switch {
	case o.RemainingQuantity == 0:
		o.Status = OrderFilled
	case o.RemainingQuantity == o.Quantity:
		o.Status = OrderOpen
	default:
		o.Status = OrderPartiallyFilled
	}
}

// Before reports whether o has time priority over other at the same price.
func (o *Order) Before(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Seq < other.Seq
}

// Crosses reports whether o can trade against the resting order r.
func (o *Order) Crosses(r *Order) bool {
	if o.Side == Buy {
		return o.LimitPrice.GreaterThanOrEqual(r.LimitPrice)
	}
	return o.LimitPrice.LessThanOrEqual(r.LimitPrice)
}

// Validate checks order invariants
func (o *Order) Validate() error {
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, o.Quantity)
	}
	if o.RemainingQuantity < 0 || o.RemainingQuantity > o.Quantity {
		return fmt.Errorf("remaining quantity %d outside [0,%d]", o.RemainingQuantity, o.Quantity)
	}
	if (o.Status == OrderFilled) != (o.RemainingQuantity == 0) {
		return fmt.Errorf("status %s inconsistent with remaining quantity %d", o.Status, o.RemainingQuantity)
	}
	return nil
}

// Trade is one execution between a buy and a sell order.
type Trade struct {
	ID                 string          `json:"id"`
	BuyOrderID         string          `json:"buyOrderId"`
	SellOrderID        string          `json:"sellOrderId"`
	BuyerID            string          `json:"buyerId"`
	SellerID           string          `json:"sellerId"`
	TokenID            string          `json:"tokenId"`
	Quantity           int64           `json:"quantity"`
	ExecutionPrice     decimal.Decimal `json:"executionPrice"`
	TotalValue         decimal.Decimal `json:"totalValue"`
	Status             TradeStatus     `json:"status"`
	CreatedAt          time.Time       `json:"createdAt"`
	SettledAt          time.Time       `json:"settledAt,omitzero"`
	TokenTransferRef   string          `json:"tokenTransferRef,omitempty"`
	PaymentTransferRef string          `json:"paymentTransferRef,omitempty"`
	FailureReason      string          `json:"failureReason,omitempty"`
	Seq                uint64          `json:"seq"`
}

// After orders trades by execution time, then sequence.
func (t *Trade) After(other *Trade) bool {
	if !t.CreatedAt.Equal(other.CreatedAt) {
		return t.CreatedAt.After(other.CreatedAt)
	}
	return t.Seq > other.Seq
}
