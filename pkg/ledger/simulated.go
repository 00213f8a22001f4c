package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SimulatedLedger is an in-process ledger for development and tests. It
// answers after Latency, fails at the configured rates, and returns the same
// reference for a repeated idempotency key.
type SimulatedLedger struct {
	Latency         time.Duration
	TokenFailRate   float64
	PaymentFailRate float64

	// Hooks override the random failure model when set.
	TokenHook   func(TokenTransfer) error
	PaymentHook func(PaymentTransfer) error

	mu        sync.Mutex
	completed map[string]string // idempotency key -> ref
	calls     map[string]int    // op -> call count
	rng       *rand.Rand
}

func NewSimulatedLedger(latency time.Duration, tokenFailRate, paymentFailRate float64) *SimulatedLedger {
	return &SimulatedLedger{
		Latency:         latency,
		TokenFailRate:   tokenFailRate,
		PaymentFailRate: paymentFailRate,
		completed:       make(map[string]string),
		calls:           make(map[string]int),
		rng:             rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

func (l *SimulatedLedger) TransferToken(ctx context.Context, req TokenTransfer) (string, error) {
	if req.Quantity <= 0 || req.From == "" || req.To == "" {
		return "", NewPermanentError(OpTokenTransfer, fmt.Errorf("%w: malformed request", ErrTransferRejected))
	}
	return l.transfer(ctx, OpTokenTransfer, req.IdempotencyKey, l.TokenFailRate, func() error {
		if l.TokenHook != nil {
			return l.TokenHook(req)
		}
		return nil
	})
}

func (l *SimulatedLedger) TransferPayment(ctx context.Context, req PaymentTransfer) (string, error) {
	if !req.Amount.IsPositive() || req.From == "" || req.To == "" {
		return "", NewPermanentError(OpPaymentTransfer, fmt.Errorf("%w: malformed request", ErrTransferRejected))
	}
	return l.transfer(ctx, OpPaymentTransfer, req.IdempotencyKey, l.PaymentFailRate, func() error {
		if l.PaymentHook != nil {
			return l.PaymentHook(req)
		}
		return nil
	})
}

// Calls returns how many requests reached the ledger for op.
func (l *SimulatedLedger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *SimulatedLedger) transfer(ctx context.Context, op, key string, failRate float64, hook func() error) (string, error) {
	l.mu.Lock()
	l.calls[op]++
	if ref, ok := l.completed[key]; ok && key != "" {
		l.mu.Unlock()
		return ref, nil
	}
	l.mu.Unlock()

	if l.Latency > 0 {
		select {
		case <-time.After(l.Latency):
		case <-ctx.Done():
			return "", NewTransientError(op, ctx.Err())
		}
	}

	if err := hook(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if failRate > 0 && l.rng.Float64() < failRate {
		return "", NewTransientError(op, ErrLedgerUnavailable)
	}
	ref := fmt.Sprintf("%s-%s", refPrefix(op), uuid.NewString())
	if key != "" {
		l.completed[key] = ref
	}
	return ref, nil
}

func refPrefix(op string) string {
	if op == OpTokenTransfer {
		return "tok"
	}
	return "pay"
}
