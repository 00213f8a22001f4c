package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryingGateway retries retriable ledger errors with exponential backoff.
// Requests carry idempotency keys, so a retried transfer that actually landed
// the first time is not applied twice.
type RetryingGateway struct {
	next        Gateway
	maxRetries  uint64
	initialWait time.Duration
	logger      *zap.SugaredLogger
}

func NewRetryingGateway(next Gateway, maxRetries int, initialWait time.Duration, logger *zap.SugaredLogger) *RetryingGateway {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if initialWait <= 0 {
		initialWait = 50 * time.Millisecond
	}
	return &RetryingGateway{
		next:        next,
		maxRetries:  uint64(maxRetries),
		initialWait: initialWait,
		logger:      logger,
	}
}

func (g *RetryingGateway) TransferToken(ctx context.Context, req TokenTransfer) (string, error) {
	return retry(ctx, g, OpTokenTransfer, req.IdempotencyKey, func() (string, error) {
		return g.next.TransferToken(ctx, req)
	})
}

func (g *RetryingGateway) TransferPayment(ctx context.Context, req PaymentTransfer) (string, error) {
	return retry(ctx, g, OpPaymentTransfer, req.IdempotencyKey, func() (string, error) {
		return g.next.TransferPayment(ctx, req)
	})
}

func retry(ctx context.Context, g *RetryingGateway, op, key string, call func() (string, error)) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.initialWait
	eb.MaxElapsedTime = 0 // bounded by maxRetries
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, g.maxRetries), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (string, error) {
		attempt++
		ref, err := call()
		if err == nil {
			return ref, nil
		}
		if !IsRetriable(err) {
			return "", backoff.Permanent(err)
		}
		g.logger.Warnw("ledger_call_retry", "op", op, "idempotency_key", key, "attempt", attempt, "error", err)
		return "", err
	}, policy)
}
