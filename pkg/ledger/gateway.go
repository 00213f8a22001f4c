package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// TokenTransfer moves property tokens between two users on the ledger.
type TokenTransfer struct {
	TokenID  string
	From     string
	To       string
	Quantity int64
	Memo     string
	// IdempotencyKey lets the ledger collapse repeated submissions.
	IdempotencyKey string
}

// PaymentTransfer moves settlement currency between two users.
type PaymentTransfer struct {
	From           string
	To             string
	Amount         decimal.Decimal
	Currency       string
	Memo           string
	IdempotencyKey string
}

// Gateway is the boundary to the distributed ledger. Both calls block until
// the ledger answers and return the ledger's transfer reference.
type Gateway interface {
	TransferToken(ctx context.Context, req TokenTransfer) (string, error)
	TransferPayment(ctx context.Context, req PaymentTransfer) (string, error)
}

var (
	ErrTransferRejected  = errors.New("transfer rejected by ledger")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// TransferError is a failed ledger call.
type TransferError struct {
	Op        string // "token_transfer" or "payment_transfer"
	Err       error
	Retriable bool
}

func (e *TransferError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransferError) IsRetriable() bool { return e.Retriable }

func (e *TransferError) Unwrap() error { return e.Err }

// NewTransientError creates a retriable ledger error
func NewTransientError(op string, err error) *TransferError {
	return &TransferError{Op: op, Err: err, Retriable: true}
}

// NewPermanentError creates a non-retriable ledger error
func NewPermanentError(op string, err error) *TransferError {
	return &TransferError{Op: op, Err: err, Retriable: false}
}

const (
	OpTokenTransfer   = "token_transfer"
	OpPaymentTransfer = "payment_transfer"
)
