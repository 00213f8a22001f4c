package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Transaction log entry types
const (
	TxTradeBuy  = "TRADE_BUY"
	TxTradeSell = "TRADE_SELL"
)

// TransactionRecord is one row of the platform transaction log.
type TransactionRecord struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	UserID    string          `gorm:"index;not null" json:"userId"`
	Type      string          `gorm:"index;not null" json:"type"`
	Amount    decimal.Decimal `gorm:"type:text;not null" json:"amount"`
	Metadata  string          `gorm:"type:text" json:"metadata"`
	CreatedAt time.Time       `gorm:"index" json:"createdAt"`
}

// Journal is the transaction log. RecordTransaction never blocks the caller
// and never fails it; records are written by Run in the background.
type Journal struct {
	db     *gorm.DB
	queue  chan TransactionRecord
	logger *zap.SugaredLogger
	now    func() time.Time
}

// OpenJournal opens (and migrates) the SQLite journal at path.
func OpenJournal(path string, queueSize int, log *zap.SugaredLogger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}
	if err := db.AutoMigrate(&TransactionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Journal{
		db:     db,
		queue:  make(chan TransactionRecord, queueSize),
		logger: log,
		now:    time.Now,
	}, nil
}

// RecordTransaction queues one entry. When the queue is full the write is
// handed to its own goroutine rather than blocking.
func (j *Journal) RecordTransaction(userID, txType string, amount decimal.Decimal, metadata map[string]any) {
	rec := TransactionRecord{
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		CreatedAt: j.now(),
	}
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			j.logger.Warnw("journal_metadata_encode_failed", "user_id", userID, "type", txType, "error", err)
		} else {
			rec.Metadata = string(raw)
		}
	}

	select {
	case j.queue <- rec:
	default:
		j.logger.Warnw("journal_queue_full", "user_id", userID, "type", txType)
		go j.write(rec)
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-j.queue:
			j.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-j.queue:
					j.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (j *Journal) write(rec TransactionRecord) {
	if err := j.db.Create(&rec).Error; err != nil {
		j.logger.Errorw("journal_write_failed",
			"user_id", rec.UserID, "type", rec.Type, "amount", rec.Amount.String(), "error", err)
	}
}

// ListByUser returns the user's entries, newest first.
func (j *Journal) ListByUser(userID string, limit int) ([]TransactionRecord, error) {
	var out []TransactionRecord
	q := j.db.Where("user_id = ?", userID).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
