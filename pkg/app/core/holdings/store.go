package holdings

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// Holding is the quantity of one token owned by one user.
type Holding struct {
	UserID    string    `json:"userId"`
	TokenID   string    `json:"tokenId"`
	Quantity  int64     `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store provides Pebble-based persistence for holdings
// Thread-safe: all writes go through Manager's mutex
type Store struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(32 << 20), // 32MB cache
		MemTableSize:             16 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             500,
		BytesPerSync:             512 << 10, // 512KB
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadHolding loads a holding from Pebble
// Returns nil if the user never held the token
func (s *Store) LoadHolding(userID, tokenID string) (*Holding, error) {
	data, closer, err := s.db.Get(holdingKey(userID, tokenID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	defer closer.Close()

	var h Holding
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal holding: %w", err)
	}
	return &h, nil
}

// LoadHoldings loads every holding of a user
func (s *Store) LoadHoldings(userID string) ([]Holding, error) {
	prefix := holdingPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []Holding
	for iter.First(); iter.Valid(); iter.Next() {
		var h Holding
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, h)
	}
	return out, iter.Error()
}

// BatchWrite provides atomic batch writes for multiple holdings
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// SaveHolding adds a holding save to the batch
func (bw *BatchWrite) SaveHolding(h *Holding) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal holding: %w", err)
	}
	return bw.batch.Set(holdingKey(h.UserID, h.TokenID), data, nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close releases the batch; safe after Commit
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
