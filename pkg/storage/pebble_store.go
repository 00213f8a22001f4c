package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
)

// PebbleStore archives trades from the moment they execute, and again once
// final, so trade history, market stats and unsettled trades survive a
// restart. The order book itself is never persisted.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// SaveTrade persists a trade. Re-saving the same trade overwrites it, since
// the key does not depend on status.
func (s *PebbleStore) SaveTrade(t core.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	key := tradeKey(t.TokenID, t.CreatedAt.UnixNano(), t.Seq, t.ID)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// ForEachTrade visits every archived trade in key order.
func (s *PebbleStore) ForEachTrade(fn func(core.Trade) error) error {
	prefix := []byte(prefixTrade)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var t core.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return iter.Error()
}
