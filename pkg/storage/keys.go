package storage

import "fmt"

// Key schema for the trade archive
//   trade:<tokenID>:<createdAt unix nanos>:<seq>:<tradeID> -> Trade (JSON)
// Timestamp and seq are zero-padded (20 digits) so keys sort by execution order.

const (
	prefixTrade = "trade:"
)

// tradeKey returns the key for a trade
// Example: "trade:HV-001:00000001750000000000000:00000000000000000042:3f2a..."
func tradeKey(tokenID string, createdAtNanos int64, seq uint64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d:%s", prefixTrade, tokenID, createdAtNanos, seq, tradeID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
