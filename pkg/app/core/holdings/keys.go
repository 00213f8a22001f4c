package holdings

import "fmt"

// Pebble key schema
// 1. Prefix-based for range scans (all holdings of a user)
// 2. User id first so a user's positions are contiguous

const (
	prefixHolding = "hold:" // Holding state
)

// holdingKey returns the key for a holding
// Format: "hold:{userID}:{tokenID}"
// Example: "hold:alice:HV-001"
func holdingKey(userID, tokenID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixHolding, userID, tokenID))
}

// holdingPrefix returns the prefix for all holdings of a user
// Format: "hold:{userID}:"
func holdingPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHolding, userID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "hold:alice:" -> upper bound "hold:alice;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
