package stripe

import "hash/fnv"

// Count is the fixed number of lock stripes guarding (tenant, category) keys.
// Two keys on the same stripe serialize; keys on different stripes do not.
const Count = 64

// For returns the stripe index for a given key.
// Stable and deterministic: the same key always maps to the same stripe.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % Count
}
