package session

import "time"

// CacheEntry is one memoized value. TTL is persisted in nanoseconds.
type CacheEntry struct {
	Value     any           `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
	TTL       time.Duration `json:"ttl"`
}

// Valid reports whether the entry is still usable at now. An entry is valid
// while now - Timestamp <= TTL.
func (e CacheEntry) Valid(now time.Time) bool {
	return now.Sub(e.Timestamp) <= e.TTL
}

// sweep drops every entry expired at now and returns how many were removed.
func sweep(cache map[string]CacheEntry, now time.Time) int {
	n := 0
	for k, e := range cache {
		if !e.Valid(now) {
			delete(cache, k)
			n++
		}
	}
	return n
}
