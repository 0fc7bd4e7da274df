// Package cache provides the shared key/value layer used to memoize
// verdicts, extracted content and analyses, and to hold idempotence markers.
//
// Keys are always derived from stable request fields via Key, never from
// timestamps, so equivalent requests inside a TTL window reuse prior work.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"
)

// ErrClosed is returned by a store that has been shut down.
var ErrClosed = errors.New("cache closed")

// Store is the cache contract. A TTL <= 0 means the entry does not expire.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Increment adds amount to the integer stored at key and returns the new
	// value. The TTL applies only when the key is created.
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	// Add stores value only if key is absent or expired. It reports whether
	// the value was stored.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	HealthCheck(ctx context.Context) Health
}

// Status is a coarse health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Health reports the state of a store.
type Health struct {
	Status  Status        `json:"status"`
	Entries int           `json:"entries"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

// TTLs holds the per-use-case TTL tiers.
type TTLs struct {
	RateLimit        time.Duration // seconds: rate-limit verdicts
	Approval         time.Duration // shortest: approvals are not replayed across turns
	ContentVerdict   time.Duration // minutes: validation/policy rejections
	Abuse            time.Duration // minutes: abuse screening verdicts
	Analysis         time.Duration // personalization and context analyses
	Derived          time.Duration // up to an hour: extracted text, solved math, image summaries
	BackgroundMarker time.Duration // idempotence markers
}

// DefaultTTLs returns the stock tiers.
func DefaultTTLs() TTLs {
	return TTLs{
		RateLimit:        5 * time.Second,
		Approval:         2 * time.Second,
		ContentVerdict:   5 * time.Minute,
		Abuse:            10 * time.Minute,
		Analysis:         2 * time.Minute,
		Derived:          time.Hour,
		BackgroundMarker: 10 * time.Minute,
	}
}

// Key derives a deterministic cache key. Parts are length-prefixed before
// hashing so ("ab","c") and ("a","bc") never collide.
func Key(namespace string, parts ...string) string {
	h := sha256.New()
	var size [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(p)))
		h.Write(size[:])
		h.Write([]byte(p))
	}
	return namespace + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// GetJSON decodes the JSON value stored at key into v. It reports a miss
// when the key is absent or the stored bytes do not decode.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ttl)
}
