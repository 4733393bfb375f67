// Package cache provides the short-TTL key/value layer used to memoize
// outcomes and throttle gateway polls. It is never the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a TTL key/value store.
type Cache interface {
	// Get returns the value and true when key is present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores value only when key is absent. It reports whether
	// the value was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// GetJSON decodes a cached JSON value into v.
func GetJSON(ctx context.Context, c Cache, key string, v any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value %s: %w", key, err)
	}
	return c.Put(ctx, key, raw, ttl)
}

// Key helpers keep the namespaces in one place.
func InvoiceKey(invoice string) string    { return "valor:inv:" + invoice }
func RequestKey(requestID string) string  { return "valor:req:" + requestID }
func ThrottleKey(requestID string) string { return "valor:throttle:" + requestID }
