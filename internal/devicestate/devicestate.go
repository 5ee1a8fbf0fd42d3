// Package devicestate persists small named documents that must survive a
// process restart: the app-lock flags and the session state.
package devicestate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Well-known keys.
const (
	KeyAppLock = "applock"
	KeySession = "session"
)

// Store is a key/value store. Get returns "", false, nil for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, now time.Time) error
	Delete(ctx context.Context, key string) error
}

// Load decodes the JSON document stored under key into v. It reports whether
// the key existed.
func Load(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Save stores v as JSON under key.
func Save(ctx context.Context, s Store, key string, v any, now time.Time) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw), now)
}
