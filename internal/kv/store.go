// Package kv defines the expiring key-value capability the OTP state machine,
// the rate limiter and the user-existence cache are built on.
package kv

import (
	"context"
	"time"
)

// Store is a string key-value store with per-key expiry. Single-key
// operations are atomic; nothing spans keys except SetAll, which applies its
// entries together.
type Store interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetAll writes every entry in one round trip.
	SetAll(ctx context.Context, entries ...Entry) error
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	// Incr atomically increments an integer key, (re)sets its TTL and returns
	// the new value. A missing key counts from zero.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// Entry is one write for SetAll.
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Nop is the Store used when the cache layer is switched off: every read
// misses, writes are dropped and counters never leave 1.
type Nop struct{}

var _ Store = Nop{}

func (Nop) Get(context.Context, string) (string, bool, error)          { return "", false, nil }
func (Nop) Set(context.Context, string, string, time.Duration) error   { return nil }
func (Nop) SetAll(context.Context, ...Entry) error                     { return nil }
func (Nop) Del(context.Context, ...string) (int64, error)              { return 0, nil }
func (Nop) Incr(context.Context, string, time.Duration) (int64, error) { return 1, nil }
func (Nop) Ping(context.Context) error                                 { return nil }
