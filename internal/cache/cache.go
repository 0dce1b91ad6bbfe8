package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrConflict is returned by CompareAndSwap when the stored generation no
// longer matches the caller's expectation.
var ErrConflict = errors.New("cache: generation conflict")

// Versioned wraps a cache payload with a monotonically increasing generation
// so read-then-write sequences can detect overlapping writers.
type Versioned struct {
	Generation uint64          `json:"generation"`
	Payload    json.RawMessage `json:"payload"`
}

// NewVersioned marshals value into a Versioned envelope.
func NewVersioned(generation uint64, value any) (Versioned, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Versioned{}, err
	}
	return Versioned{Generation: generation, Payload: payload}, nil
}

// Decode unmarshals the wrapped payload into dest.
func (v Versioned) Decode(dest any) error {
	return json.Unmarshal(v.Payload, dest)
}

// Store is the key-value cache every pipeline component is handed. Values are
// JSON-encoded; entries carry a TTL and expire on their own. Implementations
// must make CompareAndSwap and Increment atomic.
type Store interface {
	// Get unmarshals the value at key into dest. The boolean reports whether
	// the key existed (and had not expired).
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Put stores value at key with the given TTL. A zero TTL means no expiry.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	// CompareAndSwap stores value only while the generation currently stored
	// at key matches expected (0 for "no existing value"). Returns
	// ErrConflict when another writer got there first.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value Versioned, ttl time.Duration) error
	// Increment atomically adds delta to the integer counter at key,
	// initialising it (with the TTL) when absent, and returns the new value.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Close releases underlying resources.
	Close() error
}
