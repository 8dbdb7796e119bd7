package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourusername/gpay-escrow/money"
)

// KeyStore keeps the result recorded for an idempotency key until the TTL expires.
type KeyStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

const (
	// inFlight is the placeholder held by a key while its provider call runs.
	inFlight = "\x00in-flight"
	// claimTTL bounds how long a crashed caller can block its key.
	claimTTL = 5 * time.Minute
)

// Idempotent answers a repeated key with the recorded reference instead of
// calling the provider again. A key is claimed atomically before the call, so
// concurrent callers with the same key never both reach the provider.
type Idempotent struct {
	next Gateway
	keys KeyStore
	ttl  time.Duration
}

func NewIdempotent(next Gateway, keys KeyStore, ttl time.Duration) *Idempotent {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotent{next: next, keys: keys, ttl: ttl}
}

func (g *Idempotent) AuthorizeAndHold(ctx context.Context, amount money.Money, meta Metadata, key string) (Hold, error) {
	raw, err := g.once(ctx, "gateway:hold:"+key, func() (string, error) {
		h, err := g.next.AuthorizeAndHold(ctx, amount, meta, key)
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(h)
		return string(b), err
	})
	if err != nil {
		return Hold{}, err
	}
	var h Hold
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return Hold{}, fmt.Errorf("decode recorded hold for %s: %w", key, err)
	}
	return h, nil
}

// Capture is a read of provider state and is never answered from the store.
func (g *Idempotent) Capture(ctx context.Context, ref, key string) (Outcome, error) {
	return g.next.Capture(ctx, ref, key)
}

func (g *Idempotent) Transfer(ctx context.Context, amount money.Money, destination string, meta Metadata, key string) (string, error) {
	return g.once(ctx, "gateway:transfer:"+key, func() (string, error) {
		return g.next.Transfer(ctx, amount, destination, meta, key)
	})
}

func (g *Idempotent) Refund(ctx context.Context, ref string, amount money.Money, key string) (string, error) {
	return g.once(ctx, "gateway:refund:"+key, func() (string, error) {
		return g.next.Refund(ctx, ref, amount, key)
	})
}

func (g *Idempotent) once(ctx context.Context, storeKey string, call func() (string, error)) (string, error) {
	if ref, ok, err := g.recorded(ctx, storeKey); err != nil || ok {
		return ref, err
	}
	claimed, err := g.keys.SetNX(ctx, storeKey, inFlight, claimTTL)
	if err != nil {
		return "", fmt.Errorf("%w: idempotency claim: %v", ErrUnavailable, err)
	}
	if !claimed {
		if ref, ok, err := g.recorded(ctx, storeKey); err != nil || ok {
			return ref, err
		}
		return "", fmt.Errorf("%w: %s is being processed", ErrUnavailable, storeKey)
	}

	ref, err := call()
	if err != nil {
		// an unreleased claim runs out after claimTTL
		_ = g.keys.Delete(ctx, storeKey)
		return "", err
	}
	if err := g.keys.Set(ctx, storeKey, ref, g.ttl); err != nil {
		return "", fmt.Errorf("%w: record %s: %v", ErrUnavailable, storeKey, err)
	}
	return ref, nil
}

// recorded returns the stored result for storeKey. A key still claimed by
// another caller is reported as unavailable.
func (g *Idempotent) recorded(ctx context.Context, storeKey string) (string, bool, error) {
	ref, ok, err := g.keys.Get(ctx, storeKey)
	if err != nil {
		return "", false, fmt.Errorf("%w: idempotency lookup: %v", ErrUnavailable, err)
	}
	if ok && ref == inFlight {
		return "", false, fmt.Errorf("%w: %s is being processed", ErrUnavailable, storeKey)
	}
	return ref, ok, nil
}
