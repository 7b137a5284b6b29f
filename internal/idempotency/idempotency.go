package idempotency

import (
	"context"
	"time"

	redisadapter "github.com/safiri/busline/internal/adapters/redis"
)

// Idempotency caches the first response produced under a given
// Idempotency-Key so that a retried request resolves to the same effect
// instead of a second one.
type Idempotency struct {
	store *redisadapter.Idempotency
	ttl   time.Duration
}

func NewIdempotency(store *redisadapter.Idempotency, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response struct {
	Status int
	Result []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	cached, err := i.store.Get(ctx, key)
	if err != nil || cached == nil {
		return nil, err
	}
	return &Response{Status: cached.Status, Result: cached.Result}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.IdempResponse{Status: resp.Status, Result: resp.Result}, i.ttl)
}
