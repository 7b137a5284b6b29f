package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func seatLockKey(scheduleID, busID, seat string) string {
	return "hold:" + scheduleID + ":" + busID + ":" + seat
}

// SetHoldLock takes the fast-path seat lock. The database partial index
// remains the authority; this only short-circuits obvious contention.
func (c *Cache) SetHoldLock(ctx context.Context, scheduleID, busID, seat, sessionID string, ttl time.Duration) (bool, error) {
	res := c.client.SetNX(ctx, seatLockKey(scheduleID, busID, seat), sessionID, ttl)
	return res.Val(), res.Err()
}

// HoldLockOwner reports which session owns the seat lock, "" when free.
func (c *Cache) HoldLockOwner(ctx context.Context, scheduleID, busID, seat string) (string, error) {
	val, err := c.client.Get(ctx, seatLockKey(scheduleID, busID, seat)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// ReleaseHoldLock drops the seat lock. Missing keys are fine.
func (c *Cache) ReleaseHoldLock(ctx context.Context, scheduleID, busID, seat string) error {
	return c.client.Del(ctx, seatLockKey(scheduleID, busID, seat)).Err()
}
