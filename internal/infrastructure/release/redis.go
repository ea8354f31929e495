package release

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type redisDeleter interface {
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisHook struct {
	rdb    redisDeleter
	prefix string
}

// NewRedisHook releases a held slot by deleting its reservation key. DEL on a
// missing key is a no-op, which makes redelivery harmless.
func NewRedisHook(rdb redisDeleter, prefix string) Hook {
	return &redisHook{rdb: rdb, prefix: prefix}
}

func (h *redisHook) Key(orderID uuid.UUID) string {
	return h.prefix + orderID.String()
}

func (h *redisHook) OnOrderExpired(ctx context.Context, orderID uuid.UUID) error {
	if err := h.rdb.Del(ctx, h.Key(orderID)).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", orderID, err)
	}
	return nil
}
