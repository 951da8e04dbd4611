package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mcclellann/microcredit/pkg/config"
	"github.com/mcclellann/microcredit/pkg/logger"
)

const redisKeyPrefix = "microcredit:seq:"

// RedisAllocator numbers codes with INCR, which Redis applies atomically across
// every process sharing the instance. Numbers consumed by a rolled-back unit of
// work are not returned, so codes stay unique but may skip.
type RedisAllocator struct {
	client redis.Cmdable
}

func NewRedisAllocator(client redis.Cmdable) *RedisAllocator {
	return &RedisAllocator{client: client}
}

func (a *RedisAllocator) Next(ctx context.Context, scope string) (int64, error) {
	n, err := a.client.Incr(ctx, redisKeyPrefix+scope).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", scope, err)
	}
	return n, nil
}

// floorScript raises KEYS[1] to ARGV[1] unless it already holds at least that,
// in one step so a concurrent INCR or Floor is never undone.
var floorScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if current < floor then
	redis.call("SET", KEYS[1], floor)
	return floor
end
return current
`)

// Floor raises a scope's counter to at least n, for switching over from the SQL
// allocator without reissuing numbers already used.
func (a *RedisAllocator) Floor(ctx context.Context, scope string, n int64) error {
	if err := floorScript.Run(ctx, a.client, []string{redisKeyPrefix + scope}, n).Err(); err != nil {
		return fmt.Errorf("redis floor %s: %w", scope, err)
	}
	return nil
}

// ConnectRedis opens a client from cfg and checks it with PING.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	logger.L().Info("connecting to redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
