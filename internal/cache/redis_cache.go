package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// RedisConfig holds the cache's redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RedisDecisionCache struct {
	client *redis.Client
	prefix string
}

func NewRedisDecisionCache(cfg RedisConfig, prefix string) (*RedisDecisionCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisDecisionCacheWithClient(client, prefix), nil
}

// NewRedisDecisionCacheWithClient wraps an existing client.
func NewRedisDecisionCacheWithClient(client *redis.Client, prefix string) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, prefix: prefix}
}

func (c *RedisDecisionCache) BuildKey(roomID, requester string) string {
	return fmt.Sprintf("%s:room:%s:requester:%s", c.prefix, roomID, requester)
}

func (c *RedisDecisionCache) Get(ctx context.Context, key string) (*domain.MicDecision, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var d domain.MicDecision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &d, nil
}

func (c *RedisDecisionCache) Set(ctx context.Context, key string, d *domain.MicDecision, ttl time.Duration) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisDecisionCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *RedisDecisionCache) Close() error {
	return c.client.Close()
}
