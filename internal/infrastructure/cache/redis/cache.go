// internal/infrastructure/cache/redis/cache.go
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrCacheMiss - ключ отсутствует в кэше
var ErrCacheMiss = errors.New("cache miss")

// releaseScript снимает блокировку, только если токен совпадает
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// tokenBucketScript - атомарный token bucket: ARGV[1] ёмкость, ARGV[2] токенов в секунду, ARGV[3] сейчас (сек)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = math.max(0, now - last_refill)
local new_tokens = math.min(capacity, tokens + elapsed * refill_rate)

if new_tokens >= 1 then
    redis.call('HMSET', key, 'tokens', new_tokens - 1, 'last_refill', now)
    redis.call('EXPIRE', key, 60)
    return 1
end
return 0`)

type Cache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewCache создает клиент Redis по конфигурации
func NewCache(cfg config.RedisConfig) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}),
		prefix:     cfg.Prefix,
		defaultTTL: cfg.DefaultTTL,
	}
}

// NewCacheWithClient оборачивает готовый клиент
func NewCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, defaultTTL: ttl}
}

func (c *Cache) key(k string) string {
	return c.prefix + k
}

// Ping проверяет доступность Redis
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// Set устанавливает значение в Redis с TTL (0 - TTL по умолчанию)
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get получает значение из Redis; ErrCacheMiss при отсутствии ключа
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete удаляет ключи из Redis
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.key(k)
	}
	return c.client.Del(ctx, fullKeys...).Err()
}

// CheckRateLimit считает обращения по ключу в фиксированном окне
func (c *Cache) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	fullKey := c.key("ratelimit:" + key)

	count, err := c.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, err
	}
	// Окно начинается с первого обращения
	if count == 1 {
		if err := c.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, int(count), err
		}
	}

	return int(count) <= limit, int(count), nil
}

// TryLock пытается захватить блокировку на ttl.
// Возвращает функцию освобождения и признак захвата.
func (c *Cache) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	fullKey := c.key("lock:" + name)
	token := uuid.NewString()

	ok, err := c.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// Отдельный контекст: освобождаем даже после отмены ctx задачи
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, c.client, []string{fullKey}, token)
	}
	return unlock, true, nil
}

// TakeToken забирает токен из общего для всех процессов bucket
func (c *Cache) TakeToken(ctx context.Context, key string, capacity, perSecond int) (bool, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	res, err := tokenBucketScript.Run(ctx, c.client, []string{c.key("bucket:" + key)}, capacity, perSecond, now).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
