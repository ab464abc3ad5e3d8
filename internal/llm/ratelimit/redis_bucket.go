package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScript refills, optionally consumes, and persists one bucket in a
// single round trip. Redis runs scripts atomically, so two processes can never
// both take the last token.
//
// KEYS[1] bucket hash
// ARGV[1] capacity, ARGV[2] refill rate per second, ARGV[3] now in unix ms,
// ARGV[4] cost, ARGV[5] ttl seconds, ARGV[6] "1" to consume, "0" to peek.
//
// Returns {allowed, tokens}. Tokens travel as a string because Redis
// truncates Lua numbers to integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local consume = ARGV[6] == "1"

local state = redis.call('HMGET', key, 'tokens', 'last_update')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now
end

local elapsed = (now - last) / 1000
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if consume and tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_update', ARGV[3])
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// RedisBucket keeps bucket state in the hash ratelimit:{actor} with fields
// tokens and last_update (unix milliseconds).
type RedisBucket struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewRedisBucket creates a bucket backed by client.
func NewRedisBucket(client redis.UniversalClient, cfg Config, opts ...Option) (*RedisBucket, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &RedisBucket{
		client: client,
		cfg:    cfg,
		now:    o.now,
		logger: slog.Default().With("component", "ratelimit", "backend", "redis"),
	}, nil
}

// NewRedisClient opens a client with the pool settings the limiter expects.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		ReadTimeout:  RedisReadTimeoutSeconds * time.Second,
		WriteTimeout: RedisWriteTimeoutSeconds * time.Second,
		PoolSize:     RedisPoolSize,
	})
}

// Key returns the hash key for actor.
func Key(actor string) string { return KeyPrefix + actor }

// Acquire implements Bucket.
func (b *RedisBucket) Acquire(ctx context.Context, actor string, cost int) (bool, error) {
	if err := b.cfg.checkCost(cost); err != nil {
		return false, err
	}
	allowed, _, err := b.run(ctx, actor, cost, true)
	return allowed, err
}

// WaitTime implements Bucket.
func (b *RedisBucket) WaitTime(ctx context.Context, actor string, cost int) (time.Duration, error) {
	if err := b.cfg.checkCost(cost); err != nil {
		return 0, err
	}
	_, tokens, err := b.run(ctx, actor, cost, false)
	if err != nil {
		return 0, err
	}
	return waitFor(float64(cost), tokens, b.cfg.RefillRate()), nil
}

// Reset implements Bucket. The next operation starts from a full bucket.
func (b *RedisBucket) Reset(ctx context.Context, actor string) error {
	if err := b.client.Del(ctx, Key(actor)).Err(); err != nil {
		return fmt.Errorf("reset bucket %s: %w", actor, err)
	}
	return nil
}

// Tokens returns the refilled token count without consuming.
func (b *RedisBucket) Tokens(ctx context.Context, actor string) (float64, error) {
	_, tokens, err := b.run(ctx, actor, 1, false)
	return tokens, err
}

func (b *RedisBucket) run(ctx context.Context, actor string, cost int, consume bool) (bool, float64, error) {
	consumeArg := "0"
	if consume {
		consumeArg = "1"
	}
	nowMs := b.now().UnixMilli()

	result, err := bucketScript.Run(ctx, b.client, []string{Key(actor)},
		strconv.FormatFloat(b.cfg.Capacity, 'f', -1, 64),
		strconv.FormatFloat(b.cfg.RefillRate(), 'f', -1, 64),
		nowMs,
		cost,
		int64(b.cfg.KeyTTL/time.Second),
		consumeArg,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket script for %s: %w", actor, err)
	}

	values, ok := result.([]any)
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket result type %T", result)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed value type %T", values[0])
	}
	tokensStr, ok := values[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("unexpected tokens value type %T", values[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("parse tokens %q: %w", tokensStr, err)
	}

	b.logger.Debug("token bucket",
		"actor", actor,
		"cost", cost,
		"consume", consume,
		"allowed", allowed == 1,
		"tokens", tokens)

	return allowed == 1, tokens, nil
}
