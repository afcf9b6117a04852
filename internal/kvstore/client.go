// Package kvstore provides a typed wrapper over Redis: get/set/del/exists,
// hash ops, sorted-set ops, SCAN iteration, setNX, and pipeline batching.
// Every key is namespaced by a process-wide key prefix.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

// Redis is the subset of *redis.Client used by Client: every command plus
// pipelining, narrowed so tests can substitute a miniredis-backed instance
// without further indirection.
type Redis interface {
	redis.UniversalClient
}

// Client wraps a Redis connection with the namespaced contract consumed by
// the cache layer, the job queue, and startup sync.
type Client struct {
	rdb       Redis
	keyPrefix string
}

// New constructs a Client from a redis:// connection URL.
func New(ctx context.Context, redisURL, keyPrefix string, dialTimeout, readTimeout, writeTimeout time.Duration, poolSize int) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=kvstore.New: parsing redis url: %w", err)
	}
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout
	opts.PoolSize = poolSize

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=kvstore.New: pinging redis: %w", err)
	}

	return &Client{rdb: rdb, keyPrefix: keyPrefix}, nil
}

// NewWithRedis wraps an already-constructed Redis connection (used by tests
// against miniredis).
func NewWithRedis(rdb Redis, keyPrefix string) *Client {
	return &Client{rdb: rdb, keyPrefix: keyPrefix}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Key namespaces a logical key under the process-wide prefix.
func (c *Client) Key(parts ...string) string {
	key := c.keyPrefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// GetRaw reads a key that is already fully namespaced (e.g. one returned by
// Scan), bypassing the automatic prefix wrapping Get applies.
func (c *Client) GetRaw(ctx context.Context, fullKey string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("op=kvstore.GetRaw key=%s: %w", fullKey, err)
	}
	return val, nil
}

// DelRaw removes a key that is already fully namespaced, bypassing the
// automatic prefix wrapping Del applies.
func (c *Client) DelRaw(ctx context.Context, fullKey string) (bool, error) {
	n, err := c.rdb.Del(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("op=kvstore.DelRaw key=%s: %w", fullKey, err)
	}
	return n > 0, nil
}

// Get returns the raw bytes stored at key, or ErrNotFound when absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("op=kvstore.Get key=%s: %w", key, err)
	}
	return val, nil
}

// Set stores value at key with an optional ttl (zero means no expiry).
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("op=kvstore.Set key=%s: %w", key, err)
	}
	return nil
}

// Del removes key and reports whether it existed.
func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, c.Key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("op=kvstore.Del key=%s: %w", key, err)
	}
	return n > 0, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.Key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("op=kvstore.Exists key=%s: %w", key, err)
	}
	return n > 0, nil
}

// SetNX sets key to value only if it does not already exist, with ttl. It
// reports whether the lock/value was acquired.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.Key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=kvstore.SetNX key=%s: %w", key, err)
	}
	return ok, nil
}

// HSet sets one field in a hash.
func (c *Client) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := c.rdb.HSet(ctx, c.Key(key), field, value).Err(); err != nil {
		return fmt.Errorf("op=kvstore.HSet key=%s field=%s: %w", key, field, err)
	}
	return nil
}

// HGetRaw reads one field from a hash whose key is already fully namespaced
// (e.g. one returned by Scan), bypassing the automatic prefix wrapping HGet
// applies.
func (c *Client) HGetRaw(ctx context.Context, fullKey, field string) ([]byte, error) {
	val, err := c.rdb.HGet(ctx, fullKey, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("op=kvstore.HGetRaw key=%s field=%s: %w", fullKey, field, err)
	}
	return val, nil
}

// HGet reads one field from a hash, returning ErrNotFound when absent.
func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := c.rdb.HGet(ctx, c.Key(key), field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("op=kvstore.HGet key=%s field=%s: %w", key, field, err)
	}
	return val, nil
}

// HGetAll reads every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	vals, err := c.rdb.HGetAll(ctx, c.Key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=kvstore.HGetAll key=%s: %w", key, err)
	}
	return vals, nil
}

// HDel removes one field from a hash.
func (c *Client) HDel(ctx context.Context, key, field string) error {
	if err := c.rdb.HDel(ctx, c.Key(key), field).Err(); err != nil {
		return fmt.Errorf("op=kvstore.HDel key=%s field=%s: %w", key, field, err)
	}
	return nil
}

// HLen reports the number of fields in a hash.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.HLen(ctx, c.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.HLen key=%s: %w", key, err)
	}
	return n, nil
}

// ZAdd adds member to a sorted set with score.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, c.Key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("op=kvstore.ZAdd key=%s: %w", key, err)
	}
	return nil
}

// ZRem removes member from a sorted set.
func (c *Client) ZRem(ctx context.Context, key, member string) error {
	if err := c.rdb.ZRem(ctx, c.Key(key), member).Err(); err != nil {
		return fmt.Errorf("op=kvstore.ZRem key=%s: %w", key, err)
	}
	return nil
}

// ZRevRange returns members in a sorted set ordered from highest to lowest
// score, inclusive of start/stop indices.
func (c *Client) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := c.rdb.ZRevRange(ctx, c.Key(key), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("op=kvstore.ZRevRange key=%s: %w", key, err)
	}
	return members, nil
}

// ZRangeByScore returns members whose score falls within [min, max].
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, c.Key(key), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=kvstore.ZRangeByScore key=%s: %w", key, err)
	}
	return members, nil
}

// ZCard reports the number of members in a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, c.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.ZCard key=%s: %w", key, err)
	}
	return n, nil
}

// ZRemRangeByScore removes members whose score falls within [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := c.rdb.ZRemRangeByScore(ctx, c.Key(key), fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.ZRemRangeByScore key=%s: %w", key, err)
	}
	return n, nil
}

// ZRemRangeByRank removes members by rank (0-based, ascending by score),
// used to trim the oldest entries of a ledger sorted set in one round trip.
func (c *Client) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	n, err := c.rdb.ZRemRangeByRank(ctx, c.Key(key), start, stop).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.ZRemRangeByRank key=%s: %w", key, err)
	}
	return n, nil
}

// ZScore reports the score of member in a sorted set.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := c.rdb.ZScore(ctx, c.Key(key), member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("op=kvstore.ZScore key=%s: %w", key, err)
	}
	return score, nil
}

// ScanResult is one page of a Scan iteration.
type ScanResult struct {
	Cursor uint64
	Keys   []string
}

// Scan iterates the keyspace in batches, matching pattern, used in place of
// the blocking KEYS command (spec.md §9). The pattern is namespaced under the
// key prefix automatically.
func (c *Client) Scan(ctx context.Context, cursor uint64, matchPattern string, count int64) (ScanResult, error) {
	keys, next, err := c.rdb.Scan(ctx, cursor, c.Key(matchPattern), count).Result()
	if err != nil {
		return ScanResult{}, fmt.Errorf("op=kvstore.Scan pattern=%s: %w", matchPattern, err)
	}
	return ScanResult{Cursor: next, Keys: keys}, nil
}

// TTL returns the remaining time-to-live for key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, c.Key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.TTL key=%s: %w", key, err)
	}
	return d, nil
}

// Expire sets a new ttl on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, c.Key(key), ttl).Err(); err != nil {
		return fmt.Errorf("op=kvstore.Expire key=%s: %w", key, err)
	}
	return nil
}

// PipelineSet is one Set operation to submit as part of a batch.
type PipelineSet struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// PipelineSetMany submits a batch of Set commands in one round trip, used by
// the cache layer's bulk operations to keep per-item network cost flat.
func (c *Client) PipelineSetMany(ctx context.Context, items []PipelineSet) error {
	if len(items) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, it := range items {
		pipe.Set(ctx, c.Key(it.Key), it.Value, it.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=kvstore.PipelineSetMany count=%d: %w", len(items), err)
	}
	return nil
}

// PipelineDeleteMany submits a batch of Del commands in one round trip.
func (c *Client) PipelineDeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, c.Key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=kvstore.PipelineDeleteMany count=%d: %w", len(keys), err)
	}
	return nil
}

// PipelineGetMany submits a batch of Get commands in one round trip. Missing
// keys are simply absent from the returned map rather than erroring.
func (c *Client) PipelineGetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	pipe := c.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.Get(ctx, c.Key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=kvstore.PipelineGetMany count=%d: %w", len(keys), err)
	}
	out := make(map[string][]byte, len(keys))
	for k, cmd := range cmds {
		val, err := cmd.Bytes()
		if err != nil {
			continue
		}
		out[k] = val
	}
	return out, nil
}

// PipelineExistsMany submits a batch of Exists commands in one round trip.
func (c *Client) PipelineExistsMany(ctx context.Context, keys []string) (map[string]bool, error) {
	if len(keys) == 0 {
		return map[string]bool{}, nil
	}
	pipe := c.rdb.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(keys))
	for _, k := range keys {
		cmds[k] = pipe.Exists(ctx, c.Key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=kvstore.PipelineExistsMany count=%d: %w", len(keys), err)
	}
	out := make(map[string]bool, len(keys))
	for k, cmd := range cmds {
		out[k] = cmd.Val() > 0
	}
	return out, nil
}
