package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
)

const defaultBulkBatchSize = 30

// BulkItem is one key/value pair submitted to BulkSet.
type BulkItem struct {
	Key   string
	Value json.RawMessage
	TTL   time.Duration
}

// BulkError records a per-item failure inside an otherwise successful bulk
// operation; bulk operations report these instead of aborting the batch.
type BulkError struct {
	Key string
	Err error
}

func (e BulkError) Error() string { return fmt.Sprintf("%s: %v", e.Key, e.Err) }

// BulkSet writes items in batches of batchSize (default 30), used by startup
// sync to seed the cache from a Provider listing. Batches are independent;
// a failure in one batch does not abort the others.
func (c *Cache) BulkSet(ctx context.Context, items []BulkItem, batchSize int) []BulkError {
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}
	var errs []BulkError
	now := time.Now()
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		batch := items[start:end]

		pipeItems := make([]kvstore.PipelineSet, 0, len(batch))
		for _, it := range batch {
			rec := record{Data: it.Value, CreatedAt: now.UnixMilli(), TTLMs: it.TTL.Milliseconds(), LastAccessedAt: now.UnixMilli()}
			raw, err := json.Marshal(rec)
			if err != nil {
				errs = append(errs, BulkError{Key: it.Key, Err: err})
				continue
			}
			pipeItems = append(pipeItems, kvstore.PipelineSet{Key: c.fullKey(it.Key), Value: raw, TTL: it.TTL})
		}
		if err := c.kv.PipelineSetMany(ctx, pipeItems); err != nil {
			for _, it := range batch {
				errs = append(errs, BulkError{Key: it.Key, Err: err})
			}
			continue
		}

		c.mu.Lock()
		for _, it := range batch {
			c.touchLocked(it.Key)
		}
		c.mu.Unlock()
		c.metrics.Sets += int64(len(batch))
	}
	return errs
}

// BulkDelete removes keys in batches of batchSize.
func (c *Cache) BulkDelete(ctx context.Context, keys []string, batchSize int) []BulkError {
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}
	var errs []BulkError
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batch := keys[start:end]

		fullKeys := make([]string, len(batch))
		for i, k := range batch {
			fullKeys[i] = c.fullKey(k)
		}
		if err := c.kv.PipelineDeleteMany(ctx, fullKeys); err != nil {
			for _, k := range batch {
				errs = append(errs, BulkError{Key: k, Err: err})
			}
			continue
		}
		for _, k := range batch {
			c.untrack(k)
		}
	}
	return errs
}

// BulkExists reports presence for each of keys, in batches of batchSize.
func (c *Cache) BulkExists(ctx context.Context, keys []string, batchSize int) (map[string]bool, []BulkError) {
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}
	result := make(map[string]bool, len(keys))
	var errs []BulkError
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batch := keys[start:end]

		fullKeys := make([]string, len(batch))
		lookup := make(map[string]string, len(batch))
		for i, k := range batch {
			fullKeys[i] = c.fullKey(k)
			lookup[c.fullKey(k)] = k
		}
		found, err := c.kv.PipelineExistsMany(ctx, fullKeys)
		if err != nil {
			for _, k := range batch {
				errs = append(errs, BulkError{Key: k, Err: err})
			}
			continue
		}
		for fullKey, ok := range found {
			result[lookup[fullKey]] = ok
		}
	}
	return result, errs
}

// BulkGet reads keys in batches of batchSize, decoding each into its stored
// data and skipping (without erroring) keys that are absent or expired.
func (c *Cache) BulkGet(ctx context.Context, keys []string, batchSize int) (map[string]json.RawMessage, []BulkError) {
	if batchSize <= 0 {
		batchSize = defaultBulkBatchSize
	}
	result := make(map[string]json.RawMessage, len(keys))
	var errs []BulkError
	now := time.Now()
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))
		batch := keys[start:end]

		fullKeys := make([]string, len(batch))
		lookup := make(map[string]string, len(batch))
		for i, k := range batch {
			fullKeys[i] = c.fullKey(k)
			lookup[c.fullKey(k)] = k
		}
		raw, err := c.kv.PipelineGetMany(ctx, fullKeys)
		if err != nil {
			for _, k := range batch {
				errs = append(errs, BulkError{Key: k, Err: err})
			}
			continue
		}
		for fullKey, data := range raw {
			var rec record
			if err := json.Unmarshal(data, &rec); err != nil {
				errs = append(errs, BulkError{Key: lookup[fullKey], Err: err})
				continue
			}
			if rec.expired(now) {
				continue
			}
			result[lookup[fullKey]] = rec.Data
		}
	}
	return result, errs
}
