package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T, opts Options) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	kv := kvstore.NewWithRedis(rdb, "gpufleet_test")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("instances", kv, log, opts), mr
}

func Test_Get_MissThenSetThenHit(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "inst_1")
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := c.Set(ctx, "inst_1", json.RawMessage(`{"status":"running"}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, ok, err := c.Get(ctx, "inst_1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(data) != `{"status":"running"}` {
		t.Fatalf("got %s", data)
	}

	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 1 || m.Sets != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func Test_Get_ExpiredEntryIsAMiss(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	ctx := context.Background()

	if err := c.Set(ctx, "inst_1", json.RawMessage(`{}`), time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "inst_1")
	if err != nil || ok {
		t.Fatalf("expected expired entry to miss, got ok=%v err=%v", ok, err)
	}
}

func Test_Set_EvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c, _ := newTestCache(t, Options{MaxSize: 2})
	ctx := context.Background()

	_ = c.Set(ctx, "a", json.RawMessage(`1`), 0)
	_ = c.Set(ctx, "b", json.RawMessage(`2`), 0)
	_, _, _ = c.Get(ctx, "a") // touch a so b becomes LRU
	_ = c.Set(ctx, "c", json.RawMessage(`3`), 0)

	time.Sleep(20 * time.Millisecond) // eviction delete runs in a goroutine

	_, aOK, _ := c.Get(ctx, "a")
	_, bOK, _ := c.Get(ctx, "b")
	_, cOK, _ := c.Get(ctx, "c")
	if !aOK || bOK || !cOK {
		t.Fatalf("expected b evicted, got a=%v b=%v c=%v", aOK, bOK, cOK)
	}
}

func Test_Delete_RemovesEntry(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Set(ctx, "inst_1", json.RawMessage(`{}`), 0)
	if err := c.Delete(ctx, "inst_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := c.Get(ctx, "inst_1")
	if ok {
		t.Fatal("expected entry to be gone after delete")
	}
}

func Test_FlushAccessStats_PreservesRemainingTTL(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Set(ctx, "inst_1", json.RawMessage(`{}`), time.Hour)
	_, _, _ = c.Get(ctx, "inst_1") // queues an access-stat update

	c.flushAccessStats(ctx)

	ttl, err := c.kv.TTL(ctx, c.fullKey("inst_1"))
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected ttl to survive access-stat flush, got %v", ttl)
	}
}

func Test_CleanupExpired_RemovesStaleEntriesOnly(t *testing.T) {
	c, mr := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.Set(ctx, "stale", json.RawMessage(`{}`), time.Second)
	_ = c.Set(ctx, "fresh", json.RawMessage(`{}`), time.Hour)
	mr.FastForward(2 * time.Second)

	if err := c.cleanupExpired(ctx); err != nil {
		t.Fatalf("cleanupExpired: %v", err)
	}

	staleExists, _ := c.kv.Exists(ctx, c.fullKey("stale"))
	freshExists, _ := c.kv.Exists(ctx, c.fullKey("fresh"))
	if staleExists {
		t.Fatal("expected stale entry removed")
	}
	if !freshExists {
		t.Fatal("expected fresh entry retained")
	}
}

func Test_BulkSet_And_BulkGet(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	items := []BulkItem{
		{Key: "a", Value: json.RawMessage(`1`)},
		{Key: "b", Value: json.RawMessage(`2`)},
	}
	if errs := c.BulkSet(ctx, items, 1); len(errs) != 0 {
		t.Fatalf("unexpected bulk errors: %v", errs)
	}

	got, errs := c.BulkGet(ctx, []string{"a", "b", "missing"}, 10)
	if len(errs) != 0 {
		t.Fatalf("unexpected bulk errors: %v", errs)
	}
	if string(got["a"]) != "1" || string(got["b"]) != "2" {
		t.Fatalf("unexpected values: %v", got)
	}
	if _, ok := got["missing"]; ok {
		t.Fatal("expected missing key absent from bulk get result")
	}
}

func Test_BulkExists_And_BulkDelete(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	ctx := context.Background()

	_ = c.BulkSet(ctx, []BulkItem{{Key: "a", Value: json.RawMessage(`1`)}}, 10)

	exists, errs := c.BulkExists(ctx, []string{"a", "missing"}, 10)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !exists["a"] || exists["missing"] {
		t.Fatalf("unexpected exists map: %v", exists)
	}

	if errs := c.BulkDelete(ctx, []string{"a"}, 10); len(errs) != 0 {
		t.Fatalf("unexpected delete errors: %v", errs)
	}
	_, ok, _ := c.Get(ctx, "a")
	if ok {
		t.Fatal("expected a deleted after BulkDelete")
	}
}

func Test_Metrics_HitRatio(t *testing.T) {
	m := Metrics{Hits: 3, Misses: 1}
	if ratio := m.HitRatio(); ratio != 0.75 {
		t.Fatalf("expected 0.75, got %v", ratio)
	}
	if (Metrics{}).HitRatio() != 0 {
		t.Fatal("expected zero ratio with no reads")
	}
}
