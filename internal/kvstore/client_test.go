package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewWithRedis(rdb, "gpufleet_test")
}

func Test_GetSet_RoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := c.Set(ctx, "foo", []byte(`{"a":1}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err := c.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != `{"a":1}` {
		t.Fatalf("got %q", val)
	}
}

func Test_Del_Exists(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	ok, err := c.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected key to exist, err=%v ok=%v", err, ok)
	}

	deleted, err := c.Del(ctx, "k")
	if err != nil || !deleted {
		t.Fatalf("expected delete to report true, err=%v deleted=%v", err, deleted)
	}

	ok, err = c.Exists(ctx, "k")
	if err != nil || ok {
		t.Fatalf("expected key to be gone, err=%v ok=%v", err, ok)
	}
}

func Test_SetNX_OnlyFirstCallerWins(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first, err := c.SetNX(ctx, "lock", []byte("owner-a"), time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first SetNX to acquire, err=%v ok=%v", err, first)
	}
	second, err := c.SetNX(ctx, "lock", []byte("owner-b"), time.Minute)
	if err != nil || second {
		t.Fatalf("expected second SetNX to be refused, err=%v ok=%v", err, second)
	}
}

func Test_Hash_Ops(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.HSet(ctx, "jobs:processing", "job_1", []byte("claimed")); err != nil {
		t.Fatalf("HSet: %v", err)
	}
	val, err := c.HGet(ctx, "jobs:processing", "job_1")
	if err != nil || string(val) != "claimed" {
		t.Fatalf("HGet: err=%v val=%q", err, val)
	}

	n, err := c.HLen(ctx, "jobs:processing")
	if err != nil || n != 1 {
		t.Fatalf("HLen: err=%v n=%d", err, n)
	}

	if err := c.HDel(ctx, "jobs:processing", "job_1"); err != nil {
		t.Fatalf("HDel: %v", err)
	}
	if _, err := c.HGet(ctx, "jobs:processing", "job_1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after HDel, got %v", err)
	}
}

func Test_SortedSet_Ordering(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.ZAdd(ctx, "jobs:queue", 10, "job_low")
	_ = c.ZAdd(ctx, "jobs:queue", 30, "job_high")
	_ = c.ZAdd(ctx, "jobs:queue", 20, "job_mid")

	top, err := c.ZRevRange(ctx, "jobs:queue", 0, 0)
	if err != nil || len(top) != 1 || top[0] != "job_high" {
		t.Fatalf("expected job_high first, got %v err=%v", top, err)
	}

	card, err := c.ZCard(ctx, "jobs:queue")
	if err != nil || card != 3 {
		t.Fatalf("expected 3 members, got %d err=%v", card, err)
	}

	if err := c.ZRem(ctx, "jobs:queue", "job_mid"); err != nil {
		t.Fatalf("ZRem: %v", err)
	}
	card, _ = c.ZCard(ctx, "jobs:queue")
	if card != 2 {
		t.Fatalf("expected 2 members after ZRem, got %d", card)
	}
}

func Test_ZRemRangeByRank_TrimsOldestByScore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = c.ZAdd(ctx, "jobs:completed", float64(i), "job_"+string(rune('a'+i)))
	}
	removed, err := c.ZRemRangeByRank(ctx, "jobs:completed", 0, 1)
	if err != nil || removed != 2 {
		t.Fatalf("expected to remove 2 lowest-ranked members, got %d err=%v", removed, err)
	}
	remaining, err := c.ZRevRange(ctx, "jobs:completed", 0, -1)
	if err != nil || len(remaining) != 3 {
		t.Fatalf("expected 3 remaining, got %v err=%v", remaining, err)
	}
	for _, id := range remaining {
		if id == "job_a" || id == "job_b" {
			t.Fatalf("expected oldest entries removed, found %s", id)
		}
	}
}

func Test_HGetRaw_ReadsByFullKey(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.HSet(ctx, "jobs:data:job_1", "data", []byte(`{"id":"job_1"}`))
	val, err := c.HGetRaw(ctx, c.Key("jobs:data:job_1"), "data")
	if err != nil || string(val) != `{"id":"job_1"}` {
		t.Fatalf("got %q err=%v", val, err)
	}
}

func Test_ZRangeByScore_And_ZRemRangeByScore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.ZAdd(ctx, "jobs:retry", 100, "job_a")
	_ = c.ZAdd(ctx, "jobs:retry", 200, "job_b")
	_ = c.ZAdd(ctx, "jobs:retry", 300, "job_c")

	ready, err := c.ZRangeByScore(ctx, "jobs:retry", 0, 200)
	if err != nil || len(ready) != 2 {
		t.Fatalf("expected 2 ready jobs, got %v err=%v", ready, err)
	}

	removed, err := c.ZRemRangeByScore(ctx, "jobs:retry", 0, 200)
	if err != nil || removed != 2 {
		t.Fatalf("expected to remove 2, got %d err=%v", removed, err)
	}
	card, _ := c.ZCard(ctx, "jobs:retry")
	if card != 1 {
		t.Fatalf("expected 1 member left, got %d", card)
	}
}

func Test_Scan_FindsAllMatchingKeys(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = c.Set(ctx, "jobs:data:"+string(rune('a'+i)), []byte("x"), 0)
	}
	_ = c.Set(ctx, "unrelated", []byte("x"), 0)

	seen := map[string]bool{}
	cursor := uint64(0)
	for {
		res, err := c.Scan(ctx, cursor, "jobs:data:*", 10)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		for _, k := range res.Keys {
			seen[k] = true
		}
		cursor = res.Cursor
		if cursor == 0 {
			break
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 matching keys, got %d: %v", len(seen), seen)
	}
}

func Test_TTL_And_Expire(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.Set(ctx, "ephemeral", []byte("x"), 0)
	if err := c.Expire(ctx, "ephemeral", time.Minute); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	ttl, err := c.TTL(ctx, "ephemeral")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl within (0, 1m], got %v", ttl)
	}
}

func Test_PipelineSetMany_And_GetMany(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	err := c.PipelineSetMany(ctx, []PipelineSet{
		{Key: "bulk:a", Value: []byte("1")},
		{Key: "bulk:b", Value: []byte("2")},
		{Key: "bulk:c", Value: []byte("3")},
	})
	if err != nil {
		t.Fatalf("PipelineSetMany: %v", err)
	}

	got, err := c.PipelineGetMany(ctx, []string{"bulk:a", "bulk:b", "bulk:missing"})
	if err != nil {
		t.Fatalf("PipelineGetMany: %v", err)
	}
	if string(got["bulk:a"]) != "1" || string(got["bulk:b"]) != "2" {
		t.Fatalf("unexpected values: %v", got)
	}
	if _, ok := got["bulk:missing"]; ok {
		t.Fatal("expected missing key to be absent from result map")
	}
}

func Test_PipelineExistsMany(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.Set(ctx, "exists:a", []byte("x"), 0)
	result, err := c.PipelineExistsMany(ctx, []string{"exists:a", "exists:missing"})
	if err != nil {
		t.Fatalf("PipelineExistsMany: %v", err)
	}
	if !result["exists:a"] || result["exists:missing"] {
		t.Fatalf("unexpected result: %v", result)
	}
}

func Test_PipelineDeleteMany(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_ = c.Set(ctx, "del:a", []byte("x"), 0)
	_ = c.Set(ctx, "del:b", []byte("x"), 0)
	if err := c.PipelineDeleteMany(ctx, []string{"del:a", "del:b"}); err != nil {
		t.Fatalf("PipelineDeleteMany: %v", err)
	}
	for _, k := range []string{"del:a", "del:b"} {
		ok, _ := c.Exists(ctx, k)
		if ok {
			t.Fatalf("expected %s deleted", k)
		}
	}
}

func Test_Key_Namespacing(t *testing.T) {
	c := NewWithRedis(nil, "gpufleet")
	if got := c.Key("jobs", "queue"); got != "gpufleet:jobs:queue" {
		t.Fatalf("got %q", got)
	}
}
