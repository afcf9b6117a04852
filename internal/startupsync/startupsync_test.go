package startupsync

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/ctrlplane/gpu-fleet/internal/provider"
	"github.com/redis/go-redis/v9"
)

func testSyncer(t *testing.T) (*Syncer, *provider.Stub, *cache.Cache) {
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
	instances := cache.New(cache.DomainInstances, kv, log, cache.Options{})
	stub := provider.NewStub()

	s := New(kv, instances, stub, log, Options{LockTTL: time.Minute, PageSize: 50, PageDelay: time.Millisecond, MarkerTTL: time.Hour})
	return s, stub, instances
}

func Test_Run_SeedsCacheFromProvider(t *testing.T) {
	s, stub, instances := testSyncer(t)
	ctx := context.Background()

	stub.ListInstancesPages = [][]domain.ProviderInstance{
		{{ID: "inst-1", Status: "Running"}, {ID: "inst-2", Status: "exited"}},
	}

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Acquired {
		t.Fatal("expected lock to be acquired")
	}
	if result.ProviderCount != 2 || result.Updated != 2 {
		t.Fatalf("expected 2 provider instances seeded, got %+v", result)
	}

	if _, ok, err := instances.Get(ctx, "inst-1"); err != nil || !ok {
		t.Fatalf("expected inst-1 cached, ok=%v err=%v", ok, err)
	}
}

func Test_Run_RemovesOrphanedCacheEntries(t *testing.T) {
	s, stub, instances := testSyncer(t)
	ctx := context.Background()

	_ = instances.Set(ctx, "stale-instance", []byte(`{"id":"stale-instance"}`), time.Hour)
	stub.ListInstancesPages = [][]domain.ProviderInstance{
		{{ID: "inst-1", Status: "Running"}},
	}

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Orphaned != 1 {
		t.Fatalf("expected 1 orphaned entry removed, got %d", result.Orphaned)
	}
	if _, ok, _ := instances.Get(ctx, "stale-instance"); ok {
		t.Fatal("expected stale-instance to be evicted")
	}
}

func Test_Run_PreservesLocallyOwnedFieldsOnExistingInstance(t *testing.T) {
	s, stub, instances := testSyncer(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-2 * time.Hour)
	started := created.Add(time.Minute)
	ready := started.Add(time.Minute)
	existing := domain.InstanceState{
		ID:                 "inst-1",
		ProviderInstanceID: "nov-1",
		Name:               "my-instance",
		Status:             "Running",
		Configuration:      domain.InstanceConfiguration{GPUNum: 2, RootfsSize: 80, Region: "CN-HK-01", ImageURL: "img"},
		Timestamps:         domain.InstanceTimestamps{Created: created, Started: &started, Ready: &ready},
		WebhookURL:         "http://hook",
		LastError:          "",
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		t.Fatalf("marshal existing: %v", err)
	}
	if err := instances.Set(ctx, "inst-1", raw, time.Hour); err != nil {
		t.Fatalf("seeding existing instance: %v", err)
	}

	stub.ListInstancesPages = [][]domain.ProviderInstance{
		{{ID: "inst-1", Status: "exited", SpotStatus: "reclaiming", SpotReclaimTime: "1730000000", GPUIDs: []int{2}}},
	}

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 instance updated, got %+v", result)
	}

	mergedRaw, ok, err := instances.Get(ctx, "inst-1")
	if err != nil || !ok {
		t.Fatalf("expected merged instance cached, ok=%v err=%v", ok, err)
	}
	var merged domain.InstanceState
	if err := json.Unmarshal(mergedRaw, &merged); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}

	if merged.ProviderInstanceID != "nov-1" {
		t.Fatalf("expected provider instance id preserved, got %q", merged.ProviderInstanceID)
	}
	if merged.Name != "my-instance" || merged.WebhookURL != "http://hook" {
		t.Fatalf("expected locally-owned fields preserved, got %+v", merged)
	}
	if merged.Timestamps.Started == nil || !merged.Timestamps.Started.Equal(started) {
		t.Fatalf("expected Started timestamp preserved, got %+v", merged.Timestamps)
	}
	if merged.Timestamps.Ready == nil || !merged.Timestamps.Ready.Equal(ready) {
		t.Fatalf("expected Ready timestamp preserved, got %+v", merged.Timestamps)
	}
	if merged.Status != "exited" || merged.SpotStatus != "reclaiming" || merged.SpotReclaimTime != "1730000000" {
		t.Fatalf("expected provider-visible fields applied, got %+v", merged)
	}
	if len(merged.GPUIDs) != 1 || merged.GPUIDs[0] != 2 {
		t.Fatalf("expected gpuIds applied from provider, got %+v", merged.GPUIDs)
	}
}

func Test_Run_SkipsWhenLockHeld(t *testing.T) {
	s, stub, _ := testSyncer(t)
	ctx := context.Background()
	stub.ListInstancesPages = [][]domain.ProviderInstance{{{ID: "inst-1"}}}

	if _, err := s.kv.SetNX(ctx, lockKey, []byte("other-owner"), time.Minute); err != nil {
		t.Fatalf("seeding lock: %v", err)
	}

	result, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Acquired {
		t.Fatal("expected Run to observe the lock already held")
	}
}
