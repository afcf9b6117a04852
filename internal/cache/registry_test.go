package cache

import (
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/redis/go-redis/v9"
)

func Test_Registry_RegistersFourDomains(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	kv := kvstore.NewWithRedis(rdb, "gpufleet_test")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := NewRegistry(kv, log, nil)

	for _, name := range []string{DomainInstances, DomainProducts, DomainTemplates, DomainMigrationTimes} {
		if r.Get(name) == nil {
			t.Fatalf("expected domain %q to be registered", name)
		}
	}
	if len(r.All()) != 4 {
		t.Fatalf("expected 4 registered caches, got %d", len(r.All()))
	}
	if r.Get("nonexistent") != nil {
		t.Fatal("expected nil for unregistered domain")
	}
}
