package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/config"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"github.com/ctrlplane/gpu-fleet/internal/provider"
	"github.com/ctrlplane/gpu-fleet/internal/queue"
	"github.com/redis/go-redis/v9"
)

var errFailedMigrateForTest = errors.New("migration rejected")

func testHandlers(t *testing.T) (*Handlers, *provider.Stub, *queue.Queue) {
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

	q := queue.New(kv, log, queue.Options{})
	instancesCache := cache.New(cache.DomainInstances, kv, log, cache.Options{})
	productsCache := cache.New(cache.DomainProducts, kv, log, cache.Options{})
	templatesCache := cache.New(cache.DomainTemplates, kv, log, cache.Options{})
	migrationTimes := cache.New(cache.DomainMigrationTimes, kv, log, cache.Options{})

	stub := provider.NewStub()
	cfg := config.Config{
		AutoStopInactivityThreshold: 10 * time.Minute,
		AutoStopStartupGrace:        45 * time.Minute,
		AutoStopCreationGrace:       60 * time.Minute,
		FailedMigrationCooldown:     time.Hour,
		MonitorPollInterval:         15 * time.Second,
		WebhookTimeout:              5 * time.Second,
		WebhookMaxRetries:           3,
	}

	h := NewHandlers(
		stub, q,
		NewInstanceStore(instancesCache, 0),
		NewProductResolver(stub, productsCache),
		NewTemplateResolver(stub, templatesCache),
		migrationTimes,
		[]string{"CN-HK-01"},
		cfg,
		log,
	)
	return h, stub, q
}

func Test_CreateInstance_HappyPath_EnqueuesMonitor(t *testing.T) {
	h, stub, q := testHandlers(t)
	ctx := context.Background()

	stub.Products = []domain.Product{{ID: "p1", Region: "CN-HK-01", Availability: "available", SpotPrice: 0.5, OnDemandPrice: 1.0}}
	stub.Templates["t1"] = domain.Template{ID: "t1", ImageURL: "img", Ports: []domain.PortMapping{{Port: 8080, Type: "tcp"}}}
	stub.CreateInstanceID = "nov-1"

	initial := domain.InstanceState{ID: "inst-1", Name: "n1", Status: "Creating", Timestamps: domain.InstanceTimestamps{Created: time.Now().UTC()}}
	if err := h.Instances.Put(ctx, initial); err != nil {
		t.Fatalf("seeding instance state: %v", err)
	}

	job := &domain.Job{ID: "job-1"}
	payload := CreateInstancePayload{InstanceID: "inst-1", Name: "n1", ProductName: "RTX 4090", TemplateID: "t1", GPUNum: 1, RootfsSize: 60, Region: "CN-HK-01", WebhookURL: "http://hook"}
	raw, _ := json.Marshal(payload)
	job.Payload = raw

	if err := h.CreateInstance(ctx, job); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	state, ok, err := h.Instances.Get(ctx, "inst-1")
	if err != nil || !ok {
		t.Fatalf("expected persisted instance state, ok=%v err=%v", ok, err)
	}
	if state.ProviderInstanceID != "nov-1" {
		t.Fatalf("expected provider instance id nov-1, got %s", state.ProviderInstanceID)
	}

	jt := domain.JobTypeMonitorInstance
	jobs, err := q.List(ctx, domain.JobFilter{Type: &jt})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected 1 monitor job enqueued, got %d err=%v", len(jobs), err)
	}
}

func Test_MonitorInstance_RunningSetsReadyAndNoRequeue(t *testing.T) {
	h, stub, q := testHandlers(t)
	ctx := context.Background()

	stub.Instances["nov-1"] = domain.ProviderInstance{ID: "nov-1", Status: "Running"}
	initial := domain.InstanceState{ID: "inst-1", Status: "Starting"}
	_ = h.Instances.Put(ctx, initial)

	job := &domain.Job{ID: "job-1"}
	payload := MonitorInstancePayload{InstanceID: "inst-1", ProviderInstanceID: "nov-1", StartTime: time.Now().UTC().UnixMilli(), MaxWaitTimeMs: (10 * time.Minute).Milliseconds()}
	raw, _ := json.Marshal(payload)
	job.Payload = raw

	if err := h.MonitorInstance(ctx, job); err != nil {
		t.Fatalf("MonitorInstance: %v", err)
	}

	state, _, _ := h.Instances.Get(ctx, "inst-1")
	if state.Status != "Running" || state.Timestamps.Ready == nil {
		t.Fatalf("expected Running status with ready timestamp, got %+v", state)
	}

	jt := domain.JobTypeMonitorInstance
	jobs, _ := q.List(ctx, domain.JobFilter{Type: &jt})
	if len(jobs) != 0 {
		t.Fatalf("expected no re-enqueued monitor job on terminal success, got %d", len(jobs))
	}
}

func Test_MonitorInstance_TimeoutMarksFailed(t *testing.T) {
	h, _, _ := testHandlers(t)
	ctx := context.Background()

	initial := domain.InstanceState{ID: "inst-1", Status: "Starting"}
	_ = h.Instances.Put(ctx, initial)

	job := &domain.Job{ID: "job-1"}
	payload := MonitorInstancePayload{InstanceID: "inst-1", ProviderInstanceID: "nov-1", StartTime: time.Now().UTC().Add(-time.Hour).UnixMilli(), MaxWaitTimeMs: (10 * time.Minute).Milliseconds()}
	raw, _ := json.Marshal(payload)
	job.Payload = raw

	if err := h.MonitorInstance(ctx, job); err != nil {
		t.Fatalf("MonitorInstance: %v", err)
	}

	state, _, _ := h.Instances.Get(ctx, "inst-1")
	if state.Status != "Failed" {
		t.Fatalf("expected Failed status on timeout, got %s", state.Status)
	}
}

func Test_MigrateSpotInstances_EligibilityTable(t *testing.T) {
	h, stub, _ := testHandlers(t)
	ctx := context.Background()

	stub.ListInstancesPages = [][]domain.ProviderInstance{
		{
			{ID: "a", Status: "exited", GPUIDs: []int{1}},
			{ID: "b", Status: "exited", GPUIDs: []int{2}},
			{ID: "c", Status: "exited", SpotReclaimTime: "1730000000"},
		},
	}
	stub.MigrateResults["b"] = domain.MigrationResult{Message: "ok"}
	stub.MigrateResults["c"] = domain.MigrationResult{Message: "ok"}

	job := &domain.Job{ID: "job-1"}
	err := h.MigrateSpotInstances(ctx, job)
	if err != nil {
		t.Fatalf("MigrateSpotInstances: %v", err)
	}

	found := false
	for _, step := range job.Trail {
		if step.Step == "MigrationSweep.result" {
			found = true
			if step.Detail == "" {
				t.Fatal("expected a non-empty result summary")
			}
		}
	}
	if !found {
		t.Fatal("expected a MigrationSweep.result trail entry")
	}
}

func Test_MigrateSpotInstances_RecordsAttemptOnFailureForHandleFailedMigrations(t *testing.T) {
	h, stub, _ := testHandlers(t)
	ctx := context.Background()

	stub.ListInstancesPages = [][]domain.ProviderInstance{
		{{ID: "b", Status: "exited", GPUIDs: []int{2}}},
	}
	stub.MigrateErrs["b"] = domain.Classify(domain.ErrorKindValidation, errFailedMigrateForTest)

	job := &domain.Job{ID: "job-1"}
	if err := h.MigrateSpotInstances(ctx, job); err == nil {
		t.Fatal("expected MigrateSpotInstances to report the failed migration")
	}

	record, ok, err := h.loadMigrationTime(ctx, "b")
	if err != nil || !ok {
		t.Fatalf("expected a migration time record to exist after a failed attempt, ok=%v err=%v", ok, err)
	}
	if record.InstanceID != "b" {
		t.Fatalf("expected record for instance b, got %+v", record)
	}

	h.Cfg.FailedMigrationCooldown = 0
	stub.ListInstancesPages = [][]domain.ProviderInstance{
		{{ID: "b", Status: "exited", GPUIDs: []int{2}}},
	}
	delete(stub.MigrateErrs, "b")
	stub.MigrateResults["b"] = domain.MigrationResult{Message: "ok"}

	retryJob := &domain.Job{ID: "job-2"}
	if err := h.HandleFailedMigrations(ctx, retryJob); err != nil {
		t.Fatalf("HandleFailedMigrations: %v", err)
	}

	found := false
	for _, step := range retryJob.Trail {
		if step.Step == "Migrate.b" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected HandleFailedMigrations to re-drive the previously failed instance")
	}
}

func Test_AutoStopCheck_StopsInactiveInstance(t *testing.T) {
	h, stub, _ := testHandlers(t)
	ctx := context.Background()

	readyAt := time.Now().UTC().Add(-50 * time.Minute)
	lastUsed := time.Now().UTC().Add(-12 * time.Minute)
	state := domain.InstanceState{
		ID:                 "inst-x",
		ProviderInstanceID: "nov-x",
		Status:             "Running",
		Timestamps: domain.InstanceTimestamps{
			Created: readyAt,
			Started: &readyAt,
			Ready:   &readyAt,
			LastUsed: &lastUsed,
		},
	}
	if err := h.Instances.Put(ctx, state); err != nil {
		t.Fatalf("seeding instance: %v", err)
	}

	job := &domain.Job{ID: "job-1"}
	if err := h.AutoStopCheck(ctx, job); err != nil {
		t.Fatalf("AutoStopCheck: %v", err)
	}

	if len(stub.StopInstanceCalls) != 1 || stub.StopInstanceCalls[0] != "nov-x" {
		t.Fatalf("expected StopInstance(nov-x) to be called once, got %v", stub.StopInstanceCalls)
	}
	updated, _, _ := h.Instances.Get(ctx, "inst-x")
	if updated.Timestamps.LastUsed != nil {
		t.Fatal("expected lastUsed to be cleared after stop")
	}
}
