// Package domain defines core entities, ports, and domain-specific errors
// for the GPU instance control plane: jobs, instance state, and the error
// taxonomy shared by the queue, the schedulers, and the workflow handlers.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// JobType enumerates the kinds of work the queue dispatches to handlers.
type JobType string

// Job types recognized by the queue.
const (
	JobTypeCreateInstance         JobType = "CreateInstance"
	JobTypeMonitorInstance        JobType = "MonitorInstance"
	JobTypeSendWebhook            JobType = "SendWebhook"
	JobTypeMigrateSpotInstances   JobType = "MigrateSpotInstances"
	JobTypeHandleFailedMigrations JobType = "HandleFailedMigrations"
	JobTypeAutoStopCheck          JobType = "AutoStopCheck"
)

// ephemeralJobTypes have their Job record deleted immediately on terminal
// state: no retries, no completed/failed ledger entry.
var ephemeralJobTypes = map[JobType]bool{
	JobTypeAutoStopCheck: true,
}

// IsEphemeral reports whether jobs of this type are ephemeral (spec.md §4.C).
func (jt JobType) IsEphemeral() bool { return ephemeralJobTypes[jt] }

// Priority orders jobs within the ready queue. Higher values sort first.
type Priority int

// Priority levels, low to high.
const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// JobStatus captures the lifecycle state of a job.
type JobStatus string

// Job status values.
const (
	JobStatusPending    JobStatus = "Pending"
	JobStatusProcessing JobStatus = "Processing"
	JobStatusCompleted  JobStatus = "Completed"
	JobStatusFailed     JobStatus = "Failed"
)

// WorkflowStep is one entry in a job's retained execution trail, appended on
// every classified error and on each terminal transition.
type WorkflowStep struct {
	At     time.Time `json:"at"`
	Step   string    `json:"step"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"err,omitempty"`
}

// Job is the durable unit of work processed by the queue.
//
//go:generate mockery --name=JobQueue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=ProviderClient --with-expecter --filename=provider_client_mock.go
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	Error       string          `json:"error,omitempty"`
	Trail       []WorkflowStep  `json:"trail,omitempty"`
}

// AppendStep records a workflow-step trail entry on the job.
func (j *Job) AppendStep(step, detail string, err error) {
	entry := WorkflowStep{At: time.Now().UTC(), Step: step, Detail: detail}
	if err != nil {
		entry.Err = err.Error()
	}
	j.Trail = append(j.Trail, entry)
}

// InstanceConfiguration describes the provisioning request for an instance.
type InstanceConfiguration struct {
	GPUNum     int               `json:"gpuNum" validate:"min=1"`
	RootfsSize int               `json:"rootfsSize" validate:"min=1"`
	Region     string            `json:"region" validate:"required"`
	ImageURL   string            `json:"imageUrl" validate:"required"`
	ImageAuth  *RegistryAuth     `json:"imageAuth,omitempty"`
	Ports      []PortMapping     `json:"ports,omitempty"`
	Envs       []EnvVar          `json:"envs,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// RegistryAuth carries credentials for a private container registry.
type RegistryAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// PortMapping describes one exposed port on an instance.
type PortMapping struct {
	Port int    `json:"port" validate:"min=1,max=65535"`
	Type string `json:"type" validate:"oneof=tcp udp http https"`
}

// EnvVar is a single environment variable passed to the instance.
type EnvVar struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// InstanceTimestamps tracks the lifecycle milestones of an instance.
type InstanceTimestamps struct {
	Created  time.Time  `json:"created"`
	Started  *time.Time `json:"started,omitempty"`
	Ready    *time.Time `json:"ready,omitempty"`
	Failed   *time.Time `json:"failed,omitempty"`
	LastUsed *time.Time `json:"lastUsed,omitempty"`
}

// InstanceState is the cached mirror of Provider-side instance state; the
// Provider remains the authoritative copy. Mutated only by the single
// handler processing that instance's id at a time (spec.md §3, §5).
type InstanceState struct {
	ID               string                 `json:"id"`
	ProviderInstanceID string               `json:"novitaInstanceId,omitempty"`
	Name             string                 `json:"name"`
	Status           string                 `json:"status"`
	Configuration    InstanceConfiguration  `json:"configuration"`
	Timestamps       InstanceTimestamps     `json:"timestamps"`
	SpotStatus       string                 `json:"spotStatus,omitempty"`
	SpotReclaimTime  string                 `json:"spotReclaimTime,omitempty"`
	GPUIDs           []int                  `json:"gpuIds,omitempty"`
	WebhookURL       string                 `json:"webhookUrl,omitempty"`
	LastError        string                 `json:"lastError,omitempty"`
}

// MigrationTimeRecord tracks the last migration attempt timestamp for an
// instance, used by HandleFailedMigrations to enforce a cooldown
// (spec.md §3, §9).
type MigrationTimeRecord struct {
	InstanceID string    `json:"instanceId"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// SchedulerStatus reports the in-process state of one scheduler.
type SchedulerStatus struct {
	Running          bool       `json:"running"`
	Enabled          bool       `json:"enabled"`
	ShuttingDown     bool       `json:"shuttingDown"`
	LastExecution    *time.Time `json:"lastExecution,omitempty"`
	NextExecution    *time.Time `json:"nextExecution,omitempty"`
	TotalExecutions  int64      `json:"totalExecutions"`
	FailedExecutions int64      `json:"failedExecutions"`
	CurrentJobID     string     `json:"currentJobId,omitempty"`
	Uptime           time.Duration `json:"uptime"`
}

// Healthy implements the health rules from spec.md §4.D.
func (s SchedulerStatus) Healthy() bool {
	if s.ShuttingDown {
		return false
	}
	if !s.Enabled {
		return true
	}
	if !s.Running {
		return false
	}
	if s.TotalExecutions >= 10 {
		failureRate := float64(s.FailedExecutions) / float64(s.TotalExecutions)
		if failureRate > 0.5 {
			return false
		}
	}
	return true
}

// SyncLock represents the startup-sync distributed advisory lock record.
type SyncLock struct {
	Owner     string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Sentinel errors shared by adapters that do not need the richer
// ClassifiedError wrapper (e.g. simple not-found/validation checks).
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict      = errors.New("conflict")
	ErrInternal      = errors.New("internal error")
)

// JobQueue is the port consumed by schedulers and handlers to enqueue work
// (spec.md §4.C, §9 "handlers hold a reference, the queue holds the handler
// function").
type JobQueue interface {
	Add(ctx Context, jobType JobType, payload any, priority Priority, maxAttempts int) (string, error)
	Get(ctx Context, id string) (Job, error)
	List(ctx Context, filter JobFilter) ([]Job, error)
	RegisterHandler(jobType JobType, fn JobHandlerFunc)
}

// JobFilter narrows List results by status/type/limit (spec.md §4.C).
type JobFilter struct {
	Status *JobStatus
	Type   *JobType
	Limit  int
}

// JobHandlerFunc processes one job and returns an error classified per
// spec.md §7 when it fails.
type JobHandlerFunc func(ctx Context, job *Job) error
