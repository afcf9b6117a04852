package workflow

import "github.com/ctrlplane/gpu-fleet/internal/domain"

// CreateInstancePayload is the job.Payload shape for JobTypeCreateInstance.
type CreateInstancePayload struct {
	InstanceID   string `json:"instanceId"`
	Name         string `json:"name"`
	ProductName  string `json:"productName"`
	TemplateID   string `json:"templateId"`
	GPUNum       int    `json:"gpuNum"`
	RootfsSize   int    `json:"rootfsSize"`
	Region       string `json:"region"`
	WebhookURL   string `json:"webhookUrl,omitempty"`
}

// MonitorInstancePayload is the job.Payload shape for JobTypeMonitorInstance.
// The job re-enqueues itself with the same payload until the instance
// reaches a terminal state or MaxWaitTime elapses (spec.md §4.E).
type MonitorInstancePayload struct {
	InstanceID         string `json:"instanceId"`
	ProviderInstanceID string `json:"novitaInstanceId"`
	StartTime          int64  `json:"startTime"`
	MaxWaitTimeMs       int64  `json:"maxWaitTime"`
	WebhookURL         string `json:"webhookUrl,omitempty"`
}

// SendWebhookPayload is the job.Payload shape for JobTypeSendWebhook.
type SendWebhookPayload struct {
	URL     string            `json:"url"`
	Payload any               `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookEvent is the JSON body posted to WebhookURL by SendWebhook.
type WebhookEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// migrateSpotInstancesResult is the summary recorded on the scheduler-created
// job's trail after a MigrateSpotInstances run (spec.md §4.E).
type migrateSpotInstancesResult struct {
	TotalProcessed int   `json:"totalProcessed"`
	Migrated       int   `json:"migrated"`
	Skipped        int   `json:"skipped"`
	Errors         int   `json:"errors"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// autoStopCheckResult is the summary recorded on the scheduler-created job's
// trail after an AutoStopCheck run (spec.md §4.E).
type autoStopCheckResult struct {
	TotalChecked    int   `json:"totalChecked"`
	EligibleForStop int   `json:"eligibleForStop"`
	Stopped         int   `json:"stopped"`
	Errors          int   `json:"errors"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

func decodePayload[T any](job *domain.Job) (T, error) {
	var p T
	if err := unmarshalPayload(job.Payload, &p); err != nil {
		return p, err
	}
	return p, nil
}
