// Package workflow implements the job handlers that carry out instance
// lifecycle operations against the Provider, driven by the job queue
// (spec.md §4.E).
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/config"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	obsctx "github.com/ctrlplane/gpu-fleet/internal/observability"
	"go.opentelemetry.io/otel"
)

func unmarshalPayload(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.Classify(domain.ErrorKindValidation, fmt.Errorf("decoding job payload: %w", err))
	}
	return nil
}

// Handlers bundles the dependencies every job handler needs: the Provider
// client, the cached instance store, the product/template resolvers, and a
// reference back to the queue so handlers can enqueue follow-up jobs
// (spec.md §9 — handlers hold a reference, the queue holds the handler
// function, avoiding a circular import).
type Handlers struct {
	Provider domain.ProviderClient
	Queue    domain.JobQueue
	Instances *InstanceStore
	Products  *ProductResolver
	Templates *TemplateResolver
	MigrationTimes *cache.Cache

	Regions []string
	Cfg     config.Config

	Log        *slog.Logger
	HTTPClient *http.Client
}

// NewHandlers constructs a Handlers with an http.Client sized off cfg.WebhookTimeout.
func NewHandlers(provider domain.ProviderClient, q domain.JobQueue, instances *InstanceStore, products *ProductResolver, templates *TemplateResolver, migrationTimes *cache.Cache, regions []string, cfg config.Config, log *slog.Logger) *Handlers {
	return &Handlers{
		Provider:       provider,
		Queue:          q,
		Instances:      instances,
		Products:       products,
		Templates:      templates,
		MigrationTimes: migrationTimes,
		Regions:        regions,
		Cfg:            cfg,
		Log:            log,
		HTTPClient:     &http.Client{Timeout: cfg.WebhookTimeout},
	}
}

const defaultMonitorMaxWait = 10 * time.Minute

// CreateInstance provisions a new Provider instance for a previously created
// internal instance record (spec.md §4.E).
func (h *Handlers) CreateInstance(ctx domain.Context, job *domain.Job) error {
	tr := otel.Tracer("workflow.handlers")
	ctx, span := tr.Start(ctx, "Handlers.CreateInstance")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	payload, err := decodePayload[CreateInstancePayload](job)
	if err != nil {
		return err
	}

	state, ok, err := h.Instances.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Classify(domain.ErrorKindValidation, fmt.Errorf("instance %s has no internal state", payload.InstanceID))
	}

	product, template, auth, err := h.resolveCreateInputs(ctx, payload)
	if err != nil {
		job.AppendStep("CreateInstance.resolve", "failed to resolve product/template/auth", err)
		return h.failCreate(ctx, &state, payload, err)
	}

	req := domain.CreateInstanceRequest{
		Kind:        "gpu",
		BillingMode: "spot",
		ProductID:   product.ID,
		Region:      product.Region,
		ImageURL:    template.ImageURL,
		ImageAuth:   auth,
		GPUNum:      payload.GPUNum,
		RootfsSize:  payload.RootfsSize,
		Ports:       formatPorts(template.Ports),
		Envs:        template.Envs,
	}

	providerID, err := h.Provider.CreateInstance(ctx, req)
	if err != nil {
		job.AppendStep("CreateInstance.create", "provider create-instance call failed", err)
		return h.failCreate(ctx, &state, payload, err)
	}

	state.ProviderInstanceID = providerID
	state.Status = "Creating"
	state.Configuration = domain.InstanceConfiguration{
		GPUNum: payload.GPUNum, RootfsSize: payload.RootfsSize, Region: product.Region,
		ImageURL: template.ImageURL, ImageAuth: auth, Ports: template.Ports, Envs: template.Envs,
	}
	if err := h.Instances.Put(ctx, state); err != nil {
		return err
	}
	job.AppendStep("CreateInstance.created", "provider instance "+providerID+" created", nil)

	monitorPayload := MonitorInstancePayload{
		InstanceID:         payload.InstanceID,
		ProviderInstanceID: providerID,
		StartTime:          time.Now().UTC().UnixMilli(),
		MaxWaitTimeMs:      defaultMonitorMaxWait.Milliseconds(),
		WebhookURL:         payload.WebhookURL,
	}
	if _, err := h.Queue.Add(ctx, domain.JobTypeMonitorInstance, monitorPayload, domain.PriorityNormal, 1); err != nil {
		lg.Warn("failed to enqueue monitor job after create", slog.String("instance_id", payload.InstanceID), slog.Any("error", err))
		return err
	}
	return nil
}

// resolveCreateInputs resolves product, template, and optional registry auth
// concurrently, per spec.md §4.E step 2.
func (h *Handlers) resolveCreateInputs(ctx domain.Context, payload CreateInstancePayload) (domain.Product, domain.Template, *domain.RegistryAuth, error) {
	var (
		wg                         sync.WaitGroup
		product                    domain.Product
		template                   domain.Template
		auth                       *domain.RegistryAuth
		productErr, templateErr    error
		authErr                    error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		product, _, productErr = h.Products.Resolve(ctx, payload.Region, h.Regions)
	}()
	go func() {
		defer wg.Done()
		template, templateErr = h.Templates.Resolve(ctx, payload.TemplateID)
	}()
	wg.Wait()

	if productErr != nil {
		return domain.Product{}, domain.Template{}, nil, fmt.Errorf("resolving product: %w", productErr)
	}
	if templateErr != nil {
		return domain.Product{}, domain.Template{}, nil, fmt.Errorf("resolving template: %w", templateErr)
	}

	if template.ImageAuth != nil {
		resolved, err := h.Provider.GetRegistryAuth(ctx, template.ID)
		authErr = err
		if authErr == nil {
			auth = &resolved
		}
	}
	if authErr != nil {
		return domain.Product{}, domain.Template{}, nil, fmt.Errorf("resolving registry auth: %w", authErr)
	}
	return product, template, auth, nil
}

func (h *Handlers) failCreate(ctx domain.Context, state *domain.InstanceState, payload CreateInstancePayload, cause error) error {
	now := time.Now().UTC()
	state.Status = "Failed"
	state.LastError = cause.Error()
	state.Timestamps.Failed = &now
	if putErr := h.Instances.Put(ctx, *state); putErr != nil {
		h.Log.Warn("failed to persist failed instance state", slog.String("instance_id", payload.InstanceID), slog.Any("error", putErr))
	}
	if payload.WebhookURL != "" {
		h.enqueueWebhook(ctx, payload.WebhookURL, payload.InstanceID, "failed", cause.Error())
	}
	return cause
}

func (h *Handlers) enqueueWebhook(ctx domain.Context, url, instanceID, status, message string) {
	event := WebhookEvent{Event: "instance_status", InstanceID: instanceID, Status: status, Message: message}
	payload := SendWebhookPayload{URL: url, Payload: event}
	if _, err := h.Queue.Add(ctx, domain.JobTypeSendWebhook, payload, domain.PriorityLow, h.Cfg.WebhookMaxRetries+1); err != nil {
		h.Log.Warn("failed to enqueue webhook", slog.String("instance_id", instanceID), slog.String("status", status), slog.Any("error", err))
	}
}

func formatPorts(ports []domain.PortMapping) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%d/%s", p.Port, p.Type))
	}
	return strings.Join(parts, ",")
}

// MonitorInstance performs a single poll of the Provider instance's status,
// re-enqueueing itself with a delay until the instance reaches a terminal
// state or the wait budget is exhausted (spec.md §4.E).
func (h *Handlers) MonitorInstance(ctx domain.Context, job *domain.Job) error {
	tr := otel.Tracer("workflow.handlers")
	ctx, span := tr.Start(ctx, "Handlers.MonitorInstance")
	defer span.End()

	payload, err := decodePayload[MonitorInstancePayload](job)
	if err != nil {
		return err
	}

	state, ok, err := h.Instances.Get(ctx, payload.InstanceID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Classify(domain.ErrorKindValidation, fmt.Errorf("instance %s has no internal state", payload.InstanceID))
	}

	elapsed := time.Now().UTC().UnixMilli() - payload.StartTime
	if elapsed > payload.MaxWaitTimeMs {
		now := time.Now().UTC()
		state.Status = "Failed"
		state.LastError = fmt.Sprintf("Instance startup timeout after %dms", payload.MaxWaitTimeMs)
		state.Timestamps.Failed = &now
		if err := h.Instances.Put(ctx, state); err != nil {
			return err
		}
		job.AppendStep("MonitorInstance.timeout", state.LastError, nil)
		if payload.WebhookURL != "" {
			h.enqueueWebhook(ctx, payload.WebhookURL, payload.InstanceID, "timeout", state.LastError)
		}
		return nil
	}

	inst, err := h.Provider.GetInstance(ctx, payload.ProviderInstanceID)
	if err != nil {
		job.AppendStep("MonitorInstance.poll", "get-instance call failed", err)
		return err
	}
	state.Status = inst.Status
	state.SpotStatus = inst.SpotStatus
	state.SpotReclaimTime = inst.SpotReclaimTime
	state.GPUIDs = inst.GPUIDs

	switch inst.Status {
	case "Running":
		now := time.Now().UTC()
		state.Timestamps.Ready = &now
		state.Timestamps.LastUsed = &now
		if err := h.Instances.Put(ctx, state); err != nil {
			return err
		}
		job.AppendStep("MonitorInstance.ready", "instance reached Running", nil)
		if payload.WebhookURL != "" {
			h.enqueueWebhook(ctx, payload.WebhookURL, payload.InstanceID, "running", "")
		}
		return nil
	case "Failed":
		now := time.Now().UTC()
		state.LastError = "instance reported Failed by provider"
		state.Timestamps.Failed = &now
		if putErr := h.Instances.Put(ctx, state); putErr != nil {
			h.Log.Warn("failed to persist failed instance state", slog.String("instance_id", payload.InstanceID), slog.Any("error", putErr))
		}
		if payload.WebhookURL != "" {
			h.enqueueWebhook(ctx, payload.WebhookURL, payload.InstanceID, "failed", state.LastError)
		}
		return domain.Classify(domain.ErrorKindInvalidState, fmt.Errorf("instance %s failed", payload.InstanceID))
	default:
		if err := h.Instances.Put(ctx, state); err != nil {
			return err
		}
		pollInterval := h.Cfg.MonitorPollInterval
		if pollInterval <= 0 {
			pollInterval = 15 * time.Second
		}
		time.AfterFunc(pollInterval, func() {
			bgCtx := obsctx.ContextWithLogger(ctx, h.Log)
			if _, err := h.Queue.Add(bgCtx, domain.JobTypeMonitorInstance, payload, domain.PriorityNormal, 1); err != nil {
				h.Log.Warn("failed to re-enqueue monitor job", slog.String("instance_id", payload.InstanceID), slog.Any("error", err))
			}
		})
		return nil
	}
}

// SendWebhook delivers a JSON event to a user-configured URL; any non-2xx
// response is treated as a retryable failure (spec.md §4.E).
func (h *Handlers) SendWebhook(ctx domain.Context, job *domain.Job) error {
	tr := otel.Tracer("workflow.handlers")
	ctx, span := tr.Start(ctx, "Handlers.SendWebhook")
	defer span.End()

	payload, err := decodePayload[SendWebhookPayload](job)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload.Payload)
	if err != nil {
		return domain.Classify(domain.ErrorKindValidation, fmt.Errorf("encoding webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, payload.URL, bytes.NewReader(body))
	if err != nil {
		return domain.Classify(domain.ErrorKindValidation, fmt.Errorf("building webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return domain.Classify(domain.ErrorKindTransientTransport, fmt.Errorf("delivering webhook to %s: %w", payload.URL, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Classify(domain.ErrorKindTransientTransport, fmt.Errorf("webhook %s returned status %d", payload.URL, resp.StatusCode))
	}
	return nil
}
