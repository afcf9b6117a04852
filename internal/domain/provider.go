package domain

import "time"

// ProviderClient (port)

// Product is one purchasable GPU offering returned by the provider.
type Product struct {
	ID            string `json:"id"`
	Region        string `json:"region"`
	Availability  string `json:"availability"`
	SpotPrice     float64 `json:"spotPrice"`
	OnDemandPrice float64 `json:"onDemandPrice"`
}

// ProductFilter narrows ListProducts results.
type ProductFilter struct {
	Region string
}

// Template describes a launchable instance image. Field tags drive
// TemplateResolver's validation pass (spec.md §4.E).
type Template struct {
	ID        string        `json:"id" validate:"required"`
	ImageURL  string        `json:"imageUrl" validate:"required"`
	ImageAuth *RegistryAuth `json:"imageAuth,omitempty"`
	Ports     []PortMapping `json:"ports,omitempty" validate:"dive"`
	Envs      []EnvVar      `json:"envs,omitempty" validate:"dive"`
}

// CreateInstanceRequest is the provider-facing instance creation request
// built by CreateInstance (spec.md §4.E).
type CreateInstanceRequest struct {
	Kind        string        `json:"kind"`
	BillingMode string        `json:"billingMode"`
	ProductID   string        `json:"productId"`
	Region      string        `json:"region"`
	ImageURL    string        `json:"imageUrl"`
	ImageAuth   *RegistryAuth `json:"imageAuth,omitempty"`
	GPUNum      int           `json:"gpuNum"`
	RootfsSize  int           `json:"rootfsSize"`
	Ports       string        `json:"ports,omitempty"`
	Envs        []EnvVar      `json:"envs,omitempty"`
}

// ProviderInstance is the provider's own view of an instance, returned by
// GetInstance/ListInstances and consumed by MonitorInstance,
// MigrateSpotInstances, and AutoStopCheck.
type ProviderInstance struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	SpotStatus      string   `json:"spotStatus,omitempty"`
	SpotReclaimTime string   `json:"spotReclaimTime,omitempty"`
	GPUIDs          []int    `json:"gpuIds,omitempty"`
	LastUsedTime    *time.Time `json:"lastUsedTime,omitempty"`
}

// MigrationResult is the outcome of a single MigrateInstance call.
type MigrationResult struct {
	NewInstanceID string `json:"newInstanceId,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ProviderClient abstracts the external GPU instance provider consumed by
// the workflow handlers (spec.md §6). Implementations classify transport
// failures into the ErrorKind taxonomy (spec.md §7) before returning.
type ProviderClient interface {
	// ListProducts returns offerings matching filter.
	ListProducts(ctx Context, filter ProductFilter) ([]Product, error)
	// GetTemplate fetches a launch template by id.
	GetTemplate(ctx Context, id string) (Template, error)
	// GetRegistryAuth resolves registry credentials referenced by a template.
	GetRegistryAuth(ctx Context, id string) (RegistryAuth, error)
	// CreateInstance provisions a new instance, returning its provider id.
	CreateInstance(ctx Context, req CreateInstanceRequest) (string, error)
	// GetInstance fetches the current provider-side state of an instance.
	GetInstance(ctx Context, id string) (ProviderInstance, error)
	// StartInstance starts a stopped instance.
	StartInstance(ctx Context, id string) error
	// StopInstance stops a running instance.
	StopInstance(ctx Context, id string) error
	// DeleteInstance permanently removes an instance.
	DeleteInstance(ctx Context, id string) error
	// ListInstances returns a page of instances, optionally filtered by status.
	ListInstances(ctx Context, page, pageSize int, status string) ([]ProviderInstance, error)
	// MigrateInstance requests migration of a spot instance off reclaimed capacity.
	MigrateInstance(ctx Context, id string) (MigrationResult, error)
}
