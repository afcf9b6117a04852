// Package provider implements the external GPU instance provider's HTTP API
// as a domain.ProviderClient, and a Stub in-memory fake for tests.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/ctrlplane/gpu-fleet/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client is a thin HTTP client for the Provider API (spec.md §6).
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	obs        *observability.IntegratedObservableClient
}

// New constructs a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string, timeout, minTimeout, maxTimeout time.Duration) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Provider %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		obs: observability.NewIntegratedObservableClient(
			observability.ConnectionTypeProvider,
			observability.OperationTypeRequest,
			baseURL,
			"provider",
			timeout,
			minTimeout,
			maxTimeout,
		),
	}
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) do(ctx context.Context, op string, method, path string, body any, out any) error {
	err := c.obs.ExecuteWithMetrics(ctx, op, func(callCtx context.Context) error {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return domain.Classify(domain.ErrorKindValidation, err)
			}
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
		if err != nil {
			return domain.Classify(domain.ErrorKindUnknown, err)
		}
		c.setHeaders(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return classifyTransportErr(callCtx, err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return classifyStatus(resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.Classify(domain.ErrorKindUnknown, fmt.Errorf("decoding response: %w", err))
		}
		return nil
	})
	if err == observability.ErrCircuitOpen {
		return domain.Classify(domain.ErrorKindCircuitOpen, err)
	}
	return err
}

// ListProducts returns offerings matching filter.
func (c *Client) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	path := "/products"
	if filter.Region != "" {
		path += "?region=" + url.QueryEscape(filter.Region)
	}
	var out []domain.Product
	if err := c.do(ctx, "list_products", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTemplate fetches a launch template by id.
func (c *Client) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	var out domain.Template
	err := c.do(ctx, "get_template", http.MethodGet, "/templates/"+url.PathEscape(id), nil, &out)
	return out, err
}

// GetRegistryAuth resolves registry credentials referenced by a template.
func (c *Client) GetRegistryAuth(ctx context.Context, id string) (domain.RegistryAuth, error) {
	var out domain.RegistryAuth
	err := c.do(ctx, "get_registry_auth", http.MethodGet, "/registry-auth/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CreateInstance provisions a new instance, returning its provider id.
func (c *Client) CreateInstance(ctx context.Context, req domain.CreateInstanceRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_instance", http.MethodPost, "/instances", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// GetInstance fetches the current provider-side state of an instance.
func (c *Client) GetInstance(ctx context.Context, id string) (domain.ProviderInstance, error) {
	var out domain.ProviderInstance
	err := c.do(ctx, "get_instance", http.MethodGet, "/instances/"+url.PathEscape(id), nil, &out)
	return out, err
}

// StartInstance starts a stopped instance.
func (c *Client) StartInstance(ctx context.Context, id string) error {
	return c.do(ctx, "start_instance", http.MethodPost, "/instances/"+url.PathEscape(id)+"/start", nil, nil)
}

// StopInstance stops a running instance.
func (c *Client) StopInstance(ctx context.Context, id string) error {
	return c.do(ctx, "stop_instance", http.MethodPost, "/instances/"+url.PathEscape(id)+"/stop", nil, nil)
}

// DeleteInstance permanently removes an instance.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.do(ctx, "delete_instance", http.MethodDelete, "/instances/"+url.PathEscape(id), nil, nil)
}

// ListInstances returns a page of instances, optionally filtered by status.
func (c *Client) ListInstances(ctx context.Context, page, pageSize int, status string) ([]domain.ProviderInstance, error) {
	path := fmt.Sprintf("/instances?page=%d&pageSize=%d", page, pageSize)
	if status != "" {
		path += "&status=" + url.QueryEscape(status)
	}
	var out []domain.ProviderInstance
	if err := c.do(ctx, "list_instances", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MigrateInstance requests migration of a spot instance off reclaimed capacity.
func (c *Client) MigrateInstance(ctx context.Context, id string) (domain.MigrationResult, error) {
	var out domain.MigrationResult
	err := c.do(ctx, "migrate_instance", http.MethodPost, "/instances/"+url.PathEscape(id)+"/migrate", nil, &out)
	return out, err
}

func classifyTransportErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return domain.Classify(domain.ErrorKindTransientTransport, fmt.Errorf("request timed out: %w", err))
	}
	return domain.Classify(domain.ErrorKindTransientTransport, err)
}

func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	baseErr := fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter *time.Duration
		if raw := resp.Header.Get("Retry-After"); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil {
				d := time.Duration(secs) * time.Second
				retryAfter = &d
			}
		}
		return domain.ClassifyRateLimited(baseErr, retryAfter)
	case resp.StatusCode == http.StatusBadRequest && isInvalidStateChange(body):
		return domain.Classify(domain.ErrorKindInvalidState, baseErr)
	case resp.StatusCode == http.StatusBadRequest:
		return domain.Classify(domain.ErrorKindValidation, baseErr)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Classify(domain.ErrorKindAuthForbidden, baseErr)
	case resp.StatusCode == http.StatusNotFound:
		return domain.Classify(domain.ErrorKindNotFound, baseErr)
	case resp.StatusCode >= 500:
		return domain.Classify(domain.ErrorKindTransientTransport, baseErr)
	default:
		return domain.Classify(domain.ErrorKindUnknown, baseErr)
	}
}

func isInvalidStateChange(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), []byte("invalid state change"))
}
