package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

// Stub is an in-memory domain.ProviderClient fake for tests. Every field is
// a canned response or error keyed by id (where applicable); callers mutate
// these maps directly before exercising the collaborator under test.
type Stub struct {
	mu sync.Mutex

	Products  []domain.Product
	Templates map[string]domain.Template
	Auths     map[string]domain.RegistryAuth
	Instances map[string]domain.ProviderInstance

	CreateInstanceErr   error
	CreateInstanceID    string
	MigrateResults      map[string]domain.MigrationResult
	MigrateErrs         map[string]error
	ListInstancesPages  [][]domain.ProviderInstance
	ListInstancesCalls  int
	StopInstanceCalls   []string
	StartInstanceCalls  []string
	DeleteInstanceCalls []string
}

// NewStub constructs an empty Stub.
func NewStub() *Stub {
	return &Stub{
		Templates:      map[string]domain.Template{},
		Auths:          map[string]domain.RegistryAuth{},
		Instances:      map[string]domain.ProviderInstance{},
		MigrateResults: map[string]domain.MigrationResult{},
		MigrateErrs:    map[string]error{},
	}
}

func (s *Stub) ListProducts(context.Context, domain.ProductFilter) ([]domain.Product, error) {
	return s.Products, nil
}

func (s *Stub) GetTemplate(_ context.Context, id string) (domain.Template, error) {
	tmpl, ok := s.Templates[id]
	if !ok {
		return domain.Template{}, domain.Classify(domain.ErrorKindNotFound, fmt.Errorf("template %s not found", id))
	}
	return tmpl, nil
}

func (s *Stub) GetRegistryAuth(_ context.Context, id string) (domain.RegistryAuth, error) {
	auth, ok := s.Auths[id]
	if !ok {
		return domain.RegistryAuth{}, domain.Classify(domain.ErrorKindNotFound, fmt.Errorf("registry auth %s not found", id))
	}
	return auth, nil
}

func (s *Stub) CreateInstance(context.Context, domain.CreateInstanceRequest) (string, error) {
	if s.CreateInstanceErr != nil {
		return "", s.CreateInstanceErr
	}
	return s.CreateInstanceID, nil
}

func (s *Stub) GetInstance(_ context.Context, id string) (domain.ProviderInstance, error) {
	inst, ok := s.Instances[id]
	if !ok {
		return domain.ProviderInstance{}, domain.Classify(domain.ErrorKindNotFound, fmt.Errorf("instance %s not found", id))
	}
	return inst, nil
}

func (s *Stub) StartInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartInstanceCalls = append(s.StartInstanceCalls, id)
	return nil
}

func (s *Stub) StopInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopInstanceCalls = append(s.StopInstanceCalls, id)
	return nil
}

func (s *Stub) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteInstanceCalls = append(s.DeleteInstanceCalls, id)
	return nil
}

func (s *Stub) ListInstances(_ context.Context, page, _ int, _ string) ([]domain.ProviderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListInstancesCalls++
	if page < 0 || page >= len(s.ListInstancesPages) {
		return nil, nil
	}
	return s.ListInstancesPages[page], nil
}

func (s *Stub) MigrateInstance(_ context.Context, id string) (domain.MigrationResult, error) {
	if err, ok := s.MigrateErrs[id]; ok {
		return domain.MigrationResult{}, err
	}
	return s.MigrateResults[id], nil
}
