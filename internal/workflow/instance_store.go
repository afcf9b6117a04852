package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

// InstanceStore is the cached mirror of provider-side instance state
// (component B, domain "instances"), mutated only by the handler currently
// processing that instance's id (spec.md §5).
type InstanceStore struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewInstanceStore wraps the instances cache with typed Get/Put.
func NewInstanceStore(c *cache.Cache, ttl time.Duration) *InstanceStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &InstanceStore{cache: c, ttl: ttl}
}

// Get loads the cached instance state, returning ok=false if absent.
func (s *InstanceStore) Get(ctx domain.Context, id string) (domain.InstanceState, bool, error) {
	raw, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		return domain.InstanceState{}, false, fmt.Errorf("loading instance state %s: %w", id, err)
	}
	if !ok {
		return domain.InstanceState{}, false, nil
	}
	var state domain.InstanceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.InstanceState{}, false, fmt.Errorf("decoding instance state %s: %w", id, err)
	}
	return state, true, nil
}

// Put persists the instance state.
func (s *InstanceStore) Put(ctx domain.Context, state domain.InstanceState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding instance state %s: %w", state.ID, err)
	}
	if err := s.cache.Set(ctx, state.ID, raw, s.ttl); err != nil {
		return fmt.Errorf("persisting instance state %s: %w", state.ID, err)
	}
	return nil
}
