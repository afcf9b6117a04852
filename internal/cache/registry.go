package cache

import (
	"context"
	"log/slog"

	"github.com/ctrlplane/gpu-fleet/internal/kvstore"
	"oss.nandlabs.io/golly/managers"
)

// Named cache domains registered at process startup.
const (
	DomainInstances      = "instances"
	DomainProducts       = "products"
	DomainTemplates      = "templates"
	DomainMigrationTimes = "migration-times"
)

// Registry holds every named cache the worker uses, keyed by domain name.
type Registry struct {
	items managers.ItemManager[*Cache]
}

// NewRegistry constructs the registry and populates it with the four cache
// domains the control plane needs (instances, products, templates,
// migration-times), each with its own options.
func NewRegistry(kv *kvstore.Client, log *slog.Logger, opts map[string]Options) *Registry {
	r := &Registry{items: managers.NewItemManager[*Cache]()}
	domains := []string{DomainInstances, DomainProducts, DomainTemplates, DomainMigrationTimes}
	for _, name := range domains {
		o := opts[name]
		r.items.Register(name, New(name, kv, log, o))
	}
	return r
}

// Get returns the named cache, or nil if no such domain was registered.
func (r *Registry) Get(name string) *Cache { return r.items.Get(name) }

// All returns every registered cache.
func (r *Registry) All() []*Cache { return r.items.Items() }

// Start launches background loops on every registered cache.
func (r *Registry) Start(ctx context.Context) {
	for _, c := range r.items.Items() {
		c.Start(ctx)
	}
}

// Stop halts background loops on every registered cache.
func (r *Registry) Stop() {
	for _, c := range r.items.Items() {
		c.Stop()
	}
}
