package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
	"github.com/go-playground/validator/v10"
)

const templateCacheTTL = 10 * time.Minute

var templateValidator = validator.New(validator.WithRequiredStructEnabled())

// TemplateResolver fetches and validates launch templates, caching the
// result per id (spec.md §4.E).
type TemplateResolver struct {
	provider domain.ProviderClient
	cache    *cache.Cache
}

// NewTemplateResolver constructs a TemplateResolver caching templates in c.
func NewTemplateResolver(provider domain.ProviderClient, c *cache.Cache) *TemplateResolver {
	return &TemplateResolver{provider: provider, cache: c}
}

// Resolve fetches the template by id, validating its shape before returning
// it: non-empty id and imageUrl, ports with an in-range integer and a known
// type, env vars with a non-empty key.
func (r *TemplateResolver) Resolve(ctx domain.Context, id string) (domain.Template, error) {
	key := "template:" + id
	if raw, ok, err := r.cache.Get(ctx, key); err != nil {
		return domain.Template{}, err
	} else if ok {
		var tmpl domain.Template
		if err := json.Unmarshal(raw, &tmpl); err != nil {
			return domain.Template{}, fmt.Errorf("decoding cached template %s: %w", id, err)
		}
		return tmpl, nil
	}

	tmpl, err := r.provider.GetTemplate(ctx, id)
	if err != nil {
		return domain.Template{}, fmt.Errorf("fetching template %s: %w", id, err)
	}
	if err := templateValidator.Struct(tmpl); err != nil {
		return domain.Template{}, domain.Classify(domain.ErrorKindValidation, fmt.Errorf("template %s failed validation: %w", id, err))
	}

	raw, err := json.Marshal(tmpl)
	if err != nil {
		return domain.Template{}, fmt.Errorf("encoding template %s: %w", id, err)
	}
	if err := r.cache.Set(ctx, key, raw, templateCacheTTL); err != nil {
		return domain.Template{}, err
	}
	return tmpl, nil
}
