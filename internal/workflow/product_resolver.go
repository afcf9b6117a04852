package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ctrlplane/gpu-fleet/internal/cache"
	"github.com/ctrlplane/gpu-fleet/internal/domain"
)

const productCacheTTL = 5 * time.Minute

// ProductResolver picks the cheapest available product for a region,
// falling back across a priority-ordered region list (spec.md §4.E).
type ProductResolver struct {
	provider domain.ProviderClient
	cache    *cache.Cache
}

// NewProductResolver constructs a ProductResolver caching Provider catalog
// pages in c.
func NewProductResolver(provider domain.ProviderClient, c *cache.Cache) *ProductResolver {
	return &ProductResolver{provider: provider, cache: c}
}

func productCacheKey(region string) string { return "filter:region=" + region }

// list returns the Provider's product catalog for region, using the cache
// when fresh.
func (r *ProductResolver) list(ctx domain.Context, region string) ([]domain.Product, error) {
	key := productCacheKey(region)
	if raw, ok, err := r.cache.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		var products []domain.Product
		if err := json.Unmarshal(raw, &products); err != nil {
			return nil, fmt.Errorf("decoding cached products: %w", err)
		}
		return products, nil
	}

	products, err := r.provider.ListProducts(ctx, domain.ProductFilter{Region: region})
	if err != nil {
		return nil, fmt.Errorf("listing products for region %s: %w", region, err)
	}
	raw, err := json.Marshal(products)
	if err != nil {
		return nil, fmt.Errorf("encoding products for region %s: %w", region, err)
	}
	if err := r.cache.Set(ctx, key, raw, productCacheTTL); err != nil {
		return nil, err
	}
	return products, nil
}

// pick filters to available, priced, region-matching products and returns
// the cheapest by (spotPrice, onDemandPrice, id).
func pick(products []domain.Product, region string) (domain.Product, bool) {
	var candidates []domain.Product
	for _, p := range products {
		if p.Availability != "available" {
			continue
		}
		if p.SpotPrice <= 0 {
			continue
		}
		if p.Region != region {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return domain.Product{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.SpotPrice != b.SpotPrice {
			return a.SpotPrice < b.SpotPrice
		}
		if a.OnDemandPrice != b.OnDemandPrice {
			return a.OnDemandPrice < b.OnDemandPrice
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// Resolve picks the cheapest available product in preferredRegion, falling
// back to the remaining regions in order if preferredRegion has none. If
// preferredRegion is already first in regions it is not duplicated; otherwise
// it is promoted to the front. Returns the chosen product and the region it
// was found in.
func (r *ProductResolver) Resolve(ctx domain.Context, preferredRegion string, regions []string) (domain.Product, string, error) {
	ordered := promote(preferredRegion, regions)
	var errs []string
	for _, region := range ordered {
		products, err := r.list(ctx, region)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", region, err))
			continue
		}
		if product, ok := pick(products, region); ok {
			return product, region, nil
		}
		errs = append(errs, fmt.Sprintf("%s: no available product", region))
	}
	return domain.Product{}, "", fmt.Errorf("no product available in any region: %v", errs)
}

func promote(preferred string, regions []string) []string {
	if preferred == "" {
		return regions
	}
	ordered := make([]string, 0, len(regions)+1)
	ordered = append(ordered, preferred)
	for _, r := range regions {
		if r != preferred {
			ordered = append(ordered, r)
		}
	}
	return ordered
}
