package importer

import (
	"context"
	"errors"
	"sync"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/sirupsen/logrus"
)

// Resolver infers the parent product of variant rows. Each ParentKey is resolved
// once per Resolver; create a new one for every planning pass.
type Resolver struct {
	catalog repository.CatalogRepository
	logger  *logrus.Entry

	mu    sync.Mutex
	cache map[ParentKey]ParentCandidate
}

// NewResolver creates a Resolver with an empty batch cache
func NewResolver(catalog repository.CatalogRepository, logger *logrus.Entry) *Resolver {
	return &Resolver{
		catalog: catalog,
		logger:  logger,
		cache:   make(map[ParentKey]ParentCandidate),
	}
}

// ParentKeyFor groups a variant row: by SKU prefix when the SKU has one,
// otherwise by its stripped product name.
func ParentKeyFor(sku, productName string) ParentKey {
	if prefix, ok := ExtractParentSKUPrefix(sku); ok {
		return skuParentKey(prefix)
	}
	return nameParentKey(StripVariantDescriptors(productName))
}

// Resolve returns the parent for a single variant. It never fails: lookup
// errors are logged and the parent is synthesised instead.
func (r *Resolver) Resolve(ctx context.Context, variant VariantCandidate) ParentCandidate {
	key := variant.Parent
	if key == "" {
		key = ParentKeyFor(variant.SKU, productName(variant))
	}
	if cached, ok := r.cached(key); ok {
		return cached
	}

	name := productName(variant)
	var candidate ParentCandidate
	if prefix, ok := ExtractParentSKUPrefix(variant.SKU); ok {
		candidate = r.resolveBySKU(ctx, prefix, name)
	} else {
		candidate = r.resolveByName(ctx, StripVariantDescriptors(name), name)
	}
	r.store(key, candidate)
	return candidate
}

// ResolveGroup resolves the parent of rows that share no SKU prefix, naming it
// after what the group's product names have in common.
func (r *Resolver) ResolveGroup(ctx context.Context, key ParentKey, names []string) ParentCandidate {
	if cached, ok := r.cached(key); ok {
		return cached
	}
	if len(names) == 0 {
		return ParentCandidate{}
	}

	common := SimilarityGroupKey(names)
	candidate := r.resolveByName(ctx, StripVariantDescriptors(common), names[0])
	if len(names) > 1 {
		r.logger.WithFields(logrus.Fields{
			"parent_name": candidate.Name,
			"rows":        len(names),
		}).Debug("Grouped rows by name similarity")
	}
	r.store(key, candidate)
	return candidate
}

func (r *Resolver) resolveBySKU(ctx context.Context, prefix, name string) ParentCandidate {
	product, err := r.catalog.FindProductByParentSKU(ctx, prefix)
	if err == nil {
		return candidateFromProduct(product)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		r.logger.WithError(err).WithField("parent_sku", prefix).
			Warn("Parent lookup failed, synthesising parent")
	}

	sku := prefix
	return ParentCandidate{
		ParentSKU:     &sku,
		Name:          StripVariantDescriptors(name),
		AutoGenerated: true,
	}
}

func (r *Resolver) resolveByName(ctx context.Context, stripped, rawName string) ParentCandidate {
	if stripped == "" {
		stripped = rawName
	}
	product, err := r.catalog.FindProductByName(ctx, stripped)
	if err == nil {
		return candidateFromProduct(product)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		r.logger.WithError(err).WithField("parent_name", stripped).
			Warn("Parent lookup failed, synthesising parent")
	}
	if stripped == rawName {
		r.logger.WithField("name", rawName).
			Debug("No variant descriptors found, parent keeps the full row name")
	}
	return ParentCandidate{
		Name:          stripped,
		AutoGenerated: true,
	}
}

func (r *Resolver) cached(key ParentKey) (ParentCandidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[key]
	return c, ok
}

func (r *Resolver) store(key ParentKey, c ParentCandidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = c
}

func candidateFromProduct(p *models.Product) ParentCandidate {
	id := p.ID
	return ParentCandidate{
		ParentSKU:     p.ParentSKU,
		Name:          p.Name,
		AutoGenerated: p.AutoGenerated,
		ExistingID:    &id,
		Description:   p.Description,
		Brand:         p.Brand,
		Price:         p.Price,
	}
}

func productName(v VariantCandidate) string {
	if name := v.Raw.Get(models.FieldProductName); name != "" {
		return name
	}
	return v.Name
}
