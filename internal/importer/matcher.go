package importer

import (
	"context"
	"errors"
	"fmt"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/google/uuid"
)

// Matcher reconciles candidates with existing catalog records. It only reads.
type Matcher struct {
	catalog repository.CatalogRepository
	mode    models.ImportMode
}

// NewMatcher creates a Matcher for one import mode
func NewMatcher(catalog repository.CatalogRepository, mode models.ImportMode) *Matcher {
	return &Matcher{catalog: catalog, mode: mode}
}

// Decide applies the import mode to a lookup outcome
func Decide(mode models.ImportMode, existing *uuid.UUID, matchReason string) MatchResult {
	if existing != nil {
		if mode == models.ImportModeCreateOnly {
			return MatchResult{Action: ActionSkip, ExistingID: existing, Reason: ReasonExistsCreateOnly}
		}
		return MatchResult{Action: ActionUpdate, ExistingID: existing, Reason: matchReason}
	}
	if mode == models.ImportModeUpdateExisting {
		return MatchResult{Action: ActionSkip, Reason: ReasonMissingUpdate}
	}
	return MatchResult{Action: ActionCreate, Reason: ReasonNew}
}

// MatchProduct matches a parent by the identity the resolver found, else by exact parent SKU
func (m *Matcher) MatchProduct(ctx context.Context, parent ParentCandidate) (MatchResult, error) {
	if parent.ExistingID != nil {
		id := *parent.ExistingID
		return Decide(m.mode, &id, ReasonResolvedParent), nil
	}
	if parent.ParentSKU == nil {
		return Decide(m.mode, nil, ""), nil
	}

	product, err := m.catalog.FindProductByParentSKU(ctx, *parent.ParentSKU)
	switch {
	case err == nil:
		id := product.ID
		return Decide(m.mode, &id, ReasonMatchedParentSKU), nil
	case errors.Is(err, repository.ErrNotFound):
		return Decide(m.mode, nil, ""), nil
	default:
		return MatchResult{}, fmt.Errorf("failed to match parent %q: %w", *parent.ParentSKU, err)
	}
}

// MatchVariant matches by exact SKU, then by (parent, color, size) when the parent
// already exists and the row has a color or size. The matched record is returned
// alongside the decision.
func (m *Matcher) MatchVariant(ctx context.Context, v VariantCandidate, parentID *uuid.UUID) (MatchResult, *models.ProductVariant, error) {
	existing, err := m.catalog.FindVariantBySKU(ctx, v.SKU)
	if err == nil {
		id := existing.ID
		return Decide(m.mode, &id, ReasonMatchedSKU), existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return MatchResult{}, nil, fmt.Errorf("failed to match variant %q: %w", v.SKU, err)
	}

	if parentID != nil && v.hasAttributes() {
		existing, err = m.catalog.FindVariantByAttributes(ctx, *parentID, deref(v.Color), deref(v.Size))
		if err == nil {
			id := existing.ID
			return Decide(m.mode, &id, ReasonMatchedAttrs), existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return MatchResult{}, nil, fmt.Errorf("failed to match variant %q by attributes: %w", v.SKU, err)
		}
	}

	return Decide(m.mode, nil, ""), nil, nil
}
