package service

import (
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

// AccessPolicy decides which shipments a principal may see.
type AccessPolicy interface {
	// Restrict narrows filters to the principal's scope so stores can push it down. It fails with a
	// ForbiddenError when the principal cannot search or asks for shipments outside its scope.
	Restrict(p models.Principal, filters *models.SearchFilters) error
	// Allows reports whether the principal may see a shipment with the given attributes.
	Allows(p models.Principal, attrs models.RecordAttributes) bool
}

// OwnerAccessPolicy grants admins and operators the whole corpus and buyers their own shipments.
type OwnerAccessPolicy struct{}

// Restrict implements AccessPolicy.
func (OwnerAccessPolicy) Restrict(p models.Principal, filters *models.SearchFilters) error {
	if p.Role.Privileged() {
		return nil
	}

	if p.Role != models.RoleBuyer || p.BuyerID == nil {
		return huberrors.NewForbiddenError("principal has no shipment scope")
	}

	if filters.BuyerID != nil && *filters.BuyerID != *p.BuyerID {
		return huberrors.NewForbiddenError("buyers can only search their own shipments")
	}

	buyer := *p.BuyerID
	filters.BuyerID = &buyer

	return nil
}

// Allows implements AccessPolicy.
func (OwnerAccessPolicy) Allows(p models.Principal, attrs models.RecordAttributes) bool {
	if p.Role.Privileged() {
		return true
	}

	return p.Role == models.RoleBuyer && p.BuyerID != nil && *p.BuyerID == attrs.BuyerID
}
