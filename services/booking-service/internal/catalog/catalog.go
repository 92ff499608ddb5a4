package catalog

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

var ErrNotFound = errors.New("catalog: not found")

// Catalog is the read side of services and resources used by the booking engine.
type Catalog interface {
	GetService(ctx context.Context, id string) (model.Service, error)
	GetResource(ctx context.Context, id string) (model.Resource, error)
	ListActiveServices(ctx context.Context, f ServiceFilter) ([]model.Service, error)
}

// ServiceFilter narrows ListActiveServices. Category matches the category of
// the service's resource, so services without a resource never match it.
// Services bound to an inactive resource are never listed.
type ServiceFilter struct {
	ResourceID string
	Category   string
}
