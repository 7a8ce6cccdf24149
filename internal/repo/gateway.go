package repo

import (
	"context"
	"errors"

	"obrasurbanas/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Gateway is the persistence surface the lifecycle engine, catalog, indicators and
// ingestion run against.
type Gateway interface {
	// GetOrCreateReference returns the row of ref.Category whose key equals ref.Key,
	// inserting ref when none exists. The bool reports whether a row was inserted.
	GetOrCreateReference(ctx context.Context, ref domain.Reference) (domain.Reference, bool, error)
	FindReference(ctx context.Context, category domain.Category, key string) (domain.Reference, error)
	GetReference(ctx context.Context, id int64) (domain.Reference, error)
	// ListReferences returns rows of a category in insertion order.
	ListReferences(ctx context.Context, category domain.Category) ([]domain.Reference, error)

	GetOrCreateLocation(ctx context.Context, loc domain.Location) (domain.Location, bool, error)

	CreateObra(ctx context.Context, o *domain.Obra) error
	SaveObra(ctx context.Context, o *domain.Obra) error
	// CreateObraWithEvent and SaveObraWithEvent store the work and its event together or
	// not at all. o is only updated when both succeed.
	CreateObraWithEvent(ctx context.Context, o *domain.Obra, evt domain.Event) error
	SaveObraWithEvent(ctx context.Context, o *domain.Obra, evt domain.Event) error
	GetObra(ctx context.Context, id int64) (domain.Obra, error)
	ListObras(ctx context.Context, f ObraFilter) ([]domain.Obra, error)

	AppendEvent(ctx context.Context, evt domain.Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error)
}

// ObraFilter narrows ListObras. Zero values match everything.
type ObraFilter struct {
	StageID            *int64
	InterventionTypeID *int64
	Limit              int
}

// Match reports whether o passes the filter.
func (f ObraFilter) Match(o domain.Obra) bool {
	if f.StageID != nil && (o.StageID == nil || *o.StageID != *f.StageID) {
		return false
	}
	if f.InterventionTypeID != nil && (o.InterventionTypeID == nil || *o.InterventionTypeID != *f.InterventionTypeID) {
		return false
	}
	return true
}

// EventFilter narrows ListEvents. Results are newest first.
type EventFilter struct {
	ObraID int64
	Type   string
	// BeforeID pages backwards: only events with a smaller id are returned.
	BeforeID int64
	Limit    int
}
