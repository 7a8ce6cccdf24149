// Package catalog resolves categorical labels against reference rows.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/repo"
)

// Store is the slice of repo.Gateway the catalog reads and seeds through.
type Store interface {
	GetOrCreateReference(ctx context.Context, ref domain.Reference) (domain.Reference, bool, error)
	FindReference(ctx context.Context, category domain.Category, key string) (domain.Reference, error)
	GetReference(ctx context.Context, id int64) (domain.Reference, error)
	ListReferences(ctx context.Context, category domain.Category) ([]domain.Reference, error)
}

type Catalog struct {
	Store  Store
	Logger *slog.Logger
}

func New(store Store, logger *slog.Logger) Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return Catalog{Store: store, Logger: logger}
}

func (c Catalog) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Find returns the row of category whose normalized label equals label's.
// A miss, including an empty label, is a domain.ReferenceNotFoundError.
func (c Catalog) Find(ctx context.Context, category domain.Category, label string) (domain.Reference, error) {
	key := Key(label)
	if key == "" {
		return domain.Reference{}, domain.ReferenceNotFoundError{Category: category, Label: label}
	}
	ref, err := c.Store.FindReference(ctx, category, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Reference{}, domain.ReferenceNotFoundError{Category: category, Label: label}
	}
	if err != nil {
		return domain.Reference{}, fmt.Errorf("find %s %q: %w", category, label, err)
	}
	return ref, nil
}

// Get returns the row with id.
func (c Catalog) Get(ctx context.Context, id int64) (domain.Reference, error) {
	return c.Store.GetReference(ctx, id)
}

// Label returns the label of id, or "" when id is nil or cannot be read.
func (c Catalog) Label(ctx context.Context, id *int64) string {
	label, _ := c.LabelOf(ctx, id)
	return label
}

// LabelOf returns the label of id and the lookup error, if any. A nil id has the empty label.
func (c Catalog) LabelOf(ctx context.Context, id *int64) (string, error) {
	if id == nil {
		return "", nil
	}
	ref, err := c.Store.GetReference(ctx, *id)
	if err != nil {
		return "", err
	}
	return ref.Label, nil
}

func (c Catalog) List(ctx context.Context, category domain.Category) ([]domain.Reference, error) {
	return c.Store.ListReferences(ctx, category)
}

// Add registers label under category unless an equivalent row exists. It is the
// administrative path used by seeding and ingestion; lookups never create rows.
func (c Catalog) Add(ctx context.Context, category domain.Category, label string, parentID *int64, cuit string) (domain.Reference, error) {
	key := Key(label)
	if key == "" {
		return domain.Reference{}, domain.ValidationError{Field: string(category), Reason: "label must not be empty"}
	}
	ref, created, err := c.Store.GetOrCreateReference(ctx, domain.Reference{
		Category: category,
		Label:    Clean(label),
		Key:      key,
		ParentID: parentID,
		CUIT:     cuit,
	})
	if err != nil {
		return domain.Reference{}, fmt.Errorf("add %s %q: %w", category, label, err)
	}
	if created {
		c.logger().Debug("reference created", "category", category, "label", ref.Label, "id", ref.ID)
	}
	return ref, nil
}

// EnsureStage returns the etapa row for label, creating it when absent.
func (c Catalog) EnsureStage(ctx context.Context, label string) (domain.Reference, error) {
	return c.Add(ctx, domain.CategoryEtapa, label, nil, "")
}

// Seed ensures every stage label exists.
func (c Catalog) Seed(ctx context.Context, stages []string) ([]domain.Reference, error) {
	res := make([]domain.Reference, 0, len(stages))
	for _, s := range stages {
		ref, err := c.EnsureStage(ctx, s)
		if err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, nil
}
