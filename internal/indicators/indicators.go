// Package indicators computes the read-side aggregates over stored works.
package indicators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"

	"obrasurbanas/internal/catalog"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/repo"
)

var DefaultCommunes = []string{"1", "2", "3"}

const DefaultMaxTermMonths = 24

// Source is the read-only slice of repo.Gateway the aggregator needs.
type Source interface {
	FindReference(ctx context.Context, category domain.Category, key string) (domain.Reference, error)
	ListReferences(ctx context.Context, category domain.Category) ([]domain.Reference, error)
	ListObras(ctx context.Context, f repo.ObraFilter) ([]domain.Obra, error)
}

type Aggregator struct {
	Source        Source
	Communes      []string
	MaxTermMonths int
	Logger        *slog.Logger
}

type StageCount struct {
	Stage string `json:"stage"`
	Count int    `json:"count"`
}

type TypeTotal struct {
	Type  string          `json:"type"`
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// Report holds every indicator. Lists follow reference insertion order.
type Report struct {
	ResponsibleAreas   []string     `json:"responsible_areas"`
	InterventionTypes  []string     `json:"intervention_types"`
	ByStage            []StageCount `json:"by_stage"`
	ByInterventionType []TypeTotal  `json:"by_intervention_type"`
	Communes           []string     `json:"communes"`
	Neighborhoods      []string     `json:"neighborhoods"`
	MaxTermMonths      int          `json:"max_term_months"`
	FinishedWithinTerm int          `json:"finished_within_term"`
}

func (a Aggregator) communes() []string {
	if len(a.Communes) == 0 {
		return DefaultCommunes
	}
	return a.Communes
}

func (a Aggregator) maxTerm() int {
	if a.MaxTermMonths <= 0 {
		return DefaultMaxTermMonths
	}
	return a.MaxTermMonths
}

// Compute runs every query. Each query reads independently.
func (a Aggregator) Compute(ctx context.Context) (Report, error) {
	var (
		rep Report
		err error
	)
	if rep.ResponsibleAreas, err = a.ResponsibleAreas(ctx); err != nil {
		return Report{}, err
	}
	if rep.InterventionTypes, err = a.InterventionTypes(ctx); err != nil {
		return Report{}, err
	}
	if rep.ByStage, err = a.CountByStage(ctx); err != nil {
		return Report{}, err
	}
	if rep.ByInterventionType, err = a.TotalsByInterventionType(ctx); err != nil {
		return Report{}, err
	}
	if rep.Neighborhoods, err = a.NeighborhoodsInCommunes(ctx); err != nil {
		return Report{}, err
	}
	if rep.FinishedWithinTerm, err = a.FinishedWithinTerm(ctx); err != nil {
		return Report{}, err
	}
	rep.Communes = a.communes()
	rep.MaxTermMonths = a.maxTerm()
	if a.Logger != nil {
		a.Logger.Debug("indicators computed", "stages", len(rep.ByStage), "types", len(rep.ByInterventionType))
	}
	return rep, nil
}

func (a Aggregator) distinctLabels(ctx context.Context, category domain.Category) ([]string, error) {
	refs, err := a.Source.ListReferences(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", category, err)
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if seen.Add(r.Label) {
			out = append(out, r.Label)
		}
	}
	return out, nil
}

// ResponsibleAreas lists distinct responsible-area labels.
func (a Aggregator) ResponsibleAreas(ctx context.Context) ([]string, error) {
	return a.distinctLabels(ctx, domain.CategoryAreaResponsable)
}

// InterventionTypes lists distinct intervention-type labels.
func (a Aggregator) InterventionTypes(ctx context.Context) ([]string, error) {
	return a.distinctLabels(ctx, domain.CategoryTipoIntervencion)
}

// CountByStage counts works per stage row, including stages with no works.
func (a Aggregator) CountByStage(ctx context.Context) ([]StageCount, error) {
	stages, err := a.Source.ListReferences(ctx, domain.CategoryEtapa)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	obras, err := a.Source.ListObras(ctx, repo.ObraFilter{})
	if err != nil {
		return nil, fmt.Errorf("list obras: %w", err)
	}
	counts := map[int64]int{}
	for _, o := range obras {
		if o.StageID != nil {
			counts[*o.StageID]++
		}
	}
	out := make([]StageCount, 0, len(stages))
	for _, s := range stages {
		out = append(out, StageCount{Stage: s.Label, Count: counts[s.ID]})
	}
	return out, nil
}

// TotalsByInterventionType counts works and sums contract amounts per intervention type.
// A missing amount counts as zero.
func (a Aggregator) TotalsByInterventionType(ctx context.Context) ([]TypeTotal, error) {
	types, err := a.Source.ListReferences(ctx, domain.CategoryTipoIntervencion)
	if err != nil {
		return nil, fmt.Errorf("list intervention types: %w", err)
	}
	obras, err := a.Source.ListObras(ctx, repo.ObraFilter{})
	if err != nil {
		return nil, fmt.Errorf("list obras: %w", err)
	}
	byType := map[int64]*TypeTotal{}
	out := make([]TypeTotal, len(types))
	for i, t := range types {
		out[i] = TypeTotal{Type: t.Label, Total: decimal.Zero}
		byType[t.ID] = &out[i]
	}
	for _, o := range obras {
		if o.InterventionTypeID == nil {
			continue
		}
		tt, ok := byType[*o.InterventionTypeID]
		if !ok {
			continue
		}
		tt.Count++
		if o.ContractAmount != nil {
			tt.Total = tt.Total.Add(*o.ContractAmount)
		}
	}
	return out, nil
}

// NeighborhoodsInCommunes lists distinct neighborhoods that have at least one work and
// belong to one of the configured communes.
func (a Aggregator) NeighborhoodsInCommunes(ctx context.Context) ([]string, error) {
	communes, err := a.Source.ListReferences(ctx, domain.CategoryComuna)
	if err != nil {
		return nil, fmt.Errorf("list communes: %w", err)
	}
	wanted := mapset.NewThreadUnsafeSet[string]()
	for _, c := range a.communes() {
		wanted.Add(catalog.Key(c))
	}
	communeIDs := mapset.NewThreadUnsafeSet[int64]()
	for _, c := range communes {
		if wanted.Contains(c.Key) {
			communeIDs.Add(c.ID)
		}
	}

	obras, err := a.Source.ListObras(ctx, repo.ObraFilter{})
	if err != nil {
		return nil, fmt.Errorf("list obras: %w", err)
	}
	withWorks := mapset.NewThreadUnsafeSet[int64]()
	for _, o := range obras {
		if o.NeighborhoodID != nil {
			withWorks.Add(*o.NeighborhoodID)
		}
	}

	barrios, err := a.Source.ListReferences(ctx, domain.CategoryBarrio)
	if err != nil {
		return nil, fmt.Errorf("list neighborhoods: %w", err)
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	var out []string
	for _, b := range barrios {
		if b.ParentID == nil || !communeIDs.Contains(*b.ParentID) || !withWorks.Contains(b.ID) {
			continue
		}
		if seen.Add(b.Label) {
			out = append(out, b.Label)
		}
	}
	return out, nil
}

// FinishedWithinTerm counts works in Finalizada whose term is at most the configured
// maximum. Works without a term are not counted; a missing Finalizada row yields 0.
func (a Aggregator) FinishedWithinTerm(ctx context.Context) (int, error) {
	stage, err := a.Source.FindReference(ctx, domain.CategoryEtapa, catalog.Key(domain.StageFinalizada))
	if errors.Is(err, repo.ErrNotFound) {
		if a.Logger != nil {
			a.Logger.Warn("stage not found", "stage", domain.StageFinalizada)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find stage: %w", err)
	}
	obras, err := a.Source.ListObras(ctx, repo.ObraFilter{StageID: &stage.ID})
	if err != nil {
		return 0, fmt.Errorf("list obras: %w", err)
	}
	limit := a.maxTerm()
	n := 0
	for _, o := range obras {
		if o.TermMonths != nil && *o.TermMonths <= limit {
			n++
		}
	}
	return n, nil
}
