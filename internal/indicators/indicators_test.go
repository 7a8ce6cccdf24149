package indicators_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obrasurbanas/internal/catalog"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/indicators"
	"obrasurbanas/internal/repo/memrepo"
)

type fixture struct {
	ctx   context.Context
	store *memrepo.Store
	cat   catalog.Catalog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memrepo.New()
	return fixture{ctx: context.Background(), store: store, cat: catalog.New(store, nil)}
}

func (f fixture) ref(t *testing.T, category domain.Category, label string, parent *int64) int64 {
	t.Helper()
	r, err := f.cat.Add(f.ctx, category, label, parent, "")
	require.NoError(t, err)
	return r.ID
}

func (f fixture) obra(t *testing.T, o domain.Obra) {
	t.Helper()
	if o.Name == "" {
		o.Name = "obra"
	}
	require.NoError(t, f.store.CreateObra(f.ctx, &o))
}

func ptr[T any](v T) *T { return &v }

func TestCountByStageIncludesEmptyStages(t *testing.T) {
	f := newFixture(t)
	a := f.ref(t, domain.CategoryEtapa, "A", nil)
	f.ref(t, domain.CategoryEtapa, "B", nil)
	c := f.ref(t, domain.CategoryEtapa, "C", nil)
	f.obra(t, domain.Obra{StageID: ptr(a)})
	f.obra(t, domain.Obra{StageID: ptr(a)})
	f.obra(t, domain.Obra{StageID: ptr(c)})
	f.obra(t, domain.Obra{})

	got, err := indicators.Aggregator{Source: f.store}.CountByStage(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []indicators.StageCount{{Stage: "A", Count: 2}, {Stage: "B", Count: 0}, {Stage: "C", Count: 1}}, got)
}

func TestFinishedWithinTerm(t *testing.T) {
	f := newFixture(t)
	fin := f.ref(t, domain.CategoryEtapa, domain.StageFinalizada, nil)
	enObra := f.ref(t, domain.CategoryEtapa, domain.StageEnObra, nil)
	f.obra(t, domain.Obra{StageID: ptr(fin), TermMonths: ptr(20)})
	f.obra(t, domain.Obra{StageID: ptr(fin), TermMonths: ptr(30)})
	f.obra(t, domain.Obra{StageID: ptr(enObra), TermMonths: ptr(10)})
	f.obra(t, domain.Obra{StageID: ptr(fin)})

	n, err := indicators.Aggregator{Source: f.store}.FinishedWithinTerm(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = indicators.Aggregator{Source: f.store, MaxTermMonths: 36}.FinishedWithinTerm(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFinishedWithinTermWithoutStageRow(t *testing.T) {
	f := newFixture(t)
	f.obra(t, domain.Obra{TermMonths: ptr(3)})
	n, err := indicators.Aggregator{Source: f.store}.FinishedWithinTerm(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTotalsByInterventionType(t *testing.T) {
	f := newFixture(t)
	plaza := f.ref(t, domain.CategoryTipoIntervencion, "Espacio Público", nil)
	f.ref(t, domain.CategoryTipoIntervencion, "Hidráulica", nil)
	escuela := f.ref(t, domain.CategoryTipoIntervencion, "Escuelas", nil)
	f.obra(t, domain.Obra{InterventionTypeID: ptr(plaza), ContractAmount: ptr(decimal.RequireFromString("1000.50"))})
	f.obra(t, domain.Obra{InterventionTypeID: ptr(plaza)})
	f.obra(t, domain.Obra{InterventionTypeID: ptr(escuela), ContractAmount: ptr(decimal.RequireFromString("250"))})

	got, err := indicators.Aggregator{Source: f.store}.TotalsByInterventionType(f.ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Espacio Público", got[0].Type)
	assert.Equal(t, 2, got[0].Count)
	assert.True(t, got[0].Total.Equal(decimal.RequireFromString("1000.5")))
	assert.Equal(t, 0, got[1].Count)
	assert.True(t, got[1].Total.IsZero())
	assert.True(t, got[2].Total.Equal(decimal.NewFromInt(250)))
}

func TestNeighborhoodsInCommunes(t *testing.T) {
	f := newFixture(t)
	c1 := f.ref(t, domain.CategoryComuna, "1", nil)
	c2 := f.ref(t, domain.CategoryComuna, "2", nil)
	c14 := f.ref(t, domain.CategoryComuna, "14", nil)
	retiro := f.ref(t, domain.CategoryBarrio, "Retiro", &c1)
	f.ref(t, domain.CategoryBarrio, "San Nicolás", &c1)
	recoleta := f.ref(t, domain.CategoryBarrio, "Recoleta", &c2)
	palermo := f.ref(t, domain.CategoryBarrio, "Palermo", &c14)
	f.obra(t, domain.Obra{NeighborhoodID: ptr(retiro)})
	f.obra(t, domain.Obra{NeighborhoodID: ptr(retiro)})
	f.obra(t, domain.Obra{NeighborhoodID: ptr(recoleta)})
	f.obra(t, domain.Obra{NeighborhoodID: ptr(palermo)})

	got, err := indicators.Aggregator{Source: f.store}.NeighborhoodsInCommunes(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Retiro", "Recoleta"}, got)

	got, err = indicators.Aggregator{Source: f.store, Communes: []string{"14"}}.NeighborhoodsInCommunes(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Palermo"}, got)
}

func TestComputeCollectsEveryIndicator(t *testing.T) {
	f := newFixture(t)
	f.ref(t, domain.CategoryAreaResponsable, "Ministerio de Cultura", nil)
	f.ref(t, domain.CategoryAreaResponsable, "Ministerio de Educación", nil)
	tipo := f.ref(t, domain.CategoryTipoIntervencion, "Arquitectura", nil)
	_, err := f.cat.Seed(f.ctx, domain.Stages)
	require.NoError(t, err)
	fin, err := f.cat.Find(f.ctx, domain.CategoryEtapa, domain.StageFinalizada)
	require.NoError(t, err)
	f.obra(t, domain.Obra{InterventionTypeID: ptr(tipo), StageID: ptr(fin.ID), TermMonths: ptr(12)})

	rep, err := indicators.Aggregator{Source: f.store}.Compute(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ministerio de Cultura", "Ministerio de Educación"}, rep.ResponsibleAreas)
	assert.Equal(t, []string{"Arquitectura"}, rep.InterventionTypes)
	assert.Len(t, rep.ByStage, len(domain.Stages))
	assert.Equal(t, 1, rep.ByStage[4].Count)
	assert.Equal(t, 1, rep.FinishedWithinTerm)
	assert.Equal(t, indicators.DefaultCommunes, rep.Communes)
	assert.Equal(t, 24, rep.MaxTermMonths)
	assert.Empty(t, rep.Neighborhoods)
}
