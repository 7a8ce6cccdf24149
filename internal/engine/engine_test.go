package engine_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obrasurbanas/internal/casefile"
	"obrasurbanas/internal/db"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/engine"
	"obrasurbanas/internal/metrics"
	"obrasurbanas/internal/migrate"
	"obrasurbanas/internal/repo"
	"obrasurbanas/internal/repo/memrepo"
)

type testEnv struct {
	Engine  engine.Engine
	Gateway repo.Gateway
	Ctx     context.Context
}

var fixedNow = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }

func newTestEnv(t *testing.T, backend string, stages []string) testEnv {
	t.Helper()
	ctx := context.Background()
	var gw repo.Gateway
	switch backend {
	case "flaky":
		gw = &flakyStore{Store: memrepo.New()}
	case "sqlite":
		conn, err := db.Open(db.Config{Workspace: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		_, err = migrate.Migrate(ctx, conn)
		require.NoError(t, err)
		gw = repo.Repo{DB: conn, Now: fixedNow}
	default:
		gw = memrepo.New()
	}
	eng := engine.New(gw, nil)
	eng.Now = fixedNow
	eng.ActorID = "tester"
	eng.IDs = casefile.Generator{Rand: rand.New(rand.NewPCG(1, 2))}
	eng.Metrics = metrics.New()

	seed := []struct {
		category domain.Category
		label    string
	}{
		{domain.CategoryTipoIntervencion, "Espacio Público"},
		{domain.CategoryAreaResponsable, "Ministerio de Cultura"},
		{domain.CategoryBarrio, "Palermo"},
		{domain.CategoryContratacion, "Licitación Pública"},
		{domain.CategoryEmpresa, "Constructora Y"},
		{domain.CategoryFinanciamiento, "Nación"},
		{domain.CategoryEntorno, "Parque"},
	}
	for _, s := range seed {
		_, err := eng.Catalog.Add(ctx, s.category, s.label, nil, "")
		require.NoError(t, err)
	}
	_, err := eng.Catalog.Seed(ctx, stages)
	require.NoError(t, err)
	return testEnv{Engine: eng, Gateway: gw, Ctx: ctx}
}

// flakyStore fails reference reads on demand.
type flakyStore struct {
	*memrepo.Store
	getErr      error
	findErr     error
	findFailsOn domain.Category
}

func (f *flakyStore) GetReference(ctx context.Context, id int64) (domain.Reference, error) {
	if f.getErr != nil {
		return domain.Reference{}, f.getErr
	}
	return f.Store.GetReference(ctx, id)
}

func (f *flakyStore) FindReference(ctx context.Context, category domain.Category, key string) (domain.Reference, error) {
	if f.findErr != nil && category == f.findFailsOn {
		return domain.Reference{}, f.findErr
	}
	return f.Store.FindReference(ctx, category, key)
}

func (env testEnv) create(t *testing.T, name string) domain.Obra {
	t.Helper()
	o, rep, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Name: name, Description: "test"})
	require.NoError(t, err)
	require.True(t, rep.OK(), "create warnings: %v", rep.Err())
	return o
}

func (env testEnv) reload(t *testing.T, id int64) domain.Obra {
	t.Helper()
	o, err := env.Gateway.GetObra(env.Ctx, id)
	require.NoError(t, err)
	return o
}

func (env testEnv) stageLabel(t *testing.T, o domain.Obra) string {
	t.Helper()
	require.NotNil(t, o.StageID)
	return env.Engine.Catalog.Label(env.Ctx, o.StageID)
}

func date(s string) *time.Time {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return &d
}

var caseFilePattern = regexp.MustCompile(`^EX-[0-7]{8}-MC$`)

func TestPlazaXLifecycle(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			env := newTestEnv(t, backend, domain.Stages)
			ctx := env.Ctx
			e := env.Engine
			o := env.create(t, "Plaza X")
			assert.False(t, o.Started())

			rep, err := e.StartProject(ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
			require.NoError(t, err)
			assert.True(t, rep.OK(), rep.Err())
			assert.Equal(t, domain.StageProyecto, env.stageLabel(t, env.reload(t, o.ID)))

			rep, err = e.StartProcurement(ctx, &o, "Licitación Pública", "LP-0001")
			require.NoError(t, err)
			assert.True(t, rep.OK(), rep.Err())
			stored := env.reload(t, o.ID)
			require.NotNil(t, stored.ProcurementNumber)
			assert.Equal(t, "LP-0001", *stored.ProcurementNumber)
			assert.Equal(t, domain.StageLicitacion, env.stageLabel(t, stored))

			rep, err = e.Award(ctx, &o, "Constructora Y")
			require.NoError(t, err)
			assert.True(t, rep.OK(), rep.Err())
			stored = env.reload(t, o.ID)
			require.NotNil(t, stored.CaseFileNumber)
			assert.Regexp(t, caseFilePattern, *stored.CaseFileNumber)
			assert.Equal(t, domain.StageAdjudicada, env.stageLabel(t, stored))

			rep, err = e.BeginWork(ctx, &o, engine.BeginWorkOptions{
				Featured:      true,
				StartDate:     date("2025-01-01"),
				EndDate:       date("2025-06-01"),
				FundingSource: "Nación",
				LaborForce:    10,
			})
			require.NoError(t, err)
			assert.True(t, rep.OK(), rep.Err())
			stored = env.reload(t, o.ID)
			require.NotNil(t, stored.StartDate)
			require.NotNil(t, stored.EndDateInitial)
			assert.Equal(t, "2025-01-01", stored.StartDate.Format(time.DateOnly))
			assert.Equal(t, "2025-06-01", stored.EndDateInitial.Format(time.DateOnly))
			assert.True(t, stored.Featured)
			assert.Equal(t, 10, stored.LaborForce)
			assert.NotNil(t, stored.FundingSourceID)
			assert.Equal(t, domain.StageEnObra, env.stageLabel(t, stored))

			_, err = e.UpdateProgress(ctx, &o, 50)
			require.NoError(t, err)
			rep, err = e.UpdateProgress(ctx, &o, 30)
			require.NoError(t, err)
			assert.True(t, rep.Rejected)
			assert.Equal(t, 50, env.reload(t, o.ID).Progress)

			rep, err = e.Complete(ctx, &o)
			require.NoError(t, err)
			assert.True(t, rep.OK())
			stored = env.reload(t, o.ID)
			assert.Equal(t, 100, stored.Progress)
			assert.Equal(t, domain.StageFinalizada, env.stageLabel(t, stored))

			evts, err := env.Gateway.ListEvents(ctx, repo.EventFilter{ObraID: o.ID})
			require.NoError(t, err)
			require.Len(t, evts, 8)
			assert.Equal(t, "obra.complete", evts[0].Type)
			assert.Equal(t, "obra.create", evts[len(evts)-1].Type)
			assert.Equal(t, "tester", evts[0].ActorID)
		})
	}
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Escuela")
	steps := []struct {
		pct      int
		want     int
		rejected bool
	}{
		{10, 10, false},
		{5, 10, true},
		{40, 40, false},
		{40, 40, false},
		{39, 40, true},
		{101, 40, true},
		{100, 100, false},
	}
	for _, s := range steps {
		rep, err := env.Engine.UpdateProgress(env.Ctx, &o, s.pct)
		require.NoError(t, err)
		assert.Equal(t, s.rejected, rep.Rejected, "pct %d", s.pct)
		assert.Equal(t, s.want, env.reload(t, o.ID).Progress, "pct %d", s.pct)
		if s.rejected {
			assert.True(t, errors.Is(rep.Err(), domain.ErrValidation))
		}
	}
}

func TestExtendTermIsMonotonic(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Hospital")

	_, err := env.Engine.ExtendTerm(env.Ctx, &o, 12)
	require.NoError(t, err)
	rep, err := env.Engine.ExtendTerm(env.Ctx, &o, 6)
	require.NoError(t, err)
	assert.True(t, rep.Rejected)
	_, err = env.Engine.ExtendTerm(env.Ctx, &o, 18)
	require.NoError(t, err)

	stored := env.reload(t, o.ID)
	require.NotNil(t, stored.TermMonths)
	assert.Equal(t, 18, *stored.TermMonths)
}

func TestBeginWorkWithInvertedDates(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Puente")

	rep, err := env.Engine.BeginWork(env.Ctx, &o, engine.BeginWorkOptions{
		Featured:      true,
		StartDate:     date("2025-06-01"),
		EndDate:       date("2025-01-01"),
		FundingSource: "Nación",
		LaborForce:    7,
	})
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.True(t, errors.Is(rep.Err(), domain.ErrValidation))

	stored := env.reload(t, o.ID)
	assert.Nil(t, stored.StartDate)
	assert.Nil(t, stored.EndDateInitial)
	assert.True(t, stored.Featured)
	assert.Equal(t, 7, stored.LaborForce)
	assert.NotNil(t, stored.FundingSourceID)

	// previously set dates survive a later inverted pair
	_, err = env.Engine.BeginWork(env.Ctx, &o, engine.BeginWorkOptions{
		StartDate: date("2025-01-01"), EndDate: date("2025-03-01"), FundingSource: "Nación", LaborForce: 7,
	})
	require.NoError(t, err)
	_, err = env.Engine.BeginWork(env.Ctx, &o, engine.BeginWorkOptions{
		StartDate: date("2025-05-01"), EndDate: date("2025-04-01"), FundingSource: "Nación", LaborForce: 8,
	})
	require.NoError(t, err)
	stored = env.reload(t, o.ID)
	assert.Equal(t, "2025-01-01", stored.StartDate.Format(time.DateOnly))
	assert.Equal(t, "2025-03-01", stored.EndDateInitial.Format(time.DateOnly))
	assert.Equal(t, 8, stored.LaborForce)
}

func TestBeginWorkUnresolvedFunding(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Calle")

	rep, err := env.Engine.BeginWork(env.Ctx, &o, engine.BeginWorkOptions{
		StartDate: date("2025-01-01"), EndDate: date("2025-02-01"), FundingSource: "Banco Mundial", LaborForce: 3,
	})
	require.NoError(t, err)
	assert.True(t, errors.Is(rep.Err(), domain.ErrReferenceNotFound))
	stored := env.reload(t, o.ID)
	assert.Nil(t, stored.FundingSourceID)
	assert.NotNil(t, stored.StartDate)
}

func TestAwardUnresolvedCompany(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Plaza Z")
	_, err := env.Engine.Award(env.Ctx, &o, "Constructora Y")
	require.NoError(t, err)
	before := env.reload(t, o.ID)

	rep, err := env.Engine.Award(env.Ctx, &o, "Desconocida SA")
	require.NoError(t, err)
	assert.True(t, rep.Rejected)
	after := env.reload(t, o.ID)
	assert.Equal(t, *before.CompanyID, *after.CompanyID)
	assert.Equal(t, *before.CaseFileNumber, *after.CaseFileNumber)
}

func TestAwardTwiceRegeneratesCaseFile(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Plaza W")
	_, err := env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.NoError(t, err)

	_, err = env.Engine.Award(env.Ctx, &o, "Constructora Y")
	require.NoError(t, err)
	first := *o.CaseFileNumber
	_, err = env.Engine.Award(env.Ctx, &o, "Constructora Y")
	require.NoError(t, err)
	second := *env.reload(t, o.ID).CaseFileNumber

	assert.Regexp(t, caseFilePattern, first)
	assert.Regexp(t, caseFilePattern, second)
	assert.NotEqual(t, first, second)
}

func TestAwardWithoutAreaHasEmptyInitials(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Sin area")
	_, err := env.Engine.Award(env.Ctx, &o, "Constructora Y")
	require.NoError(t, err)
	require.NotNil(t, o.CaseFileNumber)
	assert.Regexp(t, `^EX-[0-7]{8}-$`, *o.CaseFileNumber)
}

func TestAwardAreaReadFailureLeavesWorkUntouched(t *testing.T) {
	env := newTestEnv(t, "flaky", domain.Stages)
	o := env.create(t, "Plaza X")
	_, err := env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.NoError(t, err)

	store := env.Gateway.(*flakyStore)
	store.getErr = errors.New("database is locked")
	_, err = env.Engine.Award(env.Ctx, &o, "Constructora Y")
	require.Error(t, err)
	assert.ErrorContains(t, err, "database is locked")
	assert.Nil(t, o.CaseFileNumber)
	assert.Nil(t, o.CompanyID)

	store.getErr = nil
	stored := env.reload(t, o.ID)
	assert.Nil(t, stored.CaseFileNumber)
	assert.Equal(t, domain.StageProyecto, env.stageLabel(t, stored))
	awards, err := env.Gateway.ListEvents(env.Ctx, repo.EventFilter{Type: "obra.award"})
	require.NoError(t, err)
	assert.Empty(t, awards)
	assert.Equal(t, 1.0, env.Engine.Metrics.Count("award", metrics.OutcomeError))
}

func TestAwardWithDanglingAreaWarns(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Plaza X")
	missing := int64(999)
	o.ResponsibleAreaID = &missing

	rep, err := env.Engine.Award(env.Ctx, &o, "Constructora Y")
	require.NoError(t, err)
	require.Len(t, rep.Warnings, 1)
	var ve domain.ValidationError
	require.ErrorAs(t, rep.Warnings[0], &ve)
	assert.Equal(t, "responsible_area", ve.Field)
	require.NotNil(t, o.CaseFileNumber)
	assert.Regexp(t, `^EX-[0-7]{8}-$`, *o.CaseFileNumber)
}

func TestStartProjectLookupFailureLeavesWorkUntouched(t *testing.T) {
	env := newTestEnv(t, "flaky", domain.Stages)
	o := env.create(t, "Plaza X")

	store := env.Gateway.(*flakyStore)
	store.findErr = errors.New("database is locked")
	store.findFailsOn = domain.CategoryBarrio
	_, err := env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.Error(t, err)
	assert.ErrorContains(t, err, "database is locked")
	assert.Nil(t, o.StageID)
	assert.Nil(t, o.InterventionTypeID)
	assert.Nil(t, o.ResponsibleAreaID)

	store.findErr = nil
	_, err = env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.NoError(t, err)
	assert.Equal(t, domain.StageProyecto, env.stageLabel(t, env.reload(t, o.ID)))
}

func TestStartProjectUnresolvedFieldsStillPersist(t *testing.T) {
	env := newTestEnv(t, "memory", nil)
	o := env.create(t, "Parque")

	rep, err := env.Engine.StartProject(env.Ctx, &o, "Inexistente", "Ministerio de Cultura", "Atlantida")
	require.NoError(t, err)
	assert.Len(t, rep.Warnings, 2)
	assert.False(t, rep.Rejected)

	stored := env.reload(t, o.ID)
	assert.Nil(t, stored.InterventionTypeID)
	assert.Nil(t, stored.NeighborhoodID)
	assert.NotNil(t, stored.ResponsibleAreaID)
	// Proyecto is created on first use
	assert.Equal(t, domain.StageProyecto, env.stageLabel(t, stored))
}

func TestStartProjectTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Museo")
	_, err := env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.NoError(t, err)
	_, err = env.Engine.Complete(env.Ctx, &o)
	require.NoError(t, err)

	rep, err := env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.NoError(t, err)
	assert.True(t, rep.Rejected)
	assert.Equal(t, domain.StageFinalizada, env.stageLabel(t, env.reload(t, o.ID)))
}

func TestStartProcurementUnresolvedLeavesRecord(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Biblioteca")

	rep, err := env.Engine.StartProcurement(env.Ctx, &o, "Compra Directa", "CD-1")
	require.NoError(t, err)
	assert.True(t, rep.Rejected)
	stored := env.reload(t, o.ID)
	assert.Nil(t, stored.ProcurementTypeID)
	assert.Nil(t, stored.ProcurementNumber)
	assert.Nil(t, stored.StageID)
}

func TestIntermediateStageMissingIsWarning(t *testing.T) {
	env := newTestEnv(t, "memory", []string{domain.StageProyecto, domain.StageFinalizada})
	o := env.create(t, "Centro")
	_, err := env.Engine.StartProject(env.Ctx, &o, "Espacio Público", "Ministerio de Cultura", "Palermo")
	require.NoError(t, err)

	rep, err := env.Engine.StartProcurement(env.Ctx, &o, "Licitación Pública", "LP-9")
	require.NoError(t, err)
	assert.False(t, rep.Rejected)
	assert.True(t, errors.Is(rep.Err(), domain.ErrReferenceNotFound))
	stored := env.reload(t, o.ID)
	assert.Equal(t, domain.StageProyecto, env.stageLabel(t, stored))
	assert.NotNil(t, stored.ProcurementTypeID)
}

func TestAddLaborReplacesValue(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Taller")

	_, err := env.Engine.AddLabor(env.Ctx, &o, 5)
	require.NoError(t, err)
	_, err = env.Engine.AddLabor(env.Ctx, &o, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, env.reload(t, o.ID).LaborForce)

	for _, delta := range []int{0, -2} {
		rep, err := env.Engine.AddLabor(env.Ctx, &o, delta)
		require.NoError(t, err)
		assert.True(t, rep.Rejected)
		assert.Equal(t, 3, env.reload(t, o.ID).LaborForce)
	}
}

func TestCompleteForcesFullProgress(t *testing.T) {
	for _, before := range []int{0, 37, 100} {
		env := newTestEnv(t, "memory", domain.Stages)
		o := env.create(t, "Obra")
		_, err := env.Engine.UpdateProgress(env.Ctx, &o, before)
		require.NoError(t, err)

		_, err = env.Engine.Complete(env.Ctx, &o)
		require.NoError(t, err)
		stored := env.reload(t, o.ID)
		assert.Equal(t, 100, stored.Progress)
		assert.Equal(t, domain.StageFinalizada, env.stageLabel(t, stored))
	}
}

func TestCompleteAndTerminateRequireStageRow(t *testing.T) {
	env := newTestEnv(t, "memory", []string{domain.StageProyecto})
	o := env.create(t, "Vivienda")
	_, err := env.Engine.UpdateProgress(env.Ctx, &o, 20)
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, &o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReferenceNotFound))
	assert.Equal(t, 20, o.Progress)
	assert.Nil(t, o.StageID)

	_, err = env.Engine.Terminate(env.Ctx, &o)
	assert.True(t, errors.Is(err, domain.ErrReferenceNotFound))

	evts, err := env.Gateway.ListEvents(env.Ctx, repo.EventFilter{ObraID: o.ID})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
	assert.Equal(t, 1.0, env.Engine.Metrics.Count("complete", metrics.OutcomeError))
}

func TestTerminate(t *testing.T) {
	env := newTestEnv(t, "sqlite", domain.Stages)
	o := env.create(t, "Autopista")
	_, err := env.Engine.UpdateProgress(env.Ctx, &o, 60)
	require.NoError(t, err)

	_, err = env.Engine.Terminate(env.Ctx, &o)
	require.NoError(t, err)
	stored := env.reload(t, o.ID)
	assert.Equal(t, domain.StageRescision, env.stageLabel(t, stored))
	assert.Equal(t, 60, stored.Progress)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	_, _, err := env.Engine.Create(env.Ctx, engine.CreateOptions{Name: ""})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	for _, blank := range []string{"   ", "\t\n"} {
		_, _, err = env.Engine.Create(env.Ctx, engine.CreateOptions{Name: blank})
		var ve domain.ValidationError
		require.ErrorAs(t, err, &ve, "name %q", blank)
		assert.Equal(t, "name", ve.Field)
	}

	term := -1
	_, _, err = env.Engine.Create(env.Ctx, engine.CreateOptions{Name: "X", TermMonths: &term})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	obras, err := env.Gateway.ListObras(env.Ctx, repo.ObraFilter{})
	require.NoError(t, err)
	assert.Empty(t, obras)
}

func TestCreateResolvesAxesSoftly(t *testing.T) {
	env := newTestEnv(t, "sqlite", domain.Stages)
	lat, lng := -34.58, -58.42
	o, rep, err := env.Engine.Create(env.Ctx, engine.CreateOptions{
		Name:             "Polideportivo",
		Environment:      "parque",
		InterventionType: "espacio público",
		Neighborhood:     "Nuñez",
		Location:         &domain.Location{Address: "Av. Siempre Viva 1", Lat: &lat, Lng: &lng},
	})
	require.NoError(t, err)
	assert.Len(t, rep.Warnings, 1)
	stored := env.reload(t, o.ID)
	assert.NotNil(t, stored.EnvironmentID)
	assert.NotNil(t, stored.InterventionTypeID)
	assert.Nil(t, stored.NeighborhoodID)
	assert.NotNil(t, stored.LocationID)
	assert.Nil(t, stored.StageID)
}

func TestPersistenceFailurePropagates(t *testing.T) {
	store := memrepo.New()
	eng := engine.New(store, nil)
	eng.Metrics = metrics.New()
	ctx := context.Background()
	o, _, err := eng.Create(ctx, engine.CreateOptions{Name: "Plaza"})
	require.NoError(t, err)

	store.FailSave = errors.New("disk full")
	_, err = eng.UpdateProgress(ctx, &o, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPersistence))
	var pe domain.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "update_progress", pe.Op)
	assert.Equal(t, 1.0, eng.Metrics.Count("update_progress", metrics.OutcomeError))
}

func TestFailedEventWriteLeavesStoredWorkUnchanged(t *testing.T) {
	store := memrepo.New()
	eng := engine.New(store, nil)
	eng.Metrics = metrics.New()
	ctx := context.Background()
	o, _, err := eng.Create(ctx, engine.CreateOptions{Name: "Plaza X"})
	require.NoError(t, err)

	store.FailEvent = errors.New("no such table: events")
	_, err = eng.UpdateProgress(ctx, &o, 60)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)

	stored, err := store.GetObra(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Progress)
	evts, err := store.ListEvents(ctx, repo.EventFilter{ObraID: o.ID})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
	assert.Equal(t, 1.0, eng.Metrics.Count("update_progress", metrics.OutcomeError))
}

func TestCreateFailsWholeWhenEventFails(t *testing.T) {
	store := memrepo.New()
	store.FailEvent = errors.New("no such table: events")
	eng := engine.New(store, nil)
	ctx := context.Background()

	_, _, err := eng.Create(ctx, engine.CreateOptions{Name: "Plaza X"})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	obras, err := store.ListObras(ctx, repo.ObraFilter{})
	require.NoError(t, err)
	assert.Empty(t, obras)
}

func TestMetricsOutcomes(t *testing.T) {
	env := newTestEnv(t, "memory", domain.Stages)
	o := env.create(t, "Sede")
	_, _ = env.Engine.UpdateProgress(env.Ctx, &o, 10)
	_, _ = env.Engine.UpdateProgress(env.Ctx, &o, 5)
	_, _ = env.Engine.StartProject(env.Ctx, &o, "Nada", "Ministerio de Cultura", "Palermo")

	m := env.Engine.Metrics
	assert.Equal(t, 1.0, m.Count("update_progress", metrics.OutcomeOK))
	assert.Equal(t, 1.0, m.Count("update_progress", metrics.OutcomeRejected))
	assert.Equal(t, 1.0, m.Count("start_project", metrics.OutcomePartial))
	assert.Equal(t, 1.0, m.Count("create", metrics.OutcomeOK))
}
