package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"obrasurbanas/internal/casefile"
	"obrasurbanas/internal/catalog"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/events"
	"obrasurbanas/internal/metrics"
	"obrasurbanas/internal/repo"
)

// Engine drives the lifecycle of works over an injected gateway. It holds no per-work state.
type Engine struct {
	Gateway repo.Gateway
	Catalog catalog.Catalog
	IDs     casefile.Generator
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
	ActorID string
}

func New(gw repo.Gateway, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Gateway: gw,
		Catalog: catalog.New(gw, logger),
		IDs:     casefile.Generator{Logger: logger},
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// CreateOptions are parameters for registering a new work. Categorical fields are labels
// resolved against the catalog; a miss leaves the field unset.
type CreateOptions struct {
	Name             string
	Description      string
	Environment      string
	InterventionType string
	ResponsibleArea  string
	Neighborhood     string
	ProcurementType  string
	FundingSource    string
	ContractAmount   *decimal.Decimal
	TermMonths       *int
	StartDate        *time.Time
	EndDate          *time.Time
	Progress         int
	LaborForce       int
	Featured         bool
	Location         *domain.Location
}

func (o CreateOptions) validate() error {
	if strings.TrimSpace(o.Name) == "" {
		return domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if o.ContractAmount != nil && o.ContractAmount.IsNegative() {
		return domain.ValidationError{Field: "contract_amount", Reason: "must not be negative"}
	}
	if o.TermMonths != nil && *o.TermMonths < 0 {
		return domain.ValidationError{Field: "term_months", Reason: "must not be negative"}
	}
	if o.Progress < 0 || o.Progress > 100 {
		return domain.ValidationError{Field: "progress", Reason: fmt.Sprintf("%d outside 0..100", o.Progress)}
	}
	return CanSetLabor(o.LaborForce).Err()
}

// Create registers a work in the proposal state. It has no stage until StartProject.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (domain.Obra, Report, error) {
	started := e.now()
	rep := Report{Op: "create"}
	if err := opts.validate(); err != nil {
		e.observe(rep.Op, metrics.OutcomeError, started)
		return domain.Obra{}, rep, err
	}
	o := domain.Obra{
		Name:           opts.Name,
		Description:    opts.Description,
		ContractAmount: opts.ContractAmount,
		TermMonths:     opts.TermMonths,
		Progress:       opts.Progress,
		LaborForce:     opts.LaborForce,
		Featured:       opts.Featured,
	}
	if g := CanSetDates(opts.StartDate, opts.EndDate); g.Allowed {
		o.StartDate, o.EndDateInitial = opts.StartDate, opts.EndDate
	} else {
		e.warn(ctx, &rep, 0, g.Err())
	}

	lookups := []struct {
		category domain.Category
		label    string
		dst      **int64
	}{
		{domain.CategoryEntorno, opts.Environment, &o.EnvironmentID},
		{domain.CategoryTipoIntervencion, opts.InterventionType, &o.InterventionTypeID},
		{domain.CategoryAreaResponsable, opts.ResponsibleArea, &o.ResponsibleAreaID},
		{domain.CategoryBarrio, opts.Neighborhood, &o.NeighborhoodID},
		{domain.CategoryContratacion, opts.ProcurementType, &o.ProcurementTypeID},
		{domain.CategoryFinanciamiento, opts.FundingSource, &o.FundingSourceID},
	}
	for _, l := range lookups {
		if l.label == "" {
			continue
		}
		id, err := e.resolve(ctx, &rep, 0, l.category, l.label)
		if err != nil {
			e.observe(rep.Op, metrics.OutcomeError, started)
			return domain.Obra{}, rep, err
		}
		*l.dst = id
	}
	if opts.Location != nil {
		loc, _, err := e.Gateway.GetOrCreateLocation(ctx, *opts.Location)
		if err != nil {
			e.observe(rep.Op, metrics.OutcomeError, started)
			return domain.Obra{}, rep, domain.PersistenceError{Op: "create location", Err: err}
		}
		o.LocationID = &loc.ID
	}

	evt, err := e.event(0, rep, events.Payload{"name": o.Name})
	if err != nil {
		e.observe(rep.Op, metrics.OutcomeError, started)
		return domain.Obra{}, rep, err
	}
	if err := e.Gateway.CreateObraWithEvent(ctx, &o, evt); err != nil {
		e.observe(rep.Op, metrics.OutcomeError, started)
		return domain.Obra{}, rep, domain.PersistenceError{Op: rep.Op, Err: err}
	}
	e.observe(rep.Op, rep.outcome(), started)
	e.logger().Info("obra created", "obra_id", o.ID, "name", o.Name, "warnings", len(rep.Warnings))
	return o, rep, nil
}

// StartProject moves an unstarted work into Proyecto, creating that stage row on first use.
func (e Engine) StartProject(ctx context.Context, o *domain.Obra, interventionType, area, neighborhood string) (Report, error) {
	started := e.now()
	rep := Report{Op: "start_project"}
	if g := CanStartProject(*o); !g.Allowed {
		rep.reject(g.Err())
		e.logger().Warn("start project rejected", "obra_id", o.ID, "reason", g.Reason)
		return rep, e.persist(ctx, o, rep, started, events.Payload{})
	}
	stage, err := e.Catalog.EnsureStage(ctx, domain.StageProyecto)
	if err != nil {
		return e.fail(rep, started, err)
	}

	lookups := []struct {
		category domain.Category
		label    string
		dst      **int64
		id       *int64
	}{
		{category: domain.CategoryTipoIntervencion, label: interventionType, dst: &o.InterventionTypeID},
		{category: domain.CategoryAreaResponsable, label: area, dst: &o.ResponsibleAreaID},
		{category: domain.CategoryBarrio, label: neighborhood, dst: &o.NeighborhoodID},
	}
	for i := range lookups {
		id, err := e.resolve(ctx, &rep, o.ID, lookups[i].category, lookups[i].label)
		if err != nil {
			return e.fail(rep, started, err)
		}
		lookups[i].id = id
	}
	// o is only touched once every lookup has succeeded.
	o.StageID = &stage.ID
	for _, l := range lookups {
		if l.id != nil {
			*l.dst = l.id
		}
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{
		"stage":             domain.StageProyecto,
		"intervention_type": interventionType,
		"area":              area,
		"neighborhood":      neighborhood,
	})
}

// StartProcurement records the procurement type and number. Nothing changes when the type
// does not resolve.
func (e Engine) StartProcurement(ctx context.Context, o *domain.Obra, procurementType, number string) (Report, error) {
	started := e.now()
	rep := Report{Op: "start_procurement"}
	id, err := e.resolve(ctx, &rep, o.ID, domain.CategoryContratacion, procurementType)
	if err != nil {
		return e.fail(rep, started, err)
	}
	if id == nil {
		rep.Rejected = true
		return rep, e.persist(ctx, o, rep, started, events.Payload{"procurement_type": procurementType})
	}
	o.ProcurementTypeID = id
	o.ProcurementNumber = &number
	if err := e.advanceStage(ctx, &rep, o, domain.StageLicitacion); err != nil {
		return e.fail(rep, started, err)
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{
		"procurement_type":   procurementType,
		"procurement_number": number,
	})
}

// Award sets the contractor and draws a new case-file number. Awarding again replaces the
// previous number.
func (e Engine) Award(ctx context.Context, o *domain.Obra, company string) (Report, error) {
	started := e.now()
	rep := Report{Op: "award"}
	id, err := e.resolve(ctx, &rep, o.ID, domain.CategoryEmpresa, company)
	if err != nil {
		return e.fail(rep, started, err)
	}
	if id == nil {
		rep.Rejected = true
		return rep, e.persist(ctx, o, rep, started, events.Payload{"company": company})
	}
	area, err := e.Catalog.LabelOf(ctx, o.ResponsibleAreaID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		e.warn(ctx, &rep, o.ID, domain.ValidationError{
			Field:  "responsible_area",
			Reason: fmt.Sprintf("reference %d not found, case file drawn without initials", *o.ResponsibleAreaID),
		})
	case err != nil:
		return e.fail(rep, started, fmt.Errorf("award obra %d: read responsible area: %w", o.ID, err))
	}
	o.CompanyID = id
	code := e.IDs.Generate(area)
	o.CaseFileNumber = &code
	if err := e.advanceStage(ctx, &rep, o, domain.StageAdjudicada); err != nil {
		return e.fail(rep, started, err)
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{
		"company":          company,
		"case_file_number": code,
	})
}

// BeginWorkOptions are the parameters of BeginWork.
type BeginWorkOptions struct {
	Featured      bool
	StartDate     *time.Time
	EndDate       *time.Time
	FundingSource string
	LaborForce    int
}

// BeginWork applies featured and labor unconditionally. Dates are withheld when the end
// precedes the start and funding is withheld when it does not resolve.
func (e Engine) BeginWork(ctx context.Context, o *domain.Obra, opts BeginWorkOptions) (Report, error) {
	started := e.now()
	rep := Report{Op: "begin_work"}

	o.Featured = opts.Featured
	if g := CanSetLabor(opts.LaborForce); g.Allowed {
		o.LaborForce = opts.LaborForce
	} else {
		e.warn(ctx, &rep, o.ID, g.Err())
	}

	start, end := opts.StartDate, opts.EndDate
	if start == nil {
		start = o.StartDate
	}
	if end == nil {
		end = o.EndDateInitial
	}
	if g := CanSetDates(start, end); g.Allowed {
		o.StartDate, o.EndDateInitial = start, end
	} else {
		e.warn(ctx, &rep, o.ID, g.Err())
	}

	id, err := e.resolve(ctx, &rep, o.ID, domain.CategoryFinanciamiento, opts.FundingSource)
	if err != nil {
		return e.fail(rep, started, err)
	}
	if id != nil {
		o.FundingSourceID = id
	}
	if err := e.advanceStage(ctx, &rep, o, domain.StageEnObra); err != nil {
		return e.fail(rep, started, err)
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{
		"featured":       opts.Featured,
		"start_date":     dateString(opts.StartDate),
		"end_date":       dateString(opts.EndDate),
		"funding_source": opts.FundingSource,
		"labor_force":    opts.LaborForce,
	})
}

// UpdateProgress raises progress to pct. Lower values and values above 100 are rejected.
func (e Engine) UpdateProgress(ctx context.Context, o *domain.Obra, pct int) (Report, error) {
	started := e.now()
	rep := Report{Op: "update_progress"}
	if g := CanUpdateProgress(o.Progress, pct); g.Allowed {
		o.Progress = pct
	} else {
		rep.reject(g.Err())
		e.logger().Warn("progress update rejected", "obra_id", o.ID, "reason", g.Reason)
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{"progress": pct})
}

// ExtendTerm sets the term in months. A shorter term is rejected.
func (e Engine) ExtendTerm(ctx context.Context, o *domain.Obra, months int) (Report, error) {
	started := e.now()
	rep := Report{Op: "extend_term"}
	if g := CanExtendTerm(o.TermMonths, months); g.Allowed {
		o.TermMonths = &months
	} else {
		rep.reject(g.Err())
		e.logger().Warn("term extension rejected", "obra_id", o.ID, "reason", g.Reason)
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{"term_months": months})
}

// AddLabor sets the labor force to delta. The value replaces the current count.
func (e Engine) AddLabor(ctx context.Context, o *domain.Obra, delta int) (Report, error) {
	started := e.now()
	rep := Report{Op: "add_labor"}
	if g := CanAddLabor(delta); g.Allowed {
		o.LaborForce = delta
	} else {
		rep.reject(g.Err())
		e.logger().Warn("labor update rejected", "obra_id", o.ID, "reason", g.Reason)
	}
	return rep, e.persist(ctx, o, rep, started, events.Payload{"labor_force": delta})
}

// Complete moves the work to Finalizada at 100% progress. A missing Finalizada row is fatal
// and leaves o untouched.
func (e Engine) Complete(ctx context.Context, o *domain.Obra) (Report, error) {
	started := e.now()
	rep := Report{Op: "complete"}
	stage, err := e.Catalog.Find(ctx, domain.CategoryEtapa, domain.StageFinalizada)
	if err != nil {
		return e.fail(rep, started, fmt.Errorf("complete obra %d: %w", o.ID, err))
	}
	o.StageID = &stage.ID
	o.Progress = 100
	return rep, e.persist(ctx, o, rep, started, events.Payload{"stage": stage.Label, "progress": 100})
}

// Terminate moves the work to Rescisión. A missing Rescisión row is fatal and leaves o untouched.
func (e Engine) Terminate(ctx context.Context, o *domain.Obra) (Report, error) {
	started := e.now()
	rep := Report{Op: "terminate"}
	stage, err := e.Catalog.Find(ctx, domain.CategoryEtapa, domain.StageRescision)
	if err != nil {
		return e.fail(rep, started, fmt.Errorf("terminate obra %d: %w", o.ID, err))
	}
	o.StageID = &stage.ID
	return rep, e.persist(ctx, o, rep, started, events.Payload{"stage": stage.Label})
}

// resolve looks label up in category. A miss is recorded on rep and yields nil; any other
// failure is returned.
func (e Engine) resolve(ctx context.Context, rep *Report, obraID int64, category domain.Category, label string) (*int64, error) {
	ref, err := e.Catalog.Find(ctx, category, label)
	if errors.Is(err, domain.ErrReferenceNotFound) {
		e.warn(ctx, rep, obraID, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref.ID, nil
}

// advanceStage sets the stage when its row exists. A missing intermediate stage is a warning.
func (e Engine) advanceStage(ctx context.Context, rep *Report, o *domain.Obra, label string) error {
	id, err := e.resolve(ctx, rep, o.ID, domain.CategoryEtapa, label)
	if err != nil {
		return err
	}
	if id != nil {
		o.StageID = id
	}
	return nil
}

func (e Engine) warn(ctx context.Context, rep *Report, obraID int64, err error) {
	rep.warn(err)
	e.logger().WarnContext(ctx, "field withheld", "op", rep.Op, "obra_id", obraID, "err", err)
}

// persist stores o and its event in one write. The caller's o is left as it was handed in
// when the write fails.
func (e Engine) persist(ctx context.Context, o *domain.Obra, rep Report, started time.Time, payload events.Payload) error {
	evt, err := e.event(o.ID, rep, payload)
	if err != nil {
		e.observe(rep.Op, metrics.OutcomeError, started)
		return err
	}
	if err := e.Gateway.SaveObraWithEvent(ctx, o, evt); err != nil {
		e.observe(rep.Op, metrics.OutcomeError, started)
		return domain.PersistenceError{Op: rep.Op, Err: err}
	}
	e.observe(rep.Op, rep.outcome(), started)
	return nil
}

func (e Engine) event(obraID int64, rep Report, payload events.Payload) (domain.Event, error) {
	if payload == nil {
		payload = events.Payload{}
	}
	payload["outcome"] = rep.outcome()
	if len(rep.Warnings) > 0 {
		payload["warnings"] = rep.warningStrings()
	}
	return events.New(rep.Op, obraID, e.ActorID, payload, e.now())
}

func (e Engine) fail(rep Report, started time.Time, err error) (Report, error) {
	e.observe(rep.Op, metrics.OutcomeError, started)
	e.logger().Error("lifecycle operation failed", "op", rep.Op, "err", err)
	return rep, err
}

func (e Engine) observe(op, outcome string, started time.Time) {
	e.Metrics.Observe(op, outcome, e.now().Sub(started))
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
