package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"obrasurbanas/internal/catalog"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/events"
	"obrasurbanas/internal/metrics"
	"obrasurbanas/internal/repo"
)

// Summary reports one ingestion batch.
type Summary struct {
	BatchID string     `json:"batch_id"`
	Read    int        `json:"read"`
	Dropped int        `json:"dropped"`
	Loaded  int        `json:"loaded"`
	Failed  int        `json:"failed"`
	Errors  []RowError `json:"errors,omitempty"`
}

// Loader registers reference rows and creates one work per cleaned row.
type Loader struct {
	Gateway repo.Gateway
	Catalog catalog.Catalog
	Cleaner Cleaner
	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
	ActorID string
}

func NewLoader(gw repo.Gateway, logger *slog.Logger) Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return Loader{
		Gateway: gw,
		Catalog: catalog.New(gw, logger),
		Logger:  logger,
		Now:     time.Now,
		ActorID: "ingest",
	}
}

func (l Loader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Loader) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

// Run reads, cleans and loads a CSV export.
func (l Loader) Run(ctx context.Context, r io.Reader, opts ReadOptions) (Summary, error) {
	records, err := Read(r, opts)
	if err != nil {
		return Summary{}, err
	}
	rows, dropped := l.Cleaner.Clean(records)
	sum := l.Load(ctx, rows)
	sum.Read = len(records)
	sum.Dropped = len(dropped)
	sum.Errors = append(dropped, sum.Errors...)
	return sum, nil
}

// Load creates every row. A failing row is logged and counted; it never aborts the batch.
func (l Loader) Load(ctx context.Context, rows []Row) Summary {
	sum := Summary{BatchID: uuid.NewString(), Read: len(rows)}
	log := l.logger().With("batch_id", sum.BatchID)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, RowError{Line: row.Line, Err: err.Error()})
			continue
		}
		id, err := l.loadRow(ctx, sum.BatchID, row)
		if err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, RowError{Line: row.Line, Err: err.Error()})
			log.Warn("row failed", "line", row.Line, "err", err)
			continue
		}
		sum.Loaded++
		log.Debug("row loaded", "line", row.Line, "obra_id", id)
	}
	l.Metrics.Ingested("loaded", sum.Loaded)
	l.Metrics.Ingested("failed", sum.Failed)
	log.Info("ingestion finished", "loaded", sum.Loaded, "failed", sum.Failed)
	return sum
}

func (l Loader) ref(ctx context.Context, category domain.Category, label string, parent *int64, cuit string) (*int64, error) {
	if label == "" {
		return nil, nil
	}
	r, err := l.Catalog.Add(ctx, category, label, parent, cuit)
	if err != nil {
		return nil, err
	}
	return &r.ID, nil
}

func (l Loader) loadRow(ctx context.Context, batchID string, row Row) (int64, error) {
	o := domain.Obra{
		Name:           row.Name,
		Description:    row.Description,
		ContractAmount: row.ContractAmount,
		TermMonths:     row.TermMonths,
		Progress:       row.Progress,
		LaborForce:     row.LaborForce,
		Featured:       row.Featured,
	}
	start, end := row.StartDate, row.EndDate
	o.StartDate, o.EndDateInitial = &start, &end
	if row.CaseFileNumber != "" {
		o.CaseFileNumber = &row.CaseFileNumber
	}
	if row.ProcurementNumber != "" {
		o.ProcurementNumber = &row.ProcurementNumber
	}

	var err error
	axes := []struct {
		category domain.Category
		label    string
		dst      **int64
	}{
		{domain.CategoryEntorno, row.Environment, &o.EnvironmentID},
		{domain.CategoryEtapa, row.Stage, &o.StageID},
		{domain.CategoryTipoIntervencion, row.InterventionType, &o.InterventionTypeID},
		{domain.CategoryAreaResponsable, row.ResponsibleArea, &o.ResponsibleAreaID},
		{domain.CategoryContratacion, row.ProcurementType, &o.ProcurementTypeID},
		{domain.CategoryFinanciamiento, row.FundingSource, &o.FundingSourceID},
	}
	for _, a := range axes {
		if *a.dst, err = l.ref(ctx, a.category, a.label, nil, ""); err != nil {
			return 0, err
		}
	}
	if o.CompanyID, err = l.ref(ctx, domain.CategoryEmpresa, row.Company, nil, row.CUIT); err != nil {
		return 0, err
	}
	commune, err := l.ref(ctx, domain.CategoryComuna, row.Commune, nil, "")
	if err != nil {
		return 0, err
	}
	for i, n := range row.Neighborhoods {
		id, err := l.ref(ctx, domain.CategoryBarrio, n, commune, "")
		if err != nil {
			return 0, err
		}
		if i == 0 {
			o.NeighborhoodID = id
		}
	}
	if row.Address != "" || row.Lat != nil || row.Lng != nil {
		loc, _, err := l.Gateway.GetOrCreateLocation(ctx, domain.Location{Address: row.Address, Lat: row.Lat, Lng: row.Lng})
		if err != nil {
			return 0, fmt.Errorf("location: %w", err)
		}
		o.LocationID = &loc.ID
	}

	evt, err := events.New("import", 0, l.ActorID, events.Payload{"batch_id": batchID, "line": row.Line}, l.now())
	if err != nil {
		return 0, err
	}
	if err := l.Gateway.CreateObraWithEvent(ctx, &o, evt); err != nil {
		return 0, domain.PersistenceError{Op: "import", Err: err}
	}
	return o.ID, nil
}
