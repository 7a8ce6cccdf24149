package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/events"
)

const dateLayout = "2006-01-02"

const obraColumns = `id,name,COALESCE(description,''),contract_amount,term_months,start_date,end_date_initial,
progress,labor_force,case_file_number,procurement_number,featured,
environment_id,stage_id,intervention_type_id,responsible_area_id,neighborhood_id,company_id,procurement_type_id,funding_source_id,location_id,
created_at,updated_at`

func scanObra(row scanner) (domain.Obra, error) {
	var (
		o                                     domain.Obra
		amount, start, end, caseFile, procNum sql.NullString
		term                                  sql.NullInt64
		featured                              int
		env, stage, kind, area, barrio        sql.NullInt64
		company, procType, funding, loc       sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.Name, &o.Description, &amount, &term, &start, &end,
		&o.Progress, &o.LaborForce, &caseFile, &procNum, &featured,
		&env, &stage, &kind, &area, &barrio, &company, &procType, &funding, &loc,
		&o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return o, fmt.Errorf("obra %d contract_amount: %w", o.ID, err)
		}
		o.ContractAmount = &d
	}
	if term.Valid {
		t := int(term.Int64)
		o.TermMonths = &t
	}
	if o.StartDate, err = parseDate(start); err != nil {
		return o, fmt.Errorf("obra %d start_date: %w", o.ID, err)
	}
	if o.EndDateInitial, err = parseDate(end); err != nil {
		return o, fmt.Errorf("obra %d end_date_initial: %w", o.ID, err)
	}
	if caseFile.Valid {
		o.CaseFileNumber = &caseFile.String
	}
	if procNum.Valid {
		o.ProcurementNumber = &procNum.String
	}
	o.Featured = featured != 0
	o.EnvironmentID = int64Ptr(env)
	o.StageID = int64Ptr(stage)
	o.InterventionTypeID = int64Ptr(kind)
	o.ResponsibleAreaID = int64Ptr(area)
	o.NeighborhoodID = int64Ptr(barrio)
	o.CompanyID = int64Ptr(company)
	o.ProcurementTypeID = int64Ptr(procType)
	o.FundingSourceID = int64Ptr(funding)
	o.LocationID = int64Ptr(loc)
	return o, nil
}

func parseDate(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

func formatAmount(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// obraArgs returns the mutable columns in obraColumns order, after id.
func obraArgs(o *domain.Obra) []any {
	return []any{
		o.Name, nullable(o.Description), formatAmount(o.ContractAmount), nullableIntPtr(o.TermMonths),
		formatDate(o.StartDate), formatDate(o.EndDateInitial),
		o.Progress, o.LaborForce, nullableStringPtr(o.CaseFileNumber), nullableStringPtr(o.ProcurementNumber), boolInt(o.Featured),
		nullableInt64Ptr(o.EnvironmentID), nullableInt64Ptr(o.StageID), nullableInt64Ptr(o.InterventionTypeID),
		nullableInt64Ptr(o.ResponsibleAreaID), nullableInt64Ptr(o.NeighborhoodID), nullableInt64Ptr(o.CompanyID),
		nullableInt64Ptr(o.ProcurementTypeID), nullableInt64Ptr(o.FundingSourceID), nullableInt64Ptr(o.LocationID),
	}
}

// CreateObra inserts o and sets its ID and timestamps.
func (r Repo) CreateObra(ctx context.Context, o *domain.Obra) error {
	return r.insertObra(ctx, r.DB, o)
}

// SaveObra writes every mutable column of o.
func (r Repo) SaveObra(ctx context.Context, o *domain.Obra) error {
	return r.updateObra(ctx, r.DB, o)
}

// CreateObraWithEvent inserts o and appends evt for it in one transaction. evt.ObraID is
// taken from the inserted row.
func (r Repo) CreateObraWithEvent(ctx context.Context, o *domain.Obra, evt domain.Event) error {
	created := *o
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.insertObra(ctx, tx, &created); err != nil {
			return err
		}
		evt.ObraID = created.ID
		return events.Writer{Now: r.Now}.Append(ctx, tx, evt)
	})
	if err != nil {
		return err
	}
	*o = created
	return nil
}

// SaveObraWithEvent writes o and appends evt in one transaction. Neither is stored when
// either fails.
func (r Repo) SaveObraWithEvent(ctx context.Context, o *domain.Obra, evt domain.Event) error {
	saved := *o
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := r.updateObra(ctx, tx, &saved); err != nil {
			return err
		}
		return events.Writer{Now: r.Now}.Append(ctx, tx, evt)
	})
	if err != nil {
		return err
	}
	*o = saved
	return nil
}

func (r Repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) insertObra(ctx context.Context, db events.Execer, o *domain.Obra) error {
	now := r.now()
	if o.CreatedAt == "" {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	args := append(obraArgs(o), o.CreatedAt, o.UpdatedAt)
	res, err := db.ExecContext(ctx, `INSERT INTO obras(name,description,contract_amount,term_months,start_date,end_date_initial,
progress,labor_force,case_file_number,procurement_number,featured,
environment_id,stage_id,intervention_type_id,responsible_area_id,neighborhood_id,company_id,procurement_type_id,funding_source_id,location_id,
created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = id
	return nil
}

func (r Repo) updateObra(ctx context.Context, db events.Execer, o *domain.Obra) error {
	o.UpdatedAt = r.now()
	args := append(obraArgs(o), o.UpdatedAt, o.ID)
	res, err := db.ExecContext(ctx, `UPDATE obras SET name=?,description=?,contract_amount=?,term_months=?,start_date=?,end_date_initial=?,
progress=?,labor_force=?,case_file_number=?,procurement_number=?,featured=?,
environment_id=?,stage_id=?,intervention_type_id=?,responsible_area_id=?,neighborhood_id=?,company_id=?,procurement_type_id=?,funding_source_id=?,location_id=?,
updated_at=? WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetObra(ctx context.Context, id int64) (domain.Obra, error) {
	return scanObra(r.DB.QueryRowContext(ctx, `SELECT `+obraColumns+` FROM obras WHERE id=?`, id))
}

func (r Repo) ListObras(ctx context.Context, f ObraFilter) ([]domain.Obra, error) {
	var (
		where []string
		args  []any
	)
	if f.StageID != nil {
		where = append(where, "stage_id=?")
		args = append(args, *f.StageID)
	}
	if f.InterventionTypeID != nil {
		where = append(where, "intervention_type_id=?")
		args = append(args, *f.InterventionTypeID)
	}
	q := `SELECT ` + obraColumns + ` FROM obras`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Obra
	for rows.Next() {
		o, err := scanObra(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
