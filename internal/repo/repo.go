package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"obrasurbanas/internal/domain"
)

// Repo is the SQLite-backed Gateway.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Gateway = Repo{}

func (r Repo) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return r.Now().UTC().Format(time.RFC3339)
}

const referenceColumns = `id,category,label,label_key,parent_id,COALESCE(cuit,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanReference(row scanner) (domain.Reference, error) {
	var (
		ref    domain.Reference
		cat    string
		parent sql.NullInt64
	)
	err := row.Scan(&ref.ID, &cat, &ref.Label, &ref.Key, &parent, &ref.CUIT)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, ErrNotFound
	}
	if err != nil {
		return ref, err
	}
	ref.Category = domain.Category(cat)
	ref.ParentID = int64Ptr(parent)
	return ref, nil
}

func (r Repo) GetOrCreateReference(ctx context.Context, ref domain.Reference) (domain.Reference, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reference{}, false, err
	}
	defer tx.Rollback()

	existing, err := scanReference(tx.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM reference_rows WHERE category=? AND label_key=?`, string(ref.Category), ref.Key))
	switch {
	case err == nil:
		if existing.ParentID == nil && ref.ParentID != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE reference_rows SET parent_id=? WHERE id=?`, *ref.ParentID, existing.ID); err != nil {
				return domain.Reference{}, false, err
			}
			existing.ParentID = ref.ParentID
		}
		if existing.CUIT == "" && ref.CUIT != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE reference_rows SET cuit=? WHERE id=?`, ref.CUIT, existing.ID); err != nil {
				return domain.Reference{}, false, err
			}
			existing.CUIT = ref.CUIT
		}
		return existing, false, tx.Commit()
	case !errors.Is(err, ErrNotFound):
		return domain.Reference{}, false, err
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO reference_rows(category,label,label_key,parent_id,cuit) VALUES (?,?,?,?,?)`,
		string(ref.Category), ref.Label, ref.Key, nullableInt64Ptr(ref.ParentID), nullable(ref.CUIT))
	if err != nil {
		return domain.Reference{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Reference{}, false, err
	}
	ref.ID = id
	return ref, true, tx.Commit()
}

func (r Repo) FindReference(ctx context.Context, category domain.Category, key string) (domain.Reference, error) {
	return scanReference(r.DB.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM reference_rows WHERE category=? AND label_key=?`, string(category), key))
}

func (r Repo) GetReference(ctx context.Context, id int64) (domain.Reference, error) {
	return scanReference(r.DB.QueryRowContext(ctx, `SELECT `+referenceColumns+` FROM reference_rows WHERE id=?`, id))
}

func (r Repo) ListReferences(ctx context.Context, category domain.Category) ([]domain.Reference, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+referenceColumns+` FROM reference_rows WHERE category=? ORDER BY id`, string(category))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ref)
	}
	return res, rows.Err()
}

func (r Repo) GetOrCreateLocation(ctx context.Context, loc domain.Location) (domain.Location, bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Location{}, false, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM locations WHERE address IS ? AND lat IS ? AND lng IS ? LIMIT 1`,
		nullable(loc.Address), nullableFloatPtr(loc.Lat), nullableFloatPtr(loc.Lng)).Scan(&id)
	if err == nil {
		loc.ID = id
		return loc, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Location{}, false, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO locations(address,lat,lng) VALUES (?,?,?)`,
		nullable(loc.Address), nullableFloatPtr(loc.Lat), nullableFloatPtr(loc.Lng))
	if err != nil {
		return domain.Location{}, false, err
	}
	if loc.ID, err = res.LastInsertId(); err != nil {
		return domain.Location{}, false, err
	}
	return loc, true, tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
