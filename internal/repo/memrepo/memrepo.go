// Package memrepo is an in-memory repo.Gateway for tests and dry runs.
package memrepo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/repo"
)

type refKey struct {
	category domain.Category
	key      string
}

type Store struct {
	mu        sync.Mutex
	refs      []domain.Reference
	byKey     map[refKey]int
	locations []domain.Location
	obras     map[int64]domain.Obra
	nextObra  int64
	events    []domain.Event

	// FailSave makes every obra write return this error when set.
	FailSave error
	// FailEvent makes every event write return this error when set.
	FailEvent error
	Now       func() time.Time
}

var _ repo.Gateway = (*Store)(nil)

func New() *Store {
	return &Store{
		byKey: map[refKey]int{},
		obras: map[int64]domain.Obra{},
	}
}

func (s *Store) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s *Store) GetOrCreateReference(_ context.Context, ref domain.Reference) (domain.Reference, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := refKey{ref.Category, ref.Key}
	if i, ok := s.byKey[k]; ok {
		existing := &s.refs[i]
		if existing.ParentID == nil && ref.ParentID != nil {
			existing.ParentID = ref.ParentID
		}
		if existing.CUIT == "" && ref.CUIT != "" {
			existing.CUIT = ref.CUIT
		}
		return *existing, false, nil
	}
	ref.ID = int64(len(s.refs) + 1)
	s.refs = append(s.refs, ref)
	s.byKey[k] = len(s.refs) - 1
	return ref, true, nil
}

func (s *Store) FindReference(_ context.Context, category domain.Category, key string) (domain.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byKey[refKey{category, key}]
	if !ok {
		return domain.Reference{}, repo.ErrNotFound
	}
	return s.refs[i], nil
}

func (s *Store) GetReference(_ context.Context, id int64) (domain.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || int(id) > len(s.refs) {
		return domain.Reference{}, repo.ErrNotFound
	}
	return s.refs[id-1], nil
}

func (s *Store) ListReferences(_ context.Context, category domain.Category) ([]domain.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Reference
	for _, r := range s.refs {
		if r.Category == category {
			res = append(res, r)
		}
	}
	return res, nil
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Store) GetOrCreateLocation(_ context.Context, loc domain.Location) (domain.Location, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locations {
		if l.Address == loc.Address && sameFloat(l.Lat, loc.Lat) && sameFloat(l.Lng, loc.Lng) {
			return l, false, nil
		}
	}
	loc.ID = int64(len(s.locations) + 1)
	s.locations = append(s.locations, loc)
	return loc, true, nil
}

func (s *Store) CreateObra(_ context.Context, o *domain.Obra) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createObra(o)
}

func (s *Store) SaveObra(_ context.Context, o *domain.Obra) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveObra(o)
}

func (s *Store) CreateObraWithEvent(_ context.Context, o *domain.Obra, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEvent != nil {
		return s.FailEvent
	}
	created := *o
	if err := s.createObra(&created); err != nil {
		return err
	}
	evt.ObraID = created.ID
	s.appendEvent(evt)
	*o = created
	return nil
}

func (s *Store) SaveObraWithEvent(_ context.Context, o *domain.Obra, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEvent != nil {
		return s.FailEvent
	}
	saved := *o
	if err := s.saveObra(&saved); err != nil {
		return err
	}
	s.appendEvent(evt)
	*o = saved
	return nil
}

func (s *Store) createObra(o *domain.Obra) error {
	if s.FailSave != nil {
		return s.FailSave
	}
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("obra name required")
	}
	s.nextObra++
	o.ID = s.nextObra
	now := s.now()
	if o.CreatedAt == "" {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.obras[o.ID] = clone(*o)
	return nil
}

func (s *Store) saveObra(o *domain.Obra) error {
	if s.FailSave != nil {
		return s.FailSave
	}
	if _, ok := s.obras[o.ID]; !ok {
		return repo.ErrNotFound
	}
	o.UpdatedAt = s.now()
	s.obras[o.ID] = clone(*o)
	return nil
}

func (s *Store) GetObra(_ context.Context, id int64) (domain.Obra, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.obras[id]
	if !ok {
		return domain.Obra{}, repo.ErrNotFound
	}
	return clone(o), nil
}

func (s *Store) ListObras(_ context.Context, f repo.ObraFilter) ([]domain.Obra, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Obra
	for _, o := range s.obras {
		if f.Match(o) {
			res = append(res, clone(o))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (s *Store) AppendEvent(_ context.Context, evt domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailEvent != nil {
		return s.FailEvent
	}
	s.appendEvent(evt)
	return nil
}

func (s *Store) appendEvent(evt domain.Event) {
	evt.ID = int64(len(s.events) + 1)
	if evt.TS == "" {
		evt.TS = s.now()
	}
	if evt.Payload == "" {
		evt.Payload = "{}"
	}
	s.events = append(s.events, evt)
}

func (s *Store) ListEvents(_ context.Context, f repo.EventFilter) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if f.ObraID != 0 && e.ObraID != f.ObraID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.BeforeID > 0 && e.ID >= f.BeforeID {
			continue
		}
		res = append(res, e)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

// clone copies the pointer fields callers may mutate.
func clone(o domain.Obra) domain.Obra {
	if o.ContractAmount != nil {
		v := *o.ContractAmount
		o.ContractAmount = &v
	}
	if o.TermMonths != nil {
		v := *o.TermMonths
		o.TermMonths = &v
	}
	if o.StartDate != nil {
		v := *o.StartDate
		o.StartDate = &v
	}
	if o.EndDateInitial != nil {
		v := *o.EndDateInitial
		o.EndDateInitial = &v
	}
	if o.CaseFileNumber != nil {
		v := *o.CaseFileNumber
		o.CaseFileNumber = &v
	}
	if o.ProcurementNumber != nil {
		v := *o.ProcurementNumber
		o.ProcurementNumber = &v
	}
	o.StageID = cloneID(o.StageID)
	o.EnvironmentID = cloneID(o.EnvironmentID)
	o.InterventionTypeID = cloneID(o.InterventionTypeID)
	o.ResponsibleAreaID = cloneID(o.ResponsibleAreaID)
	o.NeighborhoodID = cloneID(o.NeighborhoodID)
	o.CompanyID = cloneID(o.CompanyID)
	o.ProcurementTypeID = cloneID(o.ProcurementTypeID)
	o.FundingSourceID = cloneID(o.FundingSourceID)
	o.LocationID = cloneID(o.LocationID)
	return o
}

func cloneID(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
