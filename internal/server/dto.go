package server

import (
	"context"
	"encoding/json"

	"obrasurbanas/internal/catalog"
	"obrasurbanas/internal/domain"
)

// Response payloads

type ObraResponse struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	ContractAmount    *string `json:"contract_amount,omitempty" example:"1500000.50"`
	TermMonths        *int    `json:"term_months,omitempty"`
	StartDate         *string `json:"start_date,omitempty" format:"date"`
	EndDateInitial    *string `json:"end_date_initial,omitempty" format:"date"`
	Progress          int     `json:"progress" minimum:"0" maximum:"100"`
	LaborForce        int     `json:"labor_force"`
	CaseFileNumber    *string `json:"case_file_number,omitempty"`
	ProcurementNumber *string `json:"procurement_number,omitempty"`
	Featured          bool    `json:"featured"`
	Environment       string  `json:"environment,omitempty"`
	Stage             string  `json:"stage,omitempty"`
	InterventionType  string  `json:"intervention_type,omitempty"`
	ResponsibleArea   string  `json:"responsible_area,omitempty"`
	Neighborhood      string  `json:"neighborhood,omitempty"`
	Company           string  `json:"company,omitempty"`
	ProcurementType   string  `json:"procurement_type,omitempty"`
	FundingSource     string  `json:"funding_source,omitempty"`
	LocationID        *int64  `json:"location_id,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type ObraList struct {
	Items []ObraResponse `json:"items"`
}

type ReferenceList struct {
	Items []domain.Reference `json:"items"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	ObraID  int64          `json:"obra_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// labeler resolves reference ids to labels, caching within one request.
type labeler struct {
	cat   catalog.Catalog
	cache map[int64]string
}

func newLabeler(cat catalog.Catalog) *labeler {
	return &labeler{cat: cat, cache: map[int64]string{}}
}

func (l *labeler) label(ctx context.Context, id *int64) string {
	if id == nil {
		return ""
	}
	if v, ok := l.cache[*id]; ok {
		return v
	}
	v := l.cat.Label(ctx, id)
	l.cache[*id] = v
	return v
}

// Conversion helpers

func obraResponse(ctx context.Context, l *labeler, o domain.Obra) ObraResponse {
	res := ObraResponse{
		ID:                o.ID,
		Name:              o.Name,
		Description:       o.Description,
		TermMonths:        o.TermMonths,
		Progress:          o.Progress,
		LaborForce:        o.LaborForce,
		CaseFileNumber:    o.CaseFileNumber,
		ProcurementNumber: o.ProcurementNumber,
		Featured:          o.Featured,
		Environment:       l.label(ctx, o.EnvironmentID),
		Stage:             l.label(ctx, o.StageID),
		InterventionType:  l.label(ctx, o.InterventionTypeID),
		ResponsibleArea:   l.label(ctx, o.ResponsibleAreaID),
		Neighborhood:      l.label(ctx, o.NeighborhoodID),
		Company:           l.label(ctx, o.CompanyID),
		ProcurementType:   l.label(ctx, o.ProcurementTypeID),
		FundingSource:     l.label(ctx, o.FundingSourceID),
		LocationID:        o.LocationID,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	if o.ContractAmount != nil {
		s := o.ContractAmount.String()
		res.ContractAmount = &s
	}
	if o.StartDate != nil {
		s := o.StartDate.Format("2006-01-02")
		res.StartDate = &s
	}
	if o.EndDateInitial != nil {
		s := o.EndDateInitial.Format("2006-01-02")
		res.EndDateInitial = &s
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		ObraID:  e.ObraID,
		ActorID: e.ActorID,
		Payload: decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
