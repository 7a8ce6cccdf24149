package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category names one categorical axis of the reference catalog.
type Category string

const (
	CategoryEntorno          Category = "entorno"
	CategoryEtapa            Category = "etapa"
	CategoryTipoIntervencion Category = "tipo_intervencion"
	CategoryAreaResponsable  Category = "area_responsable"
	CategoryComuna           Category = "comuna"
	CategoryBarrio           Category = "barrio"
	CategoryEmpresa          Category = "empresa"
	CategoryContratacion     Category = "contratacion"
	CategoryFinanciamiento   Category = "financiamiento"
)

// Categories lists every reference category in catalog order.
var Categories = []Category{
	CategoryEntorno,
	CategoryEtapa,
	CategoryTipoIntervencion,
	CategoryAreaResponsable,
	CategoryComuna,
	CategoryBarrio,
	CategoryEmpresa,
	CategoryContratacion,
	CategoryFinanciamiento,
}

// ParseCategory returns the category matching s.
func ParseCategory(s string) (Category, bool) {
	for _, c := range Categories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Stage labels. Each one must exist as an etapa reference row before a work can enter it.
const (
	StageProyecto   = "Proyecto"
	StageLicitacion = "En licitación"
	StageAdjudicada = "Adjudicada"
	StageEnObra     = "En obra"
	StageFinalizada = "Finalizada"
	StageRescision  = "Rescisión"
)

// Stages is the closed set of lifecycle stages in progression order.
var Stages = []string{
	StageProyecto,
	StageLicitacion,
	StageAdjudicada,
	StageEnObra,
	StageFinalizada,
	StageRescision,
}

// Reference is a lookup row for one categorical axis, matched by its label.
type Reference struct {
	ID       int64    `json:"id"`
	Category Category `json:"category"`
	Label    string   `json:"label"`
	Key      string   `json:"-"`
	ParentID *int64   `json:"parent_id,omitempty"`
	CUIT     string   `json:"cuit,omitempty"`
}

// Location is the address and coordinates of a work.
type Location struct {
	ID      int64    `json:"id"`
	Address string   `json:"address,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Obra is a public-works record.
type Obra struct {
	ID                 int64            `json:"id"`
	Name               string           `json:"name"`
	Description        string           `json:"description,omitempty"`
	ContractAmount     *decimal.Decimal `json:"contract_amount,omitempty"`
	TermMonths         *int             `json:"term_months,omitempty"`
	StartDate          *time.Time       `json:"start_date,omitempty" format:"date"`
	EndDateInitial     *time.Time       `json:"end_date_initial,omitempty" format:"date"`
	Progress           int              `json:"progress"`
	LaborForce         int              `json:"labor_force"`
	CaseFileNumber     *string          `json:"case_file_number,omitempty"`
	ProcurementNumber  *string          `json:"procurement_number,omitempty"`
	Featured           bool             `json:"featured"`
	EnvironmentID      *int64           `json:"environment_id,omitempty"`
	StageID            *int64           `json:"stage_id,omitempty"`
	InterventionTypeID *int64           `json:"intervention_type_id,omitempty"`
	ResponsibleAreaID  *int64           `json:"responsible_area_id,omitempty"`
	NeighborhoodID     *int64           `json:"neighborhood_id,omitempty"`
	CompanyID          *int64           `json:"company_id,omitempty"`
	ProcurementTypeID  *int64           `json:"procurement_type_id,omitempty"`
	FundingSourceID    *int64           `json:"funding_source_id,omitempty"`
	LocationID         *int64           `json:"location_id,omitempty"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
}

// Started reports whether the work has entered any stage.
func (o Obra) Started() bool {
	return o.StageID != nil
}

// Event records one persisted lifecycle operation.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	ObraID  int64  `json:"obra_id"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
