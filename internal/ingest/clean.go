package ingest

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"obrasurbanas/internal/catalog"
)

// Column names of the dataset export.
const (
	ColName              = "nombre"
	ColDescription       = "descripcion"
	ColEnvironment       = "entorno"
	ColStage             = "etapa"
	ColInterventionType  = "tipo"
	ColResponsibleArea   = "area_responsable"
	ColCommune           = "comuna"
	ColNeighborhood      = "barrio"
	ColAddress           = "direccion"
	ColLat               = "lat"
	ColLng               = "lng"
	ColCompany           = "licitacion_oferta_empresa"
	ColCUIT              = "cuit_contratista"
	ColProcurementType   = "contratacion_tipo"
	ColProcurementNumber = "nro_contratacion"
	ColCaseFileNumber    = "expediente-numero"
	ColFundingSource     = "financiamiento"
	ColContractAmount    = "monto_contrato"
	ColTermMonths        = "plazo_meses"
	ColStartDate         = "fecha_inicio"
	ColEndDate           = "fecha_fin_inicial"
	ColProgress          = "porcentaje_avance"
	ColLaborForce        = "mano_obra"
	ColFeatured          = "destacada"
)

const DefaultLabel = "Sin especificar"

// Row is a cleaned, typed dataset row ready to load.
type Row struct {
	Line              int
	Name              string
	Description       string
	Environment       string
	Stage             string
	InterventionType  string
	ResponsibleArea   string
	Commune           string
	Neighborhoods     []string
	Company           string
	CUIT              string
	ProcurementType   string
	ProcurementNumber string
	CaseFileNumber    string
	FundingSource     string
	Address           string
	Lat, Lng          *float64
	ContractAmount    *decimal.Decimal
	TermMonths        *int
	StartDate         time.Time
	EndDate           time.Time
	Progress          int
	LaborForce        int
	Featured          bool
}

// RowError reports a row that was dropped or failed to load.
type RowError struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Err)
}

var (
	featuredValues   = map[string]bool{"si": true, "sí": true, "1": true, "true": true, "verdadero": true, "yes": true}
	amountJunk       = regexp.MustCompile(`[^\d,.-]`)
	neighborhoodSeps = regexp.MustCompile(`,|/| y | e `)
	dateLayouts      = []string{"02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006", "2006-01-02", "02/01/2006 15:04", "2006-01-02 15:04:05"}
)

// Cleaner applies the dataset cleaning rules.
type Cleaner struct {
	// DefaultLabel replaces empty or "." text in defaulted columns.
	DefaultLabel string
}

// Clean types every record. Records missing name, stage or either date are dropped and
// reported. Missing terms are filled with the rounded mean term of the kept rows.
func (c Cleaner) Clean(records []Record) ([]Row, []RowError) {
	def := c.DefaultLabel
	if def == "" {
		def = DefaultLabel
	}
	var (
		rows    []Row
		dropped []RowError
		terms   []float64
		hasTerm []bool
	)
	for _, rec := range records {
		row, term, ok, err := c.cleanRecord(rec, def)
		if err != nil {
			dropped = append(dropped, RowError{Line: rec.Line, Err: err.Error()})
			continue
		}
		rows = append(rows, row)
		terms = append(terms, term)
		hasTerm = append(hasTerm, ok)
	}

	var sum float64
	n := 0
	for i, ok := range hasTerm {
		if ok {
			sum += terms[i]
			n++
		}
	}
	for i := range rows {
		switch {
		case hasTerm[i]:
			t := int(math.Round(terms[i]))
			rows[i].TermMonths = &t
		case n > 0:
			// half-to-even like the dataset tooling
			t := int(math.RoundToEven(sum / float64(n)))
			rows[i].TermMonths = &t
		}
	}
	return rows, dropped
}

func (c Cleaner) cleanRecord(rec Record, def string) (Row, float64, bool, error) {
	row := Row{Line: rec.Line}
	row.Name = strings.ReplaceAll(rec.Get(ColName), "Â", "A")
	row.Stage = catalog.Normalize(rec.Get(ColStage))
	start, startOK := parseDate(rec.Get(ColStartDate))
	end, endOK := parseDate(rec.Get(ColEndDate))
	var missing []string
	if row.Name == "" {
		missing = append(missing, ColName)
	}
	if row.Stage == "" {
		missing = append(missing, ColStage)
	}
	if !startOK {
		missing = append(missing, ColStartDate)
	}
	if !endOK {
		missing = append(missing, ColEndDate)
	}
	if len(missing) > 0 {
		return Row{}, 0, false, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	row.StartDate, row.EndDate = start, end

	row.Description = rec.Get(ColDescription)
	row.Featured = featuredValues[strings.ToLower(rec.Get(ColFeatured))]
	row.Environment = catalog.Normalize(rec.Get(ColEnvironment))
	row.ResponsibleArea = catalog.Normalize(rec.Get(ColResponsibleArea))
	row.ProcurementType = catalog.Normalize(rec.Get(ColProcurementType))
	row.FundingSource = catalog.Normalize(rec.Get(ColFundingSource))
	row.InterventionType = catalog.Normalize(orDefault(rec.Get(ColInterventionType), def))
	row.Commune = catalog.Normalize(orDefault(rec.Get(ColCommune), def))
	row.Neighborhoods = splitNeighborhoods(orDefault(rec.Get(ColNeighborhood), def))
	row.ProcurementNumber = orDefault(rec.Get(ColProcurementNumber), def)
	row.CaseFileNumber = orDefault(rec.Get(ColCaseFileNumber), def)
	row.Company = catalog.Clean(rec.Get(ColCompany))
	row.CUIT = rec.Get(ColCUIT)
	row.Address = rec.Get(ColAddress)
	row.Lat = parseFloat(rec.Get(ColLat))
	row.Lng = parseFloat(rec.Get(ColLng))
	row.ContractAmount = parseAmount(rec.Get(ColContractAmount))
	if f := parseFloat(rec.Get(ColLaborForce)); f != nil && *f > 0 {
		row.LaborForce = int(math.Round(*f))
	}
	if f := parseFloat(rec.Get(ColProgress)); f != nil {
		row.Progress = int(math.Round(*f))
	}
	if row.Progress < 0 || row.Progress > 100 {
		return Row{}, 0, false, fmt.Errorf("%s %d outside 0..100", ColProgress, row.Progress)
	}
	term := parseFloat(rec.Get(ColTermMonths))
	if term == nil || *term < 0 {
		return row, 0, false, nil
	}
	return row, *term, true, nil
}

func orDefault(v, def string) string {
	if v == "" || v == "." {
		return def
	}
	return v
}

// splitNeighborhoods repairs mis-decoded ñ and splits multi-valued neighborhood text.
func splitNeighborhoods(v string) []string {
	v = strings.ReplaceAll(v, "Ã±", "ñ")
	var out []string
	for _, part := range neighborhoodSeps.Split(v, -1) {
		if n := catalog.Normalize(part); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func parseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func parseFloat(v string) *float64 {
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseAmount strips currency symbols and reads "." as thousands and "," as decimal separator.
func parseAmount(v string) *decimal.Decimal {
	v = amountJunk.ReplaceAllString(v, "")
	v = strings.ReplaceAll(v, ".", "")
	v = strings.ReplaceAll(v, ",", ".")
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return nil
	}
	return &d
}
