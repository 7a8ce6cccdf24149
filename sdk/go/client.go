package obrassdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal read-only Obras HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Obra represents the API work model with reference labels resolved.
type Obra struct {
	ID                int64   `json:"id"`
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	ContractAmount    *string `json:"contract_amount"`
	TermMonths        *int    `json:"term_months"`
	StartDate         *string `json:"start_date"`
	EndDateInitial    *string `json:"end_date_initial"`
	Progress          int     `json:"progress"`
	LaborForce        int     `json:"labor_force"`
	CaseFileNumber    *string `json:"case_file_number"`
	ProcurementNumber *string `json:"procurement_number"`
	Featured          bool    `json:"featured"`
	Environment       string  `json:"environment"`
	Stage             string  `json:"stage"`
	InterventionType  string  `json:"intervention_type"`
	ResponsibleArea   string  `json:"responsible_area"`
	Neighborhood      string  `json:"neighborhood"`
	Company           string  `json:"company"`
	ProcurementType   string  `json:"procurement_type"`
	FundingSource     string  `json:"funding_source"`
}

// Reference is one catalog row.
type Reference struct {
	ID       int64  `json:"id"`
	Category string `json:"category"`
	Label    string `json:"label"`
	ParentID *int64 `json:"parent_id"`
	CUIT     string `json:"cuit"`
}

// Indicators mirrors the aggregate report.
type Indicators struct {
	ResponsibleAreas  []string `json:"responsible_areas"`
	InterventionTypes []string `json:"intervention_types"`
	ByStage           []struct {
		Stage string `json:"stage"`
		Count int    `json:"count"`
	} `json:"by_stage"`
	ByInterventionType []struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
		Total string `json:"total"`
	} `json:"by_intervention_type"`
	Communes           []string `json:"communes"`
	Neighborhoods      []string `json:"neighborhoods"`
	MaxTermMonths      int      `json:"max_term_months"`
	FinishedWithinTerm int      `json:"finished_within_term"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	ObraID  int64          `json:"obra_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ObraQuery filters ListObras. Stage and Type are reference labels.
type ObraQuery struct {
	Stage string
	Type  string
	Limit int
}

// ListObras returns works matching q.
func (c *Client) ListObras(ctx context.Context, q ObraQuery) ([]Obra, error) {
	v := url.Values{}
	if q.Stage != "" {
		v.Set("stage", q.Stage)
	}
	if q.Type != "" {
		v.Set("type", q.Type)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp struct {
		Items []Obra `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("obras"), v), nil, &resp)
	return resp.Items, err
}

// GetObra fetches one work.
func (c *Client) GetObra(ctx context.Context, id int64) (Obra, error) {
	var resp Obra
	err := c.do(ctx, http.MethodGet, c.apiPath(fmt.Sprintf("obras/%d", id)), nil, &resp)
	return resp, err
}

// References lists catalog rows of one category.
func (c *Client) References(ctx context.Context, category string) ([]Reference, error) {
	var resp struct {
		Items []Reference `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.apiPath("references/"+url.PathEscape(category)), nil, &resp)
	return resp.Items, err
}

// Indicators returns the aggregate report.
func (c *Client) Indicators(ctx context.Context) (Indicators, error) {
	var resp Indicators
	err := c.do(ctx, http.MethodGet, c.apiPath("indicators"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, 0, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, optionally for a single work.
func (c *Client) EventsPage(ctx context.Context, obraID int64, limit int, cursor string) (PaginatedEvents, error) {
	v := url.Values{}
	if obraID > 0 {
		v.Set("obra_id", strconv.FormatInt(obraID, 10))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("events"), v), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "v0"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}
