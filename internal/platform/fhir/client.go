package fhir

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

	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/pkg/pagination"
)

const (
	// MIMEFHIRJSON is sent as Accept on every request and as Content-Type
	// on writes.
	MIMEFHIRJSON = "application/fhir+json"

	// errorBodyLimit bounds how much of an error response is read for
	// OperationOutcome extraction.
	errorBodyLimit = 64 << 10
)

// MetricsRecorder receives outbound request observations. Implemented by the
// telemetry provider; a nil recorder disables metrics.
type MetricsRecorder interface {
	RecordClientRequest(resource, operation, status string, duration time.Duration)
	RecordCountReconciliation(mode string)
}

// Client talks to one FHIR server. The base URL is fixed at construction;
// callers that let users switch servers hold one Client per configured
// endpoint and pass the selected one explicitly.
type Client struct {
	base            *url.URL
	httpClient      *http.Client
	logger          zerolog.Logger
	metrics         MetricsRecorder
	defaultPageSize int
	patientProfile  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client (30s timeout).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger attaches a logger for per-request debug logging and
// count-reconciliation warnings.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches an outbound-request metrics recorder.
func WithMetrics(m MetricsRecorder) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithDefaultPageSize overrides the fallback page size (25).
func WithDefaultPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.defaultPageSize = n
		}
	}
}

// WithPatientProfile sets a conformance profile URL declared in the meta of
// created Patient resources. Empty means no declaration.
func WithPatientProfile(profile string) ClientOption {
	return func(c *Client) { c.patientProfile = profile }
}

// NewClient creates a client for the given FHIR base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse fhir base url: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("fhir base url must be absolute http(s): %q", baseURL)
	}

	c := &Client{
		base:            u,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          zerolog.Nop(),
		defaultPageSize: pagination.DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server base this client is bound to.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// CountPatients queries the count-only endpoint for the authoritative number
// of patients on the server.
func (c *Client) CountPatients(ctx context.Context) (int, error) {
	q := url.Values{"_summary": {"count"}}
	body, status, err := c.get(ctx, "Patient", "count", q, "Patient")
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, StatusError("Patient", status, body)
	}
	b, err := UnmarshalBundle(body)
	if err != nil {
		return 0, TransportError("Patient", err)
	}
	total, _ := b.ReportedTotal()
	if total < 0 {
		total = 0
	}
	return total, nil
}

// SearchPatients fetches one page of the patient table and normalizes the
// response into a PagedPatients, reconciling implausible totals along the
// way. A zero page size is resolved through the count endpoint first and the
// resulting count is used as the effective page-size request.
func (c *Client) SearchPatients(ctx context.Context, search PatientSearch, pg pagination.Params, sort SortSpec) (*PagedPatients, error) {
	if pg.Page < 1 {
		pg.Page = 1
	}
	if pg.Size <= 0 {
		n, err := c.CountPatients(ctx)
		if err != nil {
			return nil, err
		}
		pg.Size = n
		if pg.Size <= 0 {
			pg.Size = c.defaultPageSize
		}
	}

	q := patientSearchQuery(search, pg, sort)
	b, err := c.searchBundle(ctx, "Patient", q, false)
	if err != nil {
		return nil, err
	}

	patients, err := Entries[Patient](b)
	if err != nil {
		return nil, TransportError("Patient", err)
	}

	reported, _ := b.ReportedTotal()
	total, estimated, mode := reconcileTotal(ctx, reported, len(patients), pg, c.CountPatients)
	if c.metrics != nil {
		c.metrics.RecordCountReconciliation(mode)
	}
	if mode != reconcileReported {
		c.logger.Warn().
			Int("reported_total", reported).
			Int("entries", len(patients)).
			Int("corrected_total", total).
			Bool("estimated", estimated).
			Str("mode", mode).
			Msg("reconciled implausible bundle total")
	}

	return &PagedPatients{
		Patients:       patients,
		Total:          total,
		PageSize:       pg.Size,
		PageNumber:     pg.Page,
		TotalPages:     pagination.TotalPages(total, pg.Size),
		TotalEstimated: estimated,
		Links:          b.Link,
	}, nil
}

// GetPatient reads a single patient. A 404 maps to the dedicated not-found
// failure so views can render it apart from generic errors.
func (c *Client) GetPatient(ctx context.Context, id string) (*Patient, error) {
	body, status, err := c.get(ctx, "Patient", "read", nil, "Patient", id)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, NotFoundError("Patient", id)
	}
	if status < 200 || status >= 300 {
		return nil, StatusError("Patient", status, body)
	}
	var p Patient
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, TransportError("Patient", fmt.Errorf("decode patient: %w", err))
	}
	return &p, nil
}

// CreatePatient posts a new patient resource. The configured conformance
// profile, when set, is declared in meta.profile. Non-2xx statuses are
// errors carrying any OperationOutcome diagnostics the server returned.
func (c *Client) CreatePatient(ctx context.Context, p *Patient) (*Patient, error) {
	res := *p
	res.ResourceType = "Patient"
	if c.patientProfile != "" {
		if res.Meta == nil {
			res.Meta = &Meta{}
		}
		if !containsString(res.Meta.Profile, c.patientProfile) {
			res.Meta.Profile = append(res.Meta.Profile, c.patientProfile)
		}
	}

	payload, err := json.Marshal(&res)
	if err != nil {
		return nil, TransportError("Patient", fmt.Errorf("encode patient: %w", err))
	}

	body, status, err := c.post(ctx, "Patient", "create", payload, "Patient")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, StatusError("Patient", status, body)
	}

	var created Patient
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, TransportError("Patient", fmt.Errorf("decode created patient: %w", err))
	}
	return &created, nil
}

// PatientEncounters lists a patient's encounters, most recent first. The
// lookup is supplementary display data: a 404 from the server means "no such
// records" here and yields an empty list rather than an error.
func (c *Client) PatientEncounters(ctx context.Context, patientID string, count int) ([]Encounter, error) {
	if count <= 0 {
		count = c.defaultPageSize
	}
	q := url.Values{
		"patient": {patientID},
		"_sort":   {"-date"},
		"_count":  {strconv.Itoa(count)},
	}
	b, err := c.searchBundle(ctx, "Encounter", q, true)
	if err != nil {
		return nil, err
	}
	encs, err := Entries[Encounter](b)
	if err != nil {
		return nil, TransportError("Encounter", err)
	}
	return encs, nil
}

// EncounterConditions lists the conditions tied to an encounter. Errors,
// including 404, propagate: an expanded row must show its failure.
func (c *Client) EncounterConditions(ctx context.Context, encounterID string) ([]Condition, error) {
	q := url.Values{"encounter": {encounterID}}
	b, err := c.searchBundle(ctx, "Condition", q, false)
	if err != nil {
		return nil, err
	}
	conds, err := Entries[Condition](b)
	if err != nil {
		return nil, TransportError("Condition", err)
	}
	return conds, nil
}

// PatientConditions lists a patient's conditions, most recently recorded
// first. Like PatientEncounters, a 404 yields an empty list.
func (c *Client) PatientConditions(ctx context.Context, patientID string) ([]Condition, error) {
	q := url.Values{
		"patient": {patientID},
		"_sort":   {"-recorded-date"},
	}
	b, err := c.searchBundle(ctx, "Condition", q, true)
	if err != nil {
		return nil, err
	}
	conds, err := Entries[Condition](b)
	if err != nil {
		return nil, TransportError("Condition", err)
	}
	return conds, nil
}

// Organizations fetches the organization list used to populate selection
// dropdowns.
func (c *Client) Organizations(ctx context.Context) ([]Organization, error) {
	q := url.Values{"_count": {strconv.Itoa(pagination.MaxPageSize)}}
	b, err := c.searchBundle(ctx, "Organization", q, false)
	if err != nil {
		return nil, err
	}
	orgs, err := Entries[Organization](b)
	if err != nil {
		return nil, TransportError("Organization", err)
	}
	return orgs, nil
}

// ServerMetadata is the trimmed capability view used by the check command.
type ServerMetadata struct {
	FHIRVersion     string
	SoftwareName    string
	SoftwareVersion string
}

// Metadata probes the server's capability statement.
func (c *Client) Metadata(ctx context.Context) (*ServerMetadata, error) {
	body, status, err := c.get(ctx, "CapabilityStatement", "metadata", nil, "metadata")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, StatusError("CapabilityStatement", status, body)
	}
	var cs struct {
		FHIRVersion string `json:"fhirVersion"`
		Software    struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"software"`
	}
	if err := json.Unmarshal(body, &cs); err != nil {
		return nil, TransportError("CapabilityStatement", fmt.Errorf("decode capability statement: %w", err))
	}
	return &ServerMetadata{
		FHIRVersion:     cs.FHIRVersion,
		SoftwareName:    cs.Software.Name,
		SoftwareVersion: cs.Software.Version,
	}, nil
}

// searchBundle runs a search and decodes the bundle. When tolerate404 is
// set, a 404 resolves to an empty bundle instead of an error.
func (c *Client) searchBundle(ctx context.Context, resourceType string, query url.Values, tolerate404 bool) (*Bundle, error) {
	body, status, err := c.get(ctx, resourceType, "search", query, resourceType)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound && tolerate404 {
		return &Bundle{ResourceType: "Bundle", Type: "searchset"}, nil
	}
	if status < 200 || status >= 300 {
		return nil, StatusError(resourceType, status, body)
	}
	b, err := UnmarshalBundle(body)
	if err != nil {
		return nil, TransportError(resourceType, err)
	}
	return b, nil
}

func (c *Client) get(ctx context.Context, resourceType, operation string, query url.Values, pathParts ...string) ([]byte, int, error) {
	u := c.base.JoinPath(pathParts...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return c.do(ctx, http.MethodGet, resourceType, operation, u, nil)
}

func (c *Client) post(ctx context.Context, resourceType, operation string, payload []byte, pathParts ...string) ([]byte, int, error) {
	u := c.base.JoinPath(pathParts...)
	return c.do(ctx, http.MethodPost, resourceType, operation, u, payload)
}

func (c *Client) do(ctx context.Context, method, resourceType, operation string, u *url.URL, payload []byte) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, 0, TransportError(resourceType, err)
	}
	req.Header.Set("Accept", MIMEFHIRJSON)
	if payload != nil {
		req.Header.Set("Content-Type", MIMEFHIRJSON)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(resourceType, operation, "error", time.Since(start))
		return nil, 0, TransportError(resourceType, err)
	}
	defer resp.Body.Close()

	var body []byte
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err = io.ReadAll(resp.Body)
	} else {
		body, err = io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	}
	duration := time.Since(start)
	c.observe(resourceType, operation, strconv.Itoa(resp.StatusCode), duration)
	if err != nil {
		return nil, resp.StatusCode, TransportError(resourceType, fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug().
		Str("method", method).
		Str("resource", resourceType).
		Str("operation", operation).
		Str("url", u.String()).
		Int("status", resp.StatusCode).
		Dur("latency", duration).
		Msg("fhir request")

	return body, resp.StatusCode, nil
}

func (c *Client) observe(resourceType, operation, status string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordClientRequest(resourceType, operation, status, d)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
