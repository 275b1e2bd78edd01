// Package patientlist owns the interactive state behind the paged, sortable,
// client-filterable patient table: current page, page size, sort column,
// server-side search fields, and the local text filter. One controller exists
// per browser session.
package patientlist

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
	"github.com/fhirdesk/fhirdesk/pkg/pagination"
)

// State is the list view's lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateError   State = "error"
)

// View is a consistent snapshot of the list state. Patients holds the full
// loaded page; Visible holds the rows left after the local text filter, so a
// consumer can tell "no rows after filtering" apart from "no results on the
// server".
type View struct {
	State          State              `json:"state"`
	Error          string             `json:"error,omitempty"`
	Patients       []fhir.Patient     `json:"patients"`
	Visible        []fhir.Patient     `json:"visible"`
	Filter         string             `json:"filter,omitempty"`
	Search         fhir.PatientSearch `json:"search"`
	Sort           fhir.SortSpec      `json:"sort"`
	Page           int                `json:"page"`
	PageSize       int                `json:"pageSize"`
	Total          int                `json:"total"`
	TotalPages     int                `json:"totalPages"`
	TotalEstimated bool               `json:"totalEstimated,omitempty"`
}

// Controller drives one session's patient table. Every user action moves the
// view to loading and issues exactly one request; the outcome moves it to
// loaded (data replaced) or error (message kept alongside the selection that
// failed, so Retry re-issues the same query).
//
// Actions are not coalesced or cancelled. Each issued request carries a
// sequence number, and a completion is applied only while its number is still
// the latest issued; late results of superseded actions are discarded.
type Controller struct {
	mu     sync.Mutex
	logger zerolog.Logger

	client      *fhir.Client
	defaultSize int

	search fhir.PatientSearch
	pg     pagination.Params
	sort   fhir.SortSpec
	filter string

	state  State
	errMsg string
	result *fhir.PagedPatients

	seq uint64 // latest issued request
}

// New creates an idle controller bound to the given server client.
// pageSize <= 0 selects the package default.
func New(client *fhir.Client, pageSize int, logger zerolog.Logger) *Controller {
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	return &Controller{
		logger:      logger,
		client:      client,
		defaultSize: pageSize,
		pg:          pagination.Params{Page: 1, Size: pageSize},
		sort:        fhir.DefaultPatientSort,
		state:       StateIdle,
	}
}

// Load fetches the current selection. A session's first touch of the list
// lands here with the defaults.
func (c *Controller) Load(ctx context.Context) View {
	return c.do(ctx, nil)
}

// SetPage moves to the given 1-based page.
func (c *Controller) SetPage(ctx context.Context, page int) View {
	return c.do(ctx, func(c *Controller) {
		if page < 1 {
			page = 1
		}
		c.pg.Page = page
	})
}

// SetPageSize changes the page size and returns to the first page, since the
// old page number addresses different rows under the new size.
func (c *Controller) SetPageSize(ctx context.Context, size int) View {
	return c.do(ctx, func(c *Controller) {
		c.pg = pagination.Params{Page: 1, Size: size}.Normalize(c.defaultSize, pagination.MaxPageSize)
	})
}

// ToggleSort applies a sort-column click: clicking the active column flips
// its direction, clicking another column selects it ascending. The page
// number is kept; only the row order changes.
func (c *Controller) ToggleSort(ctx context.Context, field string) View {
	return c.do(ctx, func(c *Controller) {
		c.sort = c.sort.Toggle(field)
	})
}

// SetSearch submits new server-side filters and returns to the first page.
func (c *Controller) SetSearch(ctx context.Context, search fhir.PatientSearch) View {
	return c.do(ctx, func(c *Controller) {
		c.search = search
		c.pg.Page = 1
	})
}

// Retry re-issues the query for the current selection after an error.
func (c *Controller) Retry(ctx context.Context) View {
	return c.do(ctx, nil)
}

// SetClient switches the list to a different server. The selection returns
// to the first page and previously loaded rows are dropped: they belong to
// the old dataset.
func (c *Controller) SetClient(ctx context.Context, client *fhir.Client) View {
	return c.do(ctx, func(c *Controller) {
		c.client = client
		c.pg.Page = 1
		c.result = nil
		c.filter = ""
	})
}

// SetFilter sets the local text filter. The filter narrows the visible rows
// of the already-loaded page only: no state transition, no request.
func (c *Controller) SetFilter(q string) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = strings.TrimSpace(q)
	return c.viewLocked()
}

// View returns a snapshot of the current list state without side effects.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// do runs one user action: record the selection change, move to loading,
// issue the request, and apply the outcome unless a newer action superseded
// it. The fetch runs outside the lock so a slow upstream call never blocks
// other actions or snapshots.
func (c *Controller) do(ctx context.Context, mutate func(*Controller)) View {
	c.mu.Lock()
	if mutate != nil {
		mutate(c)
	}
	c.seq++
	seq := c.seq
	c.state = StateLoading
	c.errMsg = ""
	client, search, pg, sort := c.client, c.search, c.pg, c.sort
	c.mu.Unlock()

	result, err := client.SearchPatients(ctx, search, pg, sort)

	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.seq {
		c.logger.Debug().
			Uint64("seq", seq).
			Uint64("latest", c.seq).
			Msg("discarding superseded patient page")
		return c.viewLocked()
	}

	if err != nil {
		c.state = StateError
		c.errMsg = err.Error()
		c.logger.Warn().
			Err(err).
			Int("page", pg.Page).
			Int("page_size", pg.Size).
			Msg("patient list fetch failed")
		return c.viewLocked()
	}

	c.state = StateLoaded
	c.result = result
	return c.viewLocked()
}

// viewLocked builds the snapshot. Callers hold c.mu. Page, size, sort, and
// search always reflect the current selection; rows and totals come from the
// last successfully loaded page, which an error state keeps on display.
func (c *Controller) viewLocked() View {
	v := View{
		State:    c.state,
		Error:    c.errMsg,
		Patients: []fhir.Patient{},
		Visible:  []fhir.Patient{},
		Filter:   c.filter,
		Search:   c.search,
		Sort:     c.sort,
		Page:     c.pg.Page,
		PageSize: c.pg.Size,
	}
	if c.result != nil {
		v.Patients = c.result.Patients
		v.Total = c.result.Total
		v.TotalPages = c.result.TotalPages
		v.TotalEstimated = c.result.TotalEstimated
	}
	v.Visible = filterPatients(v.Patients, c.filter)
	return v
}

// filterPatients keeps the rows whose display name or primary identifier
// contains q, case-insensitively. A blank q keeps every row.
func filterPatients(patients []fhir.Patient, q string) []fhir.Patient {
	if q == "" {
		return patients
	}
	q = strings.ToLower(q)
	visible := make([]fhir.Patient, 0, len(patients))
	for i := range patients {
		p := &patients[i]
		if strings.Contains(strings.ToLower(p.DisplayName()), q) ||
			strings.Contains(strings.ToLower(p.PrimaryIdentifier()), q) {
			visible = append(visible, patients[i])
		}
	}
	return visible
}
