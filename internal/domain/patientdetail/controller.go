// Package patientdetail owns the state behind a single patient's detail
// view: the patient record, the recent-encounters table, and the lazily
// expanded per-encounter condition rows.
package patientdetail

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
)

// State is the detail view's lifecycle phase. A 404 on the patient itself is
// a dedicated state, not a generic error.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateLoaded   State = "loaded"
	StateNotFound State = "not-found"
	StateError    State = "error"
)

// View is a snapshot of the detail state. A failure fetching encounters is
// isolated in EncountersError so the patient record still renders.
type View struct {
	State           State            `json:"state"`
	Error           string           `json:"error,omitempty"`
	PatientID       string           `json:"patientId,omitempty"`
	Patient         *fhir.Patient    `json:"patient,omitempty"`
	Encounters      []fhir.Encounter `json:"encounters"`
	EncountersError string           `json:"encountersError,omitempty"`
}

// expansion tracks one encounter row's condition fetch. done closes when the
// fetch finishes; conditions and err are immutable afterwards.
type expansion struct {
	done       chan struct{}
	conditions []fhir.Condition
	err        error
}

// Controller drives one session's patient detail view. Loading a patient
// starts a fresh view lifetime: expansion caches belong to the previous
// view and are dropped.
type Controller struct {
	mu     sync.Mutex
	logger zerolog.Logger

	client         *fhir.Client
	encounterCount int

	patientID  string
	state      State
	errMsg     string
	patient    *fhir.Patient
	encounters []fhir.Encounter
	encErr     string

	expansions map[string]*expansion

	seq uint64 // latest issued load
}

// New creates an idle detail controller. encounterCount bounds the recent
// encounters fetched per patient; <= 0 selects the client default.
func New(client *fhir.Client, encounterCount int, logger zerolog.Logger) *Controller {
	return &Controller{
		logger:         logger,
		client:         client,
		encounterCount: encounterCount,
		state:          StateIdle,
		expansions:     make(map[string]*expansion),
	}
}

// Load fetches the patient and their recent encounters, replacing whatever
// the view held before. A 404 on the patient moves the view to not-found;
// an encounters failure other than 404 is kept on the side so the patient
// record still displays.
func (c *Controller) Load(ctx context.Context, id string) View {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.patientID = id
	c.state = StateLoading
	c.errMsg = ""
	c.patient = nil
	c.encounters = nil
	c.encErr = ""
	c.expansions = make(map[string]*expansion)
	client, count := c.client, c.encounterCount
	c.mu.Unlock()

	patient, err := client.GetPatient(ctx, id)

	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if seq != c.seq {
			return c.viewLocked()
		}
		if fhir.IsNotFound(err) {
			c.state = StateNotFound
			return c.viewLocked()
		}
		c.state = StateError
		c.errMsg = err.Error()
		c.logger.Warn().Err(err).Str("patient_id", id).Msg("patient detail fetch failed")
		return c.viewLocked()
	}

	encounters, encErr := client.PatientEncounters(ctx, id, count)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return c.viewLocked()
	}
	c.state = StateLoaded
	c.patient = patient
	if encErr != nil {
		c.encErr = encErr.Error()
		c.logger.Warn().Err(encErr).Str("patient_id", id).Msg("patient encounters fetch failed")
	} else {
		c.encounters = encounters
	}
	return c.viewLocked()
}

// ExpandEncounter returns the conditions recorded against an encounter. The
// first expansion of a row fetches; the result is cached for the view's
// lifetime, so collapsing and re-expanding never refetches. Concurrent
// expands of the same row share one fetch. Failures are not cached: the next
// expand of that row retries.
func (c *Controller) ExpandEncounter(ctx context.Context, encounterID string) ([]fhir.Condition, error) {
	c.mu.Lock()
	if exp, ok := c.expansions[encounterID]; ok {
		c.mu.Unlock()
		select {
		case <-exp.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return exp.conditions, exp.err
	}

	exp := &expansion{done: make(chan struct{})}
	c.expansions[encounterID] = exp
	client := c.client
	c.mu.Unlock()

	conditions, err := client.EncounterConditions(ctx, encounterID)

	c.mu.Lock()
	if err != nil {
		exp.err = err
		delete(c.expansions, encounterID)
		c.logger.Warn().Err(err).Str("encounter_id", encounterID).Msg("encounter conditions fetch failed")
	} else {
		exp.conditions = conditions
	}
	close(exp.done)
	c.mu.Unlock()

	return exp.conditions, exp.err
}

// Conditions fetches a patient's condition history for the summary panel.
// It is stateless: a 404 from the server yields an empty list, everything
// else propagates.
func (c *Controller) Conditions(ctx context.Context, patientID string) ([]fhir.Condition, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client.PatientConditions(ctx, patientID)
}

// View returns a snapshot of the detail state without side effects.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		State:           c.state,
		Error:           c.errMsg,
		PatientID:       c.patientID,
		Patient:         c.patient,
		Encounters:      []fhir.Encounter{},
		EncountersError: c.encErr,
	}
	if c.encounters != nil {
		v.Encounters = c.encounters
	}
	return v
}
