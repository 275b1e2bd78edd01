// Package dashboard assembles the read-only landing view: total patient
// volume, the most recently updated records, and the organization roster
// size.
package dashboard

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
	"github.com/fhirdesk/fhirdesk/pkg/pagination"
)

const defaultRecentCount = 5

// View is the dashboard snapshot. Every card carries its own error slot so
// one failing upstream call degrades that card alone.
type View struct {
	TotalPatients      int            `json:"totalPatients"`
	TotalPatientsError string         `json:"totalPatientsError,omitempty"`
	Recent             []fhir.Patient `json:"recent"`
	RecentError        string         `json:"recentError,omitempty"`
	Organizations      int            `json:"organizations"`
	OrganizationsError string         `json:"organizationsError,omitempty"`
}

// Service builds dashboard views. It holds no per-session state; the
// session's server client is passed per call.
type Service struct {
	logger      zerolog.Logger
	recentCount int
}

func NewService(recentCount int, logger zerolog.Logger) *Service {
	if recentCount <= 0 {
		recentCount = defaultRecentCount
	}
	return &Service{recentCount: recentCount, logger: logger}
}

// Load fetches the three cards concurrently. It never returns an error:
// each card isolates its own failure into the view.
func (s *Service) Load(ctx context.Context, client *fhir.Client) View {
	var (
		view View
		wg   sync.WaitGroup
	)

	// Each goroutine writes only its own card's fields.
	wg.Add(3)
	go func() {
		defer wg.Done()
		total, err := client.CountPatients(ctx)
		if err != nil {
			view.TotalPatientsError = err.Error()
			s.logger.Warn().Err(err).Msg("dashboard patient count failed")
			return
		}
		view.TotalPatients = total
	}()
	go func() {
		defer wg.Done()
		pg := pagination.Params{Page: 1, Size: s.recentCount}
		page, err := client.SearchPatients(ctx, fhir.PatientSearch{}, pg, fhir.DefaultPatientSort)
		if err != nil {
			view.RecentError = err.Error()
			s.logger.Warn().Err(err).Msg("dashboard recent patients failed")
			return
		}
		view.Recent = page.Patients
	}()
	go func() {
		defer wg.Done()
		orgs, err := client.Organizations(ctx)
		if err != nil {
			view.OrganizationsError = err.Error()
			s.logger.Warn().Err(err).Msg("dashboard organizations failed")
			return
		}
		view.Organizations = len(orgs)
	}()
	wg.Wait()

	if view.Recent == nil {
		view.Recent = []fhir.Patient{}
	}
	return view
}
