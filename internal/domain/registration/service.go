package registration

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
)

// Service registers patients against whichever server client the session is
// bound to. It holds no per-session state.
type Service struct {
	logger zerolog.Logger
}

func NewService(logger zerolog.Logger) *Service {
	return &Service{logger: logger}
}

// Register sanitizes and validates the form, then creates the patient on the
// given server. Validation failures are raised before any request is made.
func (s *Service) Register(ctx context.Context, client *fhir.Client, form Form) (*fhir.Patient, error) {
	form = form.Sanitize()
	if err := form.Validate(); err != nil {
		return nil, err
	}

	created, err := client.CreatePatient(ctx, form.ToPatient())
	if err != nil {
		s.logger.Warn().Err(err).Str("family", form.FamilyName).Msg("patient registration failed")
		return nil, err
	}

	s.logger.Info().Str("patient_id", created.ID).Msg("patient registered")
	return created, nil
}

// Organizations lists the organizations for the form's dropdown.
func (s *Service) Organizations(ctx context.Context, client *fhir.Client) ([]fhir.Organization, error) {
	return client.Organizations(ctx)
}
