// Package registration handles patient creation: client-side form
// validation, assembly of the FHIR Patient payload, and the organization
// list backing the form's managing-organization dropdown.
package registration

import (
	"net/mail"
	"time"

	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
	"github.com/fhirdesk/fhirdesk/internal/platform/middleware"
	"github.com/fhirdesk/fhirdesk/pkg/fhirmodels"
)

const birthDateLayout = "2006-01-02"

// Form carries the registration fields as entered in the browser.
type Form struct {
	GivenName      string `json:"givenName"`
	FamilyName     string `json:"familyName"`
	Gender         string `json:"gender,omitempty"`
	BirthDate      string `json:"birthDate,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	AddressLine    string `json:"addressLine,omitempty"`
	City           string `json:"city,omitempty"`
	PostalCode     string `json:"postalCode,omitempty"`
	Country        string `json:"country,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// Sanitize returns a copy with the free-text fields cleaned: null and
// control characters stripped, surrounding whitespace trimmed.
func (f Form) Sanitize() Form {
	f.GivenName = middleware.SanitizeString(f.GivenName)
	f.FamilyName = middleware.SanitizeString(f.FamilyName)
	f.Phone = middleware.SanitizeString(f.Phone)
	f.Email = middleware.SanitizeString(f.Email)
	f.AddressLine = middleware.SanitizeString(f.AddressLine)
	f.City = middleware.SanitizeString(f.City)
	f.PostalCode = middleware.SanitizeString(f.PostalCode)
	f.Country = middleware.SanitizeString(f.Country)
	f.OrganizationID = middleware.SanitizeString(f.OrganizationID)
	return f
}

// Validate checks the form before any request is made. Failures come back
// as a validation error carrying one message per offending field.
func (f Form) Validate() error {
	fields := map[string]string{}

	if f.GivenName == "" {
		fields["givenName"] = "given name is required"
	}
	if f.FamilyName == "" {
		fields["familyName"] = "family name is required"
	}
	if f.Gender != "" && !fhirmodels.IsGender(f.Gender) {
		fields["gender"] = "must be one of male, female, other, unknown"
	}
	if f.BirthDate != "" {
		born, err := time.Parse(birthDateLayout, f.BirthDate)
		switch {
		case err != nil:
			fields["birthDate"] = "must be a full date formatted YYYY-MM-DD"
		case born.After(time.Now()):
			fields["birthDate"] = "must not be in the future"
		}
	}
	if f.Email != "" {
		// Strict addr-spec only: display-name forms are not form input.
		if addr, err := mail.ParseAddress(f.Email); err != nil || addr.Address != f.Email {
			fields["email"] = "must be a valid email address"
		}
	}

	if len(fields) > 0 {
		return fhir.ValidationError(fields)
	}
	return nil
}

// ToPatient assembles the creation payload. Optional sections are omitted
// entirely when their fields are blank.
func (f Form) ToPatient() *fhir.Patient {
	p := &fhir.Patient{
		ResourceType: "Patient",
		Name: []fhir.HumanName{{
			Use:    "official",
			Family: f.FamilyName,
			Given:  []string{f.GivenName},
		}},
		Gender:    f.Gender,
		BirthDate: f.BirthDate,
	}

	var telecom []fhir.ContactPoint
	if f.Phone != "" {
		telecom = append(telecom, fhir.ContactPoint{System: "phone", Value: f.Phone, Use: "home", Rank: 1})
	}
	if f.Email != "" {
		telecom = append(telecom, fhir.ContactPoint{System: "email", Value: f.Email, Use: "home", Rank: 2})
	}
	p.Telecom = telecom

	if f.AddressLine != "" || f.City != "" || f.PostalCode != "" || f.Country != "" {
		addr := fhir.Address{
			Use:        "home",
			City:       f.City,
			PostalCode: f.PostalCode,
			Country:    f.Country,
		}
		if f.AddressLine != "" {
			addr.Line = []string{f.AddressLine}
		}
		p.Address = []fhir.Address{addr}
	}

	if f.OrganizationID != "" {
		p.ManagingOrganization = &fhir.Reference{
			Reference: fhir.FormatReference("Organization", f.OrganizationID),
		}
	}
	return p
}
