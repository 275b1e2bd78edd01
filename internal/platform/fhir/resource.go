package fhir

import (
	"strings"

	"github.com/fhirdesk/fhirdesk/pkg/fhirmodels"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

// Meta carries versioning and conformance metadata. LastUpdated stays a raw
// string: external servers emit it with varying precision and we only display it.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Label returns the best human-readable rendering of the concept.
func (c *CodeableConcept) Label() string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	for _, coding := range c.Coding {
		if coding.Display != "" {
			return coding.Display
		}
	}
	for _, coding := range c.Coding {
		if coding.Code != "" {
			return coding.Code
		}
	}
	return ""
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

// RefID extracts the id portion of a "Type/id" reference string.
func (r *Reference) RefID() string {
	if r == nil {
		return ""
	}
	if i := strings.LastIndex(r.Reference, "/"); i >= 0 {
		return r.Reference[i+1:]
	}
	return r.Reference
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Display renders a name as "Family, Given". Falls back to the text form
// when the structured parts are absent.
func (n HumanName) Display() string {
	family := strings.TrimSpace(n.Family)
	given := strings.TrimSpace(strings.Join(n.Given, " "))
	switch {
	case family != "" && given != "":
		return family + ", " + given
	case family != "":
		return family
	case given != "":
		return given
	default:
		return strings.TrimSpace(n.Text)
	}
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Type       string   `json:"type,omitempty"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

// Period uses raw strings: FHIR permits partial-precision dates ("2019",
// "2019-03") that time.Time cannot round-trip.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Patient is the display-oriented view of an external Patient resource.
// It is never validated or persisted locally.
type Patient struct {
	ResourceType         string         `json:"resourceType"`
	ID                   string         `json:"id,omitempty"`
	Meta                 *Meta          `json:"meta,omitempty"`
	Identifier           []Identifier   `json:"identifier,omitempty"`
	Active               *bool          `json:"active,omitempty"`
	Name                 []HumanName    `json:"name,omitempty"`
	Telecom              []ContactPoint `json:"telecom,omitempty"`
	Gender               string         `json:"gender,omitempty"`
	BirthDate            string         `json:"birthDate,omitempty"`
	Address              []Address      `json:"address,omitempty"`
	ManagingOrganization *Reference     `json:"managingOrganization,omitempty"`
}

// DisplayName returns the patient's first usable name rendering.
func (p *Patient) DisplayName() string {
	for _, n := range p.Name {
		if s := n.Display(); s != "" {
			return s
		}
	}
	return ""
}

// PrimaryIdentifier returns the first non-empty identifier value.
func (p *Patient) PrimaryIdentifier() string {
	for _, id := range p.Identifier {
		if id.Value != "" {
			return id.Value
		}
	}
	return ""
}

// LastUpdated returns the meta.lastUpdated timestamp string, if any.
func (p *Patient) LastUpdated() string {
	if p.Meta == nil {
		return ""
	}
	return p.Meta.LastUpdated
}

// Encounter is the display-oriented view of an external Encounter resource.
type Encounter struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id,omitempty"`
	Meta            *Meta             `json:"meta,omitempty"`
	Status          string            `json:"status,omitempty"`
	Class           *Coding           `json:"class,omitempty"`
	Type            []CodeableConcept `json:"type,omitempty"`
	Subject         *Reference        `json:"subject,omitempty"`
	Period          *Period           `json:"period,omitempty"`
	ReasonCode      []CodeableConcept `json:"reasonCode,omitempty"`
	ServiceProvider *Reference        `json:"serviceProvider,omitempty"`
}

// TypeLabel returns the first encounter type rendering.
func (e *Encounter) TypeLabel() string {
	for i := range e.Type {
		if s := e.Type[i].Label(); s != "" {
			return s
		}
	}
	return ""
}

// ClassLabel renders the encounter class. Servers usually send the bare
// v3-ActCode code ("IMP", "AMB") with no display text, so the value-set
// name fills in.
func (e *Encounter) ClassLabel() string {
	if e.Class == nil {
		return ""
	}
	if e.Class.Display != "" {
		return e.Class.Display
	}
	return fhirmodels.EncounterClassName(e.Class.Code)
}

// Condition is the display-oriented view of an external Condition resource.
type Condition struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	Meta               *Meta            `json:"meta,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Code               *CodeableConcept `json:"code,omitempty"`
	Subject            *Reference       `json:"subject,omitempty"`
	Encounter          *Reference       `json:"encounter,omitempty"`
	OnsetDateTime      string           `json:"onsetDateTime,omitempty"`
	RecordedDate       string           `json:"recordedDate,omitempty"`
}

// ClinicalLabel renders the condition's clinical status for display,
// normalizing bare value-set codes.
func (c *Condition) ClinicalLabel() string {
	if c.ClinicalStatus == nil {
		return ""
	}
	return fhirmodels.ConditionClinicalName(c.ClinicalStatus.Label())
}

// Organization is the display-oriented view of an external Organization resource.
type Organization struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Active       *bool             `json:"active,omitempty"`
	Name         string            `json:"name,omitempty"`
	Type         []CodeableConcept `json:"type,omitempty"`
	Telecom      []ContactPoint    `json:"telecom,omitempty"`
	Address      []Address         `json:"address,omitempty"`
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
