package fhir

import "strings"

// SortSpec represents a single sort directive.
type SortSpec struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending"`
}

// Logical sort fields exposed by the patient table. Each maps to the search
// parameter the remote server actually sorts on.
const (
	SortByName        = "name"
	SortByGender      = "gender"
	SortByBirthDate   = "birthDate"
	SortByLastUpdated = "lastUpdated"
	SortByID          = "id"
)

var patientSortKeys = map[string]string{
	SortByName:        "family",
	SortByGender:      "gender",
	SortByBirthDate:   "birthdate",
	SortByLastUpdated: "_lastUpdated",
	SortByID:          "_id",
}

// DefaultPatientSort is applied when no column has been selected.
var DefaultPatientSort = SortSpec{Field: SortByLastUpdated, Descending: true}

// PatientSortKey maps a logical sort field to its server sort key.
func PatientSortKey(field string) (string, bool) {
	key, ok := patientSortKeys[field]
	return key, ok
}

// Format renders the spec as a _sort parameter value using the given server
// key. A leading "-" indicates descending order.
func (s SortSpec) Format(key string) string {
	if s.Descending {
		return "-" + key
	}
	return key
}

// Toggle returns the spec that results from clicking the given column:
// clicking the active column flips its direction, clicking another column
// selects it ascending.
func (s SortSpec) Toggle(field string) SortSpec {
	if s.Field == field {
		return SortSpec{Field: field, Descending: !s.Descending}
	}
	return SortSpec{Field: field}
}

// ParseSort parses a _sort-style value ("-date,status" means date DESC,
// status ASC) into sort specs.
func ParseSort(sortParam string) []SortSpec {
	if sortParam == "" {
		return nil
	}

	parts := strings.Split(sortParam, ",")
	specs := make([]SortSpec, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		spec := SortSpec{}
		if strings.HasPrefix(part, "-") {
			spec.Descending = true
			spec.Field = part[1:]
		} else {
			spec.Field = part
		}

		if spec.Field != "" {
			specs = append(specs, spec)
		}
	}

	return specs
}
