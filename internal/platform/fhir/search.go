package fhir

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/fhirdesk/fhirdesk/pkg/pagination"
)

// PatientSearch holds the structured filter fields of the patient table.
// Every field is optional; blank fields are omitted from the query entirely
// rather than sent as empty-valued parameters.
type PatientSearch struct {
	Name       string `json:"name,omitempty"`
	Given      string `json:"given,omitempty"`
	Family     string `json:"family,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Gender     string `json:"gender,omitempty"`
	BirthDate  string `json:"birthdate,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
	Address    string `json:"address,omitempty"`
}

// Values emits the non-blank filter fields as search parameters.
func (s PatientSearch) Values() url.Values {
	v := url.Values{}
	add := func(key, val string) {
		if val = strings.TrimSpace(val); val != "" {
			v.Set(key, val)
		}
	}
	add("name", s.Name)
	add("given", s.Given)
	add("family", s.Family)
	add("identifier", s.Identifier)
	add("gender", s.Gender)
	add("birthdate", s.BirthDate)
	add("phone", s.Phone)
	add("email", s.Email)
	add("address", s.Address)
	return v
}

// IsZero reports whether no filter field is set.
func (s PatientSearch) IsZero() bool {
	return len(s.Values()) == 0
}

// patientSearchQuery builds the full query string for a patient page:
// filters plus sort, count, offset, and an accurate-total request. It never
// fails; unknown sort fields fall back to the default sort.
func patientSearchQuery(search PatientSearch, pg pagination.Params, sort SortSpec) url.Values {
	v := search.Values()

	key, ok := PatientSortKey(sort.Field)
	if !ok {
		sort = DefaultPatientSort
		key, _ = PatientSortKey(sort.Field)
	}
	v.Set("_sort", sort.Format(key))
	v.Set("_count", strconv.Itoa(pg.Size))
	v.Set("_getpagesoffset", strconv.Itoa(pg.Offset()))
	v.Set("_total", "accurate")
	return v
}
