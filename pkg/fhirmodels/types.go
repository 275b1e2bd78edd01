// Package fhirmodels carries the FHIR value-set vocabulary the patient
// browser renders: the administrative-gender set backing the registration
// form and display names for coded fields that external servers routinely
// send without display text.
package fhirmodels

// Genders is the FHIR administrative-gender value set, in the order the
// registration form presents it.
var Genders = []string{"male", "female", "other", "unknown"}

// IsGender reports whether code is a member of the administrative-gender
// value set.
func IsGender(code string) bool {
	for _, g := range Genders {
		if g == code {
			return true
		}
	}
	return false
}

// encounterClassNames maps v3-ActCode encounter class codes to display
// names. Encounter.class arrives as a bare Coding more often than not, so
// list views fall back to this table when the display text is missing.
var encounterClassNames = map[string]string{
	"AMB":    "ambulatory",
	"EMER":   "emergency",
	"FLD":    "field",
	"HH":     "home health",
	"IMP":    "inpatient",
	"ACUTE":  "inpatient acute",
	"NONAC":  "inpatient non-acute",
	"OBSENC": "observation",
	"PRENC":  "pre-admission",
	"SS":     "short stay",
	"VR":     "virtual",
}

// EncounterClassName returns the display name for an encounter class code.
// Unknown codes come back unchanged: showing the raw code beats hiding the
// field.
func EncounterClassName(code string) string {
	if name, ok := encounterClassNames[code]; ok {
		return name
	}
	return code
}

// conditionClinicalNames maps condition-clinical status codes to display
// names. Most codes read fine as-is; the table spells out the ones that do
// not and confirms membership for the ones that do.
var conditionClinicalNames = map[string]string{
	"active":     "active",
	"recurrence": "recurrence",
	"relapse":    "relapse",
	"inactive":   "inactive",
	"remission":  "in remission",
	"resolved":   "resolved",
}

// ConditionClinicalName returns the display name for a condition clinical
// status code, or the code itself when it is not a known status.
func ConditionClinicalName(code string) string {
	if name, ok := conditionClinicalNames[code]; ok {
		return name
	}
	return code
}
