package fhir

import (
	"encoding/json"
	"strings"
)

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome represents the FHIR error envelope remote servers attach
// to failed requests.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity,omitempty"`
	Code        string           `json:"code,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// ParseOutcome attempts to decode an error response body as an
// OperationOutcome. Returns nil when the body is not one; remote servers are
// not obliged to send outcomes and often return HTML or plain text.
func ParseOutcome(body []byte) *OperationOutcome {
	var o OperationOutcome
	if err := json.Unmarshal(body, &o); err != nil {
		return nil
	}
	if o.ResourceType != "OperationOutcome" || len(o.Issue) == 0 {
		return nil
	}
	return &o
}

// Summary flattens issue diagnostics into a single displayable line.
func (o *OperationOutcome) Summary() string {
	var parts []string
	for _, issue := range o.Issue {
		switch {
		case issue.Diagnostics != "":
			parts = append(parts, issue.Diagnostics)
		case issue.Details != nil && issue.Details.Label() != "":
			parts = append(parts, issue.Details.Label())
		case issue.Code != "":
			parts = append(parts, issue.Code)
		}
	}
	return strings.Join(parts, "; ")
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}
