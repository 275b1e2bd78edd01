package fhir

import (
	"context"

	"github.com/fhirdesk/fhirdesk/pkg/pagination"
)

// PagedPatients is the uniform result shape every patient search resolves
// to, regardless of how unreliable the server's own pagination metadata was.
// It is rebuilt on every fetch and never persisted.
type PagedPatients struct {
	Patients       []Patient    `json:"patients"`
	Total          int          `json:"total"`
	PageSize       int          `json:"pageSize"`
	PageNumber     int          `json:"pageNumber"`
	TotalPages     int          `json:"totalPages"`
	TotalEstimated bool         `json:"totalEstimated,omitempty"`
	Links          []BundleLink `json:"links,omitempty"`
}

// reconciliation outcomes, used as a metric label.
const (
	reconcileReported = "reported"
	reconcileRecount  = "recount"
	reconcileEstimate = "estimate"
)

// reconcileTotal corrects the reported bundle total when it is implausible.
// Some servers report total=0 while still returning entries; that is a
// data-quality anomaly, not a fault, so it is never surfaced as an error.
//
// Recovery order: re-query the authoritative count endpoint, and if that is
// unavailable or also zero, estimate from the page coordinates. The estimate
// adds one extra when the page came back full, signalling "at least one more
// page may exist" without claiming exact knowledge, so it is approximate by
// construction and flagged as such.
func reconcileTotal(ctx context.Context, reported, entryCount int, pg pagination.Params, recount func(context.Context) (int, error)) (total int, estimated bool, mode string) {
	if reported > 0 || entryCount == 0 {
		if reported < 0 {
			reported = 0
		}
		return reported, false, reconcileReported
	}

	if recount != nil {
		if n, err := recount(ctx); err == nil && n > 0 {
			return n, false, reconcileRecount
		}
	}

	total = pg.Offset() + entryCount
	if entryCount == pg.Size {
		total++
	}
	return total, true, reconcileEstimate
}
