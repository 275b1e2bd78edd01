package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Params holds page-numbered pagination parameters. Pages are 1-based;
// the wire offset is derived, never stored.
type Params struct {
	Page int
	Size int
}

// FromContext extracts pagination parameters from the echo context.
// Accepts "page"/"pageSize" and the FHIR-style "_count" as a size alias.
func FromContext(c echo.Context) Params {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}

	size, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if size <= 0 {
		size, _ = strconv.Atoi(c.QueryParam("_count"))
	}

	return Params{Page: page, Size: size}.Normalize(DefaultPageSize, MaxPageSize)
}

// Normalize clamps the params to sane values: page at least 1, size
// defaulting to def when unset and capped at max.
func (p Params) Normalize(def, max int) Params {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = def
	}
	if max > 0 && p.Size > max {
		p.Size = max
	}
	return p
}

// Offset returns the zero-based record offset for the page.
func (p Params) Offset() int {
	if p.Page < 1 || p.Size < 1 {
		return 0
	}
	return (p.Page - 1) * p.Size
}

// TotalPages computes the page count for a result set. A result set is
// never presented as having zero pages: an empty table is page 1 of 1.
func (p Params) TotalPages(total int) int {
	return TotalPages(total, p.Size)
}

// TotalPages returns max(1, ceil(total/size)).
func TotalPages(total, size int) int {
	if size < 1 {
		return 1
	}
	pages := (total + size - 1) / size
	if pages < 1 {
		return 1
	}
	return pages
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset()+p.Size < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Page > 1
}

// Next returns the params for the following page.
func (p Params) Next() Params {
	return Params{Page: p.Page + 1, Size: p.Size}
}

// Previous returns the params for the preceding page, clamped at page 1.
func (p Params) Previous() Params {
	if p.Page <= 1 {
		return Params{Page: 1, Size: p.Size}
	}
	return Params{Page: p.Page - 1, Size: p.Size}
}
