package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fhirdesk/fhirdesk/internal/domain/patientdetail"
	"github.com/fhirdesk/fhirdesk/internal/domain/patientlist"
	"github.com/fhirdesk/fhirdesk/internal/domain/registration"
	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
)

// registerRoutes wires the browser-facing API. Every route runs behind the
// session middleware, so handlers can assume a session exists.
func (s *Server) registerRoutes(api *echo.Group) {
	// -- Patient list --
	api.GET("/patients", s.handlePatientList)
	api.POST("/patients/load", s.handlePatientPage)
	api.POST("/patients/search", s.handlePatientSearch)
	api.POST("/patients/sort", s.handlePatientSort)
	api.POST("/patients/filter", s.handlePatientFilter)
	api.POST("/patients/retry", s.handlePatientRetry)

	// -- Registration and detail --
	api.POST("/patients", s.handleCreatePatient)
	api.GET("/patients/:id", s.handlePatientDetail)
	api.POST("/patients/:id/encounters/:encounterID/conditions", s.handleExpandEncounter)
	api.GET("/patients/:id/conditions", s.handlePatientConditions)

	// -- Supporting views --
	api.GET("/organizations", s.handleOrganizations)
	api.GET("/dashboard", s.handleDashboard)

	// -- Server selection --
	api.GET("/servers", s.handleServers)
	api.PUT("/servers/active", s.handleSwitchServer)
}

// -- Patient list --

// handlePatientList returns the list view, loading the first page on the
// session's first touch. List actions respond 200 with the view even when
// the fetch failed: the error state, kept rows, and failed selection are
// all part of what the browser renders.
func (s *Server) handlePatientList(c echo.Context) error {
	list := s.session(c).List()
	v := list.View()
	if v.State == patientlist.StateIdle {
		v = list.Load(c.Request().Context())
	}
	return c.JSON(http.StatusOK, v)
}

type pageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// handlePatientPage moves the list to another page or page size. Page and
// page size are distinct user actions, each one request; naming both is
// rejected rather than guessing which was meant.
func (s *Server) handlePatientPage(c echo.Context) error {
	var req pageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	list := s.session(c).List()
	ctx := c.Request().Context()

	var v patientlist.View
	switch {
	case req.Page > 0 && req.PageSize > 0:
		return validationRejection(c, "set either page or pageSize, not both", nil)
	case req.PageSize > 0:
		v = list.SetPageSize(ctx, req.PageSize)
	case req.Page > 0:
		v = list.SetPage(ctx, req.Page)
	default:
		v = list.Load(ctx)
	}
	return c.JSON(http.StatusOK, v)
}

// handlePatientSearch replaces the server-side filter fields and reloads
// from the first page. Blank fields are simply absent from the upstream
// query, so an empty body resets the search.
func (s *Server) handlePatientSearch(c echo.Context) error {
	var search fhir.PatientSearch
	if err := c.Bind(&search); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.session(c).List().SetSearch(c.Request().Context(), search))
}

type sortRequest struct {
	Field string `json:"field"`
}

// handlePatientSort applies a sort-column click.
func (s *Server) handlePatientSort(c echo.Context) error {
	var req sortRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if _, ok := fhir.PatientSortKey(req.Field); !ok {
		return validationRejection(c, "unknown sort field", map[string]string{
			"field": "unknown sort field: " + req.Field,
		})
	}
	return c.JSON(http.StatusOK, s.session(c).List().ToggleSort(c.Request().Context(), req.Field))
}

type filterRequest struct {
	Q string `json:"q"`
}

// handlePatientFilter applies the local text filter to the loaded page.
// No upstream request is made.
func (s *Server) handlePatientFilter(c echo.Context) error {
	var req filterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, s.session(c).List().SetFilter(req.Q))
}

// handlePatientRetry re-issues the selection that last failed.
func (s *Server) handlePatientRetry(c echo.Context) error {
	return c.JSON(http.StatusOK, s.session(c).List().Retry(c.Request().Context()))
}

// -- Registration and detail --

// handleCreatePatient validates the registration form and creates the
// patient on the session's active server. Validation failures never reach
// the upstream server.
func (s *Server) handleCreatePatient(c echo.Context) error {
	var form registration.Form
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	created, err := s.registration.Register(c.Request().Context(), s.session(c).Client(), form)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// handlePatientDetail loads a patient's detail view. A missing patient is a
// 404 carrying the not-found view; an encounters failure leaves the patient
// visible with the failure isolated inside the view.
func (s *Server) handlePatientDetail(c echo.Context) error {
	v := s.session(c).Detail().Load(c.Request().Context(), c.Param("id"))
	if v.State == patientdetail.StateNotFound {
		return c.JSON(http.StatusNotFound, v)
	}
	return c.JSON(http.StatusOK, v)
}

// handleExpandEncounter returns the conditions of one encounter row,
// fetching them on first expansion and serving the cache afterwards.
func (s *Server) handleExpandEncounter(c echo.Context) error {
	conditions, err := s.session(c).Detail().ExpandEncounter(c.Request().Context(), c.Param("encounterID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, conditions)
}

// handlePatientConditions returns a patient's conditions, most recently
// recorded first.
func (s *Server) handlePatientConditions(c echo.Context) error {
	conditions, err := s.session(c).Detail().Conditions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, conditions)
}

// -- Supporting views --

// handleOrganizations lists organizations for the registration form's
// managing-organization dropdown.
func (s *Server) handleOrganizations(c echo.Context) error {
	orgs, err := s.registration.Organizations(c.Request().Context(), s.session(c).Client())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, orgs)
}

// handleDashboard assembles the landing page cards. Each card degrades
// independently; the endpoint itself always succeeds.
func (s *Server) handleDashboard(c echo.Context) error {
	return c.JSON(http.StatusOK, s.dashboard.Load(c.Request().Context(), s.session(c).Client()))
}

// -- Server selection --

type serversResponse struct {
	Servers []string `json:"servers"`
	Active  string   `json:"active"`
}

// handleServers reports the configured FHIR servers and the session's
// active selection.
func (s *Server) handleServers(c echo.Context) error {
	return c.JSON(http.StatusOK, serversResponse{
		Servers: s.cfg.Endpoints(),
		Active:  s.session(c).Endpoint(),
	})
}

type switchServerRequest struct {
	URL string `json:"url"`
}

// handleSwitchServer moves the session to another configured server,
// persists the choice, and reloads the patient list from the new server's
// first page. The detail view and its expansion caches are dropped: they
// belong to the previous server's data.
func (s *Server) handleSwitchServer(c echo.Context) error {
	var req switchServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	endpoint := strings.TrimRight(strings.TrimSpace(req.URL), "/")
	if _, ok := s.clients[endpoint]; !ok {
		return validationRejection(c, "not one of the configured servers", map[string]string{
			"url": "not one of the configured servers",
		})
	}

	sess := s.session(c)
	ctx := c.Request().Context()

	// Persistence failing only affects future sessions; the switch itself
	// still applies, so warn and carry on.
	if err := s.prefs.SetActiveEndpoint(ctx, sess.ID, endpoint); err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("persisting server preference failed")
	}

	client := s.sessions.Switch(sess, endpoint)
	sess.List().SetClient(ctx, client)

	return c.JSON(http.StatusOK, serversResponse{
		Servers: s.cfg.Endpoints(),
		Active:  endpoint,
	})
}
