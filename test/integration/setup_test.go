// Package integration exercises the assembled server end to end: the real
// echo stack, middleware, sessions, and view controllers, talking to
// scripted FHIR upstreams over HTTP.
package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirdesk/fhirdesk/internal/config"
	"github.com/fhirdesk/fhirdesk/internal/domain/patientdetail"
	"github.com/fhirdesk/fhirdesk/internal/domain/patientlist"
	"github.com/fhirdesk/fhirdesk/internal/domain/prefs"
	"github.com/fhirdesk/fhirdesk/internal/platform/fhir"
	"github.com/fhirdesk/fhirdesk/internal/server"
)

// ===================== Stub FHIR upstream =====================

// fhirStub is a scripted FHIR server. Tests seed it with resources, point
// the real client stack at its URL, and assert on both the responses and
// the requests it received.
type fhirStub struct {
	srv *httptest.Server

	mu           sync.Mutex
	patients     []fhir.Patient
	encounters   map[string][]fhir.Encounter
	encConds     map[string][]fhir.Condition
	patientConds map[string][]fhir.Condition
	orgs         []fhir.Organization
	nextID       int
	down         bool
	countDown    bool // fails only the _summary=count endpoint
	searchTotal  *int // overrides the total field in search bundles
	countTotal   *int // overrides the _summary=count response
	requests     []string
}

func newFHIRStub() *fhirStub {
	s := &fhirStub{
		encounters:   make(map[string][]fhir.Encounter),
		encConds:     make(map[string][]fhir.Condition),
		patientConds: make(map[string][]fhir.Condition),
		nextID:       1,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *fhirStub) Close()      { s.srv.Close() }
func (s *fhirStub) URL() string { return s.srv.URL }

func (s *fhirStub) addPatient(family, given string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("pat-%d", s.nextID)
	s.nextID++
	s.patients = append(s.patients, fhir.Patient{
		ResourceType: "Patient",
		ID:           id,
		Name:         []fhir.HumanName{{Family: family, Given: []string{given}}},
	})
	return id
}

func (s *fhirStub) addEncounter(patientID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("enc-%d", s.nextID)
	s.nextID++
	s.encounters[patientID] = append(s.encounters[patientID], fhir.Encounter{
		ResourceType: "Encounter",
		ID:           id,
		Status:       "finished",
		Subject:      &fhir.Reference{Reference: fhir.FormatReference("Patient", patientID)},
	})
	return id
}

func (s *fhirStub) addCondition(patientID, encounterID, label string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("cond-%d", s.nextID)
	s.nextID++
	cond := fhir.Condition{
		ResourceType: "Condition",
		ID:           id,
		Code:         &fhir.CodeableConcept{Text: label},
		Subject:      &fhir.Reference{Reference: fhir.FormatReference("Patient", patientID)},
	}
	if encounterID != "" {
		cond.Encounter = &fhir.Reference{Reference: fhir.FormatReference("Encounter", encounterID)}
		s.encConds[encounterID] = append(s.encConds[encounterID], cond)
	}
	s.patientConds[patientID] = append(s.patientConds[patientID], cond)
	return id
}

func (s *fhirStub) addOrganization(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fmt.Sprintf("org-%d", s.nextID)
	s.nextID++
	s.orgs = append(s.orgs, fhir.Organization{ResourceType: "Organization", ID: id, Name: name})
}

func (s *fhirStub) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// setSearchTotal makes every search bundle claim the given total regardless
// of the real dataset, imitating servers that report broken totals.
func (s *fhirStub) setSearchTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchTotal = &n
}

// setCountTotal fixes the _summary=count response.
func (s *fhirStub) setCountTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countTotal = &n
}

// setCountDown fails the _summary=count endpoint while searches keep working.
func (s *fhirStub) setCountDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countDown = down
}

// requestCount reports how many recorded requests match the method, path,
// and (when non-empty) a substring of the raw query.
func (s *fhirStub) requestCount(method, path, querySub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		parts := strings.SplitN(r, " ", 3)
		if parts[0] != method || parts[1] != path {
			continue
		}
		if querySub != "" && !strings.Contains(parts[2], querySub) {
			continue
		}
		n++
	}
	return n
}

func (s *fhirStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path+" "+r.URL.RawQuery)
	down := s.down
	s.mu.Unlock()

	if down {
		writeFHIR(w, http.StatusBadGateway, []byte(`{"resourceType":"OperationOutcome"}`))
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/metadata":
		writeFHIR(w, http.StatusOK, []byte(`{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`))
	case r.Method == http.MethodGet && r.URL.Path == "/Patient":
		s.servePatientSearch(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/Patient":
		s.servePatientCreate(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/Patient/"):
		s.servePatientRead(w, strings.TrimPrefix(r.URL.Path, "/Patient/"))
	case r.Method == http.MethodGet && r.URL.Path == "/Encounter":
		s.serveEncounters(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/Condition":
		s.serveConditions(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/Organization":
		s.serveOrganizations(w)
	default:
		writeFHIR(w, http.StatusNotFound, []byte(`{"resourceType":"OperationOutcome"}`))
	}
}

func (s *fhirStub) servePatientSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]fhir.Patient, 0, len(s.patients))
	for _, p := range s.patients {
		if matchesQuery(&p, q) {
			matched = append(matched, p)
		}
	}

	if q.Get("_summary") == "count" {
		if s.countDown {
			writeFHIR(w, http.StatusInternalServerError, []byte(`{"resourceType":"OperationOutcome"}`))
			return
		}
		total := len(matched)
		if s.countTotal != nil {
			total = *s.countTotal
		}
		writeFHIR(w, http.StatusOK, bundleJSON(total))
		return
	}

	sortPatients(matched, q.Get("_sort"))

	count := len(matched)
	if n, err := strconv.Atoi(q.Get("_count")); err == nil && n >= 0 {
		count = n
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("_getpagesoffset")); err == nil && n > 0 {
		offset = n
	}

	window := []fhir.Patient{}
	if offset < len(matched) {
		end := offset + count
		if end > len(matched) {
			end = len(matched)
		}
		window = matched[offset:end]
	}

	total := len(matched)
	if s.searchTotal != nil {
		total = *s.searchTotal
	}

	resources := make([]any, len(window))
	for i := range window {
		resources[i] = window[i]
	}
	writeFHIR(w, http.StatusOK, bundleJSON(total, resources...))
}

func matchesQuery(p *fhir.Patient, q map[string][]string) bool {
	get := func(key string) string {
		if vs, ok := q[key]; ok && len(vs) > 0 {
			return strings.ToLower(vs[0])
		}
		return ""
	}
	containsFold := func(val, sub string) bool {
		return sub == "" || strings.Contains(strings.ToLower(val), sub)
	}

	if f := get("family"); f != "" {
		hit := false
		for _, n := range p.Name {
			if containsFold(n.Family, f) {
				hit = true
			}
		}
		if !hit {
			return false
		}
	}
	if g := get("given"); g != "" {
		hit := false
		for _, n := range p.Name {
			for _, given := range n.Given {
				if containsFold(given, g) {
					hit = true
				}
			}
		}
		if !hit {
			return false
		}
	}
	if n := get("name"); n != "" && !containsFold(p.DisplayName(), n) {
		return false
	}
	if g := get("gender"); g != "" && strings.ToLower(p.Gender) != g {
		return false
	}
	if id := get("identifier"); id != "" && strings.ToLower(p.PrimaryIdentifier()) != id {
		return false
	}
	return true
}

// sortPatients honors family-name ordering; any other sort keeps insertion
// order, which is all the scenarios need.
func sortPatients(patients []fhir.Patient, key string) {
	byFamily := func(i, j int) bool {
		return patients[i].DisplayName() < patients[j].DisplayName()
	}
	switch key {
	case "family":
		sort.SliceStable(patients, byFamily)
	case "-family":
		sort.SliceStable(patients, func(i, j int) bool { return byFamily(j, i) })
	}
}

func (s *fhirStub) servePatientCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeFHIR(w, http.StatusBadRequest, []byte(`{"resourceType":"OperationOutcome"}`))
		return
	}
	var p fhir.Patient
	if err := json.Unmarshal(body, &p); err != nil {
		writeFHIR(w, http.StatusBadRequest, []byte(`{"resourceType":"OperationOutcome"}`))
		return
	}

	s.mu.Lock()
	p.ResourceType = "Patient"
	p.ID = fmt.Sprintf("srv-%d", s.nextID)
	s.nextID++
	s.patients = append(s.patients, p)
	s.mu.Unlock()

	out, _ := json.Marshal(&p)
	writeFHIR(w, http.StatusCreated, out)
}

func (s *fhirStub) servePatientRead(w http.ResponseWriter, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.patients {
		if s.patients[i].ID == id {
			out, _ := json.Marshal(&s.patients[i])
			writeFHIR(w, http.StatusOK, out)
			return
		}
	}
	writeFHIR(w, http.StatusNotFound, []byte(`{"resourceType":"OperationOutcome"}`))
}

func (s *fhirStub) serveEncounters(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.encounters[r.URL.Query().Get("patient")]
	if n, err := strconv.Atoi(r.URL.Query().Get("_count")); err == nil && n >= 0 && n < len(list) {
		list = list[:n]
	}
	resources := make([]any, len(list))
	for i := range list {
		resources[i] = list[i]
	}
	writeFHIR(w, http.StatusOK, bundleJSON(len(list), resources...))
}

func (s *fhirStub) serveConditions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []fhir.Condition
	if enc := r.URL.Query().Get("encounter"); enc != "" {
		list = s.encConds[enc]
	} else {
		list = s.patientConds[r.URL.Query().Get("patient")]
	}
	resources := make([]any, len(list))
	for i := range list {
		resources[i] = list[i]
	}
	writeFHIR(w, http.StatusOK, bundleJSON(len(list), resources...))
}

func (s *fhirStub) serveOrganizations(w http.ResponseWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resources := make([]any, len(s.orgs))
	for i := range s.orgs {
		resources[i] = s.orgs[i]
	}
	writeFHIR(w, http.StatusOK, bundleJSON(len(s.orgs), resources...))
}

func bundleJSON(total int, resources ...any) []byte {
	type entry struct {
		Resource json.RawMessage `json:"resource"`
	}
	bundle := struct {
		ResourceType string  `json:"resourceType"`
		Type         string  `json:"type"`
		Total        int     `json:"total"`
		Entry        []entry `json:"entry,omitempty"`
	}{ResourceType: "Bundle", Type: "searchset", Total: total}
	for _, r := range resources {
		raw, _ := json.Marshal(r)
		bundle.Entry = append(bundle.Entry, entry{Resource: raw})
	}
	out, _ := json.Marshal(&bundle)
	return out
}

func writeFHIR(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", fhir.MIMEFHIRJSON)
	w.WriteHeader(status)
	w.Write(body)
}

// ===================== Server under test =====================

// env wraps one assembled server and one browser session against it.
type env struct {
	t      *testing.T
	server *server.Server
	cookie *http.Cookie
}

func startEnv(t *testing.T, pageSize int, stubs ...*fhirStub) *env {
	t.Helper()
	return startEnvWithStore(t, prefs.NewInMemoryStore(), pageSize, stubs...)
}

// startEnvWithStore assembles a server against the stub upstreams. The
// first stub is the default endpoint. Passing the same store to two envs
// imitates a process restart.
func startEnvWithStore(t *testing.T, store prefs.Store, pageSize int, stubs ...*fhirStub) *env {
	t.Helper()

	endpoints := make([]string, len(stubs))
	for i, s := range stubs {
		endpoints[i] = s.URL()
	}
	cfg := &config.Config{
		Port:               "8080",
		Env:                "test",
		LogLevel:           "info",
		FHIREndpoints:      strings.Join(endpoints, ","),
		FHIRTimeoutSeconds: 5,
		DefaultPageSize:    pageSize,
		MaxPageSize:        100,
		EncounterPageSize:  20,
		RequestTimeoutSecs: 10,
		BodyLimit:          "1M",
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
		CORSOrigins:        []string{"http://localhost:3000"},
		SessionTTLMinutes:  60,
	}

	srv, err := server.New(cfg, zerolog.Nop(), store, nil)
	if err != nil {
		t.Fatalf("assemble server: %v", err)
	}
	return &env{t: t, server: srv}
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	e.t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}

	rec := httptest.NewRecorder()
	e.server.Echo().ServeHTTP(rec, req)

	if e.cookie == nil {
		for _, ck := range rec.Result().Cookies() {
			if ck.Name == "fhirdesk_session" && ck.Value != "" {
				e.cookie = ck
				break
			}
		}
	}
	return rec
}

func (e *env) get(path string) *httptest.ResponseRecorder {
	return e.do(http.MethodGet, path, "")
}

func (e *env) post(path, body string) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, path, body)
}

func (e *env) put(path, body string) *httptest.ResponseRecorder {
	return e.do(http.MethodPut, path, body)
}

// ===================== Decoding helpers =====================

func listView(t *testing.T, rec *httptest.ResponseRecorder) patientlist.View {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var v patientlist.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding list view: %v", err)
	}
	return v
}

func detailView(t *testing.T, rec *httptest.ResponseRecorder) patientdetail.View {
	t.Helper()
	var v patientdetail.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding detail view: %v", err)
	}
	return v
}

func family(p fhir.Patient) string {
	if len(p.Name) == 0 {
		return ""
	}
	return p.Name[0].Family
}
