package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/resource"
	"github.com/ehr/fhirsearch/internal/search/engine"
	"github.com/ehr/fhirsearch/internal/search/registry"
	"github.com/ehr/fhirsearch/internal/search/store"
	"github.com/ehr/fhirsearch/internal/search/store/memstore"
)

const testBase = "http://test/fhir"

func newServer(t *testing.T) (*echo.Echo, *resource.Service) {
	t.Helper()
	st := memstore.New()
	reg := registry.NewHolder(registry.Default())
	svc := resource.NewService(st, reg, nil, zerolog.Nop())
	eng := engine.New(st, reg, nil, zerolog.Nop(), engine.Options{DefaultCount: 20, MaxCount: 100})

	e := echo.New()
	New(eng, svc, testBase, zerolog.Nop()).RegisterRoutes(e.Group("/fhir"))
	return e, svc
}

func seed(t *testing.T, svc *resource.Service) {
	t.Helper()
	ctx := context.Background()
	docs := []struct{ rt, id, body string }{
		{"Patient", "p1", `{"resourceType":"Patient","name":[{"family":"Doe"}]}`},
		{"Patient", "p2", `{"resourceType":"Patient","name":[{"family":"Smith"}]}`},
		{"Observation", "o1", `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/p1"}}`},
		{"Observation", "o2", `{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/p2"}}`},
	}
	for _, d := range docs {
		if _, err := svc.Update(ctx, d.rt, d.id, []byte(d.body)); err != nil {
			t.Fatalf("seed %s/%s: %v", d.rt, d.id, err)
		}
	}
}

func do(e *echo.Echo, method, target, contentType, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) fhir.Bundle {
	t.Helper()
	var b fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode bundle: %v\n%s", err, rec.Body.String())
	}
	return b
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) fhir.OperationOutcome {
	t.Helper()
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(rec.Body.Bytes(), &oo); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, rec.Body.String())
	}
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) == 0 {
		t.Fatalf("unexpected outcome body %s", rec.Body.String())
	}
	return oo
}

func TestSearch_GET(t *testing.T) {
	e, svc := newServer(t)
	seed(t, svc)

	rec := do(e, http.MethodGet, "/fhir/Observation?subject.family=doe", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "application/fhir+json") {
		t.Errorf("unexpected content type %q", ct)
	}
	b := decodeBundle(t, rec)
	if b.Total == nil || *b.Total != 1 || len(b.Entry) != 1 {
		t.Fatalf("expected one match, got %s", rec.Body.String())
	}
	if b.Entry[0].FullURL != testBase+"/Observation/o1" {
		t.Errorf("unexpected fullUrl %s", b.Entry[0].FullURL)
	}
}

func TestSearch_POSTForm(t *testing.T) {
	e, svc := newServer(t)
	seed(t, svc)

	rec := do(e, http.MethodPost, "/fhir/Patient/_search?_count=5", echo.MIMEApplicationForm, "family=smith")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	b := decodeBundle(t, rec)
	if *b.Total != 1 || b.Entry[0].FullURL != testBase+"/Patient/p2" {
		t.Errorf("unexpected result %s", rec.Body.String())
	}
	if self := b.LinkURL("self"); self != testBase+"/Patient?family=smith&_count=5&_offset=0" {
		t.Errorf("unexpected self link %s", self)
	}
}

func TestSearch_POSTRequiresForm(t *testing.T) {
	e, _ := newServer(t)
	rec := do(e, http.MethodPost, "/fhir/Patient/_search", echo.MIMEApplicationJSON, `{"family":"x"}`)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", rec.Code)
	}
}

func TestSearch_Compartment(t *testing.T) {
	e, svc := newServer(t)
	seed(t, svc)

	rec := do(e, http.MethodGet, "/fhir/Patient/p1/Observation", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	b := decodeBundle(t, rec)
	if *b.Total != 1 || b.Entry[0].FullURL != testBase+"/Observation/o1" {
		t.Errorf("unexpected compartment result %s", rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/p1/Organization", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a type outside the compartment, got %d", rec.Code)
	}
}

func TestSearch_ErrorStatuses(t *testing.T) {
	e, _ := newServer(t)
	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"unknown param", "/fhir/Patient?shoe-size=10", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"unknown type", "/fhir/Device", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"bad prefix", "/fhir/Patient?birthdate=xx2020", http.StatusBadRequest, fhir.IssueTypeInvalid},
		{"nested has", "/fhir/Patient?_has:Observation:patient:_has:Condition:subject:code=x", http.StatusBadRequest, fhir.IssueTypeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodGet, tt.target, "", "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if oo := decodeOutcome(t, rec); oo.Issue[0].Code != tt.code {
				t.Errorf("expected issue code %s, got %s", tt.code, oo.Issue[0].Code)
			}
		})
	}
}

func TestSearch_UnknownParamNamesExpression(t *testing.T) {
	e, _ := newServer(t)
	rec := do(e, http.MethodGet, "/fhir/Patient?shoe-size=10", "", "")
	oo := decodeOutcome(t, rec)
	if len(oo.Issue[0].Expression) != 1 || oo.Issue[0].Expression[0] != "shoe-size" {
		t.Errorf("expected expression to name the parameter, got %+v", oo.Issue[0])
	}
}

func TestSearch_DeadlineExceeded(t *testing.T) {
	st := memstore.New()
	reg := registry.NewHolder(registry.Default())
	eng := engine.New(st, reg, nil, zerolog.Nop(), engine.Options{})
	h := New(eng, resource.NewService(st, reg, nil, zerolog.Nop()), testBase, zerolog.Nop())

	e := echo.New()
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("type")
	c.SetParamValues("Patient")

	if err := h.Search(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}
	if oo := decodeOutcome(t, rec); oo.Issue[0].Code != fhir.IssueTypeTimeout {
		t.Errorf("expected timeout issue, got %s", oo.Issue[0].Code)
	}
}

func TestCreateReadUpdateDelete(t *testing.T) {
	e, _ := newServer(t)

	rec := do(e, http.MethodPost, "/fhir/Patient", "application/fhir+json", `{"resourceType":"Patient","name":[{"family":"Doe"}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, testBase+"/Patient/") {
		t.Fatalf("unexpected Location %q", loc)
	}
	id := strings.TrimPrefix(loc, testBase+"/Patient/")
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("unexpected ETag %q", rec.Header().Get("ETag"))
	}

	rec = do(e, http.MethodGet, "/fhir/Patient/"+id, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rec.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["id"] != id {
		t.Errorf("expected id %s in body, got %v", id, doc["id"])
	}

	rec = do(e, http.MethodPut, "/fhir/Patient/"+id, "application/fhir+json", `{"resourceType":"Patient","name":[{"family":"Roe"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") != `W/"2"` {
		t.Errorf("expected version 2, got %q", rec.Header().Get("ETag"))
	}

	b := decodeBundle(t, do(e, http.MethodGet, "/fhir/Patient?family=roe", "", ""))
	if *b.Total != 1 {
		t.Errorf("updated patient not searchable, total=%d", *b.Total)
	}

	rec = do(e, http.MethodDelete, "/fhir/Patient/"+id, "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/fhir/Patient/"+id, "", "")
	if rec.Code != http.StatusGone {
		t.Errorf("read after delete: expected 410, got %d", rec.Code)
	}
	rec = do(e, http.MethodDelete, "/fhir/Patient/"+id, "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestUpdate_CreatesWithClientID(t *testing.T) {
	e, _ := newServer(t)
	rec := do(e, http.MethodPut, "/fhir/Patient/client-1", "application/fhir+json", `{"resourceType":"Patient"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != testBase+"/Patient/client-1" {
		t.Errorf("unexpected Location %q", loc)
	}
}

func TestRead_NotModified(t *testing.T) {
	e, svc := newServer(t)
	seed(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/p1", nil)
	req.Header.Set("If-None-Match", `W/"1"`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
}

func TestWrite_Rejections(t *testing.T) {
	e, _ := newServer(t)
	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"malformed json", http.MethodPost, "/fhir/Patient", `{"resourceType":`, http.StatusBadRequest},
		{"type mismatch", http.MethodPost, "/fhir/Patient", `{"resourceType":"Observation"}`, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/fhir/Device", `{"resourceType":"Device"}`, http.StatusBadRequest},
		{"id mismatch", http.MethodPut, "/fhir/Patient/a", `{"resourceType":"Patient","id":"b"}`, http.StatusBadRequest},
		{"read missing", http.MethodGet, "/fhir/Patient/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.target, "application/fhir+json", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			decodeOutcome(t, rec)
		})
	}
}

func TestWriteError_StoreFailure(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	h := &Handler{logger: zerolog.Nop()}

	err := h.writeError(c, &engine.ExecutionError{Op: "find", Err: store.ErrUnresolvedHas}, "Patient", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if oo := decodeOutcome(t, rec); oo.Issue[0].Code != fhir.IssueTypeException {
		t.Errorf("expected exception issue, got %s", oo.Issue[0].Code)
	}
}
