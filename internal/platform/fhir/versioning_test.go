package fhir

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"5"`, 5, false},
		{`W/"1"`, 1, false},
		{`"abc"`, 0, true},
		{`W/""`, 0, true},
		{`42`, 42, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseETag(tt.input)
			if tt.wantErr && err == nil {
				t.Errorf("ParseETag(%q) should have returned error", tt.input)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ParseETag(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseETag(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatETag(t *testing.T) {
	tests := []struct {
		version int
		want    string
	}{
		{1, `W/"1"`},
		{42, `W/"42"`},
	}
	for _, tt := range tests {
		if got := FormatETag(tt.version); got != tt.want {
			t.Errorf("FormatETag(%d) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestSetVersionHeaders(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	SetVersionHeaders(c, 5, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))

	if got := rec.Header().Get("ETag"); got != `W/"5"` {
		t.Errorf("ETag = %q", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Mon, 15 Jan 2024 10:30:00 GMT" {
		t.Errorf("Last-Modified = %q", got)
	}
}

func TestSetVersionHeaders_ZeroTime(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SetVersionHeaders(c, 1, time.Time{})

	if rec.Header().Get("Last-Modified") != "" {
		t.Error("expected no Last-Modified header for zero time")
	}
}

func TestCheckIfNoneMatch(t *testing.T) {
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{`W/"3"`, true},
		{`W/"2"`, false},
		{"garbage", false},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("If-None-Match", tt.header)
		}
		c := e.NewContext(req, httptest.NewRecorder())
		if got := CheckIfNoneMatch(c, 3); got != tt.want {
			t.Errorf("If-None-Match %q: got %v, want %v", tt.header, got, tt.want)
		}
	}
}
