package healthz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthz(t *testing.T) {
	testCases := []struct {
		desc       string
		checks     map[string]Check
		wantStatus int
	}{
		{desc: "no checks", wantStatus: http.StatusOK},
		{
			desc:       "passing check",
			checks:     map[string]Check{"store": func(context.Context) error { return nil }},
			wantStatus: http.StatusOK,
		},
		{
			desc:       "failing check",
			checks:     map[string]Check{"store": func(context.Context) error { return errors.New("down") }},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tc.checks).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("Bad status; got %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
