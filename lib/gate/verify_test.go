package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type fakeSiteVerify struct {
	t        *testing.T
	status   int
	response siteVerifyResponse
}

func (f *fakeSiteVerify) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		f.t.Errorf("wanted POST, got: %s", r.Method)
	}

	if err := r.ParseForm(); err != nil {
		f.t.Errorf("can't parse form: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for field, want := range map[string]string{
		"secret":   "sekrit",
		"response": "abc",
		"remoteip": "203.0.113.7",
	} {
		if got := r.PostForm.Get(field); got != want {
			f.t.Errorf("form field %s: wanted %q, got: %q", field, want, got)
		}
	}

	if _, err := uuid.Parse(r.PostForm.Get("idempotency_key")); err != nil {
		f.t.Errorf("idempotency_key is not a uuid: %v", err)
	}

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(f.response)
}

func TestSiteVerify(t *testing.T) {
	for _, tt := range []struct {
		name     string
		status   int
		response siteVerifyResponse
		hostname string
		err      error
	}{
		{
			name:     "success",
			response: siteVerifyResponse{Success: true, Hostname: "explorer.example.com"},
		},
		{
			name:     "hostname matches",
			response: siteVerifyResponse{Success: true, Hostname: "explorer.example.com"},
			hostname: "explorer.example.com",
		},
		{
			name:     "hostname mismatch",
			response: siteVerifyResponse{Success: true, Hostname: "evil.example.com"},
			hostname: "explorer.example.com",
			err:      ErrInvalidToken,
		},
		{
			name:     "rejected",
			response: siteVerifyResponse{Success: false, ErrorCodes: []string{"timeout-or-duplicate"}},
			err:      ErrInvalidToken,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			err:    ErrVerifierUnavailable,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(&fakeSiteVerify{t: t, status: tt.status, response: tt.response})
			t.Cleanup(ts.Close)

			sv := &SiteVerify{Secret: "sekrit", URL: ts.URL, Hostname: tt.hostname, Client: ts.Client()}

			if err := sv.Verify(t.Context(), "abc", "203.0.113.7"); !errors.Is(err, tt.err) {
				t.Errorf("wanted %v, got: %v", tt.err, err)
			}
		})
	}
}

func TestSiteVerifyUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	ts.Close()

	sv := &SiteVerify{Secret: "sekrit", URL: ts.URL}
	if err := sv.Verify(t.Context(), "abc", ""); !errors.Is(err, ErrVerifierUnavailable) {
		t.Errorf("wanted %v, got: %v", ErrVerifierUnavailable, err)
	}
}

func TestStaticVerifiers(t *testing.T) {
	if err := Always.Verify(t.Context(), "x", ""); err != nil {
		t.Errorf("Always rejected a token: %v", err)
	}

	if err := Never.Verify(t.Context(), "x", ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wanted %v, got: %v", ErrInvalidToken, err)
	}
}
