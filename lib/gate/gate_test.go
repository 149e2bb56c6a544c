package gate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/lib/policy"
	"github.com/TecharoHQ/challengegate/lib/policy/config"
	"github.com/TecharoHQ/challengegate/lib/store/memory"
)

const testPolicy = `
rules:
  - name: csv
    path_regex: /csv$
    methods: [GET]
    action: CHALLENGE
  - name: account
    path_regex: ^/api/account/
    methods: [POST]
    action: CHALLENGE
  - name: scrapers
    headers_regex:
      User-Agent: (?i)scrapy
    action: DENY
  - name: api
    path_regex: ^/api/
    action: RATE_LIMIT
    limit: 2
    window: 1m
`

func loadPolicies(t *testing.T, doc string) *policy.ParsedConfig {
	t.Helper()

	pc, err := policy.ParseConfig(strings.NewReader(doc), t.Name()+".yaml")
	if err != nil {
		t.Fatal(err)
	}

	return pc
}

// backend records what reaches the origin.
type backend struct {
	hits     atomic.Int64
	lastBody atomic.Value
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.hits.Add(1)
	data, _ := io.ReadAll(r.Body)
	b.lastBody.Store(string(data))
	w.Header().Set("Content-Type", "text/csv")
	io.WriteString(w, "hash,value\n")
}

func spawnGate(t *testing.T, opts Options) (*httptest.Server, *backend) {
	t.Helper()

	be := &backend{}
	if opts.Next == nil {
		opts.Next = be
	}

	if opts.Policy == nil {
		opts.Policy = loadPolicies(t, testPolicy)
	}

	if opts.Verifier == nil {
		opts.Verifier = Always
	}

	s, err := New(t.Context(), opts)
	if err != nil {
		t.Fatalf("can't construct gate.Server: %v", err)
	}

	h := http.Handler(s)
	h = realIP("203.0.113.7", h)

	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	return ts, be
}

func realIP(ip string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Real-Ip") == "" {
			r.Header.Set("X-Real-Ip", ip)
		}
		next.ServeHTTP(w, r)
	})
}

func do(t *testing.T, req *http.Request) (*http.Response, ErrorResponse) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var er ErrorResponse
	if resp.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			t.Fatalf("can't decode gate response: %v", err)
		}
	}

	return resp, er
}

func get(t *testing.T, u string, header http.Header) (*http.Response, ErrorResponse) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, u, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	return do(t, req)
}

func TestLoadPolicies(t *testing.T) {
	pc, err := LoadPoliciesOrDefault("")
	if err != nil {
		t.Fatal(err)
	}

	if len(pc.Rules) == 0 {
		t.Error("default policy has no rules")
	}

	if _, err := LoadPoliciesOrDefault("./testdata/does-not-exist.yaml"); err == nil {
		t.Error("loading a missing file must fail")
	}
}

func TestNewNeedsPolicyAndVerifier(t *testing.T) {
	if _, err := New(t.Context(), Options{Verifier: Always}); !errors.Is(err, ErrNoPolicy) {
		t.Errorf("wanted %v, got: %v", ErrNoPolicy, err)
	}

	if _, err := New(t.Context(), Options{Policy: loadPolicies(t, testPolicy)}); !errors.Is(err, ErrNoVerifier) {
		t.Errorf("wanted %v, got: %v", ErrNoVerifier, err)
	}
}

func TestChallengeWithoutTokenIs429(t *testing.T) {
	ts, be := spawnGate(t, Options{})

	resp, er := get(t, ts.URL+"/api/v2/addresses/0x1/transactions/csv", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("wanted 429, got: %d", resp.StatusCode)
	}

	if er.Message == "" {
		t.Error("wanted a message in the response body")
	}

	if n := be.hits.Load(); n != 0 {
		t.Errorf("backend was reached %d times", n)
	}
}

func TestMessagesAreLocalized(t *testing.T) {
	ts, _ := spawnGate(t, Options{})

	_, er := get(t, ts.URL+"/api/v2/addresses/0x1/transactions/csv", http.Header{"Accept-Language": {"de-DE,de;q=0.9"}})
	if er.Message != "Diese Anfrage erfordert eine gelöste Prüfung." {
		t.Errorf("wanted the German message, got: %q", er.Message)
	}

	ts, _ = spawnGate(t, Options{ForcedLanguage: "fr"})

	_, er = get(t, ts.URL+"/api/v2/addresses/0x1/transactions/csv", http.Header{"Accept-Language": {"de-DE,de;q=0.9"}})
	if er.Message != "Cette requête nécessite un défi résolu." {
		t.Errorf("wanted the forced French message, got: %q", er.Message)
	}
}

func TestTokenLocations(t *testing.T) {
	for _, tt := range []struct {
		name string
		req  func(t *testing.T, base string) *http.Request
	}{
		{
			name: "query",
			req: func(t *testing.T, base string) *http.Request {
				req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, base+"/api/v2/addresses/0x1/transactions/csv?"+url.Values{challengegate.TokenField: {"query-token"}}.Encode(), nil)
				return req
			},
		},
		{
			name: "header",
			req: func(t *testing.T, base string) *http.Request {
				req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, base+"/api/v2/addresses/0x1/transactions/csv", nil)
				req.Header.Set(challengegate.TokenHeader, "header-token")
				return req
			},
		},
		{
			name: "alt header",
			req: func(t *testing.T, base string) *http.Request {
				req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, base+"/api/account/v2/siwe_message", strings.NewReader(`{"address":"0x1"}`))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set(challengegate.AltTokenHeader, "alt-header-token")
				return req
			},
		},
		{
			name: "json body",
			req: func(t *testing.T, base string) *http.Request {
				req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, base+"/api/account/v2/send_otp", strings.NewReader(`{"email":"a@example.com","turnstile_response":"json-token"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
		},
		{
			name: "form body",
			req: func(t *testing.T, base string) *http.Request {
				req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, base+"/api/account/v2/send_otp", strings.NewReader("email=a%40example.com&turnstile_response=form-token"))
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ts, be := spawnGate(t, Options{})

			req := tt.req(t, ts.URL)
			var sent string
			if req.GetBody != nil {
				body, _ := req.GetBody()
				data, _ := io.ReadAll(body)
				sent = string(data)
			}

			resp, er := do(t, req)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("wanted 200, got: %d (%s)", resp.StatusCode, er.Message)
			}

			if n := be.hits.Load(); n != 1 {
				t.Errorf("wanted one backend hit, got: %d", n)
			}

			if got := be.lastBody.Load(); sent != "" && got != sent {
				t.Errorf("request body was not passed through: wanted %q, got: %q", sent, got)
			}
		})
	}
}

func TestTokenReplayIsRefused(t *testing.T) {
	ts, be := spawnGate(t, Options{})
	u := ts.URL + "/api/v2/addresses/0x1/transactions/csv?" + url.Values{challengegate.TokenField: {"abc"}}.Encode()

	if resp, _ := get(t, u, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first use: wanted 200, got: %d", resp.StatusCode)
	}

	resp, er := get(t, u, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("replay: wanted 429, got: %d", resp.StatusCode)
	}

	if er.Message != "The challenge token was already used." {
		t.Errorf("wanted the replay message, got: %q", er.Message)
	}

	if n := be.hits.Load(); n != 1 {
		t.Errorf("wanted one backend hit, got: %d", n)
	}
}

func TestInvalidTokenIs403(t *testing.T) {
	ts, be := spawnGate(t, Options{Verifier: Never})

	resp, _ := get(t, ts.URL+"/api/v2/addresses/0x1/transactions/csv", http.Header{"Cf-Turnstile-Response": {"nope"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wanted 403, got: %d", resp.StatusCode)
	}

	if n := be.hits.Load(); n != 0 {
		t.Errorf("backend was reached %d times", n)
	}
}

func TestVerifierOutageLetsTokenBeRetried(t *testing.T) {
	var down atomic.Bool
	down.Store(true)

	ts, _ := spawnGate(t, Options{
		Verifier: VerifierFunc(func(ctx context.Context, token, remoteIP string) error {
			if remoteIP != "203.0.113.7" {
				t.Errorf("wanted the client IP, got: %q", remoteIP)
			}
			if down.Load() {
				return ErrVerifierUnavailable
			}
			return nil
		}),
	})

	u := ts.URL + "/api/v2/addresses/0x1/transactions/csv?" + url.Values{challengegate.TokenField: {"abc"}}.Encode()

	if resp, _ := get(t, u, nil); resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("wanted 502, got: %d", resp.StatusCode)
	}

	down.Store(false)

	if resp, er := get(t, u, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("retry: wanted 200, got: %d (%s)", resp.StatusCode, er.Message)
	}
}

func TestRateLimit(t *testing.T) {
	ts, be := spawnGate(t, Options{})
	u := ts.URL + "/api/v2/stats"

	for i := range 2 {
		if resp, _ := get(t, u, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: wanted 200, got: %d", i, resp.StatusCode)
		}
	}

	resp, _ := get(t, u, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over the limit: wanted 429, got: %d", resp.StatusCode)
	}

	if ra := resp.Header.Get("Retry-After"); ra != "60" {
		t.Errorf("wanted Retry-After 60, got: %q", ra)
	}

	// Another client has its own window.
	if resp, _ := get(t, u, http.Header{"X-Real-Ip": {"198.51.100.1"}}); resp.StatusCode != http.StatusOK {
		t.Errorf("other client: wanted 200, got: %d", resp.StatusCode)
	}

	// A solved challenge lets the request through and starts a new window.
	if resp, _ := get(t, u, http.Header{"Cf-Turnstile-Response": {"abc"}}); resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: wanted 200, got: %d", resp.StatusCode)
	}

	if resp, _ := get(t, u, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("after reset: wanted 200, got: %d", resp.StatusCode)
	}

	if n := be.hits.Load(); n != 5 {
		t.Errorf("wanted 5 backend hits, got: %d", n)
	}
}

func TestDeny(t *testing.T) {
	ts, be := spawnGate(t, Options{})

	resp, er := get(t, ts.URL+"/", http.Header{"User-Agent": {"Scrapy/2.11"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wanted 403, got: %d", resp.StatusCode)
	}

	if !strings.HasPrefix(er.Message, "Access denied: error code ") {
		t.Errorf("wanted an error code, got: %q", er.Message)
	}

	if n := be.hits.Load(); n != 0 {
		t.Errorf("backend was reached %d times", n)
	}
}

func TestCustomStatusCodes(t *testing.T) {
	pc := loadPolicies(t, testPolicy)
	pc.StatusCodes = config.StatusCodes{Challenge: http.StatusUnauthorized, Deny: http.StatusTeapot}

	ts, _ := spawnGate(t, Options{Policy: pc})

	if resp, _ := get(t, ts.URL+"/api/v2/addresses/0x1/transactions/csv", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wanted 401, got: %d", resp.StatusCode)
	}

	if resp, _ := get(t, ts.URL+"/", http.Header{"User-Agent": {"Scrapy/2.11"}}); resp.StatusCode != http.StatusTeapot {
		t.Errorf("wanted 418, got: %d", resp.StatusCode)
	}
}

func TestCheckEndpoint(t *testing.T) {
	pc := loadPolicies(t, testPolicy)

	s, err := New(t.Context(), Options{Policy: pc, Verifier: Always, Store: memory.New(t.Context())})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(realIP("203.0.113.7", s))
	t.Cleanup(ts.Close)

	if resp, _ := get(t, ts.URL+challengegate.APIPrefix+"check", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("wanted 200, got: %d", resp.StatusCode)
	}

	if resp, _ := get(t, ts.URL+"/anything", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("without a target the gate answers itself, wanted 200, got: %d", resp.StatusCode)
	}

	if resp, _ := get(t, ts.URL+challengegate.APIPrefix+"healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: wanted 200, got: %d", resp.StatusCode)
	}
}

func TestBasePrefix(t *testing.T) {
	t.Cleanup(func() { challengegate.BasePrefix = "" })

	var seen atomic.Value
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.URL.Path)
	})

	ts, _ := spawnGate(t, Options{Next: next, BasePrefix: "/explorer/", StripBasePrefix: true})

	if resp, _ := get(t, ts.URL+"/explorer"+challengegate.APIPrefix+"healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz under prefix: wanted 200, got: %d", resp.StatusCode)
	}

	if resp, _ := get(t, ts.URL+"/explorer/blocks", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("wanted 200, got: %d", resp.StatusCode)
	}

	if got := seen.Load(); got != "/blocks" {
		t.Errorf("wanted the prefix stripped, got: %v", got)
	}
}

func TestStripBasePrefixFromRequest(t *testing.T) {
	for _, tt := range []struct {
		name            string
		basePrefix      string
		stripBasePrefix bool
		path            string
		expected        string
	}{
		{name: "disabled", basePrefix: "/foo", path: "/foo/bar", expected: "/foo/bar"},
		{name: "no prefix", stripBasePrefix: true, path: "/foo/bar", expected: "/foo/bar"},
		{name: "strips", basePrefix: "/foo", stripBasePrefix: true, path: "/foo/bar", expected: "/bar"},
		{name: "trailing slash", basePrefix: "/foo/", stripBasePrefix: true, path: "/foo/bar", expected: "/bar"},
		{name: "exact prefix", basePrefix: "/foo", stripBasePrefix: true, path: "/foo", expected: "/"},
		{name: "other path", basePrefix: "/foo", stripBasePrefix: true, path: "/other", expected: "/other"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{opts: Options{BasePrefix: tt.basePrefix, StripBasePrefix: tt.stripBasePrefix}}
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)

			if got := s.stripBasePrefixFromRequest(r).URL.Path; got != tt.expected {
				t.Errorf("wanted %q, got: %q", tt.expected, got)
			}
		})
	}
}
