package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/lib/challenge"
	"github.com/TecharoHQ/challengegate/lib/challenge/challengetest"
	"github.com/TecharoHQ/challengegate/lib/gate"
	"github.com/TecharoHQ/challengegate/lib/store/memory"
	"github.com/TecharoHQ/challengegate/lib/widget"
)

// recorder counts the requests that leave the client.
type recorder struct {
	mu   sync.Mutex
	reqs []*http.Request
	next http.RoundTripper
}

func (rec *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	rec.mu.Lock()
	rec.reqs = append(rec.reqs, req.Clone(req.Context()))
	rec.mu.Unlock()

	return rec.next.RoundTrip(req)
}

func (rec *recorder) requests() []*http.Request {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]*http.Request(nil), rec.reqs...)
}

func newClient(t *testing.T, baseURL string, fac *challengetest.Factory, opts Options) (*Client, *recorder) {
	t.Helper()

	rec := &recorder{next: http.DefaultTransport}

	opts.BaseURL = baseURL
	opts.HTTPClient = &http.Client{Transport: rec}
	if fac != nil {
		opts.Widget = fac.Mount
	}

	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}

	return c, rec
}

// challengeOnce answers 429 until a request carries a token, then defers to
// next.
func challengeOnce(tokenOf func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tokenOf(r) == "" {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"message":"challenge required"}`)
			return
		}
		next(w, r)
	}
}

func queryToken(r *http.Request) string {
	return r.URL.Query().Get(challengegate.TokenField)
}

func TestNew(t *testing.T) {
	for _, tt := range []struct {
		name string
		url  string
		err  error
	}{
		{name: "empty", url: "", err: ErrNoBaseURL},
		{name: "relative", url: "/api", err: ErrBadBaseURL},
		{name: "good", url: "https://explorer.example/"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{BaseURL: tt.url})
			if !errors.Is(err, tt.err) {
				t.Errorf("wanted error %v, got: %v", tt.err, err)
			}
		})
	}
}

func TestExportRequestValid(t *testing.T) {
	day := func(s string) time.Time {
		t.Helper()
		d, err := time.Parse(periodLayout, s)
		if err != nil {
			t.Fatal(err)
		}
		return d
	}

	for _, tt := range []struct {
		name string
		req  ExportRequest
		err  error
	}{
		{
			name: "good",
			req:  ExportRequest{AddressHash: "0xabc", Kind: ExportLogs, From: day("2024-01-01"), To: day("2024-02-01")},
		},
		{
			name: "no address",
			req:  ExportRequest{Kind: ExportLogs},
			err:  ErrNoAddress,
		},
		{
			name: "unknown kind",
			req:  ExportRequest{AddressHash: "0xabc", Kind: "blocks"},
			err:  ErrUnknownKind,
		},
		{
			name: "period backwards",
			req:  ExportRequest{AddressHash: "0xabc", Kind: ExportTransactions, From: day("2024-02-01"), To: day("2024-01-01")},
			err:  ErrBadPeriod,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.req.Valid(); !errors.Is(err, tt.err) {
				t.Errorf("wanted error %v, got: %v", tt.err, err)
			}
		})
	}
}

func TestExportCSVSolvesChallenge(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(challengeOnce(queryToken, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		io.WriteString(w, "hash,value\n0x1,2\n")
	}))
	t.Cleanup(ts.Close)

	fac := &challengetest.Factory{Token: "abc"}
	c, rec := newClient(t, ts.URL, fac, Options{})

	var buf bytes.Buffer
	n, err := c.ExportCSV(t.Context(), ExportRequest{
		AddressHash: "0xdead",
		Kind:        ExportTokenTransfers,
		From:        time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC),
		To:          time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		FilterType:  "address",
		FilterValue: "to",
	}, &buf)
	if err != nil {
		t.Fatal(err)
	}

	if n != int64(buf.Len()) || buf.String() != "hash,value\n0x1,2\n" {
		t.Errorf("wrong body (%d bytes): %q", n, buf.String())
	}

	if got := len(rec.requests()); got != 2 {
		t.Errorf("wanted 2 requests, got: %d", got)
	}

	if gotPath != "/api/v2/addresses/0xdead/token-transfers/csv" {
		t.Errorf("wrong path: %s", gotPath)
	}

	for _, want := range []string{"from_period=2024-01-01", "to_period=2024-01-31", "filter_type=address", "filter_value=to", "turnstile_response=abc"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q is missing %q", gotQuery, want)
		}
	}

	if fac.Mounts() != 1 || fac.Closed() != 1 {
		t.Errorf("wanted one widget mounted and closed, got %d/%d", fac.Mounts(), fac.Closed())
	}
}

func TestExportCSVOtherErrorsAreNotChallenged(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	fac := &challengetest.Factory{Token: "abc"}
	c, rec := newClient(t, ts.URL, fac, Options{})

	_, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: ExportLogs}, io.Discard)

	var se *challenge.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusInternalServerError {
		t.Fatalf("wanted a 500 status error, got: %v", err)
	}

	if fac.Mounts() != 0 {
		t.Errorf("no challenge should be shown, got %d", fac.Mounts())
	}

	if got := len(rec.requests()); got != 1 {
		t.Errorf("wanted 1 request, got: %d", got)
	}
}

func TestExportCSVGivesUpAfterMaxChallenges(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(ts.Close)

	fac := &challengetest.Factory{}
	c, rec := newClient(t, ts.URL, fac, Options{MaxChallenges: 2})

	_, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: ExportLogs}, io.Discard)
	if !errors.Is(err, challenge.ErrTooManyChallenges) {
		t.Fatalf("wanted ErrTooManyChallenges, got: %v", err)
	}

	if got := len(rec.requests()); got != 3 {
		t.Errorf("wanted 3 requests, got: %d", got)
	}

	keys := fac.Keys()
	if len(keys) != 2 || keys[0] == keys[1] {
		t.Errorf("every challenge must use a fresh widget key, got: %v", keys)
	}
}

func TestExportCSVDismissed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(ts.Close)

	fac := &challengetest.Factory{Hold: true}
	c, rec := newClient(t, ts.URL, fac, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: ExportLogs}, io.Discard)
		errs <- err
	}()

	deadline := time.After(5 * time.Second)
	for !c.Session(FeatureExport).IsOpen() {
		select {
		case <-deadline:
			t.Fatal("challenge never opened")
		case <-time.After(time.Millisecond):
		}
	}

	c.Cancel(FeatureExport)

	if err := <-errs; !errors.Is(err, challenge.ErrNotSolved) {
		t.Fatalf("wanted ErrNotSolved, got: %v", err)
	}

	if got := len(rec.requests()); got != 1 {
		t.Errorf("a dismissed challenge must not be retried, got %d requests", got)
	}
}

func TestSendOTP(t *testing.T) {
	var body sendOTPBody
	ts := httptest.NewServer(challengeOnce(func(r *http.Request) string {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("can't decode body: %v", err)
		}
		return body.Token
	}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	fac := &challengetest.Factory{Token: "otp-token"}
	c, _ := newClient(t, ts.URL, fac, Options{})

	if err := c.SendOTP(t.Context(), "Alice <alice@example.com>"); err != nil {
		t.Fatal(err)
	}

	if body.Email != "alice@example.com" || body.Token != "otp-token" {
		t.Errorf("wrong body: %+v", body)
	}

	if err := c.SendOTP(t.Context(), "not an email"); !errors.Is(err, ErrBadEmail) {
		t.Errorf("wanted ErrBadEmail, got: %v", err)
	}
}

func TestWalletSignIn(t *testing.T) {
	ts := httptest.NewServer(challengeOnce(func(r *http.Request) string {
		return r.Header.Get(challengegate.AltTokenHeader)
	}, func(w http.ResponseWriter, r *http.Request) {
		var body siweBody
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(SiweMessage{Message: "sign in as " + body.Address})
	}))
	t.Cleanup(ts.Close)

	c, rec := newClient(t, ts.URL, &challengetest.Factory{}, Options{})

	msg, err := c.WalletSignIn(t.Context(), "0xbeef")
	if err != nil {
		t.Fatal(err)
	}

	if msg.Message != "sign in as 0xbeef" {
		t.Errorf("wrong message: %q", msg.Message)
	}

	if got := len(rec.requests()); got != 2 {
		t.Errorf("wanted 2 requests, got: %d", got)
	}

	if _, err := c.WalletSignIn(t.Context(), ""); !errors.Is(err, ErrNoWallet) {
		t.Errorf("wanted ErrNoWallet, got: %v", err)
	}
}

func TestUnblock(t *testing.T) {
	var seen atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(challengegate.TokenHeader))
		json.NewEncoder(w).Encode(keyResponse{Key: "api-key"})
	}))
	t.Cleanup(ts.Close)

	c, rec := newClient(t, ts.URL, &challengetest.Factory{Token: "up-front"}, Options{})

	key, err := c.Unblock(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if key != "api-key" {
		t.Errorf("wrong key: %q", key)
	}

	if got := seen.Load(); got != "up-front" {
		t.Errorf("the first request must carry the token, got: %v", got)
	}

	if got := len(rec.requests()); got != 1 {
		t.Errorf("wanted 1 request, got: %d", got)
	}
}

func TestFeaturesHaveSeparateSessions(t *testing.T) {
	fac := &challengetest.Factory{InitFail: true}
	c, _ := newClient(t, "https://explorer.example", fac, Options{})

	if c.Session(FeatureExport) == c.Session(FeatureEmail) {
		t.Fatal("features share a session")
	}

	if _, err := c.Unblock(t.Context()); err == nil {
		t.Fatal("a widget that can't mount must fail the call")
	}

	if !c.InitError(FeatureRecovery) {
		t.Error("recovery should report the widget init error")
	}

	if c.InitError(FeatureExport) {
		t.Error("export never mounted a widget and must not report an init error")
	}
}

// gated is a CSV origin behind a gate running the default policy. It records
// the tokens of the requests the gate let through.
type gated struct {
	URL string

	mu     sync.Mutex
	tokens []string
}

func (g *gated) passed() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tokens...)
}

func newGated(t *testing.T) *gated {
	t.Helper()

	pc, err := gate.LoadPoliciesOrDefault("")
	if err != nil {
		t.Fatal(err)
	}

	g := &gated{}
	srv, err := gate.New(t.Context(), gate.Options{
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.mu.Lock()
			g.tokens = append(g.tokens, queryToken(r))
			g.mu.Unlock()
			io.WriteString(w, "hash,value\n")
		}),
		Policy:   pc,
		Verifier: gate.Always,
		Store:    memory.New(t.Context()),
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-Real-Ip", "198.51.100.1")
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	g.URL = ts.URL
	return g
}

// The client and the gate agree on where tokens go: a CSV export behind the
// default policy takes exactly one challenge.
func TestExportThroughGate(t *testing.T) {
	g := newGated(t)
	c, rec := newClient(t, g.URL, &challengetest.Factory{Token: "abc"}, Options{MaxChallenges: 1})

	var buf bytes.Buffer
	if _, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: ExportTransactions}, &buf); err != nil {
		t.Fatal(err)
	}

	reqs := rec.requests()
	if len(reqs) != 2 {
		t.Fatalf("wanted 2 requests, got: %d", len(reqs))
	}

	if got := reqs[1].URL.Query().Get(challengegate.TokenField); got != "abc" {
		t.Errorf("retry carried token %q", got)
	}

	if n := len(g.passed()); n != 1 {
		t.Errorf("origin should see only the solved request, got %d", n)
	}

	// The same token can't be spent twice.
	_, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: ExportTransactions}, io.Discard)
	if !errors.Is(err, challenge.ErrTooManyChallenges) {
		t.Errorf("replayed token must be refused, got: %v", err)
	}

	if n := len(g.passed()); n != 1 {
		t.Errorf("replayed token reached the origin")
	}
}

// A widget that always answers with the same token gets one refusal from the
// gate and then stops, with no limit configured.
func TestStaticTokenStopsAtReplay(t *testing.T) {
	g := newGated(t)

	rec := &recorder{next: http.DefaultTransport}
	c, err := New(Options{
		BaseURL:    g.URL,
		HTTPClient: &http.Client{Transport: rec},
		Widget:     widget.Static("tok"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: ExportTransactions}, io.Discard); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, err = c.ExportCSV(ctx, ExportRequest{AddressHash: "0x1", Kind: ExportLogs}, io.Discard)
	if !errors.Is(err, challenge.ErrNotSolved) {
		t.Fatalf("wanted ErrNotSolved, got: %v", err)
	}

	if got := len(rec.requests()); got != 4 {
		t.Errorf("wanted 2 requests per export, got %d in total", got)
	}

	if n := len(g.passed()); n != 1 {
		t.Errorf("wanted only the first export at the origin, got %d", n)
	}
}

func waitMounts(t *testing.T, fac *challengetest.Factory, s *challenge.Session, n int) {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for fac.Mounts() < n || !s.IsOpen() {
		select {
		case <-deadline:
			t.Fatalf("widget %d never mounted", n)
		case <-time.After(time.Millisecond):
		}
	}
}

// Concurrent exports share the session, so widgets appear one at a time.
// Tokens are single use, so each export still needs its own.
func TestConcurrentExportsThroughGate(t *testing.T) {
	g := newGated(t)
	fac := &challengetest.Factory{Hold: true}
	c, _ := newClient(t, g.URL, fac, Options{})

	kinds := []ExportKind{ExportTransactions, ExportLogs}
	errs := make(chan error, len(kinds))
	for _, kind := range kinds {
		go func() {
			_, err := c.ExportCSV(t.Context(), ExportRequest{AddressHash: "0x1", Kind: kind}, io.Discard)
			errs <- err
		}()
	}

	sess := c.Session(FeatureExport)
	for i, token := range []string{"t1", "t2"} {
		waitMounts(t, fac, sess, i+1)
		fac.Solve(token)
	}

	for range kinds {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}

	if fac.Mounts() != len(kinds) {
		t.Errorf("wanted one widget per export, got %d", fac.Mounts())
	}

	passed := g.passed()
	slices.Sort(passed)
	if !slices.Equal(passed, []string{"t1", "t2"}) {
		t.Errorf("wanted each token spent once at the origin, got %q", passed)
	}
}
