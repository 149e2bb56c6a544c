package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/data"
	"github.com/TecharoHQ/challengegate/lib/policy"
	"github.com/TecharoHQ/challengegate/lib/store"
)

var (
	ErrNoPolicy   = errors.New("gate: no policy configured")
	ErrNoVerifier = errors.New("gate: no token verifier configured")
)

type Options struct {
	Next            http.Handler
	Policy          *policy.ParsedConfig
	Verifier        Verifier
	BasePrefix      string
	StripBasePrefix bool
	ForcedLanguage  string

	// Store overrides the backend named by the policy.
	Store store.Interface
}

func LoadPoliciesOrDefault(fname string) (*policy.ParsedConfig, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/policy.yaml"
		fin, err = data.Policies.Open("policy.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin policy file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}(fin)

	gatePolicy, err := policy.ParseConfig(fin, fname)
	if err != nil {
		return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
	}

	return gatePolicy, nil
}

// New builds a gate. The store is built from the policy unless opts.Store is
// set; ctx bounds its background cleanup.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Policy == nil {
		return nil, ErrNoPolicy
	}

	if opts.Verifier == nil {
		return nil, ErrNoVerifier
	}

	challengegate.BasePrefix = opts.BasePrefix

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Build(ctx, opts.Policy.Store.Backend, opts.Policy.Store.Parameters)
		if err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
	}

	result := &Server{
		next:     opts.Next,
		policy:   opts.Policy,
		store:    st,
		verifier: opts.Verifier,
		opts:     opts,
	}

	mux := http.NewServeMux()

	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		basePrefix := strings.TrimSuffix(challengegate.BasePrefix, "/")
		prefix := method + basePrefix

		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		mux.Handle(prefix+pattern, handler)
	}

	registerWithPrefix(challengegate.APIPrefix+"healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result.respondWithStatus(w, r, "allowed", http.StatusOK)
	}), "GET")
	registerWithPrefix(challengegate.APIPrefix+"check", http.HandlerFunc(result.checkOnly), "")
	registerWithPrefix("/", http.HandlerFunc(result.maybeReverseProxy), "")

	result.mux = mux

	return result, nil
}
