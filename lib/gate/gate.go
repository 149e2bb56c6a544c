package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TecharoHQ/challengegate/internal"
	"github.com/TecharoHQ/challengegate/lib/policy"
	"github.com/TecharoHQ/challengegate/lib/policy/config"
	"github.com/TecharoHQ/challengegate/lib/store"
)

var (
	challengesRequired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_challenges_required",
		Help: "The total number of requests turned away for lack of a challenge token",
	}, []string{"rule"})

	tokenResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_token_results",
		Help: "The outcome of every challenge token presented to the gate",
	}, []string{"rule", "result"})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_rate_limited",
		Help: "The total number of requests over their rate limit window",
	}, []string{"rule"})

	requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_proxied_requests_total",
		Help: "Number of requests proxied through the gate to upstream targets",
	}, []string{"host"})

	siteVerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "challengegate_siteverify_duration_seconds",
		Help:    "How long token verification round trips take",
		Buckets: prometheus.DefBuckets,
	})
)

type Server struct {
	next     http.Handler
	mux      *http.ServeMux
	policy   *policy.ParsedConfig
	store    store.Interface
	verifier Verifier
	opts     Options
}

// checkOnly runs the policy for auth-request style deployments: the answer is
// only a status code and nothing is proxied.
func (s *Server) checkOnly(w http.ResponseWriter, r *http.Request) {
	if s.gate(w, r) {
		s.respondWithStatus(w, r, "allowed", http.StatusOK)
	}
}

func (s *Server) maybeReverseProxy(w http.ResponseWriter, r *http.Request) {
	if s.gate(w, r) {
		s.ServeHTTPNext(w, r)
	}
}

// gate applies the policy to r. It reports whether the request may go
// through; otherwise a response has already been written.
func (s *Server) gate(w http.ResponseWriter, r *http.Request) bool {
	lg := internal.GetRequestLogger(r)

	cr, rule, err := s.policy.Check(r)
	if err != nil {
		lg.Error("check failed", "err", err)
		s.respondWithError(w, r, "internal_error")
		return false
	}

	r.Header.Add("X-Challengegate-Rule", cr.Name)
	r.Header.Add("X-Challengegate-Action", string(cr.Rule))
	lg = lg.With("check_result", cr)
	policy.Applications.WithLabelValues(cr.Name, string(cr.Rule)).Add(1)

	switch cr.Rule {
	case config.RuleAllow:
		lg.Debug("allowing traffic to origin (explicit)")
		return true
	case config.RuleDeny:
		lg.Info("explicit deny")
		hash := rule.Hash()
		lg.Debug("rule hash", "hash", hash)
		s.respondWithMessage(w, r, fmt.Sprintf("%s: error code %s", s.localizer(r).T("access_denied"), hash), s.policy.StatusCodes.Deny)
		return false
	case config.RuleChallenge:
		return s.requireToken(w, r, lg, rule)
	case config.RuleRateLimit:
		return s.rateLimit(w, r, lg, rule)
	default:
		slog.Error("CONFIG ERROR: unknown rule", "rule", cr.Rule)
		s.respondWithError(w, r, "internal_error")
		return false
	}
}

func (s *Server) requireToken(w http.ResponseWriter, r *http.Request, lg *slog.Logger, rule *policy.Rule) bool {
	token := TokenFromRequest(r)
	if token == "" {
		lg.Debug("challenge required")
		challengesRequired.WithLabelValues(rule.Name).Inc()
		s.respondWithStatus(w, r, "challenge_required", s.policy.StatusCodes.Challenge)
		return false
	}

	return s.redeem(w, r, lg, rule, token)
}

// redeem spends a token: it must not have been seen before and the verifier
// must accept it.
func (s *Server) redeem(w http.ResponseWriter, r *http.Request, lg *slog.Logger, rule *policy.Rule, token string) bool {
	ctx := r.Context()
	key := tokenKey(token)

	if err := s.store.Add(ctx, key, []byte(rule.Name), s.policy.TokenTTL); err != nil {
		if errors.Is(err, store.ErrExists) {
			lg.Info("token replayed")
			tokenResults.WithLabelValues(rule.Name, "replayed").Inc()
			s.respondWithStatus(w, r, "token_replayed", s.policy.StatusCodes.Challenge)
			return false
		}

		lg.Error("can't record token", "err", err)
		s.respondWithError(w, r, "internal_error")
		return false
	}

	if err := s.verifier.Verify(ctx, token, r.Header.Get("X-Real-Ip")); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			lg.Info("token rejected", "err", err)
			tokenResults.WithLabelValues(rule.Name, "invalid").Inc()
			s.respondWithStatus(w, r, "invalid_token", s.policy.StatusCodes.Deny)
			return false
		}

		// Nothing was learned about the token, so let the client retry it.
		if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			lg.Debug("can't forget unverified token", "err", err)
		}

		lg.Error("can't verify token", "err", err)
		tokenResults.WithLabelValues(rule.Name, "unavailable").Inc()
		s.respondWithStatus(w, r, "verification_unavailable", http.StatusBadGateway)
		return false
	}

	tokenResults.WithLabelValues(rule.Name, "accepted").Inc()
	r.Header.Add("X-Challengegate-Status", "PASS")
	return true
}

// rateLimit counts requests per client IP in fixed windows. A request over
// the limit is let through only by redeeming a token, which also starts a new
// window.
func (s *Server) rateLimit(w http.ResponseWriter, r *http.Request, lg *slog.Logger, rule *policy.Rule) bool {
	ctx := r.Context()
	key := windowKey(rule, r.Header.Get("X-Real-Ip"))

	if token := TokenFromRequest(r); token != "" {
		if !s.redeem(w, r, lg, rule, token) {
			return false
		}

		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
			lg.Error("can't reset rate limit window", "err", err)
		}

		return true
	}

	n, err := s.store.Incr(ctx, key, rule.Window)
	if err != nil {
		lg.Error("can't count request, letting it through", "err", err)
		return true
	}

	if n <= int64(rule.Limit) {
		return true
	}

	lg.Debug("rate limited", "count", n, "limit", rule.Limit)
	rateLimited.WithLabelValues(rule.Name).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rule.Window.Seconds()))))
	s.respondWithStatus(w, r, "too_many_requests", s.policy.StatusCodes.Challenge)
	return false
}

func tokenKey(token string) string {
	return "token:" + internal.FastHash(token)
}

func windowKey(rule *policy.Rule, ip string) string {
	return "window:" + internal.FastHash(rule.Name+"|"+ip)
}
