package policy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/TecharoHQ/challengegate/lib/policy/checker"
	"github.com/TecharoHQ/challengegate/lib/policy/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Applications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challengegate_policy_results",
		Help: "The results of each policy rule",
	}, []string{"rule", "action"})
)

// DefaultRule is what requests no rule matched get.
var DefaultRule = Rule{
	Name:   "default/allow",
	Action: config.RuleAllow,
	Rules:  checker.All{},
}

type ParsedConfig struct {
	orig *config.Config

	Rules       []Rule
	StatusCodes config.StatusCodes
	TokenTTL    time.Duration
	Store       config.Store
}

func NewParsedConfig(orig *config.Config) *ParsedConfig {
	return &ParsedConfig{
		orig:        orig,
		StatusCodes: orig.StatusCodes,
		TokenTTL:    time.Duration(orig.TokenTTL),
		Store:       orig.Store,
	}
}

// Original returns the configuration the policy was parsed from.
func (pc *ParsedConfig) Original() *config.Config {
	return pc.orig
}

func ParseConfig(fin io.Reader, fname string) (*ParsedConfig, error) {
	c, err := config.Load(fin, fname)
	if err != nil {
		return nil, err
	}

	var validationErrs []error

	result := NewParsedConfig(c)

	for _, rc := range c.Rules {
		if err := rc.Valid(); err != nil {
			validationErrs = append(validationErrs, err)
			continue
		}

		parsedRule := Rule{
			Name:   rc.Name,
			Action: rc.Action,
			Limit:  rc.Limit,
			Window: time.Duration(rc.Window),
		}

		cl := checker.All{}

		if rc.PathRegex != nil {
			c, err := NewPathChecker(*rc.PathRegex)
			if err != nil {
				validationErrs = append(validationErrs, fmt.Errorf("while processing rule %s path regex: %w", rc.Name, err))
			} else {
				cl = append(cl, c)
			}
		}

		if len(rc.Methods) > 0 {
			cl = append(cl, NewMethodChecker(rc.Methods))
		}

		if len(rc.HeadersRegex) > 0 {
			c, err := NewHeadersChecker(rc.HeadersRegex)
			if err != nil {
				validationErrs = append(validationErrs, fmt.Errorf("while processing rule %s headers regex map: %w", rc.Name, err))
			} else {
				cl = append(cl, c)
			}
		}

		if len(rc.RemoteAddr) > 0 {
			c, err := NewRemoteAddrChecker(rc.RemoteAddr)
			if err != nil {
				validationErrs = append(validationErrs, fmt.Errorf("while processing rule %s remote addr set: %w", rc.Name, err))
			} else {
				cl = append(cl, c)
			}
		}

		parsedRule.Rules = cl

		result.Rules = append(result.Rules, parsedRule)
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config JSON %s: %w", fname, errors.Join(validationErrs...))
	}

	return result, nil
}

// Check returns the first rule matching r, or DefaultRule.
func (pc *ParsedConfig) Check(r *http.Request) (CheckResult, *Rule, error) {
	for i := range pc.Rules {
		rule := &pc.Rules[i]

		match, err := rule.Rules.Check(r)
		if err != nil {
			return CheckResult{}, nil, fmt.Errorf("can't run check %s: %w", rule.Name, err)
		}

		if match {
			return CheckResult{Name: "rule/" + rule.Name, Rule: rule.Action}, rule, nil
		}
	}

	return CheckResult{Name: DefaultRule.Name, Rule: DefaultRule.Action}, &DefaultRule, nil
}
