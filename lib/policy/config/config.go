package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/data"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrNoRulesDefined                   = errors.New("config: must define at least one (1) rule")
	ErrRuleMustHaveName                 = errors.New("config.Rule: must set name")
	ErrRuleMustHaveMatcher              = errors.New("config.Rule: must set at least one of path_regex, methods, headers_regex, or remote_addresses")
	ErrUnknownAction                    = errors.New("config.Rule: unknown action")
	ErrUnknownMethod                    = errors.New("config.Rule: unknown HTTP method")
	ErrInvalidPathRegex                 = errors.New("config.Rule: invalid path regex")
	ErrInvalidHeadersRegex              = errors.New("config.Rule: invalid headers regex")
	ErrInvalidCIDR                      = errors.New("config.Rule: invalid CIDR")
	ErrRegexEndsWithNewline             = errors.New("config.Rule: regular expression ends with newline (try >- instead of > in yaml)")
	ErrRateLimitMustHaveLimit           = errors.New("config.Rule: RATE_LIMIT rules must set limit >= 1")
	ErrRateLimitMustHaveWindow          = errors.New("config.Rule: RATE_LIMIT rules must set a positive window")
	ErrInvalidImportStatement           = errors.New("config.ImportStatement: invalid source file")
	ErrCantSetRuleAndImportValuesAtOnce = errors.New("config.RuleOrImport: can't set rule values and import values at the same time")
	ErrMustSetRuleOrImport              = errors.New("config.RuleOrImport: rule definition is invalid, you must set either rule values or an import statement")
	ErrStatusCodeNotValid               = errors.New("config.StatusCode: status code not valid, must be between 100 and 599")
	ErrTokenTTLNotValid                 = errors.New("config: token_ttl must be positive")
)

type Rule string

const (
	RuleUnknown   Rule = ""
	RuleAllow     Rule = "ALLOW"
	RuleDeny      Rule = "DENY"
	RuleChallenge Rule = "CHALLENGE"
	RuleRateLimit Rule = "RATE_LIMIT"
)

func (r Rule) Valid() error {
	switch r {
	case RuleAllow, RuleDeny, RuleChallenge, RuleRateLimit:
		return nil
	default:
		return ErrUnknownAction
	}
}

var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

type RuleConfig struct {
	PathRegex    *string           `json:"path_regex,omitempty" yaml:"path_regex,omitempty"`
	HeadersRegex map[string]string `json:"headers_regex,omitempty" yaml:"headers_regex,omitempty"`
	Name         string            `json:"name" yaml:"name"`
	Action       Rule              `json:"action" yaml:"action"`
	Methods      []string          `json:"methods,omitempty" yaml:"methods,omitempty"`
	RemoteAddr   []string          `json:"remote_addresses,omitempty" yaml:"remote_addresses,omitempty"`

	// Only meaningful for RATE_LIMIT rules.
	Limit  int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Window Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

func (rc *RuleConfig) Valid() error {
	var errs []error

	if rc.Name == "" {
		errs = append(errs, ErrRuleMustHaveName)
	}

	if rc.PathRegex == nil && len(rc.Methods) == 0 && len(rc.HeadersRegex) == 0 && len(rc.RemoteAddr) == 0 {
		errs = append(errs, ErrRuleMustHaveMatcher)
	}

	if rc.PathRegex != nil {
		if strings.HasSuffix(*rc.PathRegex, "\n") {
			errs = append(errs, fmt.Errorf("%w: path regex: %q", ErrRegexEndsWithNewline, *rc.PathRegex))
		}

		if _, err := regexp.Compile(*rc.PathRegex); err != nil {
			errs = append(errs, ErrInvalidPathRegex, err)
		}
	}

	for _, m := range rc.Methods {
		if !knownMethods[strings.ToUpper(m)] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownMethod, m))
		}
	}

	for name, expr := range rc.HeadersRegex {
		if name == "" {
			continue
		}

		if strings.HasSuffix(expr, "\n") {
			errs = append(errs, fmt.Errorf("%w: header %s regex: %q", ErrRegexEndsWithNewline, name, expr))
		}

		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, ErrInvalidHeadersRegex, err)
		}
	}

	for _, cidr := range rc.RemoteAddr {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errs = append(errs, ErrInvalidCIDR, err)
		}
	}

	if err := rc.Action.Valid(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %q", err, rc.Action))
	}

	if rc.Action == RuleRateLimit {
		if rc.Limit < 1 {
			errs = append(errs, fmt.Errorf("%w, got: %d", ErrRateLimitMustHaveLimit, rc.Limit))
		}

		if rc.Window <= 0 {
			errs = append(errs, fmt.Errorf("%w, got: %s", ErrRateLimitMustHaveWindow, rc.Window))
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config: rule entry for %q is not valid:\n%w", rc.Name, errors.Join(errs...))
	}

	return nil
}

type ImportStatement struct {
	Import string `json:"import"`
	Rules  []RuleConfig
}

func (is *ImportStatement) open() (fs.File, error) {
	if strings.HasPrefix(is.Import, "(data)/") {
		fname := strings.TrimPrefix(is.Import, "(data)/")
		fin, err := data.Policies.Open(fname)
		return fin, err
	}

	return os.Open(is.Import)
}

func (is *ImportStatement) load() error {
	fin, err := is.open()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidImportStatement, is.Import, err)
	}
	defer fin.Close()

	var imported []RuleOrImport
	var result []RuleConfig

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&imported); err != nil {
		return fmt.Errorf("can't parse %s: %w", is.Import, err)
	}

	var errs []error

	for _, b := range imported {
		if err := b.Valid(); err != nil {
			errs = append(errs, err)
		}

		if b.ImportStatement != nil {
			result = append(result, b.ImportStatement.Rules...)
		}

		if b.RuleConfig != nil {
			result = append(result, *b.RuleConfig)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config %s is not valid:\n%w", is.Import, errors.Join(errs...))
	}

	is.Rules = result

	return nil
}

func (is *ImportStatement) Valid() error {
	return is.load()
}

type RuleOrImport struct {
	*RuleConfig      `json:",inline"`
	*ImportStatement `json:",inline"`
}

func (roi *RuleOrImport) Valid() error {
	if roi.RuleConfig != nil && roi.ImportStatement != nil {
		return ErrCantSetRuleAndImportValuesAtOnce
	}

	if roi.RuleConfig != nil {
		return roi.RuleConfig.Valid()
	}

	if roi.ImportStatement != nil {
		return roi.ImportStatement.Valid()
	}

	return ErrMustSetRuleOrImport
}

// StatusCodes are the HTTP statuses the gate answers with. Clients only retry
// with a fresh token on 429, so Challenge should stay at its default unless
// every client knows better.
type StatusCodes struct {
	Challenge int `json:"CHALLENGE"`
	Deny      int `json:"DENY"`
}

func (sc StatusCodes) Valid() error {
	var errs []error

	if sc.Challenge < 100 || sc.Challenge > 599 {
		errs = append(errs, fmt.Errorf("%w: challenge is %d", ErrStatusCodeNotValid, sc.Challenge))
	}

	if sc.Deny < 100 || sc.Deny > 599 {
		errs = append(errs, fmt.Errorf("%w: deny is %d", ErrStatusCodeNotValid, sc.Deny))
	}

	if len(errs) != 0 {
		return fmt.Errorf("status codes not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

type fileConfig struct {
	Rules       []RuleOrImport `json:"rules"`
	StatusCodes StatusCodes    `json:"status_codes"`
	TokenTTL    Duration       `json:"token_ttl"`
	Store       *Store         `json:"store"`
}

func (c *fileConfig) Valid() error {
	var errs []error

	if len(c.Rules) == 0 {
		errs = append(errs, ErrNoRulesDefined)
	}

	for i, r := range c.Rules {
		if err := r.Valid(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}

	if err := c.StatusCodes.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("%w, got: %s", ErrTokenTTLNotValid, c.TokenTTL))
	}

	if c.Store != nil {
		if err := c.Store.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load decodes a YAML or JSON policy document, resolving imports.
func Load(fin io.Reader, fname string) (*Config, error) {
	c := &fileConfig{
		StatusCodes: StatusCodes{
			Challenge: http.StatusTooManyRequests,
			Deny:      http.StatusForbidden,
		},
		TokenTTL: Duration(challengegate.DefaultTokenTTL),
	}

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&c); err != nil {
		return nil, fmt.Errorf("can't parse policy config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, err
	}

	result := &Config{
		StatusCodes: c.StatusCodes,
		TokenTTL:    c.TokenTTL,
		Store:       Store{Backend: "memory"},
	}

	if c.Store != nil {
		result.Store = *c.Store
	}

	for _, roi := range c.Rules {
		if roi.ImportStatement != nil {
			result.Rules = append(result.Rules, roi.ImportStatement.Rules...)
		}

		if roi.RuleConfig != nil {
			result.Rules = append(result.Rules, *roi.RuleConfig)
		}
	}

	return result, nil
}

type Config struct {
	Rules       []RuleConfig `json:"rules"`
	StatusCodes StatusCodes  `json:"status_codes"`
	TokenTTL    Duration     `json:"token_ttl"`
	Store       Store        `json:"store"`
}

func (c Config) Valid() error {
	var errs []error

	if len(c.Rules) == 0 {
		errs = append(errs, ErrNoRulesDefined)
	}

	for _, r := range c.Rules {
		if err := r.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}
