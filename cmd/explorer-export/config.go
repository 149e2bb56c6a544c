package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/TecharoHQ/challengegate/lib/challenge"
	"github.com/TecharoHQ/challengegate/lib/explorer"
	"github.com/TecharoHQ/challengegate/lib/widget"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoBaseURL     = errors.New("config: base_url is not set")
	ErrNoWidgetKind  = errors.New("config: widget.kind is not set")
	ErrUnknownWidget = errors.New("config: unknown widget kind")
	ErrBadLimit      = errors.New("config: max_challenges must not be negative")
)

// defaultMaxChallenges keeps an explorer that keeps asking for challenges
// from holding the terminal forever.
const defaultMaxChallenges = 3

// fixedTokenWidgets answer every attempt with the same token. A single-use
// token can only be spent once, so one challenge per call is all they get.
var fixedTokenWidgets = map[string]bool{
	"static": true,
	"env":    true,
}

// fileConfig is the on-disk configuration. Values may reference environment
// variables as $NAME or ${NAME}.
type fileConfig struct {
	BaseURL          string        `yaml:"base_url"`
	MaxChallenges    int           `yaml:"max_challenges"`
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
	Widget           widgetConfig  `yaml:"widget"`
}

type widgetConfig struct {
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:"config"`
}

func (c fileConfig) Valid() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, ErrNoBaseURL)
	}

	if c.MaxChallenges < 0 {
		errs = append(errs, ErrBadLimit)
	}

	if c.Widget.Kind == "" {
		errs = append(errs, ErrNoWidgetKind)
	} else if b, ok := widget.Get(c.Widget.Kind); !ok {
		errs = append(errs, fmt.Errorf("%w %q, have: %v", ErrUnknownWidget, c.Widget.Kind, widget.Methods()))
	} else if err := b.Valid(c.Widget.raw()); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (wc widgetConfig) raw() json.RawMessage {
	if len(wc.Config) == 0 {
		return json.RawMessage("{}")
	}

	data, err := json.Marshal(wc.Config)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func (wc widgetConfig) build() (challenge.WidgetFactory, error) {
	b, ok := widget.Get(wc.Kind)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownWidget, wc.Kind)
	}

	return b.Build(wc.raw())
}

// options turns the config into client options. The widget must already be
// built from c.Widget.
func (c fileConfig) options(factory challenge.WidgetFactory) explorer.Options {
	limit := c.MaxChallenges
	if fixedTokenWidgets[c.Widget.Kind] {
		limit = 1
	}

	return explorer.Options{
		BaseURL:          c.BaseURL,
		Widget:           factory,
		Logger:           slog.Default(),
		MaxChallenges:    limit,
		ChallengeTimeout: c.ChallengeTimeout,
	}
}

func defaultConfig() *fileConfig {
	return &fileConfig{
		MaxChallenges:    defaultMaxChallenges,
		ChallengeTimeout: 5 * time.Minute,
		Widget:           widgetConfig{Kind: "browser"},
	}
}

func loadConfig(fin io.Reader) (*fileConfig, error) {
	data, err := io.ReadAll(fin)
	if err != nil {
		return nil, fmt.Errorf("can't read config: %w", err)
	}

	result := defaultConfig()

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), result); err != nil {
		return nil, fmt.Errorf("can't parse config: %w", err)
	}

	return result, nil
}
