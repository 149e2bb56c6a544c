package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/TecharoHQ/challengegate/lib/challenge"
)

var (
	ErrNoToken   = errors.New("widget: no token configured")
	ErrNoEnvName = errors.New("widget: no environment variable name configured")
)

func init() {
	Register("static", staticBuilder{})
	Register("env", envBuilder{})
}

// Func adapts a function into a widget factory. Each mount calls fn once for
// the token.
func Func(fn func(ctx context.Context, key challenge.Key) (string, error)) challenge.WidgetFactory {
	return func(ctx context.Context, key challenge.Key, _ challenge.Options, _ challenge.Callbacks) (challenge.Widget, error) {
		return &funcWidget{fn: fn, key: key}, nil
	}
}

type funcWidget struct {
	fn  func(ctx context.Context, key challenge.Key) (string, error)
	key challenge.Key
}

func (w *funcWidget) Response(ctx context.Context) (string, error) {
	return w.fn(ctx, w.key)
}

func (w *funcWidget) Close() error { return nil }

// Static answers every challenge with token. It is meant for automation where
// a token was obtained out of band, or for Turnstile test site keys which
// accept any token.
func Static(token string) challenge.WidgetFactory {
	return Func(func(context.Context, challenge.Key) (string, error) {
		return token, nil
	})
}

// FromEnv answers every challenge with the current value of the environment
// variable name, read at mount time.
func FromEnv(name string) challenge.WidgetFactory {
	return func(ctx context.Context, key challenge.Key, opts challenge.Options, cb challenge.Callbacks) (challenge.Widget, error) {
		token := os.Getenv(name)
		if token == "" {
			return nil, fmt.Errorf("%w: $%s is empty", ErrNoToken, name)
		}

		return Static(token)(ctx, key, opts, cb)
	}
}

// StaticConfig configures the static widget.
type StaticConfig struct {
	Token string `json:"token"`
}

func (c StaticConfig) Valid() error {
	if c.Token == "" {
		return ErrNoToken
	}
	return nil
}

type staticBuilder struct{}

func (staticBuilder) Build(data json.RawMessage) (challenge.WidgetFactory, error) {
	var config StaticConfig
	if err := decode(data, &config); err != nil {
		return nil, err
	}

	return Static(config.Token), nil
}

func (staticBuilder) Valid(data json.RawMessage) error {
	var config StaticConfig
	return decode(data, &config)
}

// EnvConfig configures the environment variable widget.
type EnvConfig struct {
	Name string `json:"name"`
}

func (c EnvConfig) Valid() error {
	if c.Name == "" {
		return ErrNoEnvName
	}
	return nil
}

type envBuilder struct{}

func (envBuilder) Build(data json.RawMessage) (challenge.WidgetFactory, error) {
	var config EnvConfig
	if err := decode(data, &config); err != nil {
		return nil, err
	}

	return FromEnv(config.Name), nil
}

func (envBuilder) Valid(data json.RawMessage) error {
	var config EnvConfig
	return decode(data, &config)
}

type validator interface {
	Valid() error
}

func decode(data json.RawMessage, into validator) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}

	if err := into.Valid(); err != nil {
		return fmt.Errorf("%w: %w", ErrBadConfig, err)
	}

	return nil
}
