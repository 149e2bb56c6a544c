package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownBackend is returned for a backend name nothing registered.
var ErrUnknownBackend = errors.New("store: unknown backend")

var (
	registry map[string]Factory = map[string]Factory{}
	regLock  sync.RWMutex
)

// Factory builds a backend from its JSON parameters. Backends register one
// from an init function.
type Factory interface {
	Build(ctx context.Context, config json.RawMessage) (Interface, error)
	Valid(config json.RawMessage) error
}

func Register(name string, impl Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

func Get(name string) (Factory, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	var result []string
	for method := range registry {
		result = append(result, method)
	}
	sort.Strings(result)
	return result
}

// Build creates the backend registered as name. ctx bounds any background
// work the backend starts, such as expiry sweeps.
func Build(ctx context.Context, name string, config json.RawMessage) (Interface, error) {
	fac, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("%w %q, have: %v", ErrUnknownBackend, name, Methods())
	}

	result, err := fac.Build(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("store: can't build %s backend: %w", name, err)
	}

	return result, nil
}

// Valid checks config against the backend registered as name.
func Valid(name string, config json.RawMessage) error {
	fac, ok := Get(name)
	if !ok {
		return fmt.Errorf("%w %q, have: %v", ErrUnknownBackend, name, Methods())
	}

	return fac.Valid(config)
}

// Validator is a backend configuration that can check itself.
type Validator interface {
	Valid() error
}

// DecodeConfig unmarshals and validates backend parameters. Empty parameters
// decode as the zero value. Every failure wraps ErrBadConfig.
func DecodeConfig[T Validator](data json.RawMessage) (T, error) {
	var config T

	if len(data) != 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &config); err != nil {
			return config, fmt.Errorf("%w: %w", ErrBadConfig, err)
		}
	}

	if err := config.Valid(); err != nil {
		return config, fmt.Errorf("%w: %w", ErrBadConfig, err)
	}

	return config, nil
}
