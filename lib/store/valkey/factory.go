package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TecharoHQ/challengegate/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

var (
	ErrNoURL     = errors.New("valkey.Config: no URL defined")
	ErrBadURL    = errors.New("valkey.Config: URL is invalid")
	ErrBadPrefix = errors.New("valkey.Config: prefix must not contain whitespace")
)

// DefaultPrefix namespaces gate keys when no prefix is configured.
const DefaultPrefix = "challengegate:"

func init() {
	store.Register("valkey", Factory{})
}

type Factory struct{}

func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := store.DecodeConfig[Config](data)
	if err != nil {
		return nil, err
	}

	opts, err := valkey.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrBadConfig, err)
	}

	rdb := valkey.NewClient(opts)

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("can't ping valkey instance: %w", err)
	}

	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (Factory) Valid(data json.RawMessage) error {
	_, err := store.DecodeConfig[Config](data)
	return err
}

type Config struct {
	URL string `json:"url"`

	// Prefix is prepended to every key so several gates can share one
	// instance. Defaults to DefaultPrefix.
	Prefix string `json:"prefix,omitempty"`
}

func (c Config) Valid() error {
	var errs []error

	if c.URL == "" {
		errs = append(errs, ErrNoURL)
	} else if _, err := valkey.ParseURL(c.URL); err != nil {
		errs = append(errs, ErrBadURL)
	}

	if strings.ContainsAny(c.Prefix, " \t\r\n") {
		errs = append(errs, ErrBadPrefix)
	}

	if len(errs) != 0 {
		return fmt.Errorf("valkey.Config: invalid config: %w", errors.Join(errs...))
	}

	return nil
}
