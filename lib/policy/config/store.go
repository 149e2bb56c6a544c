package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TecharoHQ/challengegate/lib/store"
	_ "github.com/TecharoHQ/challengegate/lib/store/all"
)

var (
	ErrNoStoreBackend      = errors.New("config.Store: no backend defined")
	ErrUnknownStoreBackend = errors.New("config.Store: unknown backend")
)

type Store struct {
	Backend    string          `json:"backend"`
	Parameters json.RawMessage `json:"parameters"`
}

// Valid checks the backend name against the store registry and lets the
// backend validate its own parameters.
func (s *Store) Valid() error {
	if len(s.Backend) == 0 {
		return ErrNoStoreBackend
	}

	err := store.Valid(s.Backend, s.Parameters)
	if errors.Is(err, store.ErrUnknownBackend) {
		return fmt.Errorf("%w: %w", ErrUnknownStoreBackend, err)
	}

	return err
}
