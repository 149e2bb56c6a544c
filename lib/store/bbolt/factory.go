package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TecharoHQ/challengegate/lib/store"
	"go.etcd.io/bbolt"
)

var (
	ErrMissingPath     = errors.New("bbolt: path is missing from config")
	ErrCantWriteToPath = errors.New("bbolt: can't write to path")
	ErrBadLockTimeout  = errors.New("bbolt: lock_timeout is not a positive duration")
)

// defaultLockTimeout bounds the wait for the file lock held by another gate
// process on the same database.
const defaultLockTimeout = 10 * time.Second

func init() {
	store.Register("bbolt", Factory{})
}

// Factory builds new instances of the bbolt storage backend according to
// configuration passed via a json.RawMessage.
type Factory struct{}

// Build opens the database and starts the expired key sweeper, which stops
// with ctx.
func (Factory) Build(ctx context.Context, data json.RawMessage) (store.Interface, error) {
	config, err := store.DecodeConfig[Config](data)
	if err != nil {
		return nil, err
	}

	bdb, err := bbolt.Open(config.Path, 0600, &bbolt.Options{Timeout: config.lockTimeout()})
	if err != nil {
		return nil, fmt.Errorf("can't open bbolt database %s: %w", config.Path, err)
	}

	result := &Store{
		bdb: bdb,
	}

	go func() {
		result.cleanupThread(ctx)
		bdb.Close()
	}()

	return result, nil
}

func (Factory) Valid(data json.RawMessage) error {
	_, err := store.DecodeConfig[Config](data)
	return err
}

// Config is the bbolt storage backend configuration.
type Config struct {
	// Path is the filesystem path of the database. The folder must be writable by the gate.
	Path string `json:"path"`

	// LockTimeout is how long to wait for another process to release the
	// database, as a Go duration string. Defaults to 10s.
	LockTimeout string `json:"lock_timeout,omitempty"`
}

func (c Config) lockTimeout() time.Duration {
	d, err := time.ParseDuration(c.LockTimeout)
	if err != nil || d <= 0 {
		return defaultLockTimeout
	}
	return d
}

// Valid validates the configuration including checking if its containing folder is writable.
func (c Config) Valid() error {
	var errs []error

	if c.Path == "" {
		errs = append(errs, ErrMissingPath)
	} else {
		dir := filepath.Dir(c.Path)
		if err := os.WriteFile(filepath.Join(dir, ".test-file"), []byte(""), 0600); err != nil {
			errs = append(errs, ErrCantWriteToPath)
		}
		os.Remove(filepath.Join(dir, ".test-file"))
	}

	if c.LockTimeout != "" {
		if d, err := time.ParseDuration(c.LockTimeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %q", ErrBadLockTimeout, c.LockTimeout))
		}
	}

	return errors.Join(errs...)
}
