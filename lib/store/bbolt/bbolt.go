package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/TecharoHQ/challengegate/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrBucketDoesNotExist = errors.New("bbolt: bucket does not exist")
	ErrNotExists          = errors.New("bbolt: value does not exist in store")
)

// Store implements store.Interface backed by bbolt[1].
//
// Every value lives in its own bucket with two keys:
//
// 1. data - The raw data: JSON, or a decimal counter for rate limit windows
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// This lets the cleanup phase scan expiry times without decoding records.
// Because bbolt serializes writers, Add and Incr are atomic by running in a
// single Update transaction.
//
// bbolt is not suitable when multiple gate instances share state. For that,
// use the valkey storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

// Delete a key from the datastore. If the key does not exist, return an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(key)) == nil {
			return fmt.Errorf("%w: %w: %q", store.ErrNotFound, ErrNotExists, key)
		}

		return tx.DeleteBucket([]byte(key))
	})
}

// read returns a copy of the live value at key and its expiry. Expired
// values are reported as not found.
func read(tx *bbolt.Tx, key string) ([]byte, time.Time, error) {
	itemBucket := tx.Bucket([]byte(key))
	if itemBucket == nil {
		return nil, time.Time{}, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	expiryStr := itemBucket.Get([]byte("expiry"))
	if expiryStr == nil {
		return nil, time.Time{}, fmt.Errorf("[unexpected] %w: %q (expiry is nil)", store.ErrNotFound, key)
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	if time.Now().After(expiry) {
		return nil, time.Time{}, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	dataStr := itemBucket.Get([]byte("data"))
	if dataStr == nil {
		return nil, time.Time{}, fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
	}

	return bytes.Clone(dataStr), expiry, nil
}

func write(tx *bbolt.Tx, key string, value []byte, expires time.Time) error {
	valueBkt, err := tx.CreateBucketIfNotExists([]byte(key))
	if err != nil {
		return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
	}

	if err := valueBkt.Put([]byte("expiry"), []byte(expires.Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
	}

	if err := valueBkt.Put([]byte("data"), value); err != nil {
		return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
	}

	return nil
}

// Add a value into the datastore unless a live value already exists.
func (s *Store) Add(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		_, _, err := read(tx, key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %q", store.ErrExists, key)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		return write(tx, key, value, time.Now().Add(expiry))
	})
}

// Get a value from the datastore. Expired values are deleted in the
// background and reported as not found.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		var err error
		result, _, err = read(tx, key)
		return err
	}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			go s.Delete(context.Background(), key)
		}
		return nil, err
	}

	return result, nil
}

// Incr bumps the counter at key, starting a new window when it is missing or
// expired.
func (s *Store) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var result int64

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		data, expires, err := read(tx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			data, expires = []byte("0"), time.Now().Add(window)
		case err != nil:
			return err
		}

		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a counter: %w", store.ErrCantDecode, key, err)
		}

		result = n + 1
		return write(tx, key, []byte(strconv.FormatInt(result, 10)), expires)
	})

	return result, err
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return write(tx, key, value, time.Now().Add(expiry))
	})
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			expiryStr := valueBkt.Get([]byte("expiry"))
			if expiryStr == nil {
				slog.Warn("while running cleanup, expiry is not set somehow, file a bug?", "key", string(key))
				return nil
			}

			expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
			if err != nil {
				return fmt.Errorf("[unexpected] %w in bucket %q: %w", store.ErrCantDecode, string(key), err)
			}

			if now.After(expiry) {
				expired = append(expired, bytes.Clone(key))
			}

			return nil
		}); err != nil {
			return err
		}

		// Buckets can't be removed while ForEach walks them.
		for _, key := range expired {
			if err := tx.DeleteBucket(key); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
