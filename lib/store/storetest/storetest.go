package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/TecharoHQ/challengegate/lib/store"
)

// Common runs the conformance suite every storage backend must pass.
func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	t.Helper()
	CommonWithWait(t, f, config, time.Sleep)
}

// CommonWithWait is Common for backends with their own notion of time, such
// as an emulated server. wait is called wherever the suite waits for keys to
// expire.
func CommonWithWait(t *testing.T, f store.Factory, config json.RawMessage, wait func(time.Duration)) {
	t.Helper()

	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); err == nil {
					t.Errorf("key %q does not exist and Delete did not return non-nil", t.Name())
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				wait(155 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				return nil
			},
		},
		{
			name: "add only once",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Add(t.Context(), t.Name(), []byte("first"), 5*time.Minute); err != nil {
					return err
				}

				if err := s.Add(t.Context(), t.Name(), []byte("second"), 5*time.Minute); !errors.Is(err, store.ErrExists) {
					t.Errorf("wanted ErrExists on second add, got %v", err)
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if !bytes.Equal(val, []byte("first")) {
					t.Errorf("second add overwrote the value: %q", string(val))
				}

				return nil
			},
		},
		{
			name: "add after expiry",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Add(t.Context(), t.Name(), []byte("first"), 150*time.Millisecond); err != nil {
					return err
				}

				wait(155 * time.Millisecond)

				return s.Add(t.Context(), t.Name(), []byte("second"), 5*time.Minute)
			},
		},
		{
			name: "incr counts within window",
			doer: func(t *testing.T, s store.Interface) error {
				for want := int64(1); want <= 3; want++ {
					got, err := s.Incr(t.Context(), t.Name(), 5*time.Minute)
					if err != nil {
						return err
					}

					if got != want {
						t.Errorf("wanted counter %d, got %d", want, got)
					}
				}

				return nil
			},
		},
		{
			name: "incr restarts after window",
			doer: func(t *testing.T, s store.Interface) error {
				for range 2 {
					if _, err := s.Incr(t.Context(), t.Name(), 150*time.Millisecond); err != nil {
						return err
					}
				}

				wait(155 * time.Millisecond)

				got, err := s.Incr(t.Context(), t.Name(), 150*time.Millisecond)
				if err != nil {
					return err
				}

				if got != 1 {
					t.Errorf("wanted counter to restart at 1, got %d", got)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
