// Package challengetest provides scripted verification widgets for tests.
package challengetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/TecharoHQ/challengegate/lib/challenge"
	"github.com/google/uuid"
)

// ErrWidget is returned by widgets told to fail.
var ErrWidget = errors.New("challengetest: widget failed")

// Factory mounts scripted widgets and records every mount.
//
// By default each widget immediately answers with a new random token. Set
// Token for a fixed answer, Fail to make Response error, InitFail to make
// mounting fail, or Hold to keep widgets pending until Solve is called.
type Factory struct {
	Token    string
	Fail     bool
	InitFail bool
	Hold     bool

	mu      sync.Mutex
	keys    []challenge.Key
	opts    []challenge.Options
	closed  int
	release chan string
}

// New creates a Factory. It exists to match the fixture style of the other
// test helper packages.
func New(t *testing.T) *Factory {
	t.Helper()
	return &Factory{release: make(chan string, 1)}
}

// Mount is a challenge.WidgetFactory.
func (f *Factory) Mount(ctx context.Context, key challenge.Key, opts challenge.Options, cb challenge.Callbacks) (challenge.Widget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.keys = append(f.keys, key)
	f.opts = append(f.opts, opts)

	if f.InitFail {
		if cb.OnError != nil {
			cb.OnError()
		}
		return nil, ErrWidget
	}

	if f.release == nil {
		f.release = make(chan string, 1)
	}

	return &widget{f: f}, nil
}

// Solve answers the currently held widget with token.
func (f *Factory) Solve(token string) {
	f.mu.Lock()
	if f.release == nil {
		f.release = make(chan string, 1)
	}
	ch := f.release
	f.mu.Unlock()

	ch <- token
}

// Keys returns the mount keys seen so far.
func (f *Factory) Keys() []challenge.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]challenge.Key(nil), f.keys...)
}

// Options returns the widget options seen so far.
func (f *Factory) Options() []challenge.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]challenge.Options(nil), f.opts...)
}

// Mounts returns how many widgets were mounted.
func (f *Factory) Mounts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

// Closed returns how many widgets were unmounted.
func (f *Factory) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type widget struct {
	f *Factory
}

func (w *widget) Response(ctx context.Context) (string, error) {
	w.f.mu.Lock()
	hold, fail, token, release := w.f.Hold, w.f.Fail, w.f.Token, w.f.release
	w.f.mu.Unlock()

	if fail {
		return "", ErrWidget
	}

	if hold {
		select {
		case token := <-release:
			return token, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if token == "" {
		token = uuid.Must(uuid.NewV7()).String()
	}

	return token, nil
}

func (w *widget) Close() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.f.closed++
	return nil
}

// Challenger is a challenge.Challenger returning scripted results in order.
// Once the script runs out the last entry repeats.
type Challenger struct {
	Tokens []string
	Errs   []error

	mu    sync.Mutex
	calls int
}

func (c *Challenger) Execute(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.calls
	c.calls++

	var token string
	var err error
	if n := len(c.Tokens); n > 0 {
		token = c.Tokens[min(i, n-1)]
	}
	if n := len(c.Errs); n > 0 {
		err = c.Errs[min(i, n-1)]
	}

	return token, err
}

// Calls returns how many times Execute ran.
func (c *Challenger) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
