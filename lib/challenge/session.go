package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionOptions configures a Session. The zero value is usable.
type SessionOptions struct {
	// Name labels the session in logs and metrics, e.g. "export".
	Name string

	// Logger receives debug logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Timeout bounds a single widget interaction. Zero means no deadline: the
	// interaction lasts until the widget answers, the user cancels or the
	// context is done.
	Timeout time.Duration

	// MaxChallenges bounds how many challenges FetchProtected solves for one
	// call before giving up. Zero means unbounded.
	MaxChallenges int
}

// Session owns the lifecycle of the verification widget for one feature. At
// most one widget interaction is in flight per session; concurrent Execute
// calls share it.
type Session struct {
	factory WidgetFactory
	opts    SessionOptions
	lg      *slog.Logger

	mu        sync.Mutex
	widget    Widget
	attempt   int
	open      bool
	initError bool
	cancel    chan struct{}
	pending   *interaction
}

type interaction struct {
	done  chan struct{}
	token string
	err   error
}

type widgetResult struct {
	token string
	err   error
}

// NewSession creates a session that mounts widgets with factory.
func NewSession(factory WidgetFactory, opts SessionOptions) *Session {
	if opts.Name == "" {
		opts.Name = "default"
	}

	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}

	return &Session{
		factory: factory,
		opts:    opts,
		lg:      lg.With("session", opts.Name),
	}
}

// Name returns the session label.
func (s *Session) Name() string {
	return s.opts.Name
}

// Execute asks the user to solve a challenge and returns the widget's token.
// A token is never reused: each call that starts an interaction mounts a
// freshly keyed widget. If an interaction is already open, Execute waits for
// it and returns its outcome instead of opening a second one, unless that
// interaction ended only because its own caller's context was done.
//
// Dismissal through CancelCurrent fails with ErrNotSolved. The token may be
// empty if the widget answered without one.
func (s *Session) Execute(ctx context.Context) (string, error) {
	s.mu.Lock()
	for s.pending != nil {
		p := s.pending
		s.mu.Unlock()
		s.lg.Debug("joining open challenge")

		select {
		case <-p.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		// Only the opener gave up; this caller still wants a token.
		if abandoned(p.err) && ctx.Err() == nil {
			s.lg.Debug("open challenge was abandoned, starting another")
			s.mu.Lock()
			continue
		}

		return p.token, p.err
	}

	s.attempt++
	key := Key{Attempt: s.attempt}
	cancel := make(chan struct{})
	p := &interaction{done: make(chan struct{})}
	s.open = true
	s.cancel = cancel
	s.pending = p
	s.mu.Unlock()

	challengesIssued.WithLabelValues(s.opts.Name).Inc()
	start := time.Now()

	token, err := s.interact(ctx, key, cancel)

	s.mu.Lock()
	s.open = false
	s.cancel = nil
	s.pending = nil
	s.mu.Unlock()

	s.record(key, token, err, time.Since(start))

	p.token, p.err = token, err
	close(p.done)

	return token, err
}

func (s *Session) interact(ctx context.Context, key Key, cancel <-chan struct{}) (string, error) {
	if s.factory == nil {
		return "", ErrNoWidget
	}

	wctx, stop := context.WithCancel(ctx)
	defer stop()

	w, err := s.factory(wctx, key, DefaultOptions, Callbacks{OnError: s.ReportInitError})
	if err != nil {
		s.ReportInitError()
		return "", fmt.Errorf("challenge: can't mount widget: %w", err)
	}

	s.mu.Lock()
	s.widget = w
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.widget = nil
		s.mu.Unlock()

		if err := w.Close(); err != nil {
			s.lg.Debug("can't close widget", "attempt", key.Attempt, "err", err)
		}
	}()

	result := make(chan widgetResult, 1)
	go func() {
		token, err := w.Response(wctx)
		result <- widgetResult{token: token, err: err}
	}()

	var deadline <-chan time.Time
	if s.opts.Timeout > 0 {
		t := time.NewTimer(s.opts.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case r := <-result:
		if r.err != nil {
			return "", fmt.Errorf("challenge: widget failed: %w", r.err)
		}
		return r.token, nil
	case <-cancel:
		return "", ErrNotSolved
	case <-deadline:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) record(key Key, token string, err error, took time.Duration) {
	result := "solved"
	switch {
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.Is(err, ErrNotSolved):
		result = "cancelled"
	case err != nil:
		result = "failed"
	case token == "":
		result = "empty"
	}

	challengeResults.WithLabelValues(s.opts.Name, result).Inc()
	if result == "solved" {
		TimeTaken.WithLabelValues(s.opts.Name).Observe(float64(took.Milliseconds()))
	}

	s.lg.Debug("challenge finished", "attempt", key.Attempt, "result", result, "took", took, "err", err)
}

func abandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// CancelCurrent dismisses the open challenge, making the pending Execute
// fail with ErrNotSolved. It does nothing when no challenge is open.
func (s *Session) CancelCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	close(s.cancel)
	s.cancel = nil
}

// ReportInitError marks the widget as unable to initialize. The flag stays
// set for the lifetime of the session. Callers that see InitError should
// disable whatever depends on a solved challenge.
func (s *Session) ReportInitError() {
	s.mu.Lock()
	already := s.initError
	s.initError = true
	s.mu.Unlock()

	if !already {
		initErrors.WithLabelValues(s.opts.Name).Inc()
		s.lg.Debug("widget failed to initialize")
	}
}

// InitError reports whether the widget ever failed to initialize.
func (s *Session) InitError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initError
}

// IsOpen reports whether a challenge is awaiting the user.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Attempt returns the mount key of the most recent widget.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// FetchProtected runs fetch, solving a challenge and retrying whenever the
// server answers 429.
func FetchProtected[T any](ctx context.Context, s *Session, fetch Fetcher[T]) (T, error) {
	ex := &Executor{MaxChallenges: s.opts.MaxChallenges, Name: s.opts.Name, Logger: s.lg}
	return Do(ctx, ex, s, fetch, "")
}
