package challenge

import (
	"context"
	"fmt"
	"log/slog"
)

// Fetcher performs a protected request. token is empty on the first call and
// holds a freshly solved challenge token on retries; the fetcher decides how
// to attach it (header, query or body field).
type Fetcher[T any] func(ctx context.Context, token string) (T, error)

// Challenger obtains a challenge token. *Session implements it.
type Challenger interface {
	Execute(ctx context.Context) (string, error)
}

// Executor holds the knobs of the retry loop. The zero value retries for as
// long as the server keeps asking for challenges.
type Executor struct {
	// MaxChallenges bounds the number of challenges solved for one call. Zero
	// means unbounded.
	MaxChallenges int

	// Name labels metrics and logs.
	Name string

	Logger *slog.Logger
}

// Run calls fetch and, whenever it fails with HTTP 429, asks ch for a token
// and calls fetch again with it. Any other failure is returned unchanged.
func Run[T any](ctx context.Context, ch Challenger, fetch Fetcher[T]) (T, error) {
	return Do(ctx, nil, ch, fetch, "")
}

// RunWithToken is Run with a token already in hand for the first call.
func RunWithToken[T any](ctx context.Context, ch Challenger, fetch Fetcher[T], token string) (T, error) {
	return Do(ctx, nil, ch, fetch, token)
}

// Do is Run with explicit executor settings. ex may be nil.
//
// A failed or dismissed challenge ends the loop with the challenger's error.
// An empty token, or the very token the server just turned away, ends it with
// ErrNotSolved: fetch is never retried without a fresh token.
func Do[T any](ctx context.Context, ex *Executor, ch Challenger, fetch Fetcher[T], token string) (T, error) {
	var zero T

	if ex == nil {
		ex = &Executor{}
	}

	name := ex.Name
	if name == "" {
		name = "default"
	}

	lg := ex.Logger
	if lg == nil {
		lg = slog.Default()
	}

	solved := 0
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fetch(ctx, token)
		if err == nil {
			return result, nil
		}

		if !IsRateLimited(err) {
			return zero, err
		}

		if ex.MaxChallenges > 0 && solved >= ex.MaxChallenges {
			return zero, fmt.Errorf("%w (%d solved): %w", ErrTooManyChallenges, solved, err)
		}

		lg.Debug("rate limited, asking for a challenge", "solved", solved)

		spent, refused := token, err
		token, err = ch.Execute(ctx)
		if err != nil {
			return zero, err
		}

		if token == "" {
			return zero, ErrNotSolved
		}

		if token == spent {
			lg.Debug("challenger handed back a token the server already refused")
			return zero, fmt.Errorf("%w: token was refused and not replaced: %w", ErrNotSolved, refused)
		}

		solved++
		retries.WithLabelValues(name).Inc()
	}
}
