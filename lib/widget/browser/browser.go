// Package browser implements a verification widget that runs in the user's
// web browser. Each mount starts a loopback HTTP server serving a page that
// renders Turnstile; the page posts the token back to the server.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/TecharoHQ/challengegate/lib/challenge"
	"github.com/TecharoHQ/challengegate/lib/localization"
	"github.com/TecharoHQ/challengegate/lib/widget"
	"github.com/TecharoHQ/challengegate/web"
	"github.com/a-h/templ"
	"github.com/cli/browser"
	"github.com/google/uuid"
)

var (
	ErrNoSiteKey  = errors.New("browser: site key is missing from config")
	ErrInitFailed = errors.New("browser: widget failed to initialize")
	ErrClosed     = errors.New("browser: widget closed")
)

const callbackPath = "/callback"

// openURL is swapped out in tests.
var openURL = browser.OpenURL

func init() {
	widget.Register("browser", Builder{})
}

// Config configures the browser widget.
type Config struct {
	// SiteKey is the Turnstile site key the page renders the widget with.
	SiteKey string `json:"site_key"`

	// Bind is the loopback address to listen on. Defaults to 127.0.0.1:0.
	Bind string `json:"bind,omitempty"`

	// NoOpen skips launching the browser; the URL is only logged.
	NoOpen bool `json:"no_open,omitempty"`

	// Language forces the page language instead of using Accept-Language.
	Language string `json:"language,omitempty"`
}

func (c Config) Valid() error {
	if c.SiteKey == "" {
		return ErrNoSiteKey
	}
	return nil
}

// Builder builds browser widget factories from JSON configuration.
type Builder struct{}

func (Builder) Build(data json.RawMessage) (challenge.WidgetFactory, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %w", widget.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return nil, fmt.Errorf("%w: %w", widget.ErrBadConfig, err)
	}

	return New(config), nil
}

func (Builder) Valid(data json.RawMessage) error {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("%w: %w", widget.ErrBadConfig, err)
	}

	if err := config.Valid(); err != nil {
		return fmt.Errorf("%w: %w", widget.ErrBadConfig, err)
	}

	return nil
}

// New returns a factory mounting browser widgets.
func New(config Config) challenge.WidgetFactory {
	if config.Bind == "" {
		config.Bind = "127.0.0.1:0"
	}

	return func(ctx context.Context, key challenge.Key, opts challenge.Options, cb challenge.Callbacks) (challenge.Widget, error) {
		w, err := mount(config, key, opts, cb)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

type result struct {
	token string
	err   error
}

// Widget is one mounted browser widget.
type Widget struct {
	config Config
	key    challenge.Key
	opts   challenge.Options
	cb     challenge.Callbacks
	state  string
	url    string
	srv    *http.Server
	lg     *slog.Logger

	result    chan result
	answered  sync.Once
	closeOnce sync.Once
}

func mount(config Config, key challenge.Key, opts challenge.Options, cb challenge.Callbacks) (*Widget, error) {
	ln, err := net.Listen("tcp", config.Bind)
	if err != nil {
		return nil, fmt.Errorf("browser: can't listen on %s: %w", config.Bind, err)
	}

	w := &Widget{
		config: config,
		key:    key,
		opts:   opts,
		cb:     cb,
		state:  uuid.Must(uuid.NewV7()).String(),
		url:    "http://" + ln.Addr().String() + "/",
		result: make(chan result, 1),
	}
	w.lg = slog.With("widget", "browser", "attempt", key.Attempt, "url", w.url)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.servePage)
	mux.HandleFunc("POST "+callbackPath, w.serveCallback)
	w.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := w.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			w.lg.Error("widget server failed", "err", err)
			w.answer(result{err: err})
		}
	}()

	if config.NoOpen {
		w.lg.Info("open this URL to solve the challenge")
		return w, nil
	}

	if err := openURL(w.url); err != nil {
		w.lg.Warn("can't open browser, open the URL manually", "err", err)
	}

	return w, nil
}

// URL is the address of the page the user has to visit.
func (w *Widget) URL() string {
	return w.url
}

func (w *Widget) Response(ctx context.Context) (string, error) {
	select {
	case r := <-w.result:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *Widget) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.answer(result{err: ErrClosed})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = w.srv.Shutdown(ctx)
	})
	return err
}

func (w *Widget) answer(r result) {
	w.answered.Do(func() {
		w.result <- r
	})
}

func (w *Widget) localizer(r *http.Request) *localization.SimpleLocalizer {
	if w.config.Language != "" {
		return localization.ForLanguage(w.config.Language)
	}
	return localization.GetLocalizer(r)
}

func (w *Widget) servePage(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Cache-Control", "no-store")

	templ.Handler(web.Widget(web.WidgetPage{
		SiteKey:  w.config.SiteKey,
		State:    w.state,
		Attempt:  w.key.Attempt,
		Options:  w.opts,
		Callback: callbackPath,
	}, w.localizer(r)), templ.WithErrorHandler(w.renderFailed)).ServeHTTP(rw, r)
}

func (w *Widget) renderFailed(r *http.Request, err error) http.Handler {
	w.lg.Error("can't render page", "path", r.URL.Path, "err", err)
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "can't render page", http.StatusInternalServerError)
	})
}

func (w *Widget) serveCallback(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, "bad form", http.StatusBadRequest)
		return
	}

	// Stale tabs from an earlier attempt post with an old state.
	if r.PostForm.Get("state") != w.state {
		w.lg.Debug("callback with wrong state")
		http.Error(rw, "state mismatch", http.StatusForbidden)
		return
	}

	var message string
	switch {
	case r.PostForm.Get("error") != "":
		message = "widget_failed"
		if w.cb.OnError != nil {
			w.cb.OnError()
		}
		w.answer(result{err: ErrInitFailed})
	case r.PostForm.Get("cancelled") != "":
		message = "cancelled"
		w.answer(result{err: challenge.ErrNotSolved})
	default:
		message = "verified"
		w.answer(result{token: r.PostForm.Get("token")})
	}

	templ.Handler(web.Done(message, w.localizer(r)), templ.WithErrorHandler(w.renderFailed)).ServeHTTP(rw, r)
}
