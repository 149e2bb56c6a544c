package challenge

import "context"

// Theme is the color scheme a widget renders with.
type Theme string

const (
	ThemeAuto  Theme = "auto"
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// Size is the widget presentation size.
type Size string

const (
	SizeNormal    Size = "normal"
	SizeInvisible Size = "invisible"
)

// Options is the configuration surface recognized by verification widgets.
type Options struct {
	Theme Theme `json:"theme"`
	Size  Size  `json:"size"`
}

// DefaultOptions is what sessions always request: the invisible, auto-themed
// variant.
var DefaultOptions = Options{Theme: ThemeAuto, Size: SizeInvisible}

// Key is the mount identity of a widget. A widget mounted with a new key must
// not reuse any state from a previous mount.
type Key struct {
	Attempt int
}

// Callbacks are the hooks a widget calls back into its owning session.
type Callbacks struct {
	// OnError is called when the widget fails to initialize.
	OnError func()
}

// Widget is one mounted instance of an external human-verification widget.
type Widget interface {
	// Response blocks until the widget produced a token, failed, or ctx is
	// done.
	Response(ctx context.Context) (string, error)

	// Close unmounts the widget.
	Close() error
}

// WidgetFactory mounts a fresh widget. An error means the widget could not be
// initialized.
type WidgetFactory func(ctx context.Context, key Key, opts Options, cb Callbacks) (Widget, error)
