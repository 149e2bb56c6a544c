// Package web renders the pages served by the loopback browser widget.
package web

import (
	"github.com/a-h/templ"

	"github.com/TecharoHQ/challengegate/lib/challenge"
	"github.com/TecharoHQ/challengegate/lib/localization"
)

// TurnstileScript is the Turnstile loader, rendered explicitly so the page
// controls mounting.
const TurnstileScript = "https://challenges.cloudflare.com/turnstile/v0/api.js?render=explicit"

// WidgetPage is everything the widget page needs to mount one attempt.
type WidgetPage struct {
	SiteKey  string
	State    string
	Attempt  int
	Options  challenge.Options
	Callback string
}

// Widget is the page mounting the verification widget.
func Widget(page WidgetPage, localizer *localization.SimpleLocalizer) templ.Component {
	return base(localizer.T("verify_title"), widgetBody(page, localizer))
}

// Done is the page shown after the widget answered. message is a
// localization key.
func Done(message string, localizer *localization.SimpleLocalizer) templ.Component {
	return base(localizer.T("verify_title"), doneBody(localizer.T(message)))
}
