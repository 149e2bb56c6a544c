package web

import (
	"context"
	"io"
	"strconv"

	"github.com/a-h/templ"

	"github.com/TecharoHQ/challengegate/lib/localization"
)

// page collects the first write error so components can write fragments
// without checking each one.
type page struct {
	w   io.Writer
	err error
}

func (p *page) raw(s ...string) {
	for _, frag := range s {
		if p.err != nil {
			return
		}
		_, p.err = io.WriteString(p.w, frag)
	}
}

func (p *page) text(s string) {
	p.raw(templ.EscapeString(s))
}

// js writes v as a JavaScript literal safe to embed in a script element.
func (p *page) js(v any) {
	if p.err != nil {
		return
	}

	s, err := templ.JSONString(v)
	if err != nil {
		p.err = err
		return
	}
	p.raw(s)
}

func (p *page) component(ctx context.Context, c templ.Component) {
	if p.err != nil {
		return
	}
	p.err = c.Render(ctx, p.w)
}

func base(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.raw(`<!doctype html><html><head><meta charset="utf-8">`,
			`<meta name="viewport" content="width=device-width, initial-scale=1"><title>`)
		p.text(title)
		p.raw(`</title><style>`,
			`body { font-family: system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }`,
			`#widget { margin: 2rem 0; min-height: 65px; }`,
			`</style></head><body><h1>`)
		p.text(title)
		p.raw(`</h1>`)
		p.component(ctx, body)
		p.raw(`</body></html>`)
		return p.err
	})
}

const widgetScript = `
function send(fields) {
  const form = document.createElement("form");
  form.method = "POST";
  form.action = callback;
  for (const [name, value] of Object.entries(Object.assign({ state }, fields))) {
    const input = document.createElement("input");
    input.type = "hidden";
    input.name = name;
    input.value = value;
    form.appendChild(input);
  }
  document.body.appendChild(form);
  form.submit();
}

function mountWidget() {
  const invisible = opts.size === "invisible";
  turnstile.render("#widget", {
    sitekey: siteKey,
    theme: opts.theme,
    size: invisible ? "normal" : opts.size,
    appearance: invisible ? "interaction-only" : "always",
    callback: (token) => send({ token }),
    "error-callback": () => send({ error: "init" }),
  });
}
`

func widgetBody(wp WidgetPage, localizer *localization.SimpleLocalizer) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.raw(`<p>`)
		p.text(localizer.T("verify_body"))
		p.raw(`</p><noscript>`)
		p.text(localizer.T("javascript_required"))
		p.raw(`</noscript><div id="widget" data-attempt="`, strconv.Itoa(wp.Attempt), `"></div>`)

		p.raw(`<form method="POST" action="`)
		p.text(wp.Callback)
		p.raw(`"><input type="hidden" name="state" value="`)
		p.text(wp.State)
		p.raw(`"><input type="hidden" name="cancelled" value="1"><button type="submit">`)
		p.text(localizer.T("cancel"))
		p.raw(`</button></form>`)

		p.raw(`<script>const state = `)
		p.js(wp.State)
		p.raw(`;const callback = `)
		p.js(wp.Callback)
		p.raw(`;const siteKey = `)
		p.js(wp.SiteKey)
		p.raw(`;const opts = `)
		p.js(wp.Options)
		p.raw(`;`, widgetScript, `</script>`)

		p.raw(`<script src="`)
		p.text(TurnstileScript)
		p.raw(`" async defer onload="mountWidget()"></script>`)
		return p.err
	})
}

func doneBody(message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &page{w: w}
		p.raw(`<p>`)
		p.text(message)
		p.raw(`</p>`)
		return p.err
	})
}
