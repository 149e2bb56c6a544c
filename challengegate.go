// Package challengegate contains the version number and shared constants of the
// challenge gate client and server.
package challengegate

import "time"

// Version is the current version of challengegate.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// TokenField is the query string, form or JSON body field a solved challenge
// token is sent in.
const TokenField = "turnstile_response"

// TokenHeader is the request header a solved challenge token is sent in.
const TokenHeader = "cf-turnstile-response"

// AltTokenHeader is the header name used by the wallet sign-in endpoints.
const AltTokenHeader = "turnstile-response"

// DefaultTokenTTL is how long a redeemed token is remembered so it cannot be
// replayed. Turnstile tokens are valid for five minutes.
const DefaultTokenTTL = 5 * time.Minute

// SiteVerifyURL is the Cloudflare Turnstile token verification endpoint.
const SiteVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// BasePrefix is a global prefix for all gate endpoints.
var BasePrefix = ""

// APIPrefix is where the gate's own endpoints live, relative to BasePrefix.
const APIPrefix = "/.challengegate/api/"
