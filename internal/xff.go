package internal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/sebest/xff"
)

// RemoteXRealIP sets the X-Real-Ip header to the request's real IP if
// the setting is enabled by the user.
func RemoteXRealIP(useRemoteAddress bool, bindNetwork string, next http.Handler) http.Handler {
	if !useRemoteAddress {
		slog.Debug("skipping middleware, useRemoteAddress is empty")
		return next
	}

	if bindNetwork == "unix" {
		// Unix sockets have no remote address.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Set("X-Real-Ip", "127.0.0.1")
			next.ServeHTTP(w, r)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		r.Header.Set("X-Real-Ip", host)
		next.ServeHTTP(w, r)
	})
}

// XForwardedForToXRealIP sets the X-Real-Ip header to the first public
// address of X-Forwarded-For when no earlier hop set it.
func XForwardedForToXRealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if xffHeader := r.Header.Get("X-Forwarded-For"); r.Header.Get("X-Real-Ip") == "" && xffHeader != "" {
			if ip := xff.Parse(xffHeader); ip != "" {
				slog.Debug("setting x-real-ip", "val", ip)
				r.Header.Set("X-Real-Ip", ip)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// XForwardedForUpdate appends the remote address to X-Forwarded-For before
// the request is proxied. Requests from loopback are passed as-is because a
// local reverse proxy already maintains the chain.
func XForwardedForUpdate(stripPrivate bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer next.ServeHTTP(w, r)

		remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			slog.Warn("The default format of request.RemoteAddr should be IP:Port", "remoteAddr", r.RemoteAddr)
			return
		}

		if parsed := net.ParseIP(remoteIP); parsed != nil && parsed.IsLoopback() {
			return
		}

		var forwarded []string
		if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
			forwarded = strings.Split(existing, ",")
		}
		forwarded = append(forwarded, remoteIP)

		r.Header.Set("X-Forwarded-For", computeXFFHeader(forwarded, stripPrivate))
	})
}

func computeXFFHeader(forwarded []string, stripPrivate bool) string {
	result := make([]string, 0, len(forwarded))

	for _, hop := range forwarded {
		hop = strings.TrimSpace(hop)
		if hop == "" {
			continue
		}

		if stripPrivate {
			ip := net.ParseIP(hop)
			if ip == nil || !xff.IsPublicIP(ip) {
				continue
			}
		}

		result = append(result, hop)
	}

	return strings.Join(result, ", ")
}
