package gate

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// ProxyOptions describes the upstream the gate forwards allowed requests to.
type ProxyOptions struct {
	// Target is an http(s) URL or unix:///path/to/socket.
	Target string

	// SNI overrides the TLS server name sent to the target.
	SNI string

	// Host overrides the Host header sent to the target.
	Host string

	InsecureSkipVerify bool
}

func NewReverseProxy(opts ProxyOptions) (http.Handler, error) {
	targetURL, err := url.Parse(opts.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if targetURL.Scheme == "unix" {
		// the socket path must not leak into proxied request paths
		addr := targetURL.Path
		targetURL.Path = ""
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		}
		transport.RegisterProtocol("unix", UnixRoundTripper{Transport: transport})
	}

	if opts.InsecureSkipVerify || opts.SNI != "" {
		transport.TLSClientConfig = &tls.Config{ServerName: opts.SNI}
		if opts.InsecureSkipVerify {
			slog.Warn("TLS certificate validation of the target is disabled", "target", opts.Target)
			transport.TLSClientConfig.InsecureSkipVerify = true
		}
	}

	rp := httputil.NewSingleHostReverseProxy(targetURL)
	rp.Transport = transport

	if opts.Host != "" {
		director := rp.Director
		rp.Director = func(req *http.Request) {
			director(req)
			req.Host = opts.Host
		}
	}

	return rp, nil
}
