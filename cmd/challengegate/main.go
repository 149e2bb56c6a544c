package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/data"
	"github.com/TecharoHQ/challengegate/internal"
	"github.com/TecharoHQ/challengegate/lib/gate"
	"github.com/TecharoHQ/challengegate/lib/policy/config"
	_ "github.com/TecharoHQ/challengegate/lib/store/all"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"
)

var (
	basePrefix               = flag.String("base-prefix", "", "base prefix (root URL) the application is served under e.g. /myapp")
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	forcedLanguage           = flag.String("forced-language", "", "if set, this language is being used instead of the one from the request's Accept-Language header")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	policyFname              = flag.String("policy-fname", "", "full path to the gate policy document (defaults to a sensible built-in policy)")
	printPolicy              = flag.Bool("print-policy", false, "print the effective policy as YAML and exit")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	logFormat                = flag.String("log-format", "json", "log format, json or text")
	stripBasePrefix          = flag.Bool("strip-base-prefix", false, "if true, strips the base prefix from requests forwarded to the target server")
	target                   = flag.String("target", "http://localhost:3923", "target to reverse proxy to, set to an empty string to disable proxying when only using auth request")
	targetSNI                = flag.String("target-sni", "", "if set, the value of the TLS handshake hostname when forwarding requests to the target")
	targetHost               = flag.String("target-host", "", "if set, the value of the Host header when forwarding requests to the target")
	targetInsecureSkipVerify = flag.Bool("target-insecure-skip-verify", false, "if true, skips TLS validation for the backend")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against the gate")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running the gate on bare metal")
	extractResources         = flag.String("extract-resources", "", "if set, extract the built-in policies to the specified folder")
	versionFlag              = flag.Bool("version", false, "print challengegate version")
	xffStripPrivate          = flag.Bool("xff-strip-private", true, "if set, strip private addresses from X-Forwarded-For")

	turnstileSecret     = flag.String("turnstile-secret", "", "Turnstile secret key used to verify challenge tokens")
	turnstileSecretFile = flag.String("turnstile-secret-file", "", "file name containing value for turnstile-secret")
	turnstileHostname   = flag.String("turnstile-hostname", "", "if set, tokens must have been solved on this hostname")
	siteVerifyURL       = flag.String("siteverify-url", challengegate.SiteVerifyURL, "token verification endpoint")
	insecureAcceptAll   = flag.Bool("insecure-accept-all-tokens", false, "accept every token without verifying it, only for local development")
)

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + challengegate.BasePrefix + "/metrics")
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func listen(network, address string) (net.Listener, string) {
	ln, formatted, err := internal.Listen(network, address, *socketMode)
	if err != nil {
		log.Fatal(err)
	}
	return ln, formatted
}

func makeVerifier() (gate.Verifier, error) {
	if *insecureAcceptAll {
		slog.Warn("INSECURE_ACCEPT_ALL_TOKENS is set, every challenge token will be accepted without verification")
		return gate.Always, nil
	}

	secret := *turnstileSecret
	switch {
	case secret != "" && *turnstileSecretFile != "":
		return nil, errors.New("do not specify both TURNSTILE_SECRET and TURNSTILE_SECRET_FILE")
	case *turnstileSecretFile != "":
		data, err := os.ReadFile(*turnstileSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read TURNSTILE_SECRET_FILE %s: %w", *turnstileSecretFile, err)
		}
		secret = strings.TrimSpace(string(data))
	}

	if secret == "" {
		return nil, errors.New("TURNSTILE_SECRET is not set, tokens can't be verified")
	}

	return &gate.SiteVerify{
		Secret:   secret,
		Hostname: *turnstileHostname,
		URL:      *siteVerifyURL,
	}, nil
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("challengegate", challengegate.Version)
		return
	}

	internal.InitSlog(*slogLevel, *logFormat)

	if *extractResources != "" {
		if err := extractEmbedFS(data.Policies, ".", *extractResources); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Extracted embedded policies to %s\n", *extractResources)
		return
	}

	policy, err := gate.LoadPoliciesOrDefault(*policyFname)
	if err != nil {
		log.Fatalf("can't parse policy file: %v", err)
	}

	if *printPolicy {
		out, err := yaml.Marshal(policy.Original())
		if err != nil {
			log.Fatalf("can't encode policy: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	var rp http.Handler
	// when run via systemd and environment variables it is not possible to set target to an empty string but only to space
	if strings.TrimSpace(*target) != "" {
		rp, err = gate.NewReverseProxy(gate.ProxyOptions{
			Target:             *target,
			SNI:                *targetSNI,
			Host:               *targetHost,
			InsecureSkipVerify: *targetInsecureSkipVerify,
		})
		if err != nil {
			log.Fatalf("can't make reverse proxy: %v", err)
		}
	}

	ruleErrorIDs := make(map[string]string)
	for _, rule := range policy.Rules {
		if rule.Action != config.RuleDeny {
			continue
		}

		ruleErrorIDs[rule.Name] = rule.Hash()
	}

	if *basePrefix != "" && !strings.HasPrefix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must start with a slash, eg: /%s", *basePrefix)
	} else if strings.HasSuffix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must not end with a slash")
	}
	if *stripBasePrefix && *basePrefix == "" {
		log.Fatalf("[misconfiguration] strip-base-prefix is set to true, but base-prefix is not set, " +
			"this may result in unexpected behavior")
	}

	verifier, err := makeVerifier()
	if err != nil {
		log.Fatalf("[misconfiguration] %v", err)
	}

	wg := new(sync.WaitGroup)
	// install signal handler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := gate.New(ctx, gate.Options{
		BasePrefix:      *basePrefix,
		StripBasePrefix: *stripBasePrefix,
		Next:            rp,
		Policy:          policy,
		Verifier:        verifier,
		ForcedLanguage:  *forcedLanguage,
	})
	if err != nil {
		log.Fatalf("can't construct gate.Server: %v", err)
	}

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	var h http.Handler
	h = s
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)
	h = internal.XForwardedForToXRealIP(h)
	h = internal.XForwardedForUpdate(*xffStripPrivate, h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := listen(*bindNetwork, *bind)
	slog.Info(
		"listening",
		"url", listenerUrl,
		"target", *target,
		"version", challengegate.Version,
		"use-remote-address", *useRemoteAddress,
		"base-prefix", *basePrefix,
		"store", policy.Store.Backend,
		"token-ttl", policy.TokenTTL,
		"rule-error-ids", ruleErrorIDs,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle(challengegate.BasePrefix+"/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := listen(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	if *healthcheck {
		log.Println("running healthcheck")
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func extractEmbedFS(fsys embed.FS, root string, destDir string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		destPath := filepath.Join(destDir, root, relPath)

		if d.IsDir() {
			return os.MkdirAll(destPath, 0o700)
		}

		embeddedData, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}

		return os.WriteFile(destPath, embeddedData, 0o644)
	})
}
