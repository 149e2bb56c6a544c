// Command explorer-export talks to the challenge protected endpoints of a
// blockchain explorer: CSV exports, email linking, wallet sign in and rate
// limit recovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TecharoHQ/challengegate"
	"github.com/TecharoHQ/challengegate/internal"
	"github.com/TecharoHQ/challengegate/lib/explorer"
	_ "github.com/TecharoHQ/challengegate/lib/widget/all"
	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"
)

var (
	configFname = flag.String("config", "", "path to the YAML configuration file")
	baseURL     = flag.String("base-url", "", "explorer API base URL, overrides the config file")
	token       = flag.String("token", "", "answer every challenge with this token instead of showing a widget")
	slogLevel   = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	versionFlag = flag.Bool("version", false, "print version")

	address     = flag.String("address", "", "address hash to export or sign in with")
	kinds       = flag.String("kinds", "transactions", "comma separated export kinds, or \"all\"")
	from        = flag.String("from", "", "first day to export, YYYY-MM-DD")
	to          = flag.String("to", "", "last day to export, YYYY-MM-DD")
	filterType  = flag.String("filter-type", "", "export filter type, e.g. address")
	filterValue = flag.String("filter-value", "", "export filter value, e.g. to or from")
	outDir      = flag.String("out", ".", "directory CSV exports are written to")
	email       = flag.String("email", "", "email address to send a one-time password to")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <export|link-email|wallet|unblock>\n\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("explorer-export", challengegate.Version)
		return
	}

	internal.InitSlog(*slogLevel, "text")

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newClient()
	if err != nil {
		slog.Error("can't set up client", "err", err)
		os.Exit(1)
	}

	if err := run(ctx, client, flag.Arg(0)); err != nil {
		slog.Error("failed", "command", flag.Arg(0), "err", err)
		os.Exit(1)
	}
}

func newClient() (*explorer.Client, error) {
	cfg := defaultConfig()

	if *configFname != "" {
		fin, err := os.Open(*configFname)
		if err != nil {
			return nil, err
		}
		defer fin.Close()

		cfg, err = loadConfig(fin)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", *configFname, err)
		}
	}

	if *baseURL != "" {
		cfg.BaseURL = *baseURL
	}

	if *token != "" {
		cfg.Widget = widgetConfig{Kind: "static", Config: map[string]any{"token": *token}}
	}

	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	factory, err := cfg.Widget.build()
	if err != nil {
		return nil, err
	}

	return explorer.New(cfg.options(factory))
}

func run(ctx context.Context, client *explorer.Client, command string) error {
	switch command {
	case "export":
		req, ks, err := exportRequest()
		if err != nil {
			return err
		}
		return exportAll(ctx, client, req, ks, *outDir)

	case "link-email":
		if err := client.SendOTP(ctx, *email); err != nil {
			return err
		}
		slog.Info("one-time password sent", "email", *email)
		return nil

	case "wallet":
		msg, err := client.WalletSignIn(ctx, *address)
		if err != nil {
			return err
		}
		fmt.Println(msg.Message)
		return nil

	case "unblock":
		key, err := client.Unblock(ctx)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func exportRequest() (explorer.ExportRequest, []explorer.ExportKind, error) {
	req := explorer.ExportRequest{
		AddressHash: *address,
		FilterType:  *filterType,
		FilterValue: *filterValue,
	}

	var errs []error
	for _, p := range []struct {
		val  string
		into *time.Time
	}{{*from, &req.From}, {*to, &req.To}} {
		if p.val == "" {
			continue
		}

		t, err := time.Parse(time.DateOnly, p.val)
		if err != nil {
			errs = append(errs, fmt.Errorf("bad date %q: %w", p.val, err))
			continue
		}
		*p.into = t
	}

	ks, err := parseKinds(*kinds)
	if err != nil {
		errs = append(errs, err)
	}

	return req, ks, errors.Join(errs...)
}

func parseKinds(s string) ([]explorer.ExportKind, error) {
	if s == "all" {
		return explorer.ExportKinds, nil
	}

	var result []explorer.ExportKind
	for _, k := range strings.Split(s, ",") {
		kind := explorer.ExportKind(strings.TrimSpace(k))
		if err := kind.Valid(); err != nil {
			return nil, err
		}
		result = append(result, kind)
	}

	return result, nil
}

// exportAll downloads every kind at once. The downloads share the export
// challenge session, so only one widget is on screen at a time. Tokens are
// single use: every challenged download still costs its own solve.
func exportAll(ctx context.Context, client *explorer.Client, req explorer.ExportRequest, ks []explorer.ExportKind, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(len(explorer.ExportKinds))

	for _, kind := range ks {
		g.Go(func() error {
			r := req
			r.Kind = kind

			fname := filepath.Join(dir, fmt.Sprintf("%s-%s.csv", req.AddressHash, kind))
			fout, err := os.Create(fname)
			if err != nil {
				return err
			}

			n, err := client.ExportCSV(ctx, r, fout)
			if cerr := fout.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(fname)
				return err
			}

			slog.Info("exported", "kind", kind, "file", fname, "bytes", n)
			return nil
		})
	}

	return g.Wait()
}
