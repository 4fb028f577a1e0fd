// Package main is the entry point for the docbridge extension supervisor.
//
// docbridge loads extension manifests, opens the files named by --bind as
// document sessions and pushes their contents to the bound extensions
// whenever the files change.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/dshills/docbridge/internal/config"
	"github.com/dshills/docbridge/internal/extension"
	"github.com/dshills/docbridge/internal/host"
	"github.com/dshills/docbridge/internal/logging"
	"github.com/dshills/docbridge/internal/protocol"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	configPath    string
	extensionsDir string
	logLevel      string
	logFormat     string
	binds         []string
	group         string
	user          string
	status        bool
	showVersion   bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Printf("docbridge %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	applyOverrides(cfg, opts)
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	logger := logging.Component("main")

	sessions := host.NewFileSessions()
	h, err := host.New(cfg, host.Options{
		Sessions:  sessions,
		Converter: host.RawConverter{MaxBytes: cfg.Transport.MaxSnapshotBytes},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	if opts.status {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Extension.StartTimeout)
		h.Registry().InitializeAll(ctx)
		cancel()
		printStatus(os.Stdout, h.Registry().Statuses())
		closeCtx, cancelClose := context.WithTimeout(context.Background(), cfg.Extension.CloseTimeout)
		defer cancelClose()
		if err := h.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := protocol.Identity{GroupID: opts.group, UserID: opts.user}
	if err := bindFiles(ctx, h, sessions, opts.binds, identity); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Extension.CloseTimeout)
		defer cancel()
		_ = h.Close(closeCtx)
		return 1
	}
	if len(opts.binds) > 0 {
		h.AddService(host.NewSessionWatcher(sessions, h.Bridge()))
	}
	if cfg.MetricsAddr != "" {
		h.AddService(&metricsServer{addr: cfg.MetricsAddr})
	}

	logger.Info().Str("version", version).Int("sessions", len(sessions.Paths())).Msg("docbridge running")
	if err := h.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("docbridge", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")
	fs.StringVar(&opts.extensionsDir, "extensions-dir", "", "directory holding extension manifests")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json, console)")
	fs.StringArrayVarP(&opts.binds, "bind", "b", nil, "bind a file to an extension: path=extension[:format] (repeatable)")
	fs.StringVar(&opts.group, "group", "", "requestor group id sent to extensions")
	fs.StringVar(&opts.user, "user", "", "requestor user id sent to extensions")
	fs.BoolVar(&opts.status, "status", false, "initialize every extension, print its status and exit")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: docbridge [flags]\n\nFlags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

func applyOverrides(cfg *config.Config, opts options) {
	if opts.extensionsDir != "" {
		cfg.ExtensionsDir = opts.extensionsDir
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
}

// bindSpec is one parsed --bind value.
type bindSpec struct {
	path      string
	extension string
	format    string
}

func parseBind(s string) (bindSpec, error) {
	path, target, ok := strings.Cut(s, "=")
	if !ok || path == "" || target == "" {
		return bindSpec{}, fmt.Errorf("invalid --bind %q: want path=extension[:format]", s)
	}
	ext, format, _ := strings.Cut(target, ":")
	if format == "" {
		format = host.FormatRaw
	}
	return bindSpec{path: path, extension: ext, format: format}, nil
}

func bindFiles(ctx context.Context, h *host.Host, sessions *host.FileSessions, binds []string, identity protocol.Identity) error {
	for _, b := range binds {
		spec, err := parseBind(b)
		if err != nil {
			return err
		}
		id, err := sessions.Open(spec.path, identity)
		if err != nil {
			return err
		}
		if res := h.Bridge().Bind(ctx, id, spec.extension, spec.format, nil, identity); !res.OK() {
			return fmt.Errorf("bind %s to %s: %s: %s", spec.path, spec.extension, res.Code, res.Message)
		}
	}
	return nil
}

func printStatus(out *os.File, statuses []extension.Status) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATE\tPID\tTRANSPORT\tAVAILABLE\tDETAIL")
	for _, s := range statuses {
		detail := s.Reason
		if s.LastError != "" {
			detail = s.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			s.ID, s.Version, s.State, s.PID, s.TransportMode, s.Available, detail)
	}
	_ = w.Flush()
}

// metricsServer serves Prometheus metrics under the supervisor.
type metricsServer struct {
	addr string
}

func (m *metricsServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              m.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (m *metricsServer) String() string { return "metrics-http" }
