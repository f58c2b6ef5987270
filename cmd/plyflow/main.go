// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// plyflow is the command-line client for a chunked 3D-reconstruction
// server. It uploads image sequences, follows the server's push
// channel as chunks are reconstructed, and merges the resulting
// point-cloud chunks into a single PLY file.
//
// Usage:
//
//	plyflow upload [flags] <image>...
//	plyflow watch [flags]
//	plyflow export [flags]
//	plyflow version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/plyflow/plyflow/lib/config"
	"github.com/plyflow/plyflow/lib/logring"
	"github.com/plyflow/plyflow/lib/pushchan"
	"github.com/plyflow/plyflow/lib/session"
	"github.com/plyflow/plyflow/lib/telemetry"
	"github.com/plyflow/plyflow/lib/uploader"
	"github.com/plyflow/plyflow/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}

	switch args[0] {
	case "upload":
		return runUpload(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "export":
		return runExport(args[1:])
	case "version", "--version":
		fmt.Printf("plyflow %s\n", version.Info())
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `plyflow - client for a chunked 3D-reconstruction server

USAGE
    plyflow upload [flags] <image>...   upload images to a session
    plyflow watch [flags]               follow reconstruction events
    plyflow export [flags]              ingest chunks and export a merged PLY
    plyflow version                     print the version

Configuration is read from the file named by --config or the
PLYFLOW_CONFIG environment variable. Run a command with --help for
its flags.
`)
}

// commonFlags are shared by every subcommand that talks to the server.
type commonFlags struct {
	configPath  string
	sessionID   string
	baseURL     string
	metricsAddr string
	verbose     bool
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to the YAML config file")
	flagSet.StringVar(&f.sessionID, "session", "", "existing session id (default: create a new one)")
	flagSet.StringVar(&f.baseURL, "server", "", "server base URL (overrides config)")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "log at debug level")
}

// openSession loads configuration, starts the optional metrics
// endpoint, and creates a session that prints pipeline events to
// stderr.
func (f *commonFlags) openSession() (*session.Session, error) {
	cfg, err := loadConfig(f.configPath, f.baseURL)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var metrics *telemetry.Metrics
	metricsAddr := f.metricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.ListenAddr
	}
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics = telemetry.New(registry)
		go func() {
			handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
			server := &http.Server{Addr: metricsAddr, Handler: handler}
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "addr", metricsAddr, "error", err)
			}
		}()
	}

	return session.New(session.Config{
		Client:    cfg,
		SessionID: f.sessionID,
		Logger:    logger,
		Metrics:   metrics,
		Observers: session.Observers{
			Log: func(entry logring.Entry) {
				fmt.Fprintf(os.Stderr, "%s %s\n", entry.Time.Format(time.TimeOnly), entry.Message)
			},
			Notify: func(message string) {
				fmt.Fprintf(os.Stderr, "!! %s\n", message)
			},
		},
	})
}

// loadConfig reads the config file and applies the --server override.
// A command line with --server and no config file is valid.
func loadConfig(path, baseURL string) (config.Config, error) {
	if path == "" && os.Getenv(config.EnvVar) == "" && baseURL != "" {
		cfg := config.Defaults()
		cfg.Server.BaseURL = baseURL
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if baseURL != "" {
		cfg.Server.BaseURL = baseURL
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runUpload(args []string) error {
	var flags commonFlags
	var concurrency int
	flagSet := pflag.NewFlagSet("plyflow upload", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.IntVar(&concurrency, "concurrency", 0, "uploads per batch (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	paths := flagSet.Args()
	if len(paths) == 0 {
		return errors.New("upload: no images given")
	}

	files, closeFiles, totalBytes, err := openFiles(paths)
	if err != nil {
		return err
	}
	defer closeFiles()

	sess, err := flags.openSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	if concurrency != 0 {
		sess.SetConcurrency(concurrency)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "session %s: uploading %d files (%s)\n",
		sess.ID(), len(files), humanize.IBytes(uint64(totalBytes)))

	result, err := sess.EnqueueUploads(ctx, files)
	if err != nil {
		return err
	}
	for _, file := range result.Files {
		if file.Failed() {
			fmt.Fprintf(os.Stderr, "failed: %s: %v\n", file.Name, file.Err)
		}
	}
	fmt.Printf("uploaded %d/%d files to session %s\n", result.Succeeded, result.Attempted, sess.ID())
	if result.Succeeded < result.Attempted {
		return fmt.Errorf("upload: %d files failed", result.Attempted-result.Succeeded)
	}
	return nil
}

// openFiles opens every path for streaming upload and sums their
// sizes for the progress banner.
func openFiles(paths []string) ([]uploader.File, func(), int64, error) {
	var files []uploader.File
	var handles []*os.File
	var total int64
	closeAll := func() {
		for _, handle := range handles {
			handle.Close()
		}
	}
	for _, path := range paths {
		handle, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, 0, fmt.Errorf("upload: %w", err)
		}
		if info, err := handle.Stat(); err == nil {
			total += info.Size()
		}
		handles = append(handles, handle)
		files = append(files, uploader.File{Name: handle.Name(), Content: handle})
	}
	return files, closeAll, total, nil
}

func runWatch(args []string) error {
	var flags commonFlags
	flagSet := pflag.NewFlagSet("plyflow watch", pflag.ContinueOnError)
	flags.register(flagSet)
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flags.sessionID == "" {
		return errors.New("watch: --session is required")
	}

	sess, err := flags.openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return followChannel(ctx, sess)
}

// followChannel connects and blocks until the user interrupts or the
// channel gives up reconnecting. A terminal disconnect is an error.
func followChannel(ctx context.Context, sess *session.Session) error {
	if err := sess.Connect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sess.Disconnect()
			return nil
		case <-ticker.C:
			if sess.ConnectionState() == pushchan.StateDisconnected {
				if sess.Terminal() {
					return errors.New("connection lost: reconnect attempts exhausted")
				}
				return nil
			}
		}
	}
}

func runExport(args []string) error {
	var flags commonFlags
	var output string
	flagSet := pflag.NewFlagSet("plyflow export", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.StringVarP(&output, "output", "o", "", "output PLY path (default: generated name)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flags.sessionID == "" {
		return errors.New("export: --session is required")
	}

	sess, err := flags.openSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx, cancel := signalContext()
	defer cancel()
	fmt.Fprintln(os.Stderr, "ingesting chunks; interrupt (Ctrl-C) to merge and export")
	if err := followChannel(ctx, sess); err != nil {
		return err
	}

	path := sess.ExportFilename(output)
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	info, err := sess.MergeExport(out)
	if err != nil {
		out.Close()
		os.Remove(path)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	fmt.Printf("wrote %s: %d vertices from %d chunks (%s)\n",
		path, info.Vertices, info.Chunks, humanize.IBytes(uint64(info.Bytes)))
	return nil
}
