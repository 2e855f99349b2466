// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"analysisqueue/src/config"
	"analysisqueue/src/containerization"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/pipeline"
	"analysisqueue/src/processor"
	"analysisqueue/src/storage"
	"analysisqueue/src/store"
	"analysisqueue/src/submission"
)

var version = "dev"

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

Commands:
  submit [flags] target...     queue files, directories or URLs for analysis
  process [flags] [instance]   claim and process queued tasks
  api [flags]                  serve the submission and status API
  version                      print the version
`, os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "submit":
		os.Exit(runSubmit(os.Args[2:]))
	case "process":
		err = runProcess(os.Args[2:])
	case "api":
		err = runAPI(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// setupTelemetry routes telemetry to the configured log file, or to fallback
// when none is set.
func setupTelemetry(ctx context.Context, cfg *config.Config, fallback io.Writer) func() {
	w := fallback
	var file io.WriteCloser
	if cfg.Log.File != "" {
		file = logging.NewFileWriter(cfg.Log.File)
		w = file
	}

	otelShutdown, err := logging.SetupOTelSDK(ctx, w)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup OTel SDK: %v\n", err)
	}
	logging.InitializeCounters()

	return func() {
		// Ensure OTel flushes before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
		if file != nil {
			file.Close()
		}
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(store.Config{Driver: cfg.Database.Driver, DSN: cfg.DSN()})
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	return st, nil
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var (
		cfgPath        = fs.String("config", "", "path to YAML config")
		isURL          = fs.Bool("url", false, "treat targets as URLs")
		isBaseline     = fs.Bool("baseline", false, "submit a baseline task")
		remote         = fs.String("remote", "", "submit to a remote node (host:port)")
		pkg            = fs.String("package", "", "analysis package")
		options        = fs.String("options", "", "analysis options (key=value,...)")
		custom         = fs.String("custom", "", "custom information to attach")
		owner          = fs.String("owner", "", "task owner")
		timeout        = fs.Int("timeout", 0, "analysis timeout in seconds")
		priority       = fs.Int("priority", 1, "task priority")
		machine        = fs.String("machine", "", "machine to analyze on")
		platform       = fs.String("platform", "", "platform to analyze on")
		memory         = fs.Bool("memory", false, "take a memory dump")
		enforceTimeout = fs.Bool("enforce-timeout", false, "enforce the full analysis timeout")
		clock          = fs.String("clock", "", "virtual clock ("+submission.ClockLayout+")")
		tags           = fs.String("tags", "", "machine tags (comma separated)")
		pattern        = fs.String("pattern", "", "basename glob applied to directory contents")
		maxCount       = fs.Int("max-count", -1, "submit at most this many files")
		shuffle        = fs.Bool("shuffle", false, "shuffle the files before submitting")
	)
	fs.Parse(args)

	if fs.NArg() == 0 && !*isBaseline {
		fmt.Fprintln(os.Stderr, "submit: no targets given")
		return 2
	}

	opts := model.TaskOptions{
		Package:        *pkg,
		Timeout:        *timeout,
		Priority:       *priority,
		Machine:        *machine,
		Platform:       *platform,
		Memory:         *memory,
		EnforceTimeout: *enforceTimeout,
		Custom:         *custom,
		Owner:          *owner,
		Tags:           model.ParseTags(*tags),
	}
	var err error
	if opts.Options, err = model.ParseOptions(*options); err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 2
	}
	if *clock != "" {
		t, err := time.Parse(submission.ClockLayout, *clock)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit: invalid clock: %v\n", err)
			return 2
		}
		opts.Clock = &t
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer setupTelemetry(ctx, cfg, io.Discard)()

	var sink submission.TaskSink
	if *remote != "" {
		sink = submission.NewRemoteHTTPSink(*remote, cfg.API.Token)
	} else {
		st, err := openStore(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "submit: %v\n", err)
			return 1
		}
		defer st.Close()
		sink = &submission.LocalQueueSink{Store: st, Binaries: &storage.Binaries{Root: cfg.Storage.Root}}
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	paint := func(c, s string) string {
		if !color {
			return s
		}
		return c + colorBold + s + colorReset
	}

	s := &submission.Submitter{Sink: sink}
	failed := false
	for o := range s.Submit(ctx, submission.Request{
		Targets:  fs.Args(),
		Options:  opts,
		Baseline: *isBaseline,
		URLs:     *isURL,
		Pattern:  *pattern,
		MaxCount: *maxCount,
		Shuffle:  *shuffle,
	}) {
		switch {
		case errors.Is(o.Err, submission.ErrEmptyFile):
			fmt.Printf("%s: sample %s (skipping file)\n", paint(colorYellow, "Empty"), o.Target)
		case o.Err != nil:
			failed = true
			fmt.Printf("%s: unable to submit %s %q: %v\n", paint(colorRed, "Error"), o.Kind, o.Target, o.Err)
		default:
			fmt.Printf("%s: %s %q added as task with ID #%d\n", paint(colorGreen, "Success"), o.Kind, o.Target, o.TaskID)
		}
	}

	if failed {
		return 1
	}
	return 0
}

type processArgs struct {
	instance string
	cfgPath  string
	maxCount int
	listen   bool
}

// parseProcessArgs accepts flags before and after the instance name.
func parseProcessArgs(args []string) (processArgs, error) {
	var pa processArgs
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.StringVar(&pa.cfgPath, "config", "", "path to YAML config")
	fs.IntVar(&pa.maxCount, "max-count", 0, "stop after this many tasks (0 = forever)")
	fs.BoolVar(&pa.listen, "listen", false, "also serve the API")
	if err := fs.Parse(args); err != nil {
		return pa, err
	}

	pa.instance = fs.Arg(0)
	if fs.NArg() > 1 {
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return pa, err
		}
		if fs.NArg() > 0 {
			return pa, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		}
	}
	return pa, nil
}

func runProcess(args []string) error {
	pa, err := parseProcessArgs(args)
	if err != nil {
		return err
	}

	// Generate Unique ID
	instance := pa.instance
	if instance == "" {
		instance = "worker-" + uuid.New().String()
	}

	cfg, err := config.Load(pa.cfgPath)
	if err != nil {
		return err
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer setupTelemetry(ctx, cfg, os.Stdout)()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	binaries := &storage.Binaries{Root: cfg.Storage.Root}
	runner := &containerization.Runner{
		Client:   cli,
		Samples:  st,
		Binaries: binaries,
		Image:    cfg.Container.Image,
		Command:  cfg.Container.Command,
		MemoryMB: cfg.Container.MemoryMB,
		CPULimit: cfg.Container.CPULimit,
	}
	if err := runner.PullImage(ctx); err != nil {
		logging.Log("Failed to pull image, relying on a local copy", slog.LevelWarn, slog.String("error", err.Error()))
	}
	defer runner.Cleanup(context.Background())

	signatures, err := pipeline.LoadRules(cfg.Processing.SignaturesFile)
	if err != nil {
		return err
	}

	stats := logging.NewWorkerStats(instance)
	worker := &processor.Worker{
		Store: st,
		Pipeline: &pipeline.Pipeline{
			Processing:     runner,
			Signatures:     signatures,
			Reporting:      &pipeline.JSONReporter{Binaries: binaries},
			DeleteOriginal: cfg.Processing.DeleteOriginal,
			DeleteBinCopy:  cfg.Processing.DeleteBinCopy,
		},
		Binaries:     binaries,
		PollInterval: cfg.Processing.PollInterval,
		StaleAfter:   cfg.Processing.StaleAfter,
		Stats:        stats,
	}

	if cfg.Database.Driver == "postgres" {
		wake, err := store.Listen(ctx, cfg.DSN())
		if err != nil {
			logging.Log("LISTEN unavailable, polling only", slog.LevelWarn, slog.String("error", err.Error()))
		} else {
			worker.Wake = wake
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// A finished worker takes the API and reaper down with it.
		defer cancel()
		return worker.Run(gctx, instance, pa.maxCount)
	})
	g.Go(func() error {
		runner.RunReaper(gctx, cfg.Container.IdleTimeout)
		return nil
	})
	if pa.listen {
		srv := NewAPIServer(st, binaries, stats, cfg.API.Token)
		g.Go(func() error {
			return StartAPIServer(gctx, cfg.API.Port, srv)
		})
	}

	err = g.Wait()
	logging.Log("Shutting down worker gracefully", slog.LevelInfo, slog.String("instance", instance))
	return err
}

func runAPI(args []string) error {
	fs := flag.NewFlagSet("api", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config")
	port := fs.String("port", "", "listen port (overrides API_PORT)")
	fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *port != "" {
		cfg.API.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer setupTelemetry(ctx, cfg, os.Stdout)()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := NewAPIServer(st, &storage.Binaries{Root: cfg.Storage.Root}, nil, cfg.API.Token)
	return StartAPIServer(ctx, cfg.API.Port, srv)
}
