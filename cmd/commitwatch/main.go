package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/driftsec/commitwatch/internal/app/harvest"
	"github.com/driftsec/commitwatch/internal/config"
	"github.com/driftsec/commitwatch/internal/config/fileloader"
	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/internal/infra/github"
	findingsStore "github.com/driftsec/commitwatch/internal/infra/storage/findings"
	"github.com/driftsec/commitwatch/internal/infra/trufflehog"
	"github.com/driftsec/commitwatch/pkg/common/logger"
	"github.com/driftsec/commitwatch/pkg/common/otel"
)

const serviceName = "commitwatch"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "commitwatch: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commitwatch",
		Short: "Watch the public GitHub events feed for committed secrets",
		Long: `commitwatch polls the public GitHub events feed for freshly pushed
commits, downloads their changed files and scans them for leaked
credentials, appending anything found to a findings file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a commitwatch.yaml config file")
	flags.Duration("interval", config.DefaultInterval.Std(), "sleep between polling cycles")
	flags.Bool("once", false, "run a single polling cycle and exit")
	flags.Int("workers", config.DefaultWorkers, "concurrent commit scanners")
	flags.Bool("local-only", true, "download changed files and scan locally instead of pointing the scanner at the repository")
	flags.String("findings", config.DefaultFindingsPath, "append-only findings file")
	flags.Bool("debug", false, "enable debug logging")

	viper.SetEnvPrefix("COMMITWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"interval", "once", "workers", "local-only", "findings", "debug"} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

// loadConfig merges the optional config file with explicitly set flags.
// Flags win over the file; the file wins over built-in defaults.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	cfg := &config.Config{}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if _, err := os.Stat("commitwatch.yaml"); err == nil {
			path = "commitwatch.yaml"
		}
	}
	if path != "" {
		loaded, err := fileloader.NewFileLoader(path).Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// IsSet sees changed flags and COMMITWATCH_* env vars but not flag
	// defaults, so untouched settings fall through to the file.
	if viper.IsSet("interval") {
		cfg.Interval = config.Duration(viper.GetDuration("interval"))
	}
	if viper.IsSet("once") {
		cfg.Once = viper.GetBool("once")
	}
	if viper.IsSet("workers") {
		cfg.Workers = viper.GetInt("workers")
	}
	if viper.IsSet("local-only") {
		cfg.Remote = !viper.GetBool("local-only")
	}
	if viper.IsSet("findings") {
		cfg.FindingsPath = viper.GetString("findings")
	}

	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	_, _ = maxprocs.Set()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}

	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return errors.New("GITHUB_TOKEN is not set; an API token is required to poll the events feed")
	}

	log := newLogger(viper.GetBool("debug"))

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.OTELEndpoint,
		Probability:      cfg.OTELSamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())
	tracer := tp.Tracer(serviceName)

	seen, seenClose, err := loadSeenSet(cfg.SeenFile)
	if err != nil {
		return err
	}
	defer seenClose()

	binaryPath := cfg.Scanner.BinaryPath
	configPath := cfg.Scanner.ConfigPath
	if cfg.Scanner.InstallDir != "" {
		installer := trufflehog.NewInstaller(http.DefaultClient, cfg.Scanner.InstallDir, cfg.Retry, log, tracer)
		binaryPath, err = installer.EnsureBinary(ctx, binaryPath)
		if err != nil {
			return err
		}
		configPath, err = installer.EnsureConfig(ctx, configPath)
		if err != nil {
			return err
		}
	}
	if binaryPath == "" {
		return errors.New("scanner.binary_path is not set and no install_dir is configured")
	}

	fileSink, err := findingsStore.NewFileSink(cfg.FindingsPath, log, tracer)
	if err != nil {
		return err
	}
	defer fileSink.Close()

	sinks := []scanning.FindingsSink{fileSink}
	if cfg.Storage.PostgresDSN != "" {
		pg, err := findingsStore.NewPostgresStore(ctx, cfg.Storage.PostgresDSN, log, tracer)
		if err != nil {
			return fmt.Errorf("connecting findings store: %w", err)
		}
		defer pg.Close()
		sinks = append(sinks, pg)
	}

	client := github.NewClient(http.DefaultClient, token, cfg.Retry, cfg.CallTimeout.Std(), log, tracer)
	fetcher := github.NewFetcher(client, cfg.FeedURL, cfg.MaxPages, seen, log, tracer)
	downloader := github.NewDownloader(client, cfg.APIBaseURL, os.TempDir(), cfg.Workers, log, tracer)
	scanner := trufflehog.NewScanner(binaryPath, configPath, token, cfg.Scanner.ExtraArgs, log, tracer)

	pool := harvest.NewPool(cfg.Workers, downloader, scanner,
		findingsStore.NewMultiSink(sinks...), seen, !cfg.Remote, log, tracer)
	runner := harvest.NewRunner(fetcher, pool, cfg.Interval.Std(), cfg.Once, cfg.MaxFailedCycles, log, tracer)

	log.Info(ctx, "starting",
		"interval", cfg.Interval,
		"once", cfg.Once,
		"workers", cfg.Workers,
		"remote", cfg.Remote,
		"findings", cfg.FindingsPath,
	)
	return runner.Run(ctx)
}

func newLogger(debug bool) *logger.Logger {
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			attrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				attrs[k] = v
			}
			if out, err := json.Marshal(attrs); err == nil {
				fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, out)
			}
		},
	}

	level := logger.LevelInfo
	if debug {
		level = logger.LevelDebug
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }
	return logger.NewWithEvents(os.Stdout, level, serviceName, traceIDFn, events)
}

// loadSeenSet restores processed-commit identities from the snapshot file
// and keeps journaling new ones to it, so dedupe survives restarts. With no
// file configured the set lives purely in memory.
func loadSeenSet(path string) (*scanning.SeenSet, func(), error) {
	if path == "" {
		return scanning.NewSeenSet(), func() {}, nil
	}

	var seen *scanning.SeenSet
	f, err := os.Open(path)
	switch {
	case err == nil:
		seen, err = scanning.LoadSeenSet(f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("loading seen snapshot: %w", err)
		}
	case os.IsNotExist(err):
		seen = scanning.NewSeenSet()
	default:
		return nil, nil, fmt.Errorf("opening seen snapshot: %w", err)
	}

	journal, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening seen journal: %w", err)
	}
	seen.Journal(journal)
	return seen, func() { journal.Close() }, nil
}
