// chopsticks generates load against S3-compatible storage and collects
// the results as Prometheus metrics and run exports.
//
// Usage:
//
//	chopsticks run       [--config file] [flags]   run a workload
//	chopsticks check     [--config file] [flags]   probe a bucket once
//	chopsticks metrics   start|stop|status|cleanup  manage the metrics daemon
//	chopsticks serve     [flags]                   run the metrics daemon in the foreground
//	chopsticks dashboard [--output file]           write a Grafana dashboard
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/canonical/chopsticks/config"
	"github.com/canonical/chopsticks/daemon"
	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/instances"
	"github.com/canonical/chopsticks/types"
	"github.com/canonical/chopsticks/visualisation"
	"github.com/canonical/chopsticks/workload"
)

const usage = `usage: chopsticks <command> [flags]

commands:
  run        run a workload against the configured bucket
  check      upload, read back and delete one probe object
  metrics    start, stop, status or cleanup the persistent metrics daemon
  serve      run the metrics daemon in the foreground
  dashboard  write a Grafana dashboard for the exported metrics
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errs.New(errs.KindConfig, "chopsticks", "missing command")
	}
	switch args[0] {
	case "run":
		return runWorkload(args[1:], stdout)
	case "check":
		return runCheck(args[1:], stdout)
	case "metrics":
		return runMetrics(args[1:], stdout)
	case "serve":
		return runServe(args[1:])
	case "dashboard":
		return runDashboard(args[1:], stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return errs.Newf(errs.KindConfig, "chopsticks", "unknown command %q", args[0])
	}
}

// logFlags are shared by every subcommand.
type logFlags struct {
	format string
	level  string
}

func (l *logFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&l.format, "log-format", "text", "Log format: text or json")
	fs.StringVar(&l.level, "log-level", "info", "Log level: debug, info, warn or error")
}

func (l *logFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.level)); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "chopsticks", "invalid --log-level", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var logger *slog.Logger
	switch strings.ToLower(l.format) {
	case "text":
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	case "json":
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		return nil, errs.Newf(errs.KindConfig, "chopsticks", "invalid --log-format %q", l.format)
	}
	slog.SetDefault(logger)
	return logger, nil
}

// loadConfig reads path, or builds the defaults plus environment when
// path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	_ = godotenv.Load()
	cfg := config.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runWorkload(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	var lf logFlags
	lf.register(fs)
	configPath := fs.StringP("config", "c", "", "YAML configuration file")
	scenario := fs.String("scenario", "", "Scenario name recorded with the run")
	users := fs.IntP("users", "u", 0, "Concurrent users")
	duration := fs.DurationP("duration", "d", 0, "Run duration")
	driver := fs.String("driver", "", "Storage driver: s3, r2, memory or dummy")
	exportPath := fs.String("export", "", "Export final metrics to this file (.json, .csv or .parquet)")
	outputDir := fs.String("output-dir", "", "Stream every record to a parquet file in this directory")
	serveMetrics := fs.Bool("metrics", false, "Serve /metrics for the duration of the run")
	metricsPort := fs.Int("metrics-port", 0, "Port for /metrics")
	forward := fs.Bool("forward", false, "Stream records to the persistent metrics daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := lf.logger()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *scenario != "" {
		cfg.Run.Scenario = *scenario
	}
	if *users > 0 {
		cfg.Run.Users = *users
	}
	if *duration > 0 {
		cfg.Run.Duration = *duration
	}
	if *driver != "" {
		cfg.S3.Driver = *driver
	}
	if *exportPath != "" {
		cfg.Metrics.ExportPath = *exportPath
	}
	if *outputDir != "" {
		cfg.Run.OutputDir = *outputDir
	}
	if *serveMetrics {
		cfg.Metrics.Enabled = true
	}
	if *metricsPort > 0 {
		cfg.Metrics.PrometheusPort = *metricsPort
	}
	if *forward {
		cfg.Metrics.Persistent.Forward = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	d, err := instances.Open(ctx, cfg.Driver())
	if err != nil {
		return err
	}
	runCfg := types.NewTestConfiguration(cfg.Run.Scenario, "s3", d.Name(), cfg.Run.Users)
	runCfg.TargetEndpoint = d.Endpoint()
	runCfg.Parameters = map[string]string{
		"duration":           cfg.Run.Duration.String(),
		"object_size_min_kb": fmt.Sprint(cfg.Run.ObjectSizeMinKB),
		"object_size_max_kb": fmt.Sprint(cfg.Run.ObjectSizeMaxKB),
	}

	opts := workload.OptionsFromConfig(cfg, runCfg)
	opts.Logger = logger
	opts.Out = stdout
	h, err := workload.Begin(opts)
	if err != nil {
		return err
	}
	if addr := h.MetricsAddr(); addr != "" {
		logger.Info("serving metrics", "url", "http://"+addr+"/metrics")
	}

	r := workload.RunnerFromConfig(cfg.Run)
	r.Logger = logger
	if cfg.Run.SampleInterval > 0 {
		r.Monitor = instances.NewHostMonitor()
	}
	runErr := r.Run(ctx, h, d)
	_, endErr := workload.End(h)
	return errors.Join(runErr, endErr)
}

func runCheck(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	var lf logFlags
	lf.register(fs)
	configPath := fs.StringP("config", "c", "", "YAML configuration file")
	driver := fs.String("driver", "", "Storage driver: s3, r2, memory or dummy")
	size := fs.Int64("size", 1024*1024, "Probe object size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := lf.logger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *driver != "" {
		cfg.S3.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	d, err := instances.Open(ctx, cfg.Driver())
	if err != nil {
		return err
	}
	runCfg := types.NewTestConfiguration("check", "s3", d.Name(), 1)
	runCfg.TargetEndpoint = d.Endpoint()
	h, err := workload.Begin(workload.Options{Config: runCfg, Logger: logger, Out: io.Discard})
	if err != nil {
		return err
	}

	steps, checkErr := workload.Check(ctx, h, d, cfg.Run.KeyPrefix, *size)
	workload.End(h)

	fmt.Fprintf(stdout, "%s at %s\n", d.Name(), d.Endpoint())
	for _, s := range steps {
		status := "ok"
		if s.Err != nil {
			status = "FAILED: " + s.Err.Error()
		}
		fmt.Fprintf(stdout, "  %-9s %10s  %s\n", s.Operation, s.Duration.Round(time.Microsecond), status)
	}
	return checkErr
}

func runMetrics(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errs.New(errs.KindConfig, "chopsticks.metrics", "expected start, stop, status or cleanup")
	}
	action := args[0]

	fs := pflag.NewFlagSet("metrics "+action, pflag.ContinueOnError)
	var lf logFlags
	lf.register(fs)
	configPath := fs.StringP("config", "c", "", "YAML configuration file")
	port := fs.Int("port", 0, "Metrics daemon port")
	host := fs.String("host", "", "Metrics daemon bind address")
	logFile := fs.String("log-file", "", "Daemon log file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	logger, err := lf.logger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts := cfg.Daemon()
	if *port > 0 {
		opts.Port = *port
	}
	if *host != "" {
		opts.Host = *host
	}
	if *logFile != "" {
		opts.LogFile = *logFile
	}
	sup := daemon.New(opts, logger)

	ctx, stop := signalContext()
	defer stop()

	switch action {
	case "start":
		state, err := sup.Start(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "metrics daemon started (PID %d) on http://%s/metrics\n", state.PID, state.Address())
		return nil
	case "stop":
		if err := sup.Stop(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "metrics daemon stopped")
		return nil
	case "status":
		return printStatus(ctx, stdout, sup)
	case "cleanup":
		removed, err := sup.CleanupStaleFiles()
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Fprintln(stdout, "no stale files")
		}
		for _, path := range removed {
			fmt.Fprintf(stdout, "removed %s\n", path)
		}
		return nil
	default:
		return errs.Newf(errs.KindConfig, "chopsticks.metrics", "unknown action %q", action)
	}
}

func printStatus(ctx context.Context, w io.Writer, sup *daemon.Supervisor) error {
	st := sup.Status()
	if !st.Running {
		fmt.Fprintln(w, "metrics daemon is not running")
		return nil
	}
	fmt.Fprintf(w, "metrics daemon is running\n")
	fmt.Fprintf(w, "  PID:      %d\n", st.State.PID)
	fmt.Fprintf(w, "  Address:  http://%s/metrics\n", st.State.Address())
	if !st.State.StartTime.IsZero() {
		fmt.Fprintf(w, "  Started:  %s\n", st.State.StartTime.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Source:   %s\n", st.Source)
	if st.Note != "" {
		fmt.Fprintf(w, "  Note:     %s\n", st.Note)
	}

	resp, err := daemon.QueryControl(ctx, sup.Options().SocketPath, daemon.ActionStatus)
	if err != nil {
		fmt.Fprintf(w, "  Control:  unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "  Uptime:   %s\n", (time.Duration(resp.Uptime * float64(time.Second))).Round(time.Second))
	if s := resp.Summary; s != nil {
		fmt.Fprintf(w, "  Records:  %d (%d failed, %d rejected)\n", s.Total, s.Failure, s.Rejected)
	}
	return nil
}

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	var lf logFlags
	lf.register(fs)
	flags := daemon.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger, err := lf.logger()
	if err != nil {
		return err
	}
	opts, err := flags.Options()
	if err != nil {
		return err
	}
	opts.Logger = logger
	opts.Monitor = instances.NewHostMonitor()
	opts.SampleInterval = 10 * time.Second
	return daemon.Serve(context.Background(), opts)
}

func runDashboard(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("dashboard", pflag.ContinueOnError)
	output := fs.StringP("output", "o", "grafana/chopsticks-dashboard.json", "Dashboard JSON output path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := visualisation.SaveDashboard(visualisation.CreateDashboard(), *output); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Dashboard saved to %s\n", *output)
	return nil
}
