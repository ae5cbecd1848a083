// Package workload drives load against a storage driver and owns the
// metrics lifecycle of one run.
package workload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/canonical/chopsticks/collector"
	"github.com/canonical/chopsticks/config"
	"github.com/canonical/chopsticks/daemon"
	"github.com/canonical/chopsticks/server"
	"github.com/canonical/chopsticks/storage"
	"github.com/canonical/chopsticks/types"
)

// Options configures the metrics side of a run.
type Options struct {
	Config    types.TestConfiguration
	Window    time.Duration
	Retention int

	// Serve exposes /metrics on Host:Port for the duration of the run.
	Serve bool
	Host  string
	Port  int

	// ExportPath receives the final export; the format follows the
	// extension.
	ExportPath string
	// OutputDir receives a parquet file with every record as it arrives.
	OutputDir string
	// ForwardSocket streams records to a running metrics daemon.
	ForwardSocket string

	Logger *slog.Logger
	// Out receives the end-of-run summary. Nil means stdout.
	Out io.Writer
}

// OptionsFromConfig maps a loaded configuration onto run options.
func OptionsFromConfig(cfg *config.Config, run types.TestConfiguration) Options {
	m := cfg.Metrics
	opts := Options{
		Config:     run,
		Window:     time.Duration(m.AggregationWindowSeconds) * time.Second,
		Retention:  m.RetentionWindows,
		Serve:      m.Enabled && !m.Persistent.Forward,
		Host:       m.HTTPHost,
		Port:       m.PrometheusPort,
		ExportPath: m.ExportPath,
		OutputDir:  cfg.Run.OutputDir,
	}
	if m.Persistent.Forward {
		opts.ForwardSocket = m.Persistent.SocketPath
	}
	return opts
}

// Handle is one run's collector plus the resources attached to it.
type Handle struct {
	Collector *collector.Collector

	server     *server.Server
	parquet    *storage.ParquetWriter
	exportPath string
	logger     *slog.Logger
	out        io.Writer

	once    sync.Once
	summary types.Summary
	err     error
}

// Begin creates the collector for a run and starts whatever serves or
// streams its records.
func Begin(opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Config.RunID == "" {
		opts.Config = types.NewTestConfiguration("adhoc", "s3", "", 0)
	}
	logger = logger.With("run_id", opts.Config.RunID)

	h := &Handle{exportPath: opts.ExportPath, logger: logger, out: opts.Out}
	if h.out == nil {
		h.out = os.Stdout
	}

	var sinks teeSink
	if opts.OutputDir != "" {
		pw, err := storage.NewParquetWriter(opts.OutputDir, storage.DefaultParquetBatch)
		if err != nil {
			return nil, err
		}
		h.parquet = pw
		sinks = append(sinks, pw)
	}
	if opts.ForwardSocket != "" {
		sinks = append(sinks, daemon.NewRemoteSink(opts.ForwardSocket, 0))
	}

	copts := []collector.Option{
		collector.WithWindow(opts.Window),
		collector.WithRetention(opts.Retention),
		collector.WithLogger(logger),
	}
	switch len(sinks) {
	case 0:
	case 1:
		copts = append(copts, collector.WithSink(sinks[0], 0))
	default:
		copts = append(copts, collector.WithSink(sinks, 0))
	}
	h.Collector = collector.New(opts.Config, copts...)

	if opts.Serve {
		host := opts.Host
		if host == "" {
			host = server.DefaultHost
		}
		srv := server.New(host, opts.Port, storage.NewPrometheusExporter(h.Collector, logger), server.WithLogger(logger))
		if err := srv.Start(); err != nil {
			h.Collector.Finalize()
			return nil, err
		}
		h.server = srv
	}

	logger.Info("run started",
		"scenario", opts.Config.ScenarioName,
		"driver", opts.Config.DriverName,
		"concurrency", opts.Config.Concurrency)
	return h, nil
}

// MetricsAddr returns the bound metrics address, or "" when not serving.
func (h *Handle) MetricsAddr() string {
	if h.server == nil || h.server.Addr() == nil {
		return ""
	}
	return h.server.Addr().String()
}

// ParquetPath returns the record stream file, or "" when not streaming.
func (h *Handle) ParquetPath() string {
	if h.parquet == nil {
		return ""
	}
	return h.parquet.GetFilePath()
}

// End stops the metrics server, finalizes the collector, exports and
// prints the summary. Later calls return the first result.
func End(h *Handle) (types.Summary, error) {
	h.once.Do(func() {
		if h.server != nil {
			if err := h.server.Stop(context.Background()); err != nil {
				h.logger.Warn("stopping metrics server", "error", err)
			}
		}
		h.Collector.Finalize()
		h.summary = h.Collector.GetSummary()

		if h.exportPath != "" {
			path, err := h.Collector.ExportToFile(h.exportPath)
			if err != nil {
				h.logger.Error("exporting metrics", "error", err)
				h.err = err
			} else {
				h.logger.Info("metrics exported", "path", path)
			}
		}
		if err := PrintSummary(h.out, h.summary); err != nil {
			h.err = errors.Join(h.err, err)
		}
	})
	return h.summary, h.err
}

// teeSink fans records out to several sinks.
type teeSink []collector.RecordSink

func (t teeSink) WriteRecord(rec types.OperationRecord) error {
	var err error
	for _, s := range t {
		err = errors.Join(err, s.WriteRecord(rec))
	}
	return err
}

func (t teeSink) Close() error {
	var err error
	for _, s := range t {
		err = errors.Join(err, s.Close())
	}
	return err
}
