package daemon

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canonical/chopsticks/collector"
	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/server"
	"github.com/canonical/chopsticks/storage"
	"github.com/canonical/chopsticks/types"
)

// SampleSource produces host resource samples for the host gauges.
type SampleSource interface {
	Sample() (types.SystemSample, error)
}

// ServeOptions configures the daemon process.
type ServeOptions struct {
	Host       string
	Port       int
	PIDFile    string
	StateFile  string
	SocketPath string
	ExportPath string

	Window    time.Duration
	Retention int

	// WritePID makes Serve write its own PID and state files. The
	// supervisor writes them itself, so this is only needed when the
	// daemon is started by hand.
	WritePID bool

	Config types.TestConfiguration
	Logger *slog.Logger

	// Monitor, when set, is sampled every SampleInterval.
	Monitor        SampleSource
	SampleInterval time.Duration
}

// Serve runs the metrics daemon until SIGTERM, SIGINT or ctx
// cancellation, then shuts down gracefully and removes its files.
// A nil return means a clean shutdown.
func Serve(ctx context.Context, opts ServeOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Config.RunID == "" {
		opts.Config = types.NewTestConfiguration("persistent", "daemon", "", 0)
	}
	logger = logger.With("pid", os.Getpid())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cleanup := func() {
		if _, err := removeFiles(ownFiles(opts)...); err != nil {
			logger.Warn("removing daemon files", "error", err)
		}
	}

	if opts.WritePID {
		if pid, err := readPIDFile(opts.PIDFile); err == nil && pid != os.Getpid() && processAlive(pid) {
			return errs.Newf(errs.KindAlreadyRunning, "daemon.serve", "metrics daemon already running with PID %d", pid)
		}
		state := types.DaemonState{PID: os.Getpid(), Host: opts.Host, Port: opts.Port, StartTime: time.Now().UTC()}
		if err := writePIDFile(opts.PIDFile, state.PID); err != nil {
			return err
		}
		if err := writeStateFile(opts.StateFile, state); err != nil {
			cleanup()
			return err
		}
	}

	c := collector.New(opts.Config,
		collector.WithWindow(opts.Window),
		collector.WithRetention(opts.Retention),
		collector.WithLogger(logger))

	srv := server.New(opts.Host, opts.Port, storage.NewPrometheusExporter(c, logger), server.WithLogger(logger))
	if err := srv.Start(); err != nil {
		logger.Error("metrics daemon failed to start", "error", err)
		cleanup()
		return err
	}

	var control *controlServer
	if opts.SocketPath != "" {
		var err error
		control, err = listenControl(opts.SocketPath, c, logger)
		if err != nil {
			logger.Error("metrics daemon failed to open control socket", "error", err)
			_ = srv.Stop(context.Background())
			cleanup()
			return err
		}
		go control.serve()
	}

	if opts.Monitor != nil {
		go sampleLoop(ctx, opts.Monitor, opts.SampleInterval, c, logger)
	}

	logger.Info("metrics daemon running", "address", srv.Addr().String())
	<-ctx.Done()
	logger.Info("metrics daemon shutting down")

	if err := srv.Stop(context.Background()); err != nil {
		logger.Warn("stopping metrics server", "error", err)
	}
	c.Finalize()
	if opts.ExportPath != "" {
		if path, err := c.ExportToFile(opts.ExportPath); err != nil {
			logger.Error("exporting final metrics", "error", err)
		} else {
			logger.Info("final metrics exported", "path", path)
		}
	}
	if control != nil {
		control.close()
	}
	cleanup()
	logger.Info("metrics daemon stopped")
	return nil
}

// ownFiles lists the PID and state files to delete on exit. They are only
// removed while they still name this process, so a daemon that lost a race
// with a newer one never deletes the newer one's files. The control socket
// is removed by the control server that bound it.
func ownFiles(opts ServeOptions) []string {
	if pid, err := readPIDFile(opts.PIDFile); err == nil && pid == os.Getpid() {
		return []string{opts.PIDFile, opts.StateFile}
	}
	return nil
}

func sampleLoop(ctx context.Context, monitor SampleSource, interval time.Duration, c *collector.Collector, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := monitor.Sample()
			if err != nil {
				logger.Debug("sampling host resources", "error", err)
				continue
			}
			c.RecordSystemSample(sample)
		}
	}
}
