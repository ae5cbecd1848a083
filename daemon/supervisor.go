// Package daemon runs the metrics server as a detached background process
// and manages its lifecycle through a PID file and a JSON state document.
//
// The Supervisor is the parent side: it spawns `chopsticks serve` in a new
// session, records the child, probes it until it serves HTTP and later
// stops it with SIGTERM. Serve is the child side. Either side may crash;
// every entry point re-checks process existence before trusting the files
// on disk, and stale files are reclaimed automatically. Start, Stop and
// cleanup serialize across processes on an flock beside the PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/types"
)

const (
	DefaultPIDFile    = "/tmp/chopsticks_metrics.pid"
	DefaultStateFile  = "/tmp/chopsticks_metrics_state.json"
	DefaultSocketPath = "/tmp/chopsticks_metrics.sock"
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 8090

	DefaultStartupTimeout = 10 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
)

// State is the lifecycle state of the supervised daemon.
type State int

const (
	NotRunning State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options configures a Supervisor. Zero fields take the defaults.
type Options struct {
	PIDFile    string
	StateFile  string
	SocketPath string
	// LogFile receives the child's stdout and stderr. Empty discards them.
	LogFile string

	Host string
	Port int

	// ExportPath, when set, makes the daemon export its final state on
	// shutdown.
	ExportPath    string
	WindowSeconds int
	Retention     int

	StartupTimeout time.Duration
	StopTimeout    time.Duration
	PollInterval   time.Duration

	// DisableHTTPProbe makes startup wait for process existence only.
	DisableHTTPProbe bool

	// Command builds the child command from the serve arguments. The
	// default runs the current executable.
	Command func(args []string) (*exec.Cmd, error)
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		PIDFile:        DefaultPIDFile,
		StateFile:      DefaultStateFile,
		SocketPath:     DefaultSocketPath,
		Host:           DefaultHost,
		Port:           DefaultPort,
		StartupTimeout: DefaultStartupTimeout,
		StopTimeout:    DefaultStopTimeout,
		PollInterval:   DefaultPollInterval,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.PIDFile == "" {
		o.PIDFile = d.PIDFile
	}
	if o.StateFile == "" {
		o.StateFile = d.StateFile
	}
	if o.SocketPath == "" {
		o.SocketPath = d.SocketPath
	}
	if o.Host == "" {
		o.Host = d.Host
	}
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = d.StartupTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
}

// ServeArgs returns the command line the child is started with, without
// the program name.
func (o Options) ServeArgs() []string {
	args := []string{
		"serve",
		"--host", o.Host,
		"--port", strconv.Itoa(o.Port),
		"--pid-file", o.PIDFile,
		"--state-file", o.StateFile,
		"--socket-path", o.SocketPath,
	}
	if o.ExportPath != "" {
		args = append(args, "--export-path", o.ExportPath)
	}
	if o.WindowSeconds > 0 {
		args = append(args, "--window", strconv.Itoa(o.WindowSeconds))
	}
	if o.Retention > 0 {
		args = append(args, "--retention", strconv.Itoa(o.Retention))
	}
	return args
}

func defaultCommand(args []string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return exec.Command(self, args...), nil
}

// Status is the externally visible view of the daemon.
type Status struct {
	Running bool
	State   types.DaemonState
	// Source is "state" when read from the state file, "fallback" when
	// rebuilt from the PID file and configuration, "none" otherwise.
	Source string
	// Note explains a degraded status, such as a corrupt state file.
	Note string
}

// Supervisor manages one metrics daemon identified by its PID file.
// Methods are safe for concurrent use but serialize with each other.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	exited  chan struct{}
	childID int
}

// New creates a supervisor. A nil logger uses slog.Default().
func New(opts Options, logger *slog.Logger) *Supervisor {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opts: opts, logger: logger}
}

// Options returns the effective options.
func (s *Supervisor) Options() Options {
	return s.opts
}

// State returns the lifecycle state. Outside of Start and Stop it is
// derived from the files on disk, so a fresh Supervisor in another
// process sees a daemon started elsewhere as Running.
func (s *Supervisor) State() State {
	if st := State(s.state.Load()); st == Starting || st == Stopping {
		return st
	}
	if s.IsRunning() {
		return Running
	}
	return NotRunning
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Start spawns the daemon and waits until it serves HTTP.
func (s *Supervisor) Start(ctx context.Context) (types.DaemonState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.opts.PIDFile, s.opts.StateFile} {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return types.DaemonState{}, errs.Wrap(errs.KindIO, "daemon.start", "creating directory for "+p, err)
		}
	}

	// A concurrent start is reported like a running daemon rather than
	// waited for.
	lock, err := s.acquireLock(ctx, "daemon.start", 0, errs.KindAlreadyRunning)
	if err != nil {
		return types.DaemonState{}, err
	}
	defer lock.release()

	if pid, err := readPIDFile(s.opts.PIDFile); err == nil && processAlive(pid) {
		return types.DaemonState{}, errs.Newf(errs.KindAlreadyRunning, "daemon.start", "metrics daemon already running with PID %d", pid)
	}
	if removed, err := s.reclaim(); err != nil {
		return types.DaemonState{}, err
	} else if len(removed) > 0 {
		s.logger.Info("reclaimed stale daemon files", "files", removed)
	}

	cmd, err := s.command()
	if err != nil {
		return types.DaemonState{}, err
	}
	var logFile *os.File
	if s.opts.LogFile != "" {
		logFile, err = os.OpenFile(s.opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return types.DaemonState{}, errs.Wrap(errs.KindIO, "daemon.start", "opening log file", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	s.setState(Starting)
	if err := cmd.Start(); err != nil {
		s.setState(NotRunning)
		if logFile != nil {
			logFile.Close()
		}
		return types.DaemonState{}, errs.Wrap(errs.KindIO, "daemon.start", "spawning metrics daemon", err)
	}
	if logFile != nil {
		// The child holds its own descriptor now.
		logFile.Close()
	}

	pid := cmd.Process.Pid
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	s.exited = exited
	s.childID = pid

	state := types.DaemonState{
		PID:       pid,
		Host:      s.opts.Host,
		Port:      s.opts.Port,
		StartTime: time.Now().UTC(),
	}
	if err := s.persist(state); err != nil {
		s.abortStart(pid, exited)
		return types.DaemonState{}, err
	}

	s.logger.Info("metrics daemon spawned", "pid", pid, "address", state.Address())
	if err := s.waitReady(ctx, pid, exited); err != nil {
		s.abortStart(pid, exited)
		return types.DaemonState{}, err
	}

	s.setState(Running)
	s.logger.Info("metrics daemon ready", "pid", pid)
	return state, nil
}

func (s *Supervisor) command() (*exec.Cmd, error) {
	build := s.opts.Command
	if build == nil {
		build = defaultCommand
	}
	cmd, err := build(s.opts.ServeArgs())
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, "daemon.start", "building daemon command", err)
	}
	return cmd, nil
}

func (s *Supervisor) persist(state types.DaemonState) error {
	if err := writePIDFile(s.opts.PIDFile, state.PID); err != nil {
		return err
	}
	return writeStateFile(s.opts.StateFile, state)
}

// abortStart kills a child that failed to come up and reclaims its files.
// Files that name another process are left alone.
func (s *Supervisor) abortStart(pid int, exited <-chan struct{}) {
	kill(pid)
	select {
	case <-exited:
	case <-time.After(s.opts.StopTimeout):
		s.logger.Warn("daemon did not exit after SIGKILL", "pid", pid)
	}
	defer s.setState(NotRunning)

	if owner, err := readPIDFile(s.opts.PIDFile); err == nil && owner != pid {
		s.logger.Warn("daemon files belong to another process, leaving them", "pid", pid, "owner", owner)
		return
	}
	if _, err := s.reclaim(); err != nil {
		s.logger.Warn("cleaning up after failed start", "error", err)
	}
}

// reclaim removes the PID and state files, and the control socket unless
// a live daemon still answers on it. Callers hold the file lock.
func (s *Supervisor) reclaim() ([]string, error) {
	paths := []string{s.opts.PIDFile, s.opts.StateFile}
	if !socketLive(s.opts.SocketPath) {
		paths = append(paths, s.opts.SocketPath)
	}
	return removeFiles(paths...)
}

func (s *Supervisor) lockPath() string {
	return s.opts.PIDFile + ".lock"
}

// acquireLock takes the exclusive lock on the daemon files, retrying for
// up to wait. A lock still held after that is reported as kind.
func (s *Supervisor) acquireLock(ctx context.Context, op string, wait time.Duration, kind errs.Kind) (*fileLock, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, err := tryLock(s.lockPath())
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, errLocked) {
			return nil, errs.Wrap(errs.KindIO, op, "locking "+s.lockPath(), err)
		}
		if !time.Now().Before(deadline) {
			return nil, errs.Newf(kind, op, "metrics daemon files are locked by another chopsticks process (%s)", s.lockPath())
		}
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(kind, op, "waiting for "+s.lockPath(), ctx.Err())
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// waitReady polls the liveness probe until it succeeds, the child exits
// or the startup budget runs out.
func (s *Supervisor) waitReady(ctx context.Context, pid int, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	client := &http.Client{Timeout: s.opts.PollInterval * 5}
	probeURL := "http://" + net.JoinHostPort(probeHost(s.opts.Host), strconv.Itoa(s.opts.Port)) + "/"

	for {
		select {
		case <-exited:
			return errs.Newf(errs.KindStartupTimeout, "daemon.start", "metrics daemon PID %d exited before becoming ready", pid)
		case <-ctx.Done():
			return errs.Newf(errs.KindStartupTimeout, "daemon.start", "metrics daemon PID %d not ready within %s", pid, s.opts.StartupTimeout)
		case <-ticker.C:
		}

		if !processAlive(pid) {
			continue
		}
		if s.opts.DisableHTTPProbe {
			return nil
		}
		if probe(ctx, client, probeURL) {
			return nil
		}
	}
}

func probe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// probeHost maps wildcard bind addresses to loopback.
func probeHost(host string) string {
	switch host {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	}
	return host
}

// Stop sends SIGTERM to the daemon and waits for it to exit. Files are
// removed only once the exit is confirmed.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireLock(ctx, "daemon.stop", s.opts.StopTimeout, errs.KindStopTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	pid, err := readPIDFile(s.opts.PIDFile)
	if err != nil || !processAlive(pid) {
		s.removeStalePID()
		return errs.New(errs.KindNotRunning, "daemon.stop", "metrics daemon is not running")
	}

	s.setState(Stopping)
	defer s.state.CompareAndSwap(int32(Stopping), int32(NotRunning))

	s.logger.Info("stopping metrics daemon", "pid", pid)
	if err := terminate(pid); err != nil {
		return errs.Wrap(errs.KindIO, "daemon.stop", fmt.Sprintf("signalling PID %d", pid), err)
	}

	if !s.waitExit(ctx, pid) {
		s.setState(Running)
		return errs.Newf(errs.KindStopTimeout, "daemon.stop", "metrics daemon PID %d did not exit within %s", pid, s.opts.StopTimeout)
	}

	if _, err := s.reclaim(); err != nil {
		return err
	}
	s.logger.Info("metrics daemon stopped", "pid", pid)
	return nil
}

func (s *Supervisor) waitExit(ctx context.Context, pid int) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()

	var exited <-chan struct{}
	if s.childID == pid {
		exited = s.exited
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-exited:
			return true
		case <-ctx.Done():
			// The signal may have landed right at the deadline.
			return !processAlive(pid)
		case <-ticker.C:
		}
	}
}

// IsRunning reports whether the PID file names a live process. A PID
// file naming a dead process, or holding garbage, is removed.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunningLocked()
}

func (s *Supervisor) isRunningLocked() bool {
	pid, err := readPIDFile(s.opts.PIDFile)
	if err == nil && processAlive(pid) {
		return true
	}
	s.healLocked()
	return false
}

// healLocked removes a PID file that does not name a live process. It
// skips healing while another supervisor holds the file lock, since that
// one may be about to write a fresh PID.
func (s *Supervisor) healLocked() {
	lock, err := tryLock(s.lockPath())
	if err != nil {
		return
	}
	defer lock.release()
	if pid, err := readPIDFile(s.opts.PIDFile); err == nil && processAlive(pid) {
		return
	}
	s.removeStalePID()
}

// removeStalePID deletes the PID file. Callers hold the file lock.
func (s *Supervisor) removeStalePID() {
	if err := os.Remove(s.opts.PIDFile); err == nil {
		s.logger.Info("removed stale PID file", "path", s.opts.PIDFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("removing stale PID file", "path", s.opts.PIDFile, "error", err)
	}
}

// CleanupStaleFiles removes the PID, state and socket files when no live
// process owns them. It returns the files removed.
func (s *Supervisor) CleanupStaleFiles() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireLock(context.Background(), "daemon.cleanup", 0, errs.KindAlreadyRunning)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if pid, err := readPIDFile(s.opts.PIDFile); err == nil && processAlive(pid) {
		return nil, errs.Newf(errs.KindAlreadyRunning, "daemon.cleanup", "metrics daemon PID %d is alive, not removing its files", pid)
	}
	return s.reclaim()
}

// Status reports the daemon as seen through its files. A missing or
// corrupt state file degrades to a status rebuilt from the PID file and
// the configured address.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunningLocked() {
		return Status{Source: "none"}
	}

	st := Status{Running: true, Source: "state"}
	state, err := readStateFile(s.opts.StateFile)
	if err == nil {
		st.State = state
		return st
	}
	if errs.Is(err, errs.KindSerialization) {
		st.Note = err.Error()
	}

	pid, _ := readPIDFile(s.opts.PIDFile)
	st.Source = "fallback"
	st.State = types.DaemonState{PID: pid, Host: s.opts.Host, Port: s.opts.Port}
	return st
}
