package daemon

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/chopsticks/collector"
	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/types"
)

const helperEnv = "CHOPSTICKS_DAEMON_HELPER"

// TestHelperDaemon is not a real test. The supervisor tests re-execute the
// test binary with helperEnv set, and this function becomes the daemon.
func TestHelperDaemon(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process only")
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}

	switch mode {
	case "serve":
		opts, err := ParseServeArgs(args)
		if err != nil {
			os.Exit(2)
		}
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		if err := Serve(context.Background(), opts); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case "hang":
		time.Sleep(time.Hour)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
	case "fail":
		os.Exit(1)
	}
	os.Exit(3)
}

func helperCommand(mode string) func(args []string) (*exec.Cmd, error) {
	return func(args []string) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0], append([]string{"-test.run=^TestHelperDaemon$", "--"}, args...)...)
		cmd.Env = append(os.Environ(), helperEnv+"="+mode)
		return cmd, nil
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testOptions(t *testing.T, mode string) Options {
	dir := t.TempDir()
	return Options{
		PIDFile:        filepath.Join(dir, "metrics.pid"),
		StateFile:      filepath.Join(dir, "state.json"),
		SocketPath:     filepath.Join(dir, "ctl.sock"),
		Host:           "127.0.0.1",
		Port:           freePort(t),
		StartupTimeout: 10 * time.Second,
		StopTimeout:    5 * time.Second,
		PollInterval:   50 * time.Millisecond,
		Command:        helperCommand(mode),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupervisorLifecycle(t *testing.T) {
	opts := testOptions(t, "serve")
	sup := New(opts, quietLogger())
	ctx := context.Background()

	assert.False(t, sup.IsRunning())
	assert.Equal(t, NotRunning, sup.State())

	state, err := sup.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	assert.Positive(t, state.PID)
	assert.Equal(t, opts.Port, state.Port)

	assert.True(t, sup.IsRunning())
	assert.Equal(t, Running, sup.State())

	status := sup.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "state", status.Source)
	assert.Equal(t, state.PID, status.State.PID)

	pidText, err := os.ReadFile(opts.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(state.PID)+"\n", string(pidText))

	_, err = sup.Start(ctx)
	assert.True(t, errs.Is(err, errs.KindAlreadyRunning))

	_, err = sup.CleanupStaleFiles()
	assert.True(t, errs.Is(err, errs.KindAlreadyRunning))
	assert.FileExists(t, opts.PIDFile)

	resp, err := QueryControl(ctx, opts.SocketPath, ActionPing)
	require.NoError(t, err)
	assert.Equal(t, state.PID, resp.PID)

	accepted, err := SendRecords(ctx, opts.SocketPath, []types.OperationRecord{
		{OperationType: types.OpUpload, Success: true, Duration: 5 * time.Millisecond, SizeBytes: 100},
		{OperationType: types.OpDownload, Success: false, Duration: time.Millisecond, ErrorMessage: "NoSuchKey"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)

	resp, err = QueryControl(ctx, opts.SocketPath, ActionSummary)
	require.NoError(t, err)
	require.NotNil(t, resp.Summary)
	assert.Equal(t, int64(2), resp.Summary.Total)
	assert.Equal(t, int64(1), resp.Summary.ByError[types.ErrNotFound])

	httpResp, err := http.Get("http://" + state.Address() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `chopsticks_operations_total{operation="upload",status="success"} 1`)

	require.NoError(t, sup.Stop(ctx))
	assert.False(t, sup.IsRunning())
	assert.NoFileExists(t, opts.PIDFile)
	assert.NoFileExists(t, opts.StateFile)
	assert.NoFileExists(t, opts.SocketPath)

	err = sup.Stop(ctx)
	assert.True(t, errs.Is(err, errs.KindNotRunning))
}

func TestStartupTimeoutKillsChild(t *testing.T) {
	opts := testOptions(t, "hang")
	opts.StartupTimeout = 500 * time.Millisecond
	sup := New(opts, quietLogger())

	_, err := sup.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStartupTimeout))
	assert.NoFileExists(t, opts.PIDFile)
	assert.NoFileExists(t, opts.StateFile)
	assert.False(t, sup.IsRunning())
}

func TestStartFailsWhenChildExits(t *testing.T) {
	opts := testOptions(t, "fail")
	sup := New(opts, quietLogger())

	start := time.Now()
	_, err := sup.Start(context.Background())
	assert.True(t, errs.Is(err, errs.KindStartupTimeout))
	assert.Less(t, time.Since(start), opts.StartupTimeout)
	assert.NoFileExists(t, opts.PIDFile)
}

func TestStopTimeoutLeavesFiles(t *testing.T) {
	opts := testOptions(t, "ignore-term")
	opts.DisableHTTPProbe = true
	opts.StopTimeout = 300 * time.Millisecond
	sup := New(opts, quietLogger())

	state, err := sup.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		kill(state.PID)
		_, _ = sup.CleanupStaleFiles()
	})

	// Give the child time to install its SIGTERM handler.
	time.Sleep(200 * time.Millisecond)

	err = sup.Stop(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindStopTimeout))
	assert.Contains(t, err.Error(), strconv.Itoa(state.PID))
	assert.FileExists(t, opts.PIDFile)
	assert.Equal(t, Running, sup.State())
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestIsRunningHealsStalePIDFile(t *testing.T) {
	opts := testOptions(t, "serve")
	require.NoError(t, writePIDFile(opts.PIDFile, deadPID(t)))
	sup := New(opts, quietLogger())

	assert.False(t, sup.IsRunning())
	assert.NoFileExists(t, opts.PIDFile)
	assert.False(t, sup.IsRunning())
}

func TestIsRunningHealsGarbagePIDFile(t *testing.T) {
	opts := testOptions(t, "serve")
	require.NoError(t, os.WriteFile(opts.PIDFile, []byte("not-a-pid"), 0644))
	sup := New(opts, quietLogger())

	assert.False(t, sup.IsRunning())
	assert.NoFileExists(t, opts.PIDFile)
}

func TestStopWithoutDaemon(t *testing.T) {
	sup := New(testOptions(t, "serve"), quietLogger())
	err := sup.Stop(context.Background())
	assert.True(t, errs.Is(err, errs.KindNotRunning))
}

func TestCleanupStaleFiles(t *testing.T) {
	opts := testOptions(t, "serve")
	require.NoError(t, writePIDFile(opts.PIDFile, deadPID(t)))
	require.NoError(t, os.WriteFile(opts.StateFile, []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(opts.SocketPath, nil, 0644))
	sup := New(opts, quietLogger())

	removed, err := sup.CleanupStaleFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{opts.PIDFile, opts.StateFile, opts.SocketPath}, removed)

	removed, err = sup.CleanupStaleFiles()
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestStatusFallsBackOnCorruptState(t *testing.T) {
	opts := testOptions(t, "serve")
	// The test process itself stands in for a live daemon.
	require.NoError(t, writePIDFile(opts.PIDFile, os.Getpid()))
	require.NoError(t, os.WriteFile(opts.StateFile, []byte("{not json"), 0644))
	sup := New(opts, quietLogger())

	status := sup.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "fallback", status.Source)
	assert.Equal(t, os.Getpid(), status.State.PID)
	assert.Equal(t, opts.Port, status.State.Port)
	assert.Contains(t, status.Note, "serialization")

	require.NoError(t, os.Remove(opts.StateFile))
	status = sup.Status()
	assert.Equal(t, "fallback", status.Source)
	assert.Empty(t, status.Note)

	_, err := sup.CleanupStaleFiles()
	assert.True(t, errs.Is(err, errs.KindAlreadyRunning))
	assert.FileExists(t, opts.PIDFile)
}

func TestStatusNotRunning(t *testing.T) {
	status := New(testOptions(t, "serve"), quietLogger()).Status()
	assert.False(t, status.Running)
	assert.Equal(t, "none", status.Source)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
	assert.False(t, processAlive(deadPID(t)))
}

func TestReadPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")
	_, err := readPIDFile(path)
	assert.True(t, errs.Is(err, errs.KindIO))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte(" 42 \n"), 0644))
	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 42, pid)

	require.NoError(t, os.WriteFile(path, []byte("-3"), 0644))
	_, err = readPIDFile(path)
	assert.True(t, errs.Is(err, errs.KindSerialization))
}

func TestStateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := types.DaemonState{PID: 7, Host: "0.0.0.0", Port: 8090, StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, writeStateFile(path, want))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"start_time": "2024-01-01T00:00:00Z"`)

	got, err := readStateFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseServeArgs(t *testing.T) {
	opts := Options{Host: "127.0.0.1", Port: 9000, PIDFile: "/p", StateFile: "/s", SocketPath: "/c", ExportPath: "/e.csv", WindowSeconds: 5, Retention: 12}
	args := opts.ServeArgs()
	require.Equal(t, "serve", args[0])

	got, err := ParseServeArgs(args[1:])
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", got.Host)
	assert.Equal(t, 9000, got.Port)
	assert.Equal(t, "/p", got.PIDFile)
	assert.Equal(t, "/s", got.StateFile)
	assert.Equal(t, "/c", got.SocketPath)
	assert.Equal(t, "/e.csv", got.ExportPath)
	assert.Equal(t, 5*time.Second, got.Window)
	assert.Equal(t, 12, got.Retention)
	assert.False(t, got.WritePID)

	_, err = ParseServeArgs([]string{"--port", "70000"})
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestConcurrentStartsKeepOneDaemon(t *testing.T) {
	opts := testOptions(t, "serve")
	other := New(opts, quietLogger())
	ctx := context.Background()

	// The other supervisor tries to start while this one is between its
	// running check and writing the PID file.
	var otherErr error
	spawn := helperCommand("serve")
	mine := opts
	mine.Command = func(args []string) (*exec.Cmd, error) {
		_, otherErr = other.Start(ctx)
		return spawn(args)
	}
	sup := New(mine, quietLogger())

	state, err := sup.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	require.Error(t, otherErr)
	assert.True(t, errs.Is(otherErr, errs.KindAlreadyRunning))

	pid, err := readPIDFile(opts.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, state.PID, pid)
	assert.True(t, other.IsRunning())
	assert.Equal(t, state.PID, other.Status().State.PID)

	require.NoError(t, other.Stop(ctx))
	assert.False(t, processAlive(state.PID))
	assert.NoFileExists(t, opts.PIDFile)
}

func TestAbortStartLeavesForeignFiles(t *testing.T) {
	opts := testOptions(t, "serve")
	sup := New(opts, quietLogger())

	cmd, err := helperCommand("hang")(nil)
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// The test process stands in for a daemon that owns the files.
	require.NoError(t, writePIDFile(opts.PIDFile, os.Getpid()))
	require.NoError(t, writeStateFile(opts.StateFile, types.DaemonState{PID: os.Getpid(), Host: opts.Host, Port: opts.Port}))

	sup.abortStart(cmd.Process.Pid, exited)

	<-exited
	assert.FileExists(t, opts.PIDFile)
	assert.FileExists(t, opts.StateFile)
	assert.Equal(t, NotRunning, State(sup.state.Load()))
}

func TestFileLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.pid.lock")
	first, err := tryLock(path)
	require.NoError(t, err)

	_, err = tryLock(path)
	assert.ErrorIs(t, err, errLocked)

	first.release()
	second, err := tryLock(path)
	require.NoError(t, err)
	second.release()
}

func TestCleanupRespectsFileLock(t *testing.T) {
	opts := testOptions(t, "serve")
	require.NoError(t, writePIDFile(opts.PIDFile, deadPID(t)))
	sup := New(opts, quietLogger())

	held, err := tryLock(sup.lockPath())
	require.NoError(t, err)
	_, err = sup.CleanupStaleFiles()
	assert.True(t, errs.Is(err, errs.KindAlreadyRunning))
	assert.FileExists(t, opts.PIDFile)

	// Healing is skipped while the lock is held.
	assert.False(t, sup.IsRunning())
	assert.FileExists(t, opts.PIDFile)

	held.release()
	removed, err := sup.CleanupStaleFiles()
	require.NoError(t, err)
	assert.Contains(t, removed, opts.PIDFile)
}

// liveControl serves a control socket at path for the rest of the test.
func liveControl(t *testing.T, path string) {
	t.Helper()
	c := collector.New(types.NewTestConfiguration("persistent", "daemon", "", 0), collector.WithLogger(quietLogger()))
	cs, err := listenControl(path, c, quietLogger())
	require.NoError(t, err)
	go cs.serve()
	t.Cleanup(cs.close)
}

func TestServeBindFailureKeepsLiveSocket(t *testing.T) {
	opts := testOptions(t, "serve")
	liveControl(t, opts.SocketPath)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	err = Serve(context.Background(), ServeOptions{
		Host:       "127.0.0.1",
		Port:       busy.Addr().(*net.TCPAddr).Port,
		SocketPath: opts.SocketPath,
		Logger:     quietLogger(),
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBind))

	resp, err := QueryControl(context.Background(), opts.SocketPath, ActionPing)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), resp.PID)
}

func TestServeRefusesLiveSocket(t *testing.T) {
	opts := testOptions(t, "serve")
	liveControl(t, opts.SocketPath)

	err := Serve(context.Background(), ServeOptions{
		Host:       "127.0.0.1",
		Port:       0,
		SocketPath: opts.SocketPath,
		Logger:     quietLogger(),
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAlreadyRunning))

	_, err = QueryControl(context.Background(), opts.SocketPath, ActionPing)
	assert.NoError(t, err)
}

func TestServeWritePIDRefusesLiveOwner(t *testing.T) {
	opts := testOptions(t, "serve")
	cmd, err := helperCommand("hang")(nil)
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		kill(cmd.Process.Pid)
		_ = cmd.Wait()
	})
	require.NoError(t, writePIDFile(opts.PIDFile, cmd.Process.Pid))

	err = Serve(context.Background(), ServeOptions{
		Host:      "127.0.0.1",
		PIDFile:   opts.PIDFile,
		StateFile: opts.StateFile,
		WritePID:  true,
		Logger:    quietLogger(),
	})
	assert.True(t, errs.Is(err, errs.KindAlreadyRunning))
	pid, err := readPIDFile(opts.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pid)
}
