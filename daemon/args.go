package daemon

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/canonical/chopsticks/errs"
)

// ServeFlags holds the serve flags bound to a flag set.
type ServeFlags struct {
	host       *string
	port       *int
	pidFile    *string
	stateFile  *string
	socketPath *string
	exportPath *string
	window     *int
	retention  *int
	writePID   *bool
}

// RegisterServeFlags binds the flags produced by Options.ServeArgs to fs.
func RegisterServeFlags(fs *pflag.FlagSet) *ServeFlags {
	return &ServeFlags{
		host:       fs.String("host", DefaultHost, "Address to bind the metrics server to"),
		port:       fs.Int("port", DefaultPort, "Port to bind the metrics server to"),
		pidFile:    fs.String("pid-file", "", "PID file to write and remove on exit"),
		stateFile:  fs.String("state-file", "", "State file to remove on exit"),
		socketPath: fs.String("socket-path", DefaultSocketPath, "Unix socket for control requests"),
		exportPath: fs.String("export-path", "", "Export final metrics here on shutdown"),
		window:     fs.Int("window", 10, "Aggregation window in seconds"),
		retention:  fs.Int("retention", 0, "Closed windows kept individually"),
		writePID:   fs.Bool("write-pid", false, "Write the PID and state files from the daemon itself"),
	}
}

// Options validates the parsed flags.
func (f *ServeFlags) Options() (ServeOptions, error) {
	if *f.port < 0 || *f.port > 65535 {
		return ServeOptions{}, errs.Newf(errs.KindConfig, "daemon.serve", "port %d out of range", *f.port)
	}
	if *f.writePID && *f.pidFile == "" {
		return ServeOptions{}, errs.New(errs.KindConfig, "daemon.serve", "--write-pid needs --pid-file")
	}
	return ServeOptions{
		Host:       *f.host,
		Port:       *f.port,
		PIDFile:    *f.pidFile,
		StateFile:  *f.stateFile,
		SocketPath: *f.socketPath,
		ExportPath: *f.exportPath,
		Window:     time.Duration(*f.window) * time.Second,
		Retention:  *f.retention,
		WritePID:   *f.writePID,
	}, nil
}

// ParseServeArgs parses the flags produced by Options.ServeArgs, without
// the leading "serve".
func ParseServeArgs(args []string) (ServeOptions, error) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags := RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return ServeOptions{}, errs.Wrap(errs.KindConfig, "daemon.serve", "parsing serve flags", err)
	}
	return flags.Options()
}
