package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/storage"
	"github.com/canonical/chopsticks/types"
)

// writePIDFile stores pid as decimal text followed by a newline.
func writePIDFile(path string, pid int) error {
	if err := storage.WriteBytesAtomic(path, 0644, []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return errs.Wrap(errs.KindIO, "daemon.pidfile", "writing "+path, err)
	}
	return nil
}

// readPIDFile returns the PID stored at path. A missing file is reported
// with os.ErrNotExist in the chain; unparsable content is a
// serialization error.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errs.Wrap(errs.KindIO, "daemon.pidfile", "reading "+path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errs.Newf(errs.KindSerialization, "daemon.pidfile", "%s does not contain a valid PID: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}

func writeStateFile(path string, state types.DaemonState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindSerialization, "daemon.statefile", "encoding state", err)
	}
	if err := storage.WriteBytesAtomic(path, 0644, append(data, '\n')); err != nil {
		return errs.Wrap(errs.KindIO, "daemon.statefile", "writing "+path, err)
	}
	return nil
}

func readStateFile(path string) (types.DaemonState, error) {
	var state types.DaemonState
	data, err := os.ReadFile(path)
	if err != nil {
		return state, errs.Wrap(errs.KindIO, "daemon.statefile", "reading "+path, err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return types.DaemonState{}, errs.Wrap(errs.KindSerialization, "daemon.statefile", "decoding "+path, err)
	}
	if state.PID <= 0 {
		return types.DaemonState{}, errs.Newf(errs.KindSerialization, "daemon.statefile", "%s has no valid pid", path)
	}
	return state, nil
}

// removeFiles deletes every existing path and returns the ones removed.
// Missing files are skipped silently.
func removeFiles(paths ...string) ([]string, error) {
	var removed []string
	var failures []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = append(removed, p)
		case errors.Is(err, os.ErrNotExist):
		default:
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return removed, errs.Wrap(errs.KindIO, "daemon.cleanup", "removing daemon files", errors.Join(failures...))
	}
	return removed, nil
}
