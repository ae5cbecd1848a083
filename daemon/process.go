package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid names a running process. EPERM means
// the process exists but belongs to someone else. Zombies have exited
// and only wait for their parent to reap them, so they count as gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return !isZombie(pid)
	case errors.Is(err, unix.EPERM):
		return true
	default:
		return false
	}
}

// isZombie reads the state field of /proc/<pid>/stat. On systems without
// procfs every process is reported as not a zombie.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The command name is wrapped in parentheses and may itself contain
	// spaces or parentheses; the state follows the last ')'.
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return false
	}
	return data[i+2] == 'Z'
}

// terminate sends SIGTERM. A process that is already gone is not an error.
func terminate(pid int) error {
	err := unix.Kill(pid, unix.SIGTERM)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func kill(pid int) {
	_ = unix.Kill(pid, unix.SIGKILL)
}

// errLocked reports that another process holds the daemon file lock.
var errLocked = errors.New("daemon files locked by another process")

// fileLock is an exclusive flock on the lock file next to the PID file.
// Locks belong to the open file, so two supervisors in one process exclude
// each other as well. The descriptor is close-on-exec and never reaches
// the daemon child.
type fileLock struct {
	f *os.File
}

// tryLock takes the lock at path without blocking. errLocked means it is
// held elsewhere.
func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLocked
		}
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
