package instances

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/canonical/chopsticks/types"
)

// HostMonitor samples CPU, memory and network usage of the load generator
// from procfs.
type HostMonitor struct {
	root string
	now  func() time.Time

	mu       sync.Mutex
	lastBusy uint64
	lastAll  uint64
}

// NewHostMonitor reads from /proc.
func NewHostMonitor() *HostMonitor {
	return NewHostMonitorAt("/proc")
}

// NewHostMonitorAt reads from a procfs mounted at root.
func NewHostMonitorAt(root string) *HostMonitor {
	return &HostMonitor{root: root, now: time.Now}
}

// Sample collects current system statistics. CPU usage is measured since
// the previous sample, or since boot for the first one.
func (h *HostMonitor) Sample() (types.SystemSample, error) {
	sample := types.SystemSample{Timestamp: h.now().UTC()}

	cpu, err := h.cpuPercent()
	if err != nil {
		return sample, fmt.Errorf("failed to get CPU utilization: %w", err)
	}
	sample.CPUPercent = cpu

	mem, err := h.memoryPercent()
	if err != nil {
		return sample, fmt.Errorf("failed to get memory usage: %w", err)
	}
	sample.MemoryPercent = mem

	rx, tx, err := h.networkBytes()
	if err != nil {
		return sample, fmt.Errorf("failed to get network stats: %w", err)
	}
	sample.NetBytesReceived = rx
	sample.NetBytesSent = tx
	return sample, nil
}

func (h *HostMonitor) open(name string) (*os.File, error) {
	return os.Open(filepath.Join(h.root, name))
}

// cpuPercent reads the aggregate cpu line of /proc/stat.
func (h *HostMonitor) cpuPercent() (float64, error) {
	file, err := h.open("stat")
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var all, idle uint64
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parsing /proc/stat field %d: %w", i+1, err)
			}
			// guest time is already counted in user and nice
			if i >= 8 {
				break
			}
			all += v
			// idle and iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		busy := all - idle

		h.mu.Lock()
		dAll, dBusy := all-h.lastAll, busy-h.lastBusy
		if all < h.lastAll || busy < h.lastBusy {
			dAll, dBusy = all, busy
		}
		h.lastAll, h.lastBusy = all, busy
		h.mu.Unlock()

		if dAll == 0 {
			return 0, nil
		}
		return float64(dBusy) / float64(dAll) * 100, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no cpu line in %s", filepath.Join(h.root, "stat"))
}

// memoryPercent derives used memory from MemTotal and MemAvailable.
func (h *HostMonitor) memoryPercent() (float64, error) {
	file, err := h.open("meminfo")
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var total, available int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, nil
	}
	return float64(total-available) / float64(total) * 100, nil
}

// networkBytes sums received and sent bytes over every interface but
// loopback.
func (h *HostMonitor) networkBytes() (rx, tx int64, err error) {
	file, err := h.open("net/dev")
	if err != nil {
		return 0, 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		name, counters, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(name) == "lo" {
			continue
		}
		fields := strings.Fields(counters)
		if len(fields) < 16 {
			continue
		}
		r, _ := strconv.ParseInt(fields[0], 10, 64)
		t, _ := strconv.ParseInt(fields[8], 10, 64)
		rx += r
		tx += t
	}
	return rx, tx, scanner.Err()
}
