package supervise

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WritePidfile records this process under <rundir>/<role>.pid. A live
// holder of the same role means another run is active.
func WritePidfile(runDir, role string) (string, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	path := filepath.Join(runDir, role+".pid")

	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pidAlive(pid) {
			return "", fmt.Errorf("another %s process is running (pid %d)", role, pid)
		}
		// stale pidfile from a crashed run
		_ = os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return "", fmt.Errorf("write pidfile: %w", err)
	}
	return path, nil
}

// RemovePidfile deletes a pidfile written by this process.
func RemovePidfile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
