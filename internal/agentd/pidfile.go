package agentd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// PIDFile guards against running two agent daemons against the same
// data directory, grounded on original_source/bigr/agent/daemon.py's
// _is_process_alive/start/stop PID lifecycle.
type PIDFile struct {
	path string
}

func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Acquire writes the current PID, first checking for and refusing to
// clobber a still-alive previous instance. A stale PID file (process
// no longer running) is silently replaced.
func (p *PIDFile) Acquire() error {
	if existing, ok := p.readPID(); ok {
		if isProcessAlive(existing) {
			return fmt.Errorf("agent already running (PID %d)", existing)
		}
		os.Remove(p.path)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the PID file, ignoring a missing file.
func (p *PIDFile) Release() {
	os.Remove(p.path)
}

func (p *PIDFile) readPID() (int, bool) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// isProcessAlive mirrors os.kill(pid, 0) semantics: signal 0 performs
// no-op permission/existence checks without actually signaling. EPERM
// still means the process exists, just owned by someone else.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
