package workdir

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// pidfile contents: line 1 pid, line 2 version, line 3 logging-mutex id.

// checkPidfile refuses to start when a live process owns the directory,
// and reclaims stale pidfiles (removing a stranded logging mutex along
// the way).
func (d *Dir) checkPidfile() error {
	b, err := os.ReadFile(d.PidFile())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pidfile: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	pid, perr := strconv.Atoi(strings.TrimSpace(lines[0]))
	if perr != nil {
		d.logger.Warn().Str("pidfile", d.PidFile()).Msg("malformed pidfile, removing")
		return os.Remove(d.PidFile())
	}

	if processAlive(pid) {
		return fmt.Errorf("work directory %s is owned by live process %d", d.Top, pid)
	}

	d.logger.Info().Int("pid", pid).Msg("removing stale pidfile")
	if len(lines) >= 3 {
		mutex := strings.TrimSpace(lines[2])
		if mutex != "" {
			if rmErr := os.Remove(mutex); rmErr != nil && !os.IsNotExist(rmErr) {
				d.logger.Warn().Err(rmErr).Str("mutex", mutex).Msg("could not remove stranded logging mutex")
			}
		}
	}
	return os.Remove(d.PidFile())
}

// WritePidFile records ownership of the work directory.
func (d *Dir) WritePidFile(version string) error {
	content := fmt.Sprintf("%d\n%s\n%s\n", os.Getpid(), version, LogMutexPath(d.Top))
	if err := os.WriteFile(d.PidFile(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// WriteServicePidFile records a long-running auxiliary service (e.g. the
// follow receiver) under its own pidfile.
func (d *Dir) WriteServicePidFile(service, version string) error {
	content := fmt.Sprintf("%d\n%s\n%s\n", os.Getpid(), version, LogMutexPath(d.Top))
	if err := os.WriteFile(d.ServicePidFile(service), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s pidfile: %w", service, err)
	}
	return nil
}

// RemovePidFile gives up ownership.
func (d *Dir) RemovePidFile() {
	if err := os.Remove(d.PidFile()); err != nil && !os.IsNotExist(err) {
		d.logger.Warn().Err(err).Msg("could not remove pidfile")
	}
}

// RemoveServicePidFile drops a service pidfile.
func (d *Dir) RemoveServicePidFile(service string) {
	if err := os.Remove(d.ServicePidFile(service)); err != nil && !os.IsNotExist(err) {
		d.logger.Warn().Err(err).Str("service", service).Msg("could not remove service pidfile")
	}
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
