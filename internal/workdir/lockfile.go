package workdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrLockContended is returned when another live worker owns the lock.
var ErrLockContended = errors.New("lockfile owned by a live process")

// ErrLockStale is returned when the lock owner is dead and the caller is
// not allowed to reclaim it (default mode, no --resume).
var ErrLockStale = errors.New("lockfile owned by a dead process")

// AcquireLock creates path with O_EXCL, making the caller the single
// owner of the object it guards. When the file exists:
//   - owner alive  → ErrLockContended
//   - owner dead   → reclaimed under resume, ErrLockStale otherwise
func AcquireLock(path string, resume bool) error {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil {
				return fmt.Errorf("write lockfile %s: %w", path, werr)
			}
			return cerr
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lockfile %s: %w", path, err)
		}

		b, rerr := os.ReadFile(path)
		if os.IsNotExist(rerr) {
			continue // owner released between our attempts
		}
		if rerr != nil {
			return fmt.Errorf("read lockfile %s: %w", path, rerr)
		}
		pid, perr := strconv.Atoi(strings.TrimSpace(string(b)))
		if perr == nil && processAlive(pid) {
			return fmt.Errorf("%s held by pid %d: %w", path, pid, ErrLockContended)
		}
		if !resume {
			return fmt.Errorf("%s: %w", path, ErrLockStale)
		}
		// Dead owner under resume: reclaim and retry the exclusive create.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("reclaim lockfile %s: %w", path, rmErr)
		}
	}
}

// ReleaseLock removes the lockfile.
func ReleaseLock(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lockfile %s: %w", path, err)
	}
	return nil
}

// Summary is the JSON payload of a donefile.
type Summary struct {
	PID       int       `json:"pid"`
	OID       uint32    `json:"oid"`
	Part      int       `json:"part,omitempty"`
	StartedAt time.Time `json:"started_at"`
	DoneAt    time.Time `json:"done_at"`
	Bytes     int64     `json:"bytes"`
	Rows      int64     `json:"rows,omitempty"`
	Command   string    `json:"command,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
}

// WriteDone materializes the donefile for a completed object.
func WriteDone(path string, s Summary) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write donefile %s: %w", path, err)
	}
	return nil
}

// ReadDone loads a donefile summary.
func ReadDone(path string) (Summary, error) {
	var s Summary
	b, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read donefile %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("parse donefile %s: %w", path, err)
	}
	return s, nil
}

// IsDone reports whether path exists.
func IsDone(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
