package workdir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestDir(t *testing.T, opts Options) *Dir {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.CreateWorkDir = true
	d, err := Open(opts, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestOpenCreatesTree(t *testing.T) {
	d := openTestDir(t, Options{Role: RoleClone})
	for _, p := range []string{d.Run, d.Tables, d.Indexes, d.Done, d.CDC, d.Compare, d.Schema} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestRestartWithResumeRefused(t *testing.T) {
	_, err := Open(Options{Dir: t.TempDir(), Restart: true, Resume: true}, zerolog.Nop())
	require.Error(t, err)
}

func TestRestartCleansContents(t *testing.T) {
	dir := t.TempDir()
	d := openTestDir(t, Options{Dir: dir})
	require.NoError(t, d.MarkPhaseDone(PhaseTables))
	require.True(t, d.PhaseDone(PhaseTables))

	d2 := openTestDir(t, Options{Dir: dir, Restart: true})
	require.False(t, d2.PhaseDone(PhaseTables))
}

func TestLivePidfileRefusesStart(t *testing.T) {
	dir := t.TempDir()
	d := openTestDir(t, Options{Dir: dir})
	require.NoError(t, d.WritePidFile("test"))

	_, err := Open(Options{Dir: dir, CreateWorkDir: true}, zerolog.Nop())
	require.Error(t, err)
}

func TestStalePidfileReclaimed(t *testing.T) {
	dir := t.TempDir()
	d := openTestDir(t, Options{Dir: dir})

	mutex := filepath.Join(t.TempDir(), "stranded.lock")
	require.NoError(t, os.WriteFile(mutex, nil, 0o644))
	// Pid 1 cannot be signaled by an unprivileged test process... use an
	// impossibly large pid instead, which FindProcess/Signal rejects.
	content := fmt.Sprintf("%d\ntest\n%s\n", 1<<30, mutex)
	require.NoError(t, os.WriteFile(d.PidFile(), []byte(content), 0o644))

	_, err := Open(Options{Dir: dir, CreateWorkDir: true}, zerolog.Nop())
	require.NoError(t, err)
	_, statErr := os.Stat(d.PidFile())
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(mutex)
	require.True(t, os.IsNotExist(statErr))
}

func TestAcquireLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.lock")
	require.NoError(t, AcquireLock(path, false))

	// Same (live) pid holds the lock: the second acquire must contend.
	err := AcquireLock(path, false)
	require.ErrorIs(t, err, ErrLockContended)

	require.NoError(t, ReleaseLock(path))
	require.NoError(t, AcquireLock(path, false))
}

func TestAcquireLockStaleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.lock")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", 1<<30)), 0o644))

	err := AcquireLock(path, false)
	require.True(t, errors.Is(err, ErrLockStale))

	require.NoError(t, AcquireLock(path, true))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(b))
}

func TestDonefileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "42.done")
	want := Summary{
		PID:       os.Getpid(),
		OID:       42,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		DoneAt:    time.Now().UTC().Truncate(time.Second),
		Bytes:     1 << 20,
		Rows:      1000,
		Command:   "COPY public.t TO STDOUT",
	}
	require.NoError(t, WriteDone(path, want))
	require.True(t, IsDone(path))

	got, err := ReadDone(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestVerifyResumeSnapshot(t *testing.T) {
	d := openTestDir(t, Options{})
	require.NoError(t, d.WriteSnapshotFile("00000003-00000002-1"))

	require.NoError(t, d.VerifyResumeSnapshot("00000003-00000002-1", false))
	require.Error(t, d.VerifyResumeSnapshot("00000009-00000001-1", false))
	require.NoError(t, d.VerifyResumeSnapshot("00000009-00000001-1", true))
	require.NoError(t, d.VerifyResumeSnapshot("", false))
}
