// Package workdir owns the on-disk namespace every process coordinates
// through: the directory tree, the pidfile, phase stamps, and the
// per-object lockfile/donefile discipline.
package workdir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Role namespaces the default temp directory per top-level activity.
type Role string

const (
	RoleClone    Role = "clone"
	RoleSnapshot Role = "snapshot"
	RoleFollow   Role = "follow"
	RoleCompare  Role = "compare"
)

// Dir is the resolved work directory with its canonical subtrees.
type Dir struct {
	Top     string
	Run     string
	Tables  string
	Indexes string
	Done    string
	CDC     string
	Compare string
	Schema  string

	logger zerolog.Logger
}

// Options controls Open's restart/resume arbitration.
type Options struct {
	Dir           string
	Role          Role
	Restart       bool
	Resume        bool
	CreateWorkDir bool
}

// Open resolves, verifies, and (when asked) creates the work directory.
// Any ambiguity — live pidfile owner, conflicting flags — fails here,
// before any side effect.
func Open(opts Options, logger zerolog.Logger) (*Dir, error) {
	if opts.Restart && opts.Resume {
		return nil, fmt.Errorf("restart and resume are mutually exclusive")
	}

	top := opts.Dir
	if top == "" {
		top = defaultDir(opts.Role)
	}
	top = filepath.Clean(top)

	d := &Dir{
		Top:     top,
		Run:     filepath.Join(top, "run"),
		Tables:  filepath.Join(top, "run", "tables"),
		Indexes: filepath.Join(top, "run", "indexes"),
		Done:    filepath.Join(top, "run", "done"),
		CDC:     filepath.Join(top, "cdc"),
		Compare: filepath.Join(top, "compare"),
		Schema:  filepath.Join(top, "schema"),
		logger:  logger.With().Str("component", "workdir").Logger(),
	}

	if err := d.checkPidfile(); err != nil {
		return nil, err
	}

	if opts.Restart {
		d.logger.Info().Str("dir", top).Msg("restart: removing previous work directory contents")
		if err := cleanupDir(top); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("restart cleanup %s: %w", top, err)
		}
	}

	if opts.CreateWorkDir {
		for _, p := range []string{d.Top, d.Run, d.Tables, d.Indexes, d.Done, d.CDC, d.Compare, d.Schema} {
			if err := os.MkdirAll(p, 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", p, err)
			}
		}
	}

	return d, nil
}

// defaultDir derives a per-role directory under the system temp root.
func defaultDir(role Role) string {
	base := filepath.Join(os.TempDir(), "pgcopystream")
	if role == "" {
		return base
	}
	return filepath.Join(base, string(role))
}

// cleanupDir removes every entry under dir, keeping dir itself.
func cleanupDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Well-known file locations.

func (d *Dir) PidFile() string { return filepath.Join(d.Top, "pgcopystream.pid") }
func (d *Dir) ServicePidFile(s string) string {
	return filepath.Join(d.Top, fmt.Sprintf("pgcopystream.%s.pid", s))
}
func (d *Dir) SnapshotFile() string { return filepath.Join(d.Top, "snapshot") }

func (d *Dir) TableLock(oid uint32, part int) string {
	return filepath.Join(d.Tables, partName(oid, part)+".lock")
}
func (d *Dir) TableDone(oid uint32, part int) string {
	return filepath.Join(d.Tables, partName(oid, part)+".done")
}
func (d *Dir) IndexLock(oid uint32) string {
	return filepath.Join(d.Indexes, fmt.Sprintf("%d.lock", oid))
}
func (d *Dir) IndexDone(oid uint32) string {
	return filepath.Join(d.Indexes, fmt.Sprintf("%d.done", oid))
}
func (d *Dir) ConstraintLock(oid uint32) string {
	return filepath.Join(d.Indexes, fmt.Sprintf("%d.constraint.lock", oid))
}
func (d *Dir) ConstraintDone(oid uint32) string {
	return filepath.Join(d.Indexes, fmt.Sprintf("%d.constraint.done", oid))
}

func partName(oid uint32, part int) string {
	if part <= 0 {
		return fmt.Sprintf("%d", oid)
	}
	return fmt.Sprintf("%d.%d", oid, part)
}

// Phase stamps: empty marker files whose existence means "phase done".

type Phase string

const (
	PhaseDumpPre     Phase = "dump-pre"
	PhaseDumpPost    Phase = "dump-post"
	PhaseRestorePre  Phase = "restore-pre"
	PhaseRestorePost Phase = "restore-post"
	PhaseTables      Phase = "tables"
	PhaseIndexes     Phase = "indexes"
	PhaseSequences   Phase = "sequences"
	PhaseBlobs       Phase = "blobs"
)

func (d *Dir) PhaseStamp(p Phase) string {
	return filepath.Join(d.Run, string(p)+".done")
}

// PhaseDone reports whether the stamp for p exists.
func (d *Dir) PhaseDone(p Phase) bool {
	_, err := os.Stat(d.PhaseStamp(p))
	return err == nil
}

// MarkPhaseDone creates the stamp for p.
func (d *Dir) MarkPhaseDone(p Phase) error {
	f, err := os.OpenFile(d.PhaseStamp(p), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("phase stamp %s: %w", p, err)
	}
	return f.Close()
}

// CDC area files.

func (d *Dir) OriginFile() string { return filepath.Join(d.CDC, "origin") }
func (d *Dir) SlotFile() string { return filepath.Join(d.CDC, "slot") }
func (d *Dir) TimelineFile() string { return filepath.Join(d.CDC, "tli") }
func (d *Dir) TimelineHistoryFile() string { return filepath.Join(d.CDC, "tli.history") }
func (d *Dir) WalSegSizeFile() string { return filepath.Join(d.CDC, "wal_segment_size") }
func (d *Dir) LSNFile() string { return filepath.Join(d.CDC, "lsn.json") }
func (d *Dir) LatestSQLFile() string { return filepath.Join(d.CDC, "txn.latest.sql") }
func (d *Dir) JSONSegment(wal string) string { return filepath.Join(d.CDC, wal+".json") }
func (d *Dir) SQLSegment(wal string) string { return filepath.Join(d.CDC, wal+".sql") }

// Compare area files.

func (d *Dir) SourceSchemaFile() string { return filepath.Join(d.Compare, "source-schema.json") }
func (d *Dir) TargetSchemaFile() string { return filepath.Join(d.Compare, "target-schema.json") }
func (d *Dir) SourceDataFile() string { return filepath.Join(d.Compare, "source-data.json") }
func (d *Dir) TargetDataFile() string { return filepath.Join(d.Compare, "target-data.json") }

// Schema archive files (pg_dump custom format).

func (d *Dir) PreDataDump() string { return filepath.Join(d.Schema, "pre.dump") }
func (d *Dir) PostDataDump() string { return filepath.Join(d.Schema, "post.dump") }
func (d *Dir) PreDataList() string { return filepath.Join(d.Schema, "pre.list") }
func (d *Dir) PostDataList() string { return filepath.Join(d.Schema, "post.list") }
func (d *Dir) CatalogDB() string { return filepath.Join(d.Schema, "source.db") }

// LogMutexPath derives the shared logging-mutex lock file recorded in
// the pidfile, so child processes reopen the same one.
func LogMutexPath(top string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(top)))
	return filepath.Join(os.TempDir(),
		fmt.Sprintf("pgcopystream_log_%s.lock", hex.EncodeToString(sum[:8])))
}

// ReadSnapshotFile returns the persisted snapshot token, empty when the
// file does not exist yet.
func (d *Dir) ReadSnapshotFile() (string, error) {
	b, err := os.ReadFile(d.SnapshotFile())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read snapshot file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// WriteSnapshotFile persists the snapshot token.
func (d *Dir) WriteSnapshotFile(token string) error {
	if err := os.WriteFile(d.SnapshotFile(), []byte(token+"\n"), 0o644); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}
	return nil
}

// RemoveSnapshotFile drops the snapshot token at clone end.
func (d *Dir) RemoveSnapshotFile() error {
	err := os.Remove(d.SnapshotFile())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// VerifyResumeSnapshot enforces the resume contract: the persisted token
// must match the one passed on the command line, unless the caller opted
// out of consistency.
func (d *Dir) VerifyResumeSnapshot(argToken string, notConsistent bool) error {
	if notConsistent {
		return nil
	}
	onDisk, err := d.ReadSnapshotFile()
	if err != nil {
		return err
	}
	if onDisk == "" {
		return nil
	}
	if argToken != "" && argToken != onDisk {
		return fmt.Errorf("resume: snapshot %q does not match the one on file (%q); use --not-consistent to override", argToken, onDisk)
	}
	return nil
}
