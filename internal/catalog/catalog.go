// Package catalog persists cached source-schema metadata, filter
// decisions, per-object progress, the sentinel, and LSN tracking in an
// embedded SQLite database under the work directory.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Store wraps the catalog database. Writers serialize on an advisory
// file lock shared across processes; readers go straight to the WAL.
type Store struct {
	db     *sql.DB
	path   string
	mutex  *flock.Flock
	logger zerolog.Logger
}

// Open opens (creating if needed) the catalog at path in WAL mode.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	// WAL mode supports many readers alongside one writer, and iterators
	// keep a connection pinned while other queries run; writers are
	// already serialized by the interprocess mutex plus busy_timeout.
	db.SetMaxOpenConns(8)

	s := &Store{
		db:     db,
		path:   path,
		mutex:  flock.New(path + ".lock"),
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// write runs fn under the interprocess mutex.
func (s *Store) write(fn func() error) error {
	if err := s.mutex.Lock(); err != nil {
		return fmt.Errorf("catalog mutex: %w", err)
	}
	defer s.mutex.Unlock()
	return fn()
}

// writeTx runs fn inside a transaction under the interprocess mutex.
func (s *Store) writeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.write(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin catalog tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) init() error {
	return s.write(func() error {
		_, err := s.db.Exec(schemaDDL)
		if err != nil {
			return fmt.Errorf("init catalog schema: %w", err)
		}
		return nil
	})
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS setup (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  source_uri_digest TEXT NOT NULL,
  target_uri_digest TEXT NOT NULL,
  snapshot TEXT NOT NULL,
  split_threshold INTEGER NOT NULL,
  split_max_parts INTEGER NOT NULL,
  filters_digest TEXT NOT NULL,
  plugin TEXT NOT NULL DEFAULT '',
  slot_name TEXT NOT NULL DEFAULT '',
  origin TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS section (
  name TEXT PRIMARY KEY,
  started_at TEXT NOT NULL,
  done_at TEXT,
  objects INTEGER NOT NULL DEFAULT 0,
  bytes INTEGER NOT NULL DEFAULT 0,
  jobs INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS s_namespace (
  oid INTEGER PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS s_role (
  oid INTEGER PRIMARY KEY,
  name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS s_table (
  oid INTEGER PRIMARY KEY,
  nspname TEXT NOT NULL,
  relname TEXT NOT NULL,
  reltuples INTEGER NOT NULL,
  bytes INTEGER NOT NULL,
  exclude_data INTEGER NOT NULL DEFAULT 0,
  split_strategy TEXT NOT NULL DEFAULT '',
  source_checksum TEXT NOT NULL DEFAULT '',
  target_checksum TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS s_table_name ON s_table(nspname, relname);

CREATE TABLE IF NOT EXISTS s_table_part (
  oid INTEGER NOT NULL REFERENCES s_table(oid),
  part INTEGER NOT NULL,
  min TEXT NOT NULL,
  max TEXT NOT NULL,
  PRIMARY KEY (oid, part)
);

CREATE TABLE IF NOT EXISTS s_attr (
  oid INTEGER NOT NULL REFERENCES s_table(oid),
  attnum INTEGER NOT NULL,
  attname TEXT NOT NULL,
  atttypid INTEGER NOT NULL,
  is_primary INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (oid, attnum)
);

CREATE TABLE IF NOT EXISTS s_index (
  oid INTEGER PRIMARY KEY,
  table_oid INTEGER NOT NULL,
  nspname TEXT NOT NULL,
  relname TEXT NOT NULL,
  is_primary INTEGER NOT NULL,
  is_unique INTEGER NOT NULL,
  columns TEXT NOT NULL,
  definition TEXT NOT NULL,
  constraint_oid INTEGER NOT NULL DEFAULT 0,
  constraint_name TEXT NOT NULL DEFAULT '',
  constraint_def TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS s_index_table ON s_index(table_oid);

CREATE TABLE IF NOT EXISTS s_seq (
  oid INTEGER PRIMARY KEY,
  nspname TEXT NOT NULL,
  relname TEXT NOT NULL,
  last_value INTEGER NOT NULL DEFAULT 0,
  is_called INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS s_extension (
  oid INTEGER PRIMARY KEY,
  extname TEXT NOT NULL,
  nspname TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS s_extension_config (
  extoid INTEGER NOT NULL REFERENCES s_extension(oid),
  reloid INTEGER NOT NULL,
  nspname TEXT NOT NULL,
  relname TEXT NOT NULL,
  condition TEXT NOT NULL DEFAULT '',
  relkind TEXT NOT NULL DEFAULT 'r',
  PRIMARY KEY (extoid, reloid)
);

CREATE TABLE IF NOT EXISTS s_collation (
  oid INTEGER PRIMARY KEY,
  nspname TEXT NOT NULL,
  collname TEXT NOT NULL,
  definition TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS s_depend (
  classid INTEGER NOT NULL,
  objid INTEGER NOT NULL,
  refclassid INTEGER NOT NULL,
  refobjid INTEGER NOT NULL,
  deptype TEXT NOT NULL,
  PRIMARY KEY (classid, objid, refclassid, refobjid, deptype)
);

CREATE TABLE IF NOT EXISTS timeline_history (
  tli INTEGER PRIMARY KEY,
  begin_lsn TEXT NOT NULL,
  end_lsn TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sentinel (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  startpos INTEGER NOT NULL DEFAULT 0,
  endpos INTEGER NOT NULL DEFAULT 0,
  apply INTEGER NOT NULL DEFAULT 0,
  write_lsn INTEGER NOT NULL DEFAULT 0,
  flush_lsn INTEGER NOT NULL DEFAULT 0,
  replay_lsn INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS lsn_tracking (
  source_lsn INTEGER PRIMARY KEY,
  target_lsn INTEGER NOT NULL,
  tracked_at TEXT NOT NULL
);
`

// Section is a fetch-phase stamp: present and done means "skip on resume".
type Section struct {
	Name      string
	StartedAt time.Time
	DoneAt    *time.Time
	Objects   int64
	Bytes     int64
	Jobs      int
}

// RegisterSectionStart records the start of a catalog-fetch section. A
// previous unfinished stamp for the same name is overwritten, per the
// no-silent-schema-evolution rule: an unfinished section is redone from
// scratch.
func (s *Store) RegisterSectionStart(ctx context.Context, name string, jobs int) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO section (name, started_at, done_at, objects, bytes, jobs)
			VALUES (?, ?, NULL, 0, 0, ?)
			ON CONFLICT(name) DO UPDATE
			SET started_at = excluded.started_at, done_at = NULL, objects = 0, bytes = 0, jobs = excluded.jobs`,
			name, time.Now().UTC().Format(time.RFC3339Nano), jobs)
		if err != nil {
			return fmt.Errorf("register section %s: %w", name, err)
		}
		return nil
	})
}

// RegisterSectionDone closes a section stamp with its object/byte counts.
func (s *Store) RegisterSectionDone(ctx context.Context, name string, objects, bytes int64) error {
	return s.write(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE section SET done_at = ?, objects = ?, bytes = ? WHERE name = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), objects, bytes, name)
		if err != nil {
			return fmt.Errorf("close section %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("close section %s: never started", name)
		}
		return nil
	})
}

// SectionDone reports whether the named section completed.
func (s *Store) SectionDone(ctx context.Context, name string) (bool, error) {
	var done sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT done_at FROM section WHERE name = ?`, name).Scan(&done)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read section %s: %w", name, err)
	}
	return done.Valid, nil
}

// Setup is the run identity record compared on resume.
type Setup struct {
	SourceDigest   string
	TargetDigest   string
	Snapshot       string
	SplitThreshold int64
	SplitMaxParts  int
	FiltersDigest  string
	Plugin         string
	SlotName       string
	Origin         string
}

// RegisterSetup stores the run identity on first use; on resume every
// field must match the stored row or the run aborts.
func (s *Store) RegisterSetup(ctx context.Context, want Setup) error {
	existing, err := s.GetSetup(ctx)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.write(func() error {
			_, err := s.db.ExecContext(ctx, `
				INSERT INTO setup (id, source_uri_digest, target_uri_digest, snapshot,
					split_threshold, split_max_parts, filters_digest, plugin, slot_name, origin)
				VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				want.SourceDigest, want.TargetDigest, want.Snapshot,
				want.SplitThreshold, want.SplitMaxParts, want.FiltersDigest,
				want.Plugin, want.SlotName, want.Origin)
			if err != nil {
				return fmt.Errorf("register setup: %w", err)
			}
			return nil
		})
	}

	mismatch := func(field, got, stored string) error {
		return fmt.Errorf("resume setup mismatch on %s: this run has %q, the work directory has %q", field, got, stored)
	}
	switch {
	case existing.SourceDigest != want.SourceDigest:
		return mismatch("source", want.SourceDigest, existing.SourceDigest)
	case existing.TargetDigest != want.TargetDigest:
		return mismatch("target", want.TargetDigest, existing.TargetDigest)
	case want.Snapshot != "" && existing.Snapshot != want.Snapshot:
		return mismatch("snapshot", want.Snapshot, existing.Snapshot)
	case existing.SplitThreshold != want.SplitThreshold:
		return mismatch("split-tables-larger-than",
			fmt.Sprintf("%d", want.SplitThreshold), fmt.Sprintf("%d", existing.SplitThreshold))
	case existing.SplitMaxParts != want.SplitMaxParts:
		return mismatch("split max parts",
			fmt.Sprintf("%d", want.SplitMaxParts), fmt.Sprintf("%d", existing.SplitMaxParts))
	case existing.FiltersDigest != want.FiltersDigest:
		return mismatch("filters", want.FiltersDigest, existing.FiltersDigest)
	case want.Origin != "" && existing.Origin != "" && existing.Origin != want.Origin:
		return mismatch("origin", want.Origin, existing.Origin)
	}
	return nil
}

// GetSetup returns the stored setup row, nil when absent.
func (s *Store) GetSetup(ctx context.Context) (*Setup, error) {
	var st Setup
	err := s.db.QueryRowContext(ctx, `
		SELECT source_uri_digest, target_uri_digest, snapshot,
		       split_threshold, split_max_parts, filters_digest, plugin, slot_name, origin
		FROM setup WHERE id = 1`).Scan(
		&st.SourceDigest, &st.TargetDigest, &st.Snapshot,
		&st.SplitThreshold, &st.SplitMaxParts, &st.FiltersDigest,
		&st.Plugin, &st.SlotName, &st.Origin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read setup: %w", err)
	}
	return &st, nil
}
