package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// TrackedLSN maps a source commit LSN to the target insert LSN observed
// right after the commit. The applier appends one entry per transaction
// and intersects the set with the target's flush position on resume.
type TrackedLSN struct {
	SourceLSN pglogrepl.LSN
	TargetLSN pglogrepl.LSN
	TrackedAt time.Time
}

// AddTrackedLSN appends one (source, target) pair.
func (s *Store) AddTrackedLSN(ctx context.Context, source, target pglogrepl.LSN) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO lsn_tracking (source_lsn, target_lsn, tracked_at)
			VALUES (?, ?, ?)`,
			int64(source), int64(target), time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("track lsn %s: %w", source, err)
		}
		return nil
	})
}

// DeleteAllTrackedLSNs empties the tracking table (stream cleanup).
func (s *Store) DeleteAllTrackedLSNs(ctx context.Context) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM lsn_tracking`)
		if err != nil {
			return fmt.Errorf("delete lsn tracking: %w", err)
		}
		return nil
	})
}

// TrackedIter iterates tracking entries newest-first.
type TrackedIter struct {
	store  *Store
	cursor int64
	cur    TrackedLSN
	err    error
	done   bool
}

// IterateTrackedLSNs returns a newest-first cursor. Each step runs its
// own bounded query, so the iterator holds no lock between steps.
func (s *Store) IterateTrackedLSNs(ctx context.Context) *TrackedIter {
	return &TrackedIter{store: s, cursor: int64(^uint64(0) >> 1)}
}

func (it *TrackedIter) Next(ctx context.Context) bool {
	if it.err != nil || it.done {
		return false
	}
	var src, dst int64
	var at string
	err := it.store.db.QueryRowContext(ctx, `
		SELECT source_lsn, target_lsn, tracked_at FROM lsn_tracking
		WHERE source_lsn < ? ORDER BY source_lsn DESC LIMIT 1`, it.cursor).
		Scan(&src, &dst, &at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			it.done = true
		} else {
			it.err = err
		}
		return false
	}
	t, _ := time.Parse(time.RFC3339Nano, at)
	it.cur = TrackedLSN{SourceLSN: pglogrepl.LSN(src), TargetLSN: pglogrepl.LSN(dst), TrackedAt: t}
	it.cursor = src
	return true
}

func (it *TrackedIter) Entry() TrackedLSN { return it.cur }
func (it *TrackedIter) Err() error { return it.err }

// ResumeStartLSN picks the newest tracked source LSN whose target insert
// position is durably flushed on the target, i.e. the point logical
// replay can restart from without losing transactions.
func (s *Store) ResumeStartLSN(ctx context.Context, targetFlush pglogrepl.LSN) (pglogrepl.LSN, error) {
	var src int64
	err := s.db.QueryRowContext(ctx, `
		SELECT source_lsn FROM lsn_tracking
		WHERE target_lsn <= ? ORDER BY source_lsn DESC LIMIT 1`, int64(targetFlush)).
		Scan(&src)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lsn.InvalidLSN, nil
		}
		return lsn.InvalidLSN, fmt.Errorf("resume start lsn: %w", err)
	}
	return pglogrepl.LSN(src), nil
}

// TimelineHistory returns the cached timeline entries in ascending order.
func (s *Store) TimelineHistory(ctx context.Context) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tli, begin_lsn, end_lsn, reason FROM timeline_history ORDER BY tli`)
	if err != nil {
		return nil, fmt.Errorf("read timeline history: %w", err)
	}
	defer rows.Close()
	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var begin, end string
		if err := rows.Scan(&e.TLI, &begin, &end, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan timeline entry: %w", err)
		}
		if e.Begin, err = lsn.Parse(begin); err != nil {
			return nil, err
		}
		if e.End, err = lsn.Parse(end); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
