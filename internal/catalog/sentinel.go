package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

// Sentinel is the follower's progress beacon and operator control
// channel: a single row updated by the receiver and the applier, and
// out-of-band by `stream sentinel set`.
type Sentinel struct {
	StartPos  pglogrepl.LSN
	EndPos    pglogrepl.LSN
	Apply     bool
	WriteLSN  pglogrepl.LSN
	FlushLSN  pglogrepl.LSN
	ReplayLSN pglogrepl.LSN
}

// TimelineEntry is one parsed line of a timeline history file. The tip
// entry carries End = InvalidLSN, meaning +infinity for containment.
type TimelineEntry struct {
	TLI    uint32
	Begin  pglogrepl.LSN
	End    pglogrepl.LSN
	Reason string
}

// Contains reports whether the entry's interval holds the position.
func (e TimelineEntry) Contains(pos pglogrepl.LSN) bool {
	if pos < e.Begin {
		return false
	}
	return e.End == lsn.InvalidLSN || pos < e.End
}

// LSNs are persisted as integers so SQL comparisons order them the same
// way the server does.

// SetupSentinel creates (or resets the control half of) the sentinel row.
func (s *Store) SetupSentinel(ctx context.Context, startpos, endpos pglogrepl.LSN, apply bool) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sentinel (id, startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn)
			VALUES (1, ?, ?, ?, 0, 0, 0)
			ON CONFLICT(id) DO UPDATE
			SET startpos = excluded.startpos, endpos = excluded.endpos, apply = excluded.apply`,
			int64(startpos), int64(endpos), boolInt(apply))
		if err != nil {
			return fmt.Errorf("setup sentinel: %w", err)
		}
		return nil
	})
}

// GetSentinel reads the sentinel row.
func (s *Store) GetSentinel(ctx context.Context) (*Sentinel, error) {
	return s.getSentinelQ(ctx, s.db.QueryRowContext)
}

type rowQuerier func(ctx context.Context, query string, args ...any) *sql.Row

func (s *Store) getSentinelQ(ctx context.Context, q rowQuerier) (*Sentinel, error) {
	var start, end, write, flush, replay int64
	var apply int
	err := q(ctx, `
		SELECT startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn
		FROM sentinel WHERE id = 1`).Scan(&start, &end, &apply, &write, &flush, &replay)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sentinel not set up; run stream setup first")
	}
	if err != nil {
		return nil, fmt.Errorf("read sentinel: %w", err)
	}
	return &Sentinel{
		StartPos:  pglogrepl.LSN(start),
		EndPos:    pglogrepl.LSN(end),
		Apply:     apply != 0,
		WriteLSN:  pglogrepl.LSN(write),
		FlushLSN:  pglogrepl.LSN(flush),
		ReplayLSN: pglogrepl.LSN(replay),
	}, nil
}

// UpdateStartPos moves the sentinel's startpos.
func (s *Store) UpdateStartPos(ctx context.Context, pos pglogrepl.LSN) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sentinel SET startpos = ? WHERE id = 1`, int64(pos))
		if err != nil {
			return fmt.Errorf("update sentinel startpos: %w", err)
		}
		return nil
	})
}

// UpdateEndPos moves the sentinel's endpos. The applier observes the
// change within one sync cycle.
func (s *Store) UpdateEndPos(ctx context.Context, pos pglogrepl.LSN) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sentinel SET endpos = ? WHERE id = 1`, int64(pos))
		if err != nil {
			return fmt.Errorf("update sentinel endpos: %w", err)
		}
		return nil
	})
}

// UpdateApply flips the apply toggle.
func (s *Store) UpdateApply(ctx context.Context, apply bool) error {
	return s.write(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sentinel SET apply = ? WHERE id = 1`, boolInt(apply))
		if err != nil {
			return fmt.Errorf("update sentinel apply: %w", err)
		}
		return nil
	})
}

type execer func(ctx context.Context, query string, args ...any) (sql.Result, error)

// UpdateWriteFlushLSN advances the receiver's durable positions.
// Monotonicity is enforced here, not trusted from the caller.
func (s *Store) UpdateWriteFlushLSN(ctx context.Context, write, flush pglogrepl.LSN) error {
	return s.write(func() error {
		return updateWriteFlushLocked(ctx, s.db.ExecContext, write, flush)
	})
}

func updateWriteFlushLocked(ctx context.Context, exec execer, write, flush pglogrepl.LSN) error {
	_, err := exec(ctx, `
		UPDATE sentinel
		SET write_lsn = MAX(write_lsn, ?), flush_lsn = MAX(flush_lsn, ?)
		WHERE id = 1`,
		int64(write), int64(flush))
	if err != nil {
		return fmt.Errorf("update sentinel write/flush: %w", err)
	}
	return nil
}

// UpdateReplayLSN advances the applier's replay position.
func (s *Store) UpdateReplayLSN(ctx context.Context, replay pglogrepl.LSN) error {
	return s.write(func() error {
		return updateReplayLocked(ctx, s.db.ExecContext, replay)
	})
}

func updateReplayLocked(ctx context.Context, exec execer, replay pglogrepl.LSN) error {
	_, err := exec(ctx,
		`UPDATE sentinel SET replay_lsn = MAX(replay_lsn, ?) WHERE id = 1`,
		int64(replay))
	if err != nil {
		return fmt.Errorf("update sentinel replay: %w", err)
	}
	return nil
}

// SyncRecv atomically advances write/flush and reads back the sentinel,
// so the receiver picks up endpos and apply changes in the same step.
func (s *Store) SyncRecv(ctx context.Context, write, flush pglogrepl.LSN) (*Sentinel, error) {
	var out *Sentinel
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		if err := updateWriteFlushLocked(ctx, tx.ExecContext, write, flush); err != nil {
			return err
		}
		snt, err := s.getSentinelQ(ctx, tx.QueryRowContext)
		if err != nil {
			return err
		}
		out = snt
		return nil
	})
	return out, err
}

// SyncApply atomically advances replay_lsn and reads back the sentinel.
func (s *Store) SyncApply(ctx context.Context, replay pglogrepl.LSN) (*Sentinel, error) {
	var out *Sentinel
	err := s.writeTx(ctx, func(tx *sql.Tx) error {
		if err := updateReplayLocked(ctx, tx.ExecContext, replay); err != nil {
			return err
		}
		snt, err := s.getSentinelQ(ctx, tx.QueryRowContext)
		if err != nil {
			return err
		}
		out = snt
		return nil
	})
	return out, err
}
