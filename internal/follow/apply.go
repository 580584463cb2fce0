package follow

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/config"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/signals"
	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

const sentinelSyncInterval = 1 * time.Second

// Applier replays SQL segments on the target under a replication
// origin, giving exactly-once apply across restarts.
type Applier struct {
	cfg    *config.Config
	dir    *workdir.Dir
	cat    *catalog.Store
	flags  *signals.Flags
	origin string
	logger zerolog.Logger

	conn           *pgx.Conn
	originProgress pglogrepl.LSN
	lastSync       time.Time
	replayLSN      pglogrepl.LSN

	// ReachedEndPos is set when the applier exits because the sentinel
	// endpos was crossed.
	ReachedEndPos bool
}

// NewApplier builds an Applier for the configured origin.
func NewApplier(cfg *config.Config, dir *workdir.Dir, cat *catalog.Store,
	flags *signals.Flags, logger zerolog.Logger) *Applier {
	return &Applier{
		cfg:    cfg,
		dir:    dir,
		cat:    cat,
		flags:  flags,
		origin: OriginName(cfg),
		logger: logger.With().Str("component", "apply").Logger(),
	}
}

// Run connects, restores the origin session, publishes the resume
// start position, and applies SQL segments as they arrive.
func (a *Applier) Run(ctx context.Context, sqlFiles <-chan string) error {
	if err := VerifyOriginFile(a.dir, a.origin); err != nil {
		return err
	}

	conn, err := pgsql.Connect(ctx, a.cfg.Target.DSN(), pgsql.DefaultRetry(), a.logger)
	if err != nil {
		return err
	}
	a.conn = conn
	defer conn.Close(context.Background())

	if err := a.setupOrigin(ctx); err != nil {
		return err
	}
	if err := a.publishResumeStartPos(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case path, ok := <-sqlFiles:
			if !ok {
				return nil
			}
			if err := a.ApplyFile(ctx, path); err != nil {
				return err
			}
			if a.ReachedEndPos {
				return nil
			}
		}
		if a.flags.Asked() {
			a.logger.Info().Msg("stop requested, shutting down applier")
			return nil
		}
	}
}

// setupOrigin creates (if needed) and attaches the replication origin,
// loading its recorded progress for dedupe.
func (a *Applier) setupOrigin(ctx context.Context) error {
	var oid *uint32
	err := a.conn.QueryRow(ctx,
		"SELECT pg_replication_origin_oid($1)", a.origin).Scan(&oid)
	if err != nil {
		return fmt.Errorf("look up origin %s: %w", a.origin, err)
	}
	if oid == nil {
		if _, err := a.conn.Exec(ctx,
			"SELECT pg_replication_origin_create($1)", a.origin); err != nil {
			return fmt.Errorf("create origin %s: %w", a.origin, err)
		}
		a.logger.Info().Str("origin", a.origin).Msg("created replication origin")
	}

	if _, err := a.conn.Exec(ctx,
		"SELECT pg_replication_origin_session_setup($1)", a.origin); err != nil {
		return fmt.Errorf("origin session setup %s: %w", a.origin, err)
	}

	var progress *string
	err = a.conn.QueryRow(ctx,
		"SELECT pg_replication_origin_progress($1, true)::text", a.origin).Scan(&progress)
	if err != nil {
		return fmt.Errorf("origin progress %s: %w", a.origin, err)
	}
	if progress != nil {
		v, err := lsn.Parse(*progress)
		if err != nil {
			return err
		}
		a.originProgress = v
	}
	a.logger.Info().
		Str("origin", a.origin).
		Stringer("progress", a.originProgress).
		Msg("replication origin attached")
	return nil
}

// publishResumeStartPos intersects the LSN-tracking table with the
// target's durable flush position and pushes the result back as the
// sentinel's startpos.
func (a *Applier) publishResumeStartPos(ctx context.Context) error {
	var flushText string
	if err := a.conn.QueryRow(ctx,
		"SELECT pg_current_wal_flush_lsn()::text").Scan(&flushText); err != nil {
		return fmt.Errorf("target flush lsn: %w", err)
	}
	flush, err := lsn.Parse(flushText)
	if err != nil {
		return err
	}
	start, err := a.cat.ResumeStartLSN(ctx, flush)
	if err != nil {
		return err
	}
	if start == lsn.InvalidLSN {
		return nil
	}
	a.logger.Info().Stringer("startpos", start).Msg("publishing resume start position")
	return a.cat.UpdateStartPos(ctx, start)
}

// pendingTx buffers one source transaction until its COMMIT marker.
type pendingTx struct {
	beginLSN pglogrepl.LSN
	xid      uint32
	stmts    []string
}

// ApplyFile replays one SQL segment. Statement order within a
// transaction, and transaction order by LSN, are preserved exactly.
func (a *Applier) ApplyFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sql segment %s: %w", path, err)
	}
	defer f.Close()

	a.logger.Info().Str("file", path).Msg("applying sql segment")

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	var tx *pendingTx
	var pendingLine string

	nextLine := func() (string, bool) {
		if pendingLine != "" {
			l := pendingLine
			pendingLine = ""
			return l, true
		}
		for scanner.Scan() {
			l := scanner.Text()
			if strings.TrimSpace(l) != "" {
				return l, true
			}
		}
		return "", false
	}

	for {
		if a.flags.Asked() {
			return nil
		}
		line, ok := nextLine()
		if !ok {
			break
		}
		marker, err := ParseMarker(line)
		if err != nil {
			return fmt.Errorf("segment %s: %w", path, err)
		}

		// The statement, when present, is the next non-marker line.
		var stmt string
		if l, ok := nextLine(); ok {
			if strings.HasPrefix(l, markerPrefix) {
				pendingLine = l
			} else {
				stmt = l
			}
		}

		switch marker.Action {
		case ActionBegin:
			if tx != nil {
				return fmt.Errorf("segment %s: BEGIN at %s inside an open transaction", path, marker.LSN)
			}
			tx = &pendingTx{beginLSN: marker.LSN, xid: marker.XID}

		case ActionCommit:
			if tx == nil {
				return fmt.Errorf("segment %s: COMMIT at %s without a transaction", path, marker.LSN)
			}
			if err := a.commitTx(ctx, tx, marker); err != nil {
				return err
			}
			tx = nil
			if a.ReachedEndPos {
				return nil
			}

		case ActionInsert, ActionUpdate, ActionDelete, ActionTruncate:
			if stmt == "" {
				return fmt.Errorf("segment %s: marker %s at %s without a statement", path, marker.Action, marker.LSN)
			}
			if tx == nil {
				return fmt.Errorf("segment %s: DML at %s outside a transaction", path, marker.LSN)
			}
			tx.stmts = append(tx.stmts, stmt)

		case ActionKeepalive:
			if tx == nil {
				if err := a.syncSentinel(ctx, marker.LSN, false); err != nil {
					return err
				}
				if a.ReachedEndPos {
					return nil
				}
			}

		case ActionSwitch:
			// end of this segment; the caller hands over the next file
			return nil

		case ActionEndpos:
			// The receiver wrote this after crossing endpos; publish the
			// position and stop cleanly.
			if err := a.syncSentinel(ctx, marker.LSN, true); err != nil {
				return err
			}
			a.ReachedEndPos = true
			return nil
		}
	}
	return scanner.Err()
}

// commitTx applies one buffered transaction: transactions committed at
// or before the origin's recorded progress are skipped whole, everything else is
// applied with the origin advanced atomically with the commit.
func (a *Applier) commitTx(ctx context.Context, tx *pendingTx, commit Marker) error {
	if commit.LSN <= a.originProgress {
		a.logger.Debug().
			Stringer("commit_lsn", commit.LSN).
			Stringer("origin_progress", a.originProgress).
			Msg("transaction already applied, skipping")
		return a.syncSentinel(ctx, commit.LSN, true)
	}

	// A paused apply (sentinel apply=false) holds here, at a
	// transaction boundary, until the operator re-enables it.
	if err := a.waitApplyEnabled(ctx); err != nil {
		return err
	}

	dbTx, err := a.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	for _, stmt := range tx.stmts {
		if _, err := dbTx.Exec(ctx, stmt); err != nil {
			// One failed transaction is fatal; the sentinel is never
			// advanced past the failing LSN.
			return fmt.Errorf("apply xid %d at %s: %q: %w", tx.xid, commit.LSN, truncateSQL(stmt), err)
		}
	}

	ts := commit.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if _, err := dbTx.Exec(ctx,
		"SELECT pg_replication_origin_xact_setup($1::pg_lsn, $2::timestamptz)",
		commit.LSN.String(), ts); err != nil {
		return fmt.Errorf("origin xact setup at %s: %w", commit.LSN, err)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit xid %d at %s: %w", tx.xid, commit.LSN, err)
	}
	a.originProgress = commit.LSN

	var insertText string
	if err := a.conn.QueryRow(ctx,
		"SELECT pg_current_wal_insert_lsn()::text").Scan(&insertText); err != nil {
		return fmt.Errorf("target insert lsn: %w", err)
	}
	targetInsert, err := lsn.Parse(insertText)
	if err != nil {
		return err
	}
	if err := a.cat.AddTrackedLSN(ctx, commit.LSN, targetInsert); err != nil {
		return err
	}

	return a.syncSentinel(ctx, commit.LSN, true)
}

// syncSentinel advances replay_lsn (rate-limited outside commits) and
// reacts to out-of-band endpos changes.
func (a *Applier) syncSentinel(ctx context.Context, replay pglogrepl.LSN, force bool) error {
	if replay > a.replayLSN {
		a.replayLSN = replay
	}
	if !force && time.Since(a.lastSync) < sentinelSyncInterval {
		return nil
	}
	a.lastSync = time.Now()

	snt, err := a.cat.SyncApply(ctx, a.replayLSN)
	if err != nil {
		return err
	}
	if snt.EndPos != lsn.InvalidLSN && a.replayLSN >= snt.EndPos {
		a.logger.Info().
			Stringer("endpos", snt.EndPos).
			Stringer("replay_lsn", a.replayLSN).
			Msg("endpos reached, stopping applier")
		a.ReachedEndPos = true
	}
	return nil
}

// waitApplyEnabled blocks while the sentinel's apply toggle is off.
func (a *Applier) waitApplyEnabled(ctx context.Context) error {
	for {
		snt, err := a.cat.GetSentinel(ctx)
		if err != nil {
			return err
		}
		if snt.Apply {
			return nil
		}
		a.logger.Info().Msg("apply disabled by sentinel, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sentinelSyncInterval):
		}
		if a.flags.Asked() {
			return fmt.Errorf("stop requested while apply is disabled")
		}
	}
}

func truncateSQL(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
