package clone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/workdir"
)

// tableCopyWorker pulls TABLE_OID messages and streams one table (or
// table part) from source to target. Each worker owns one source
// connection joined to the shared snapshot and one target connection.
func (o *Orchestrator) tableCopyWorker(ctx context.Context, id int) error {
	logger := o.logger.With().Str("worker", fmt.Sprintf("table-copy-%d", id)).Logger()

	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("table-copy worker %d: %w", id, err)
	}
	defer sess.Close(ctx)

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, logger)
	if err != nil {
		return fmt.Errorf("table-copy worker %d: target: %w", id, err)
	}
	defer target.Close(ctx)

	var errCount int
	for {
		msg, err := o.tableQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Kind == KindStop {
			break
		}
		if o.flags.Asked() {
			return ErrQueueStopped
		}

		if err := o.copyOneTable(ctx, sess.Conn, target, msg.OID, msg.Part, logger); err != nil {
			errCount++
			logger.Error().Err(err).Uint32("oid", msg.OID).Int("part", msg.Part).Msg("table copy failed")
			o.sourceErrs.Add(1)
			if o.cfg.FailFast {
				return fmt.Errorf("table copy %d: %w", msg.OID, err)
			}
			continue
		}
		o.notifyPartDone(ctx, msg.OID)
	}
	if errCount > 0 {
		return fmt.Errorf("table-copy worker %d finished with %d errors", id, errCount)
	}
	return nil
}

// copyOneTable runs the lockfile/donefile cycle around one COPY stream.
func (o *Orchestrator) copyOneTable(ctx context.Context, source, target *pgx.Conn,
	oid uint32, part int, logger zerolog.Logger) error {

	lockPath := o.dir.TableLock(oid, part)
	donePath := o.dir.TableDone(oid, part)

	if workdir.IsDone(donePath) {
		logger.Debug().Uint32("oid", oid).Int("part", part).Msg("table already copied, skipping")
		return nil
	}
	if err := workdir.AcquireLock(lockPath, o.cfg.Resume); err != nil {
		if errors.Is(err, workdir.ErrLockContended) {
			logger.Debug().Uint32("oid", oid).Msg("table owned by another worker, skipping")
			return nil
		}
		return err
	}
	defer func() {
		if err := workdir.ReleaseLock(lockPath); err != nil {
			logger.Warn().Err(err).Msg("release table lock")
		}
	}()

	t, err := o.cat.GetTable(ctx, oid)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("table %d not in catalog", oid)
	}

	qualified := pgsql.QualifiedName(t.Schema, t.Name)
	copyOut := fmt.Sprintf("COPY %s TO STDOUT", qualified)
	if part > 0 {
		var tp *catalog.TablePart
		for i := range t.Parts {
			if t.Parts[i].Part == part {
				tp = &t.Parts[i]
				break
			}
		}
		if tp == nil {
			return fmt.Errorf("part %d of table %s not in catalog", part, t.QualifiedName())
		}
		where, err := partPredicate(t.SplitStrategy, *tp)
		if err != nil {
			return err
		}
		copyOut = fmt.Sprintf("COPY (SELECT * FROM %s WHERE %s) TO STDOUT", qualified, where)
	}
	copyIn := fmt.Sprintf("COPY %s FROM STDIN", qualified)

	started := time.Now()
	logger.Info().Str("table", t.QualifiedName()).Int("part", part).Msg("copying table")

	bytes, err := pgsql.CopyPipeline(ctx, source.PgConn(), target.PgConn(), copyOut, copyIn)
	if err != nil {
		return fmt.Errorf("copy %s: %w", t.QualifiedName(), err)
	}

	var checksum string
	if o.cfg.Verify && part == 0 {
		checksum, err = o.verifyTable(ctx, source, target, t)
		if err != nil {
			return err
		}
	}

	summary := workdir.Summary{
		PID:       os.Getpid(),
		OID:       oid,
		Part:      part,
		StartedAt: started,
		DoneAt:    time.Now(),
		Bytes:     bytes,
		Command:   copyOut,
		Checksum:  checksum,
	}
	if err := workdir.WriteDone(donePath, summary); err != nil {
		return err
	}

	o.bar.add(bytes)
	logger.Info().
		Str("table", t.QualifiedName()).
		Int("part", part).
		Int64("bytes", bytes).
		Dur("elapsed", time.Since(started)).
		Msg("table copied")
	return nil
}

// verifyTable compares row count plus an order-independent row checksum
// between source and target, recording both in the catalog.
func (o *Orchestrator) verifyTable(ctx context.Context, source, target *pgx.Conn, t *catalog.Table) (string, error) {
	qualified := pgsql.QualifiedName(t.Schema, t.Name)
	sql := fmt.Sprintf(
		`SELECT count(*)::bigint::text || ':' || COALESCE(bit_xor(hashtext(t.*::text)), 0)::text FROM %s AS t`,
		qualified)

	var srcSum, dstSum string
	if err := source.QueryRow(ctx, sql).Scan(&srcSum); err != nil {
		return "", fmt.Errorf("source checksum %s: %w", t.QualifiedName(), err)
	}
	if err := target.QueryRow(ctx, sql).Scan(&dstSum); err != nil {
		return "", fmt.Errorf("target checksum %s: %w", t.QualifiedName(), err)
	}
	if err := o.cat.UpdateTableChecksums(ctx, t.OID, srcSum, dstSum); err != nil {
		return "", err
	}
	if srcSum != dstSum {
		return "", fmt.Errorf("checksum mismatch on %s: source %s, target %s", t.QualifiedName(), srcSum, dstSum)
	}
	return srcSum, nil
}
