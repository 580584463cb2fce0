package clone

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jfoltran/pgcopystream/internal/pgsql"
)

const blobBatchSize = 1000

// blobProducer cursors through the source's large-object metadata in
// batches and enqueues each oid, then terminates the worker pool with
// one STOP per worker.
func (o *Orchestrator) blobProducer(ctx context.Context) error {
	defer func() {
		_ = o.blobQueue.SendStops(ctx, o.cfg.Jobs.LargeObjectJobs)
	}()

	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("blob producer: %w", err)
	}
	defer sess.Close(ctx)

	var lastOID uint32
	var total int64
	for {
		rows, err := sess.Query(ctx, `
			SELECT oid FROM pg_largeobject_metadata
			WHERE oid > $1 ORDER BY oid LIMIT $2`, lastOID, blobBatchSize)
		if err != nil {
			return fmt.Errorf("list large objects: %w", err)
		}
		var batch []uint32
		for rows.Next() {
			var oid uint32
			if err := rows.Scan(&oid); err != nil {
				rows.Close()
				return fmt.Errorf("scan large object oid: %w", err)
			}
			batch = append(batch, oid)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(batch) == 0 {
			break
		}
		for _, oid := range batch {
			if err := o.blobQueue.Send(ctx, Message{Kind: KindLargeObjectOID, OID: oid}); err != nil {
				return err
			}
		}
		lastOID = batch[len(batch)-1]
		total += int64(len(batch))
	}
	o.logger.Info().Int64("large_objects", total).Msg("large-object scan complete")
	return nil
}

// blobWorker copies large objects one oid at a time, each inside its
// own target transaction.
func (o *Orchestrator) blobWorker(ctx context.Context, id int) error {
	logger := o.logger.With().Str("worker", fmt.Sprintf("blob-%d", id)).Logger()

	sess, err := o.snaps.NewSession(ctx)
	if err != nil {
		return fmt.Errorf("blob worker %d: %w", id, err)
	}
	defer sess.Close(ctx)

	target, err := pgsql.Connect(ctx, o.cfg.Target.DSN(), o.retry, logger)
	if err != nil {
		return fmt.Errorf("blob worker %d: target: %w", id, err)
	}
	defer target.Close(ctx)

	var errCount int
	for {
		msg, err := o.blobQueue.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Kind == KindStop {
			break
		}

		if err := copyOneLargeObject(ctx, sess, target, msg.OID); err != nil {
			errCount++
			o.targetErrs.Add(1)
			logger.Error().Err(err).Uint32("oid", msg.OID).Msg("large-object copy failed")
			if o.cfg.FailFast {
				return fmt.Errorf("large object %d: %w", msg.OID, err)
			}
		}
	}
	if errCount > 0 {
		return fmt.Errorf("blob worker %d finished with %d errors", id, errCount)
	}
	return nil
}

// copyOneLargeObject reads the object under the snapshot and recreates
// it with the same oid on the target.
func copyOneLargeObject(ctx context.Context, sess interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, target *pgx.Conn, oid uint32) error {

	var data []byte
	if err := sess.QueryRow(ctx, "SELECT lo_get($1)", oid).Scan(&data); err != nil {
		return fmt.Errorf("read large object %d: %w", oid, err)
	}

	tx, err := target.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Recreate with the same oid so references keep working. An object
	// left over from an interrupted run is dropped first.
	if _, err := tx.Exec(ctx,
		"SELECT lo_unlink($1) FROM pg_largeobject_metadata WHERE oid = $1", oid); err != nil {
		return fmt.Errorf("unlink large object %d: %w", oid, err)
	}
	if _, err := tx.Exec(ctx, "SELECT lo_create($1)", oid); err != nil {
		return fmt.Errorf("create large object %d: %w", oid, err)
	}
	if _, err := tx.Exec(ctx, "SELECT lo_put($1, 0, $2)", oid, data); err != nil {
		return fmt.Errorf("write large object %d: %w", oid, err)
	}
	return tx.Commit(ctx)
}
